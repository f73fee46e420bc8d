package invite

import (
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// Peer is what the machines need from the owning dialog: envelope building
// and the downward send path.
type Peer interface {
	MakeRequest(method string) *message.Message
	MakeResponse(req *message.Message, code int, reason string) *message.Message
	Send(msg *message.Message) error
	SendRelated(msg *message.Message, related *message.Message) error
}

// ClientSession drives the caller side of one INVITE exchange. Exactly one
// lives per call leg at a time; once Terminal it must be dropped.
type ClientSession struct {
	peer Peer
	log  zerolog.Logger

	st     State
	useRpr bool

	invite    *message.Message // the sent INVITE
	final     *message.Message // stored 2xx while the ACK answer is owed
	unpracked *message.Message // reliable response whose PRACK owes the answer
	lastRSeq  uint32
}

// ClientOption configures a ClientSession.
type ClientOption func(*ClientSession)

// WithClientReliable advertises 100rel support on the INVITE.
func WithClientReliable() ClientOption {
	return func(s *ClientSession) { s.useRpr = true }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(s *ClientSession) {
		s.log = log.With().Str("component", "invite_client").Logger()
	}
}

func NewClientSession(peer Peer, opts ...ClientOption) *ClientSession {
	s := &ClientSession{peer: peer, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ClientSession) State() State { return s.st }

// IsClogged reports whether a new outgoing session must wait. The INVITE,
// the PRACK answer to a reliable offer, and the ACK answer to a final offer
// are the only sendable points.
func (s *ClientSession) IsClogged() bool {
	switch s.st {
	case StateStart, StateReliableOffer, StateFinalOffer, StateFinish, StateAbort:
		return false
	}
	return true
}

// ProcessOutgoing emits a request belonging to this INVITE exchange. The
// machine validates that a body is legal here, stamps reliability headers,
// and advances state.
func (s *ClientSession) ProcessOutgoing(msg *message.Message, body []byte, isAnswer bool) error {
	if s.st.Terminal() {
		return ErrFinished
	}

	switch msg.Method {
	case transaction.MethodInvite:
		if s.st != StateStart {
			return ErrClogged
		}
		if isAnswer {
			return ErrBadState
		}
		attach(msg, body)
		if s.useRpr {
			if msg.Supported == nil {
				msg.Supported = message.NewSet()
			}
			msg.Supported.Add(TagReliable)
		}
		s.invite = msg
		if err := s.peer.Send(msg); err != nil {
			s.abort()
			return err
		}
		if len(body) > 0 {
			s.st = StateRequestOffer
		} else {
			s.st = StateRequestEmpty
		}
		return nil

	case transaction.MethodCancel:
		if s.st == StateStart {
			return ErrBadState
		}
		return s.peer.SendRelated(msg, s.invite)

	case transaction.MethodPrack:
		// Only reachable as the answer to a reliable offer; empty
		// PRACKs are synthesized internally.
		if s.st != StateReliableOffer || !isAnswer || len(body) == 0 {
			return ErrBadState
		}
		attach(msg, body)
		msg.RAck = &message.RAck{RSeq: s.unpracked.RSeq, CSeq: s.invite.CSeq}
		if err := s.peer.Send(msg); err != nil {
			s.abort()
			return err
		}
		s.unpracked = nil
		s.st = StateEarlySession
		return nil

	case transaction.MethodAck:
		if s.st != StateFinalOffer || !isAnswer || len(body) == 0 {
			return ErrBadState
		}
		attach(msg, body)
		if err := s.peer.SendRelated(msg, s.final); err != nil {
			s.abort()
			return err
		}
		s.st = StateFinish
		return nil
	}
	return ErrBadState
}

// ProcessIncoming consumes one response belonging to this INVITE exchange,
// classifying any body against the current state and synthesizing the
// transport-level companion (auto-PRACK, auto-ACK). A nil event means the
// response was swallowed.
func (s *ClientSession) ProcessIncoming(resp *message.Message) (*Event, error) {
	if s.st.Terminal() {
		return nil, ErrFinished
	}
	if !resp.IsResponse {
		s.log.Warn().Str("method", resp.Method).Msg("request fed to client machine")
		return nil, nil
	}

	switch resp.CSeq.Method {
	case transaction.MethodCancel, transaction.MethodPrack:
		// 200 for our CANCEL/PRACK carries nothing the upper layer needs.
		return nil, nil
	case transaction.MethodInvite:
	default:
		return nil, nil
	}

	switch {
	case resp.Status.Code == 100:
		return nil, nil
	case resp.IsProvisional() && resp.RSeq > 0:
		return s.takeReliable(resp)
	case resp.IsProvisional():
		return s.takeProvisional(resp)
	case resp.IsSuccess():
		return s.takeSuccess(resp)
	}
	// Non-2xx final; the transaction layer has already ACKed it.
	s.st = StateFinish
	return &Event{Msg: resp}, nil
}

func (s *ClientSession) takeReliable(resp *message.Message) (*Event, error) {
	if s.lastRSeq != 0 && resp.RSeq != s.lastRSeq+1 {
		// Duplicate or gap: rely on the peer's retransmission to bring
		// the next one in order (RFC 3262 4).
		s.log.Debug().Uint32("rseq", resp.RSeq).Msg("out-of-order reliable response ignored")
		return nil, nil
	}
	s.lastRSeq = resp.RSeq

	if resp.HasBody() && s.st == StateRequestEmpty {
		// The peer offered in a reliable provisional; the answer must
		// ride our PRACK, so nothing is acknowledged yet.
		s.unpracked = resp
		s.st = StateReliableOffer
		return &Event{Msg: resp, Body: resp.Body}, nil
	}

	ev := &Event{Msg: resp}
	if resp.HasBody() && s.st == StateRequestOffer {
		ev.Body, ev.IsAnswer = resp.Body, true
		s.st = StateEarlySession
	}
	s.autoPrack(resp)
	return ev, nil
}

func (s *ClientSession) takeProvisional(resp *message.Message) (*Event, error) {
	if resp.HasBody() && (s.st == StateRequestOffer || s.st == StateProvisionalAnswer) {
		// Unreliable answer preview; the final response commits it.
		s.st = StateProvisionalAnswer
		return &Event{Msg: resp, Body: resp.Body, IsAnswer: true}, nil
	}
	// A body anywhere else in an unreliable provisional is not a legal
	// offer position and is ignored.
	return &Event{Msg: resp}, nil
}

func (s *ClientSession) takeSuccess(resp *message.Message) (*Event, error) {
	if s.st == StateRequestEmpty {
		if resp.HasBody() {
			s.final = resp
			s.st = StateFinalOffer
			return &Event{Msg: resp, Body: resp.Body}, nil
		}
		// The peer never offered anywhere. Acknowledge and let the
		// owner decide; usually a hangup follows.
		s.log.Warn().Msg("2xx without offer on an empty INVITE")
		s.autoAck(resp)
		s.st = StateFinish
		return &Event{Msg: resp}, nil
	}

	ev := &Event{Msg: resp}
	if resp.HasBody() && s.st != StateEarlySession {
		ev.Body, ev.IsAnswer = resp.Body, true
	}
	s.autoAck(resp)
	s.st = StateFinish
	return ev, nil
}

func (s *ClientSession) autoPrack(resp *message.Message) {
	pr := s.peer.MakeRequest(transaction.MethodPrack)
	pr.RAck = &message.RAck{RSeq: resp.RSeq, CSeq: s.invite.CSeq}
	if err := s.peer.Send(pr); err != nil {
		s.log.Error().Err(err).Msg("auto-PRACK failed")
	}
}

func (s *ClientSession) autoAck(resp *message.Message) {
	ack := &message.Message{Method: transaction.MethodAck}
	if err := s.peer.SendRelated(ack, resp); err != nil {
		s.log.Error().Err(err).Msg("auto-ACK failed")
	}
}

func (s *ClientSession) abort() {
	s.st = StateAbort
}
