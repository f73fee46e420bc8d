package invite

import (
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// ServerSession drives the callee side of one INVITE exchange: reliability
// gating, RSeq stamping, PRACK bookkeeping, and the rule that an answer to
// a PRACK-borne offer must ride the INVITE's own response.
type ServerSession struct {
	peer Peer
	log  zerolog.Logger

	st   State
	base State // what is still owed once a reliable exchange resolves

	// preferRpr engages 100rel when the caller supports it; requireRpr
	// rejects callers that cannot do it.
	preferRpr  bool
	requireRpr bool
	useRpr     bool

	invite    *message.Message // the received INVITE
	reliable  *message.Message // reliable response awaiting its PRACK
	heldPrack *message.Message // PRACK-offer held until the next response
	final     *message.Message // sent 2xx awaiting its ACK
	rseq      uint32
}

// ServerOption configures a ServerSession.
type ServerOption func(*ServerSession)

// WithServerReliable engages reliable provisionals when the caller
// advertises support. Required additionally rejects callers without it.
func WithServerReliable(required bool) ServerOption {
	return func(s *ServerSession) {
		s.preferRpr = true
		s.requireRpr = required
	}
}

func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(s *ServerSession) {
		s.log = log.With().Str("component", "invite_server").Logger()
	}
}

func NewServerSession(peer Peer, opts ...ServerOption) *ServerSession {
	s := &ServerSession{peer: peer, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ServerSession) State() State { return s.st }

// UseReliable reports whether 100rel was negotiated for this exchange.
func (s *ServerSession) UseReliable() bool { return s.useRpr }

// IsClogged reports whether an outgoing response must wait for a PRACK.
func (s *ServerSession) IsClogged() bool {
	switch s.st {
	case StateReliableOffer, StateReliableAnswer, StateReliableNoAnswer:
		return true
	}
	return false
}

// ProcessIncoming consumes one request belonging to this INVITE exchange.
// The first call must carry the INVITE itself; reliability is gated before
// any offer/answer processing.
func (s *ServerSession) ProcessIncoming(req *message.Message) (*Event, error) {
	if s.st.Terminal() {
		return nil, ErrFinished
	}
	if req.IsResponse {
		s.log.Warn().Int("code", req.Status.Code).Msg("response fed to server machine")
		return nil, nil
	}

	switch req.Method {
	case transaction.MethodInvite:
		return s.takeInvite(req)
	case transaction.MethodCancel:
		return s.takeCancel(req)
	case transaction.MethodPrack:
		return s.takePrack(req)
	case transaction.MethodAck:
		return s.takeAck(req)
	case transaction.MethodNak:
		// The final was never acknowledged; surface it like a timeout
		// so the owner tears the call down.
		s.st = StateFinish
		return &Event{Msg: req}, nil
	}
	return nil, nil
}

func (s *ServerSession) takeInvite(inv *message.Message) (*Event, error) {
	if s.st != StateStart {
		return nil, ErrBadState
	}
	s.invite = inv

	supports := inv.Supported.Has(TagReliable) || inv.Require.Has(TagReliable)
	switch {
	case inv.Require.Has(TagReliable):
		s.useRpr = true
	case s.preferRpr && supports:
		s.useRpr = true
	case s.requireRpr && !supports:
		// Gate before any offer/answer work (RFC 3262 3).
		resp := s.peer.MakeResponse(inv, 421, "Extension Required")
		resp.Require = message.NewSet(TagReliable)
		if err := s.peer.Send(resp); err != nil {
			s.log.Error().Err(err).Msg("421 send failed")
		}
		s.st = StateAbort
		return nil, nil
	}

	ev := &Event{Msg: inv}
	if inv.HasBody() {
		ev.Body = inv.Body
		s.st = StateRequestOffer
	} else {
		s.st = StateRequestEmpty
	}
	s.base = s.st
	return ev, nil
}

func (s *ServerSession) takeCancel(cancel *message.Message) (*Event, error) {
	// Answer the CANCEL itself right away; the owner still must reject
	// the INVITE with a 487 final.
	if err := s.peer.Send(s.peer.MakeResponse(cancel, 200, "OK")); err != nil {
		s.log.Error().Err(err).Msg("CANCEL 200 send failed")
	}
	return &Event{Msg: cancel}, nil
}

func (s *ServerSession) takePrack(prack *message.Message) (*Event, error) {
	if s.reliable == nil || prack.RAck == nil || prack.RAck.RSeq != s.reliable.RSeq {
		// Unknown reliable response referenced; a request at fault gets
		// a specific negative answer (RFC 3262 4).
		if err := s.peer.Send(s.peer.MakeResponse(prack, 481, "No Matching Response")); err != nil {
			s.log.Error().Err(err).Msg("PRACK 481 send failed")
		}
		return nil, nil
	}

	// Stop retransmitting the acknowledged reliable response without
	// wire traffic.
	s.virtualize(s.reliable)
	s.reliable = nil

	switch s.st {
	case StateReliableOffer:
		if !prack.HasBody() {
			s.log.Warn().Msg("PRACK without the owed answer")
			s.respondPrack(prack)
			s.st = s.base
			return nil, nil
		}
		s.respondPrack(prack)
		s.base = StateEarlySession
		s.st = StateEarlySession
		return &Event{Msg: prack, Body: prack.Body, IsAnswer: true}, nil

	case StateReliableAnswer:
		if prack.HasBody() {
			// A PRACK-offer: its answer may only ride the INVITE's
			// own next response, so the PRACK response is held.
			s.heldPrack = prack
			s.st = StatePrackOffer
			return &Event{Msg: prack, Body: prack.Body}, nil
		}
		s.respondPrack(prack)
		s.base = StateEarlySession
		s.st = StateEarlySession
		return nil, nil

	case StateReliableNoAnswer:
		if prack.HasBody() {
			// Our own answer is still owed; a counter-offer here would
			// break alternation.
			if err := s.peer.Send(s.peer.MakeResponse(prack, 488, "Not Acceptable Here")); err != nil {
				s.log.Error().Err(err).Msg("PRACK 488 send failed")
			}
			s.st = s.base
			return nil, nil
		}
		s.respondPrack(prack)
		s.st = s.base
		return nil, nil
	}

	s.log.Warn().Str("state", s.st.String()).Msg("PRACK in unexpected state")
	s.respondPrack(prack)
	return nil, nil
}

func (s *ServerSession) takeAck(ack *message.Message) (*Event, error) {
	switch s.st {
	case StateFinalOffer:
		s.ackFinal()
		ev := &Event{Msg: ack}
		if ack.HasBody() {
			ev.Body, ev.IsAnswer = ack.Body, true
		} else {
			s.log.Warn().Msg("ACK without the owed answer")
		}
		s.st = StateFinish
		return ev, nil
	case StateFinalAnswer, StateFinalEmpty:
		s.ackFinal()
		s.st = StateFinish
		return &Event{Msg: ack}, nil
	}
	// Stray or duplicate ACK.
	return nil, nil
}

// ackFinal stops the 2xx retransmission: its ACK came on a fresh branch,
// so only a virtual response can tell the INVITE transaction.
func (s *ServerSession) ackFinal() {
	if s.final == nil {
		return
	}
	s.virtualize(s.final)
	s.final = nil
}

// ProcessOutgoing emits a response on the INVITE transaction, deciding
// reliability and the legality of the body in the current state.
func (s *ServerSession) ProcessOutgoing(resp *message.Message, body []byte, isAnswer bool) error {
	if s.st.Terminal() {
		return ErrFinished
	}
	if s.IsClogged() {
		return ErrClogged
	}
	if !resp.IsResponse {
		return ErrBadState
	}

	switch {
	case resp.IsProvisional():
		return s.sendProvisional(resp, body, isAnswer)
	case resp.IsSuccess():
		return s.sendSuccess(resp, body, isAnswer)
	default:
		return s.sendFailure(resp)
	}
}

func (s *ServerSession) sendProvisional(resp *message.Message, body []byte, isAnswer bool) error {
	if s.useRpr {
		s.rseq++
		resp.RSeq = s.rseq
		if resp.Require == nil {
			resp.Require = message.NewSet()
		}
		resp.Require.Add(TagReliable)
		attach(resp, body)

		var next State
		switch {
		case len(body) == 0:
			next = StateReliableNoAnswer
		case isAnswer:
			if s.st != StateRequestOffer {
				return ErrBadState
			}
			next = StateReliableAnswer
		default:
			if s.st != StateRequestEmpty {
				return ErrBadState
			}
			next = StateReliableOffer
		}
		if err := s.peer.Send(resp); err != nil {
			s.st = StateAbort
			return err
		}
		s.reliable = resp
		s.st = next
		return nil
	}

	if len(body) > 0 {
		// Without reliability only an answer preview is legal; it is
		// committed by the final response later.
		if !isAnswer || s.st != StateRequestOffer && s.st != StateProvisionalAnswer {
			return ErrBadState
		}
		attach(resp, body)
		if err := s.peer.Send(resp); err != nil {
			s.st = StateAbort
			return err
		}
		s.st = StateProvisionalAnswer
		return nil
	}
	return s.peer.Send(resp)
}

func (s *ServerSession) sendSuccess(resp *message.Message, body []byte, isAnswer bool) error {
	var next State
	switch {
	case s.st == StatePrackOffer:
		// The held PRACK finally gets its plain answer; the session
		// answer to its offer rides this final (RFC 3262 5 edge).
		if len(body) == 0 || !isAnswer {
			return ErrBadState
		}
		s.releaseHeldPrack()
		next = StateFinalAnswer
	case len(body) == 0:
		if s.owesSession() {
			return ErrBadState
		}
		next = StateFinalEmpty
	case isAnswer:
		if s.st != StateRequestOffer && s.st != StateProvisionalAnswer {
			return ErrBadState
		}
		next = StateFinalAnswer
	default:
		if s.st != StateRequestEmpty {
			return ErrBadState
		}
		next = StateFinalOffer
	}

	attach(resp, body)
	if err := s.peer.Send(resp); err != nil {
		s.st = StateAbort
		return err
	}
	s.final = resp
	s.st = next
	return nil
}

func (s *ServerSession) sendFailure(resp *message.Message) error {
	s.releaseHeldPrack()
	if err := s.peer.Send(resp); err != nil {
		s.st = StateAbort
		return err
	}
	// The transaction layer retransmits until the ACK; nothing more is
	// owed here.
	s.st = StateFinish
	return nil
}

// owesSession reports whether an empty final would leave the offer/answer
// exchange unresolved.
func (s *ServerSession) owesSession() bool {
	return s.st == StateRequestOffer || s.st == StateRequestEmpty ||
		s.st == StateProvisionalAnswer
}

func (s *ServerSession) respondPrack(prack *message.Message) {
	if err := s.peer.Send(s.peer.MakeResponse(prack, 200, "OK")); err != nil {
		s.log.Error().Err(err).Msg("PRACK 200 send failed")
	}
}

func (s *ServerSession) releaseHeldPrack() {
	if s.heldPrack == nil {
		return
	}
	s.respondPrack(s.heldPrack)
	s.heldPrack = nil
}

// virtualize tells the INVITE transaction the response is acknowledged,
// producing no wire traffic.
func (s *ServerSession) virtualize(resp *message.Message) {
	v := s.peer.MakeResponse(s.invite, resp.Status.Code, resp.Status.Reason)
	v.Virtual = true
	if err := s.peer.Send(v); err != nil {
		s.log.Error().Err(err).Msg("virtual response failed")
	}
}
