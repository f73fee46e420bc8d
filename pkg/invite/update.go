package invite

import (
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// UpdateSession renegotiates an established session with UPDATE (RFC 3311):
// two states per role, idle and pending, with none of the INVITE machine's
// reliability weight. One instance serves the whole dialog lifetime.
type UpdateSession struct {
	peer Peer
	log  zerolog.Logger

	pendingOut *message.Message // our UPDATE awaiting the answer
	pendingIn  *message.Message // their UPDATE awaiting our answer
}

func NewUpdateSession(peer Peer, log zerolog.Logger) *UpdateSession {
	return &UpdateSession{
		peer: peer,
		log:  log.With().Str("component", "update").Logger(),
	}
}

// IsClogged reports whether an exchange is already in flight in either
// direction.
func (s *UpdateSession) IsClogged() bool {
	return s.pendingOut != nil || s.pendingIn != nil
}

// ProcessOutgoing emits an offer (request template) or the answer to a
// pending incoming UPDATE (response template).
func (s *UpdateSession) ProcessOutgoing(msg *message.Message, body []byte, isAnswer bool) error {
	if msg.IsResponse {
		if !isAnswer || s.pendingIn == nil {
			return ErrBadState
		}
		attach(msg, body)
		if err := s.peer.Send(msg); err != nil {
			return err
		}
		s.pendingIn = nil
		return nil
	}

	if msg.Method != transaction.MethodUpdate || isAnswer {
		return ErrBadState
	}
	if s.IsClogged() {
		return ErrClogged
	}
	if len(body) == 0 {
		return ErrBadState
	}
	attach(msg, body)
	if err := s.peer.Send(msg); err != nil {
		return err
	}
	s.pendingOut = msg
	return nil
}

// ProcessIncoming consumes an UPDATE request or a response to ours.
func (s *UpdateSession) ProcessIncoming(msg *message.Message) (*Event, error) {
	if !msg.IsResponse {
		if s.IsClogged() {
			// Glare; the peer retries later (RFC 3311 5.2).
			if err := s.peer.Send(s.peer.MakeResponse(msg, 491, "Request Pending")); err != nil {
				s.log.Error().Err(err).Msg("491 send failed")
			}
			return nil, nil
		}
		if !msg.HasBody() {
			// A session-less UPDATE (timer refresh) is answered here.
			if err := s.peer.Send(s.peer.MakeResponse(msg, 200, "OK")); err != nil {
				s.log.Error().Err(err).Msg("UPDATE 200 send failed")
			}
			return nil, nil
		}
		s.pendingIn = msg
		return &Event{Msg: msg, Body: msg.Body}, nil
	}

	if s.pendingOut == nil || msg.CSeq.Method != transaction.MethodUpdate {
		return nil, nil
	}
	s.pendingOut = nil
	ev := &Event{Msg: msg}
	if msg.IsSuccess() && msg.HasBody() {
		ev.Body, ev.IsAnswer = msg.Body, true
	}
	return ev, nil
}
