package party

import (
	"fmt"

	"github.com/arzzra/soft_switch/pkg/dialog"
	"github.com/arzzra/soft_switch/pkg/ground"
	"github.com/arzzra/soft_switch/pkg/invite"
	"github.com/arzzra/soft_switch/pkg/message"
	sess "github.com/arzzra/soft_switch/pkg/session"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// NewIncoming builds the endpoint for a dialog-establishing INVITE. The
// INVITE is consumed immediately; reliability gating may refuse the call
// here, in which case no leg survives and ErrRefused is returned. Start
// releases the dial once the caller has linked the leg.
func NewIncoming(deps Deps, req *message.Message) (*Endpoint, error) {
	e := newEndpoint(deps)
	e.log = e.log.With().Str("call_id", req.CallID).Logger()

	e.d = dialog.New(deps.Dialogs)
	e.d.SetupIncoming(req)
	e.d.Bind(e)

	var opts []invite.ServerOption
	switch deps.Reliable {
	case ReliablePrefer:
		opts = append(opts, invite.WithServerReliable(false))
	case ReliableRequire:
		opts = append(opts, invite.WithServerReliable(true))
	}
	opts = append(opts, invite.WithServerLogger(e.log))
	e.ss = invite.NewServerSession(e.d, opts...)
	e.upd = invite.NewUpdateSession(e.d, e.log)
	e.invite0 = req

	ev, err := e.ss.ProcessIncoming(req)
	if err != nil {
		e.close()
		return nil, fmt.Errorf("%w: %v", ErrRefused, err)
	}
	if e.ss.State().Terminal() {
		// Gated away (421 already sent).
		e.close()
		return nil, ErrRefused
	}

	dial := ground.Dial{Target: req.URI, From: req.From, To: req.To}
	if ev != nil && len(ev.Body) > 0 {
		offer, ok := e.parseRemote(ev.Body, false)
		if !ok {
			e.refuse(message.Status{Code: 488, Reason: "Not Acceptable Here"})
			return nil, ErrRefused
		}
		if err := e.ensureMedia(); err != nil {
			e.log.Error().Err(err).Msg("media allocation failed")
			e.refuse(message.Status{Code: 503, Reason: "Service Unavailable"})
			return nil, ErrRefused
		}
		e.applyRemote(offer)
		dial.Session = &offer
	}
	e.event("dial_in")
	e.pendingDial = &dial
	return e, nil
}

// Start forwards the dial into the graph. Call after linking the leg.
func (e *Endpoint) Start() {
	if e.pendingDial == nil {
		return
	}
	dial := *e.pendingDial
	e.pendingDial = nil
	e.forward(dial)
}

func (e *Endpoint) refuse(status message.Status) {
	resp := e.d.MakeResponse(e.invite0, status.Code, status.Reason)
	if err := e.ss.ProcessOutgoing(resp, nil, false); err != nil {
		e.log.Error().Err(err).Int("code", status.Code).Msg("refusal failed")
	}
	e.close()
}

// onRing answers progress from the routed side with a 180. With 100rel the
// provisional carries our committed answer; without it a preview rides
// along when an offer is on the table.
func (e *Endpoint) onRing(_ ground.Ring) {
	if e.ss == nil || e.ss.IsClogged() || e.ss.State().Terminal() {
		return
	}
	switch e.sm.Current() {
	case stDialingIn, stDialingInRing:
	default:
		return
	}

	var body []byte
	isAnswer := false
	if e.remote != nil && e.ss.State() == invite.StateRequestOffer {
		b, err := e.buildBody(sess.KindAccept)
		if err != nil {
			e.log.Error().Err(err).Msg("ring answer failed")
		} else {
			body, isAnswer = b, true
		}
	}
	resp := e.d.MakeResponse(e.invite0, 180, "Ringing")
	if err := e.ss.ProcessOutgoing(resp, body, isAnswer); err != nil {
		e.log.Error().Err(err).Msg("180 send failed")
		return
	}
	e.event("ring")
}

// onAccept sends the final 200. The body depends on where the offer/answer
// exchange stands; a clogged machine (reliable provisional un-PRACKed)
// parks the accept until the PRACK arrives.
func (e *Endpoint) onAccept(act ground.Accept) {
	if e.ss == nil || e.ss.State().Terminal() {
		return
	}
	if e.ss.IsClogged() {
		e.pendingAccept = &act
		return
	}

	var (
		body     []byte
		isAnswer bool
		err      error
	)
	switch e.ss.State() {
	case invite.StateRequestOffer, invite.StateProvisionalAnswer, invite.StatePrackOffer:
		body, err = e.buildBody(sess.KindAccept)
		isAnswer = true
	case invite.StateRequestEmpty:
		body, err = e.buildBody(sess.KindOffer)
	case invite.StateEarlySession:
		// Session already committed in the reliable exchange.
	default:
		e.log.Warn().Str("state", e.ss.State().String()).Msg("accept in odd state")
	}
	if err != nil {
		e.log.Error().Err(err).Msg("accept body failed")
		e.forward(ground.Hangup{})
		e.refuse(message.Status{Code: 500, Reason: "Server Internal Error"})
		return
	}

	resp := e.d.MakeResponse(e.invite0, 200, "OK")
	if err := e.ss.ProcessOutgoing(resp, body, isAnswer); err != nil {
		e.log.Error().Err(err).Msg("200 send failed")
		return
	}
	e.event("answer")
}

func (e *Endpoint) onReject(act ground.Reject) {
	if e.ss == nil || e.ss.State().Terminal() {
		e.close()
		return
	}
	e.pendingAccept = nil
	e.refuse(act.Status)
}

// serverEvent dispatches what the INVITE server machine surfaced.
func (e *Endpoint) serverEvent(ev *invite.Event) {
	switch ev.Msg.Method {
	case transaction.MethodCancel:
		e.forward(ground.Hangup{})
		e.refuse(message.Status{Code: 487, Reason: "Request Terminated"})
	case transaction.MethodPrack:
		// Either a PRACK-borne offer (answered by our final) or the
		// answer to a reliable offer we never send in this role.
		if len(ev.Body) == 0 {
			return
		}
		s, ok := e.parseRemote(ev.Body, ev.IsAnswer)
		if !ok {
			return
		}
		e.applyRemote(s)
		e.forward(ground.Session{Session: &s, IsAnswer: ev.IsAnswer})
	case transaction.MethodAck:
		if len(ev.Body) > 0 && ev.IsAnswer {
			if s, ok := e.parseRemote(ev.Body, true); ok {
				e.applyRemote(s)
			}
		}
	case transaction.MethodNak:
		e.peerDied()
	}
}

// serverRequest feeds in-dialog requests of the INVITE exchange.
func (e *Endpoint) serverRequest(req *message.Message) {
	ev, err := e.ss.ProcessIncoming(req)
	if err != nil {
		e.log.Error().Err(err).Str("method", req.Method).Msg("request dropped")
		return
	}
	if ev != nil {
		e.serverEvent(ev)
	}
	if e.pendingAccept != nil && !e.ss.IsClogged() && !e.ss.State().Terminal() {
		act := *e.pendingAccept
		e.pendingAccept = nil
		e.onAccept(act)
	}
}
