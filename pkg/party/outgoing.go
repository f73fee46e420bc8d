package party

import (
	"net/netip"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/soft_switch/pkg/dialog"
	"github.com/arzzra/soft_switch/pkg/ground"
	"github.com/arzzra/soft_switch/pkg/invite"
	"github.com/arzzra/soft_switch/pkg/message"
	sess "github.com/arzzra/soft_switch/pkg/session"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// NewOutgoing builds a bare endpoint that starts dialing when a Dial action
// reaches its leg. The caller links the leg before forwarding the dial.
func NewOutgoing(deps Deps) *Endpoint {
	e := newEndpoint(deps)
	e.d = dialog.New(deps.Dialogs)
	e.d.Bind(e)

	opts := []invite.ClientOption{invite.WithClientLogger(e.log)}
	if deps.Reliable != ReliableNone {
		opts = append(opts, invite.WithClientReliable())
	}
	e.cs = invite.NewClientSession(e.d, opts...)
	e.upd = invite.NewUpdateSession(e.d, e.log)
	return e
}

// hopFor derives the network hop from a literal-address target. Named hosts
// come back zero and are resolved by the transport at send time.
func hopFor(target sip.Uri) message.Hop {
	addr, err := netip.ParseAddr(target.Host)
	if err != nil {
		return message.Hop{}
	}
	port := uint16(5060)
	if target.Port > 0 {
		port = uint16(target.Port)
	}
	return message.Hop{Transport: "udp", Remote: netip.AddrPortFrom(addr, port)}
}

func (e *Endpoint) onDial(act ground.Dial) {
	if e.cs == nil || e.cs.State() != invite.StateStart {
		e.log.Warn().Msg("dial on a busy endpoint")
		return
	}
	e.log = e.log.With().Str("target", act.Target.String()).Logger()
	e.d.SetupOutgoing(act.Target, act.From, act.To, hopFor(act.Target))
	if act.Session != nil {
		// Format selection follows what the far leg offered.
		e.remote = act.Session
	}

	body, err := e.buildBody(sess.KindOffer)
	if err != nil {
		e.log.Error().Err(err).Msg("dial offer failed")
		e.failDial(message.Status{Code: 500, Reason: "Server Internal Error"})
		return
	}
	inv := e.d.MakeRequest(transaction.MethodInvite)
	if err := e.cs.ProcessOutgoing(inv, body, false); err != nil {
		e.log.Error().Err(err).Msg("INVITE send failed")
		e.failDial(message.Status{Code: 500, Reason: "Server Internal Error"})
		return
	}
	e.event("dial_out")
}

func (e *Endpoint) failDial(status message.Status) {
	e.forward(ground.Reject{Status: status})
	e.close()
}

// clientResponse feeds INVITE-exchange responses to the client machine and
// maps its events onto the graph. Offers arriving in reliable provisionals
// or the final are answered locally off the relay leg right away.
func (e *Endpoint) clientResponse(resp *message.Message) {
	ev, err := e.cs.ProcessIncoming(resp)
	if err != nil {
		e.log.Debug().Err(err).Msg("late response dropped")
		return
	}
	if ev == nil {
		return
	}

	switch {
	case ev.Msg.IsProvisional():
		e.clientProgress(ev)
	case ev.Msg.IsSuccess():
		e.clientAnswered(ev)
	default:
		if e.sm.Current() == stDisconnecting {
			e.close()
			return
		}
		e.failDial(ev.Msg.Status)
	}
}

func (e *Endpoint) clientProgress(ev *invite.Event) {
	ring := ground.Ring{}
	if len(ev.Body) > 0 {
		s, ok := e.parseRemote(ev.Body, ev.IsAnswer)
		if !ok {
			return
		}
		e.applyRemote(s)
		if !ev.IsAnswer {
			// Reliable offer: the answer must ride our PRACK.
			body, err := e.buildBody(sess.KindAccept)
			if err != nil {
				e.log.Error().Err(err).Msg("PRACK answer failed")
				return
			}
			pr := e.d.MakeRequest(transaction.MethodPrack)
			if err := e.cs.ProcessOutgoing(pr, body, true); err != nil {
				e.log.Error().Err(err).Msg("PRACK send failed")
				return
			}
		}
		ring.Session, ring.IsAnswer = &s, ev.IsAnswer
	}
	e.forward(ring)
	e.event("ring")
}

func (e *Endpoint) clientAnswered(ev *invite.Event) {
	accept := ground.Accept{}
	if len(ev.Body) > 0 {
		s, ok := e.parseRemote(ev.Body, ev.IsAnswer)
		if !ok {
			e.hangupWire()
			return
		}
		e.applyRemote(s)
		if !ev.IsAnswer {
			// The final carried the offer; our answer rides the ACK.
			body, err := e.buildBody(sess.KindAccept)
			if err != nil {
				e.log.Error().Err(err).Msg("ACK answer failed")
				e.hangupWire()
				return
			}
			ack := &message.Message{Method: transaction.MethodAck}
			if err := e.cs.ProcessOutgoing(ack, body, true); err != nil {
				e.log.Error().Err(err).Msg("ACK send failed")
				return
			}
		}
		accept.Session, accept.IsAnswer = &s, ev.IsAnswer
	}

	if e.sm.Current() == stDisconnecting {
		// The callee answered a call we already gave up on.
		e.hangupWire()
		return
	}
	e.event("answer")
	e.forward(accept)
}

// hangupWire sends the BYE that ends an established dialog; the endpoint
// lingers until the BYE response comes back.
func (e *Endpoint) hangupWire() {
	bye := e.d.MakeRequest(transaction.MethodBye)
	if err := e.d.Send(bye); err != nil {
		e.log.Error().Err(err).Msg("BYE send failed")
		e.close()
		return
	}
	e.event("bye")
}

// onHangup tears the SIP side down with whatever the call state calls for.
func (e *Endpoint) onHangup() {
	switch e.sm.Current() {
	case stUp:
		e.hangupWire()
	case stDialingOut, stDialingOutRing:
		cn := &message.Message{Method: transaction.MethodCancel}
		if err := e.cs.ProcessOutgoing(cn, nil, false); err != nil {
			e.log.Error().Err(err).Msg("CANCEL send failed")
		}
		e.event("bye")
	case stDialingIn, stDialingInRing:
		e.refuse(message.Status{Code: 487, Reason: "Request Terminated"})
	default:
		e.close()
	}
}

// DialogMessage implements dialog.Receiver: every in-dialog message lands
// here and is routed to the machine that owns its method.
func (e *Endpoint) DialogMessage(msg *message.Message) {
	if e.closed {
		return
	}
	if msg.IsResponse {
		switch msg.CSeq.Method {
		case transaction.MethodInvite, transaction.MethodPrack, transaction.MethodCancel:
			if e.cs != nil {
				e.clientResponse(msg)
			}
		case transaction.MethodUpdate:
			e.takeUpdate(msg)
		case transaction.MethodBye:
			e.close()
		}
		return
	}

	switch msg.Method {
	case transaction.MethodBye:
		if err := e.d.Send(e.d.MakeResponse(msg, 200, "OK")); err != nil {
			e.log.Error().Err(err).Msg("BYE 200 send failed")
		}
		e.forward(ground.Hangup{})
		e.close()
	case transaction.MethodUpdate:
		e.takeUpdate(msg)
	case transaction.MethodInvite:
		// Session refresh by re-INVITE is not negotiated; UPDATE covers
		// renegotiation here.
		if err := e.d.Send(e.d.MakeResponse(msg, 488, "Not Acceptable Here")); err != nil {
			e.log.Error().Err(err).Msg("re-INVITE refusal failed")
		}
	case transaction.MethodAck, transaction.MethodPrack, transaction.MethodCancel:
		if e.ss != nil {
			e.serverRequest(msg)
		}
	case transaction.MethodNak:
		if e.ss != nil {
			e.serverRequest(msg)
		} else {
			e.peerDied()
		}
	}
}

var _ dialog.Receiver = (*Endpoint)(nil)
var _ ground.Party = (*Endpoint)(nil)
