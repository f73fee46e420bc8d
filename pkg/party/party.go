// Package party implements call endpoints: the glue between one SIP dialog
// with its INVITE/UPDATE machinery on the protocol side and one call leg in
// the ground graph on the switch side. An Endpoint owns exactly one leg,
// one dialog and one media relay leg; it translates protocol events into
// call-control actions and actions back into signaling.
package party

import (
	"context"
	"errors"
	"net/netip"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/dialog"
	"github.com/arzzra/soft_switch/pkg/ground"
	"github.com/arzzra/soft_switch/pkg/invite"
	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/metrics"
	sess "github.com/arzzra/soft_switch/pkg/session"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// ReliableMode selects how an endpoint treats provisional reliability.
type ReliableMode int

const (
	// ReliableNone never engages 100rel (callers requiring it still get it).
	ReliableNone ReliableMode = iota
	// ReliablePrefer engages 100rel whenever the caller supports it.
	ReliablePrefer
	// ReliableRequire additionally rejects callers without 100rel support.
	ReliableRequire
)

// ErrRefused is returned when an incoming call dies at the door, before a
// leg joined the graph.
var ErrRefused = errors.New("party: call refused")

// Call states of the endpoint lifecycle.
const (
	stDown           = "down"
	stDialingIn      = "dialing_in"
	stDialingInRing  = "dialing_in_ringing"
	stDialingOut     = "dialing_out"
	stDialingOutRing = "dialing_out_ringing"
	stUp             = "up"
	stDisconnecting  = "disconnecting_out"
)

// Deps bundles the collaborators every endpoint shares.
type Deps struct {
	Dialogs  *dialog.Registry
	Ground   *ground.Ground
	Media    media.Controller
	Codec    *sess.Codec
	Metrics  *metrics.Collector
	Log      zerolog.Logger
	Reliable ReliableMode
}

// Endpoint is one party of a call. Incoming endpoints are created from the
// dialog-establishing INVITE; outgoing ones are created bare and start
// dialing when a Dial action reaches their leg.
type Endpoint struct {
	deps Deps
	log  zerolog.Logger
	sm   *fsm.FSM

	d   *dialog.Dialog
	cs  *invite.ClientSession
	ss  *invite.ServerSession
	upd *invite.UpdateSession

	leg ground.LegID

	mediaLeg  media.LegHandle
	mediaAddr netip.AddrPort

	remote *sess.Session // last remote description applied to the relay leg
	local  *sess.Session // what we last advertised

	invite0       *message.Message // dialog-establishing INVITE (server role)
	pendingDial   *ground.Dial     // held until Start links the leg
	pendingAccept *ground.Accept   // accept arrived while the machine was clogged
	queuedOffer   *ground.Session  // one-deep renegotiation queue
	counted       bool             // call metrics opened
	closed        bool
}

func newEndpoint(deps Deps) *Endpoint {
	e := &Endpoint{
		deps: deps,
		log:  deps.Log.With().Str("component", "endpoint").Logger(),
	}
	e.sm = fsm.NewFSM(stDown, fsm.Events{
		{Name: "dial_in", Src: []string{stDown}, Dst: stDialingIn},
		{Name: "dial_out", Src: []string{stDown}, Dst: stDialingOut},
		{Name: "ring", Src: []string{stDialingIn}, Dst: stDialingInRing},
		{Name: "ring", Src: []string{stDialingOut}, Dst: stDialingOutRing},
		{Name: "answer", Src: []string{
			stDialingIn, stDialingInRing, stDialingOut, stDialingOutRing,
		}, Dst: stUp},
		{Name: "bye", Src: []string{stUp, stDialingOut, stDialingOutRing}, Dst: stDisconnecting},
		{Name: "end", Src: []string{
			stDown, stDialingIn, stDialingInRing, stDialingOut,
			stDialingOutRing, stUp, stDisconnecting,
		}, Dst: stDown},
	}, fsm.Callbacks{
		"enter_state": func(_ context.Context, ev *fsm.Event) {
			e.log.Debug().Str("from", ev.Src).Str("to", ev.Dst).Msg("call state")
		},
		"enter_" + stUp: func(_ context.Context, _ *fsm.Event) {
			e.counted = true
			e.deps.Metrics.CallStarted()
			// Renegotiation requests that raced the INVITE exchange waited
			// in the queue; the machine can carry them now.
			e.drainQueuedOffer()
		},
	})
	e.leg = deps.Ground.AddLeg(e, 0)
	return e
}

// Leg returns the endpoint's arena leg.
func (e *Endpoint) Leg() ground.LegID { return e.leg }

// CallState names the current lifecycle state, for diagnostics.
func (e *Endpoint) CallState() string { return e.sm.Current() }

func (e *Endpoint) event(name string) {
	if err := e.sm.Event(context.Background(), name); err != nil {
		var no fsm.NoTransitionError
		if errors.As(err, &no) {
			return
		}
		e.log.Debug().Err(err).Str("event", name).Msg("call state event ignored")
	}
}

// Receive implements ground.Party.
func (e *Endpoint) Receive(_ int, a ground.Action) {
	if e.closed {
		return
	}
	switch act := a.(type) {
	case ground.Dial:
		e.onDial(act)
	case ground.Ring:
		e.onRing(act)
	case ground.Accept:
		e.onAccept(act)
	case ground.Reject:
		e.onReject(act)
	case ground.Hangup:
		e.onHangup()
	case ground.Session:
		e.onSession(act)
	case ground.Tone:
		e.onTone(act)
	case ground.Transfer:
		// REFER emission is not wired yet; the far end keeps talking to us.
		e.log.Warn().Str("target", act.Target.String()).Msg("transfer toward SIP peer unsupported")
	default:
		e.log.Warn().Str("action", a.Kind()).Msg("unhandled action")
	}
}

func (e *Endpoint) forward(a ground.Action) {
	e.deps.Ground.Forward(e.leg, a)
}

// ensureMedia lazily allocates the relay address and leg backing channel 0.
func (e *Endpoint) ensureMedia() error {
	if e.mediaLeg != 0 {
		return nil
	}
	addr, err := e.deps.Media.AllocateAddress()
	if err != nil {
		return err
	}
	h, err := e.deps.Media.MakeLeg(addr)
	if err != nil {
		e.deps.Media.DeallocateAddress(addr)
		return err
	}
	e.mediaAddr, e.mediaLeg = addr, h
	return e.deps.Ground.SetMediaLeg(e.leg, 0, h)
}

// applyRemote points the relay leg at the peer's media address.
func (e *Endpoint) applyRemote(s sess.Session) {
	e.remote = &s
	if e.mediaLeg == 0 || len(s.Channels) == 0 {
		return
	}
	if err := e.deps.Media.SetRemote(e.mediaLeg, s.Channels[0].Addr); err != nil {
		e.log.Error().Err(err).Msg("media remote update failed")
	}
}

var defaultFormats = []sess.Format{
	{PayloadType: 0, Encoding: "PCMU", ClockRate: 8000},
	{PayloadType: 101, Encoding: "telephone-event", ClockRate: 8000},
}

// localSession builds our own description anchored at the relay address.
// Formats follow the remote side when known, so the relay stays transparent.
func (e *Endpoint) localSession(kind sess.Kind) sess.Session {
	formats := defaultFormats
	if e.remote != nil && len(e.remote.Channels) > 0 && len(e.remote.Channels[0].Formats) > 0 {
		formats = e.remote.Channels[0].Formats
	}
	s := sess.Session{
		Kind: kind,
		Channels: []sess.Channel{{
			Type:    "audio",
			Addr:    e.mediaAddr,
			Formats: formats,
			Send:    true,
			Recv:    true,
		}},
	}
	e.local = &s
	return s
}

func (e *Endpoint) buildBody(kind sess.Kind) ([]byte, error) {
	if err := e.ensureMedia(); err != nil {
		return nil, err
	}
	return e.deps.Codec.Build(e.localSession(kind))
}

func (e *Endpoint) parseRemote(body []byte, isAnswer bool) (sess.Session, bool) {
	s, err := e.deps.Codec.Parse(body, isAnswer)
	if err != nil {
		e.log.Error().Err(err).Msg("unusable session description")
		return sess.Session{}, false
	}
	return s, true
}

func (e *Endpoint) onTone(act ground.Tone) {
	if e.mediaLeg == 0 {
		return
	}
	if err := e.deps.Media.SendTone(e.mediaLeg, act.Tone); err != nil {
		e.log.Error().Err(err).Msg("tone send failed")
	}
}

// onSession handles mid-call renegotiation requests crossing the ground.
// Offers that cannot go out yet wait in a one-deep slot; a newer offer
// supersedes a waiting one because only the latest description matters.
func (e *Endpoint) onSession(act ground.Session) {
	if act.IsAnswer {
		// Informational: our own answers are produced locally.
		return
	}
	if e.sm.Current() != stUp || e.upd == nil || e.upd.IsClogged() {
		if e.queuedOffer != nil {
			e.log.Debug().Msg("queued session offer superseded")
		}
		e.queuedOffer = &act
		return
	}
	e.sendUpdateOffer(act)
}

func (e *Endpoint) sendUpdateOffer(act ground.Session) {
	if act.Session != nil {
		e.remote = act.Session
	}
	body, err := e.buildBody(sess.KindOffer)
	if err != nil {
		e.log.Error().Err(err).Msg("renegotiation offer failed")
		return
	}
	req := e.d.MakeRequest(transaction.MethodUpdate)
	if err := e.upd.ProcessOutgoing(req, body, false); err != nil {
		e.log.Error().Err(err).Msg("UPDATE send failed")
	}
}

func (e *Endpoint) drainQueuedOffer() {
	if e.queuedOffer == nil || e.sm.Current() != stUp || e.upd == nil || e.upd.IsClogged() {
		return
	}
	act := *e.queuedOffer
	e.queuedOffer = nil
	e.sendUpdateOffer(act)
}

// takeUpdate routes UPDATE traffic in both directions through the
// renegotiation machine. Incoming offers are answered locally off the relay
// leg; the parsed description still travels the ground for the far leg.
func (e *Endpoint) takeUpdate(msg *message.Message) {
	ev, err := e.upd.ProcessIncoming(msg)
	if err != nil {
		e.log.Error().Err(err).Msg("UPDATE processing failed")
		return
	}
	if ev == nil {
		return
	}
	if ev.Msg.IsResponse {
		if ev.IsAnswer {
			if s, ok := e.parseRemote(ev.Body, true); ok {
				e.applyRemote(s)
			}
		} else {
			// The peer declined our offer; the established session stands.
			e.log.Warn().Int("status", ev.Msg.Status.Code).Msg("renegotiation refused")
		}
		e.drainQueuedOffer()
		return
	}
	offer, ok := e.parseRemote(ev.Body, false)
	if !ok {
		return
	}
	e.applyRemote(offer)
	body, err := e.buildBody(sess.KindAccept)
	if err != nil {
		e.log.Error().Err(err).Msg("UPDATE answer failed")
		return
	}
	resp := e.d.MakeResponse(ev.Msg, 200, "OK")
	if err := e.upd.ProcessOutgoing(resp, body, true); err != nil {
		e.log.Error().Err(err).Msg("UPDATE 200 send failed")
		return
	}
	e.forward(ground.Session{Session: &offer})
}

// peerDied handles the transaction layer giving up on the far side: the
// synthesized timeout or the never-acknowledged final.
func (e *Endpoint) peerDied() {
	e.forward(ground.Hangup{})
	e.close()
}

// close releases everything the endpoint owns. Idempotent.
func (e *Endpoint) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.event("end")
	if e.counted {
		e.deps.Metrics.CallEnded()
	}
	e.deps.Ground.RemoveLeg(e.leg)
	if e.mediaLeg != 0 {
		if err := e.deps.Media.DeleteLeg(e.mediaLeg); err != nil {
			e.log.Error().Err(err).Msg("media leg release failed")
		}
		e.deps.Media.DeallocateAddress(e.mediaAddr)
		e.mediaLeg = 0
	}
	if e.d != nil {
		e.d.Close()
	}
}
