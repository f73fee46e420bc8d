package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/timer"
)

// wire captures everything the manager sends.
type wire struct {
	sent []*message.Message
}

func (w *wire) Send(hop message.Hop, msg *message.Message) bool {
	w.sent = append(w.sent, msg)
	return true
}

func (w *wire) ofMethod(method string) []*message.Message {
	var out []*message.Message
	for _, m := range w.sent {
		if m.IsRequest() && m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// upper captures everything reported upward.
type upper struct {
	reported []*message.Message
}

func (u *upper) MatchedMessage(msg *message.Message) {
	u.reported = append(u.reported, msg)
}

type fixture struct {
	engine *timer.Engine
	clock  time.Time
	wire   *wire
	upper  *upper
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: time.Unix(2000, 0), wire: &wire{}, upper: &upper{}}
	f.engine = timer.New(timer.WithClock(func() time.Time { return f.clock }))
	f.mgr = NewManager(f.engine, f.wire)
	f.mgr.SetHandler(f.upper)
	return f
}

// advance moves the fixture clock and dispatches due timers.
func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
	f.engine.Advance(f.clock)
}

func invite(branch string) *message.Message {
	req := message.NewRequest(MethodInvite, mustURI("sip:bob@example.com"))
	req.From = message.NameAddr{URI: mustURI("sip:alice@example.com"), Tag: "a1"}
	req.To = message.NameAddr{URI: mustURI("sip:bob@example.com")}
	req.CallID = "call-" + branch
	req.CSeq = message.CSeq{Num: 1, Method: MethodInvite}
	req.Via = []message.Via{{Transport: "UDP", Host: "10.0.0.1", Port: 5060, Branch: branch}}
	return req
}

func finalFor(req *message.Message, code int, tag string) *message.Message {
	resp := message.NewResponse(req, code, "Final")
	resp.To.Tag = tag
	return resp
}

func TestClientRetransmitBackoff(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKb1")
	require.NoError(t, f.mgr.SendMessage(req, nil))
	assert.Len(t, f.wire.sent, 1, "initial send")

	// T1, then 2*T1: two more copies.
	f.advance(T1)
	f.advance(2 * T1)
	assert.Len(t, f.wire.sent, 3)

	// A provisional response stops the retransmission.
	f.mgr.Feed(finalForProvisional(req))
	f.advance(10 * T1)
	assert.Len(t, f.wire.sent, 3)
	require.Len(t, f.upper.reported, 1)
	assert.Equal(t, 180, f.upper.reported[0].Status.Code)
}

func finalForProvisional(req *message.Message) *message.Message {
	resp := message.NewResponse(req, 180, "Ringing")
	resp.To.Tag = "r1"
	return resp
}

func TestClientTimeoutSynthesizes408(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKto")
	require.NoError(t, f.mgr.SendMessage(req, nil))

	f.advance(TP)
	require.Len(t, f.upper.reported, 1)
	resp := f.upper.reported[0]
	assert.True(t, resp.IsResponse)
	assert.Equal(t, 408, resp.Status.Code)
	assert.Same(t, req, resp.Related)
}

func TestClientTimesOutAfterProvisional(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKtc")
	require.NoError(t, f.mgr.SendMessage(req, nil))

	// The peer rings once and then dies.
	f.mgr.Feed(finalForProvisional(req))
	require.Len(t, f.upper.reported, 1)

	// A second provisional restarts the patience, so nothing fires at TC
	// measured from the first one.
	f.advance(TC / 2)
	f.mgr.Feed(finalForProvisional(req))
	f.advance(TC / 2)
	assert.Len(t, f.upper.reported, 2)

	f.advance(TC / 2)
	require.Len(t, f.upper.reported, 3)
	resp := f.upper.reported[2]
	assert.Equal(t, 408, resp.Status.Code)
	assert.Same(t, req, resp.Related)

	// The expired entry lingers and is swept, not leaked.
	f.advance(2 * TP)
	assert.Empty(t, f.mgr.table)
}

func TestInviteClientAutoAcksNon2xx(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKe1")
	require.NoError(t, f.mgr.SendMessage(req, nil))

	f.mgr.Feed(finalFor(req, 486, "busy"))

	acks := f.wire.ofMethod(MethodAck)
	require.Len(t, acks, 1)
	assert.Equal(t, req.ViaBranch(), acks[0].ViaBranch(), "non-2xx ACK reuses the INVITE branch")
	require.Len(t, f.upper.reported, 1)
	assert.Equal(t, 486, f.upper.reported[0].Status.Code)

	// A retransmitted final is re-ACKed below the Handler interface.
	f.mgr.Feed(finalFor(req, 486, "busy"))
	assert.Len(t, f.wire.ofMethod(MethodAck), 2)
	assert.Len(t, f.upper.reported, 1, "no second upward event")
}

func TestInviteClientForkProducesTwoAcks(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKfork")
	require.NoError(t, f.mgr.SendMessage(req, nil))

	// First 2xx establishes the dialog; the dialog layer supplies the ACK.
	first := finalFor(req, 200, "fork-a")
	f.mgr.Feed(first)
	require.Len(t, f.upper.reported, 1)
	require.NoError(t, f.mgr.SendMessage(&message.Message{Method: MethodAck, Related: first}, first))

	acks := f.wire.ofMethod(MethodAck)
	require.Len(t, acks, 1)
	assert.NotEqual(t, req.ViaBranch(), acks[0].ViaBranch(), "2xx ACK gets a fresh branch")

	// A second 2xx with a different remote tag: reported upward for the
	// bastard-dialog disposal, and ACKed independently.
	second := finalFor(req, 200, "fork-b")
	f.mgr.Feed(second)
	require.Len(t, f.upper.reported, 2)
	require.NoError(t, f.mgr.SendMessage(&message.Message{Method: MethodAck, Related: second}, second))

	acks = f.wire.ofMethod(MethodAck)
	require.Len(t, acks, 2)
	assert.NotEqual(t, acks[0].ViaBranch(), acks[1].ViaBranch(), "one ACK transaction per remote tag")

	// Retransmission of the first 2xx is covered by its stored ACK.
	f.mgr.Feed(finalFor(req, 200, "fork-a"))
	assert.Len(t, f.wire.ofMethod(MethodAck), 3)
	assert.Len(t, f.upper.reported, 2)
}

func TestServerLingeringIdempotence(t *testing.T) {
	f := newFixture(t)
	req := message.NewRequest("BYE", mustURI("sip:bob@example.com"))
	req.CSeq = message.CSeq{Num: 5, Method: "BYE"}
	req.Via = []message.Via{{Branch: "z9hG4bKbye"}}

	f.mgr.Feed(req)
	require.Len(t, f.upper.reported, 1, "request reported upward once")

	resp := message.NewResponse(req, 200, "OK")
	require.NoError(t, f.mgr.SendMessage(resp, nil))
	require.Len(t, f.wire.sent, 1)

	// Re-delivering the same (branch, method) request: stored response is
	// retransmitted, no new upward event.
	f.mgr.Feed(req)
	assert.Len(t, f.wire.sent, 2)
	assert.Same(t, resp, f.wire.sent[1])
	assert.Len(t, f.upper.reported, 1)
}

func TestInviteServerAuto100(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKsrv")
	f.mgr.Feed(req)

	require.Len(t, f.upper.reported, 1)
	require.Len(t, f.wire.sent, 1)
	assert.Equal(t, 100, f.wire.sent[0].Status.Code, "automatic 100 Trying")
}

func TestInviteServerNakOnUnackedFinal(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKnak")
	f.mgr.Feed(req)

	resp := finalFor(req, 200, "srv")
	require.NoError(t, f.mgr.SendMessage(resp, nil))

	f.advance(TP)
	require.Len(t, f.upper.reported, 2)
	nak := f.upper.reported[1]
	assert.Equal(t, MethodNak, nak.Method)
	assert.Same(t, resp, nak.Related)
	// The NAK must carry the final's To tag, or no dialog could claim it.
	assert.Equal(t, "srv", nak.To.Tag)
}

func TestInviteServerAckStopsRetransmission(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKstop")
	f.mgr.Feed(req)

	resp := finalFor(req, 486, "srv")
	require.NoError(t, f.mgr.SendMessage(resp, nil))
	sentBefore := len(f.wire.sent)

	// Non-2xx ACK shares the INVITE branch.
	ack := message.NewAck(req, resp, req.ViaBranch())
	f.mgr.Feed(ack)

	f.advance(TP)
	// No 486 retransmissions after the ACK, and no NAK.
	for _, m := range f.wire.sent[sentBefore:] {
		assert.NotEqual(t, 486, m.Status.Code)
	}
	for _, m := range f.upper.reported {
		assert.NotEqual(t, MethodNak, m.Method)
	}
}

func TestVirtualResponseStopsWithoutWireTraffic(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKvirt")
	f.mgr.Feed(req)

	rel := message.NewResponse(req, 183, "Session Progress")
	rel.RSeq = 1
	require.NoError(t, f.mgr.SendMessage(rel, nil))
	sentBefore := len(f.wire.sent)

	virt := message.NewResponse(req, 183, "Session Progress")
	virt.RSeq = 1
	virt.Virtual = true
	require.NoError(t, f.mgr.SendMessage(virt, nil))

	f.advance(TP)
	assert.Len(t, f.wire.sent, sentBefore, "virtual response produces no traffic and stops retransmission")
}

func TestSweepRemovesLingering(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKsweep")
	require.NoError(t, f.mgr.SendMessage(req, nil))
	f.mgr.Feed(finalFor(req, 486, "x"))

	// INVITE client and its ACK linger; after TP the sweep collects both.
	assert.Equal(t, 2, f.mgr.size())
	f.advance(TP + 2*sweepInterval)
	assert.Equal(t, 0, f.mgr.size())
}

func TestCancelBuiltFromInvite(t *testing.T) {
	f := newFixture(t)
	req := invite("z9hG4bKcx")
	require.NoError(t, f.mgr.SendMessage(req, nil))

	require.NoError(t, f.mgr.SendMessage(&message.Message{Method: MethodCancel, Related: req}, req))
	cancels := f.wire.ofMethod(MethodCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, req.ViaBranch(), cancels[0].ViaBranch())
	assert.Equal(t, req.CSeq.Num, cancels[0].CSeq.Num)
}

func TestStrayResponseDropped(t *testing.T) {
	f := newFixture(t)
	resp := &message.Message{
		IsResponse: true,
		Status:     message.Status{Code: 200, Reason: "OK"},
		CSeq:       message.CSeq{Num: 9, Method: "BYE"},
		Via:        []message.Via{{Branch: "z9hG4bKnone"}},
	}
	f.mgr.Feed(resp)
	assert.Empty(t, f.upper.reported)
}
