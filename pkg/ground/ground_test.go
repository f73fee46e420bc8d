package ground

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/message"
)

type recParty struct {
	got []Action
}

func (p *recParty) Receive(index int, a Action) { p.got = append(p.got, a) }

func (p *recParty) kinds() []string {
	out := make([]string, len(p.got))
	for i, a := range p.got {
		out[i] = a.Kind()
	}
	return out
}

type fakeBinder struct {
	joins   int
	unjoins int
	next    media.ContextID
}

func (b *fakeBinder) Join(x, y media.LegHandle) (media.ContextID, error) {
	b.joins++
	b.next++
	return b.next, nil
}

func (b *fakeBinder) Unjoin(id media.ContextID) error {
	b.unjoins++
	return nil
}

func TestLinkSymmetryHolds(t *testing.T) {
	g := New()
	a := g.AddLeg(&recParty{}, 0)
	b := g.AddLeg(&recParty{}, 0)
	require.NoError(t, g.LinkLegs(a, b))
	require.NoError(t, g.CheckSymmetry())

	assert.ErrorIs(t, g.LinkLegs(a, b), ErrLinked)

	g.RemoveLeg(a)
	require.NoError(t, g.CheckSymmetry())
	_, linked := g.TargetOf(b)
	assert.False(t, linked)
}

func TestInsertAndCollapsePreserveSymmetry(t *testing.T) {
	g := New()
	left := &recParty{}
	right := &recParty{}
	a := g.AddLeg(left, 0)
	b := g.AddLeg(right, 0)
	require.NoError(t, g.LinkLegs(a, b))

	br := NewBridge(g, zerolog.Nop())
	require.NoError(t, g.InsertLegs(a, br.Leg(0), br.Leg(1)))
	require.NoError(t, g.CheckSymmetry())

	// Through the bridge both ways.
	g.Forward(a, Tone{})
	require.Equal(t, []string{"tone"}, right.kinds())
	g.Forward(b, Ring{})
	require.Equal(t, []string{"ring"}, left.kinds())

	require.NoError(t, g.CollapseLegs(br.Leg(0), br.Leg(1)))
	require.NoError(t, g.CheckSymmetry())
	peer, ok := g.TargetOf(a)
	require.True(t, ok)
	assert.Equal(t, b, peer)
}

func TestForwardOnUnlinkedLegDrops(t *testing.T) {
	g := New()
	a := g.AddLeg(&recParty{}, 0)
	g.Forward(a, Hangup{}) // must not panic
}

func TestMediaContextsDerivedFromLinks(t *testing.T) {
	binder := &fakeBinder{}
	g := New(WithMedia(binder))
	a := g.AddLeg(&recParty{}, 0)
	b := g.AddLeg(&recParty{}, 0)
	require.NoError(t, g.LinkLegs(a, b))

	require.NoError(t, g.SetMediaLeg(a, 0, 11))
	assert.Zero(t, binder.joins, "one-sided channel has no context")
	require.NoError(t, g.SetMediaLeg(b, 0, 22))
	assert.Equal(t, 1, binder.joins)

	// Re-deriving with nothing changed is a no-op.
	require.NoError(t, g.SetMediaLeg(b, 0, 22))
	assert.Equal(t, 1, binder.joins)

	require.NoError(t, g.ClearMediaLeg(a, 0))
	assert.Equal(t, 1, binder.unjoins)

	require.NoError(t, g.SetMediaLeg(a, 0, 11))
	assert.Equal(t, 2, binder.joins)
	g.RemoveLeg(b)
	assert.Equal(t, 2, binder.unjoins, "contexts released before the leg entry")
}

func routedCall(t *testing.T, plan Plan) (*Ground, *recParty, LegID, *Routing) {
	t.Helper()
	g := New()
	caller := &recParty{}
	callerLeg := g.AddLeg(caller, 0)
	r := NewRouting(g, plan, zerolog.Nop())
	leg0, ok := r.Leg(0)
	require.True(t, ok)
	require.NoError(t, g.LinkLegs(callerLeg, leg0))
	return g, caller, callerLeg, r
}

func TestRoutingAnchorsFirstAcceptAndReplaysQueue(t *testing.T) {
	var (
		e1, e2   recParty
		el1, el2 LegID
	)
	g, caller, callerLeg, _ := routedCall(t, func(r *Routing, dial Dial) error {
		_, t1 := r.AddTarget()
		el1 = r.g.AddLeg(&e1, 0)
		if err := r.g.LinkLegs(t1, el1); err != nil {
			return err
		}
		r.g.Forward(t1, dial)

		_, t2 := r.AddTarget()
		el2 = r.g.AddLeg(&e2, 0)
		if err := r.g.LinkLegs(t2, el2); err != nil {
			return err
		}
		r.g.Forward(t2, dial)
		return nil
	})

	g.Forward(callerLeg, Dial{})
	require.Equal(t, []string{"dial"}, e1.kinds())
	require.Equal(t, []string{"dial"}, e2.kinds())

	// Leg 2 progresses while leg 1 stays silent; nothing reaches the
	// caller before anchoring.
	g.Forward(el2, Ring{})
	g.Forward(el2, Session{})
	assert.Empty(t, caller.got)

	g.Forward(el2, Accept{})

	assert.Equal(t, []string{"ring", "session", "accept"}, caller.kinds(),
		"queued actions replayed in original order, then the accept")
	assert.Equal(t, []string{"dial", "hangup"}, e1.kinds(), "loser hung up")
	require.NoError(t, g.CheckSymmetry())

	peer, ok := g.TargetOf(callerLeg)
	require.True(t, ok)
	assert.Equal(t, el2, peer, "routing collapsed out of the path")

	g.Forward(callerLeg, Tone{})
	assert.Equal(t, "tone", e2.kinds()[len(e2.kinds())-1])
}

func TestRoutingPlanErrorsRejectCaller(t *testing.T) {
	g, caller, callerLeg, _ := routedCall(t, func(r *Routing, dial Dial) error {
		return errors.New("boom")
	})
	g.Forward(callerLeg, Dial{})
	require.Len(t, caller.got, 1)
	rej, ok := caller.got[0].(Reject)
	require.True(t, ok)
	assert.Equal(t, 500, rej.Status.Code)
}

func TestRoutingPlanStatusErrorKept(t *testing.T) {
	g, caller, callerLeg, _ := routedCall(t, func(r *Routing, dial Dial) error {
		return &StatusError{Status: message.Status{Code: 404, Reason: "Not Found"}}
	})
	g.Forward(callerLeg, Dial{})
	require.Len(t, caller.got, 1)
	rej := caller.got[0].(Reject)
	assert.Equal(t, 404, rej.Status.Code)
}

func TestRoutingPlanPanicContained(t *testing.T) {
	g, caller, callerLeg, _ := routedCall(t, func(r *Routing, dial Dial) error {
		panic("scripted plan bug")
	})
	g.Forward(callerLeg, Dial{})
	require.Len(t, caller.got, 1)
	rej := caller.got[0].(Reject)
	assert.Equal(t, 500, rej.Status.Code)
}

func TestRoutingLastRejectReachesCaller(t *testing.T) {
	var (
		e1, e2   recParty
		el1, el2 LegID
	)
	g, caller, callerLeg, _ := routedCall(t, func(r *Routing, dial Dial) error {
		_, t1 := r.AddTarget()
		el1 = r.g.AddLeg(&e1, 0)
		if err := r.g.LinkLegs(t1, el1); err != nil {
			return err
		}
		_, t2 := r.AddTarget()
		el2 = r.g.AddLeg(&e2, 0)
		return r.g.LinkLegs(t2, el2)
	})
	g.Forward(callerLeg, Dial{})

	g.Forward(el1, Reject{Status: message.Status{Code: 486, Reason: "Busy Here"}})
	assert.Empty(t, caller.got, "one candidate remains")

	g.Forward(el2, Reject{Status: message.Status{Code: 603, Reason: "Decline"}})
	require.Len(t, caller.got, 1)
	rej := caller.got[0].(Reject)
	assert.Equal(t, 603, rej.Status.Code)
	require.NoError(t, g.CheckSymmetry())
}

func TestBridgeTearsDownOnHangup(t *testing.T) {
	g := New()
	left := &recParty{}
	right := &recParty{}
	a := g.AddLeg(left, 0)
	b := g.AddLeg(right, 0)
	br := NewBridge(g, zerolog.Nop())
	require.NoError(t, g.LinkLegs(a, br.Leg(0)))
	require.NoError(t, g.LinkLegs(b, br.Leg(1)))

	g.Forward(a, Session{})
	require.Equal(t, []string{"session"}, right.kinds())

	g.Forward(b, Hangup{})
	require.Equal(t, []string{"hangup"}, left.kinds())
	require.NoError(t, g.CheckSymmetry())

	// Both bridge legs are gone; later traffic drops quietly.
	g.Forward(a, Tone{})
	assert.Equal(t, []string{"session"}, right.kinds())
}
