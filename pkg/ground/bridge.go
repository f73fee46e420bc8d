package ground

import (
	"github.com/rs/zerolog"
)

// Bridge is the steady-state two-leg forwarder left after anchoring: leg 0
// talks to leg 1 and back, and a hangup or reject from either side tears
// both down.
type Bridge struct {
	g    *Ground
	log  zerolog.Logger
	legs [2]LegID
	down bool
}

func NewBridge(g *Ground, log zerolog.Logger) *Bridge {
	b := &Bridge{g: g, log: log.With().Str("component", "bridge").Logger()}
	b.legs[0] = g.AddLeg(b, 0)
	b.legs[1] = g.AddLeg(b, 1)
	return b
}

// Leg returns the arena id of one of the bridge's two legs.
func (b *Bridge) Leg(index int) LegID { return b.legs[index] }

// Receive implements Party.
func (b *Bridge) Receive(index int, a Action) {
	if b.down {
		return
	}
	out := b.legs[1-index]
	b.g.Forward(out, a)

	switch a.(type) {
	case Hangup, Reject:
		b.teardown()
	}
}

func (b *Bridge) teardown() {
	b.down = true
	b.g.RemoveLeg(b.legs[0])
	b.g.RemoveLeg(b.legs[1])
	b.log.Info().Msg("bridge down")
}
