package ground

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/metrics"
)

// LegID names one arena entry. Zero is never issued.
type LegID uint64

// Party owns legs and consumes the actions their linked peers forward.
type Party interface {
	// Receive delivers an action to the party's leg with the given
	// index. Index 0 is always the incoming leg.
	Receive(index int, a Action)
}

// ContextBinder is the slice of the media controller the graph needs: relay
// contexts appear and disappear purely as a side effect of linking.
type ContextBinder interface {
	Join(a, b media.LegHandle) (media.ContextID, error)
	Unjoin(id media.ContextID) error
}

var (
	ErrNoSuchLeg = errors.New("ground: no such leg")
	ErrLinked    = errors.New("ground: leg already linked")
	ErrNotLinked = errors.New("ground: legs not linked")
)

type leg struct {
	id    LegID
	owner Party
	index int
	// media holds one handle per negotiated channel; zero means none.
	media []media.LegHandle
}

type linkKey struct {
	low, high LegID
	channel   int
}

// Ground owns every leg by strong handle and keeps the symmetric adjacency
// between them. All access happens on the engine dispatch goroutine; the
// maps need no locks, but snapshot-then-iterate applies when handlers
// mutate them mid-walk.
type Ground struct {
	legs     map[LegID]*leg
	targets  map[LegID]LegID // symmetric: a->b implies b->a
	contexts map[linkKey]media.ContextID
	next     LegID

	binder ContextBinder
	mc     *metrics.Collector
	log    zerolog.Logger
}

// Option configures a Ground.
type Option func(*Ground)

func WithLogger(log zerolog.Logger) Option {
	return func(g *Ground) { g.log = log.With().Str("component", "ground").Logger() }
}

func WithMetrics(mc *metrics.Collector) Option {
	return func(g *Ground) { g.mc = mc }
}

// WithMedia wires the context binder; without it media bookkeeping is a
// no-op (useful for signaling-only tests).
func WithMedia(b ContextBinder) Option {
	return func(g *Ground) { g.binder = b }
}

func New(opts ...Option) *Ground {
	g := &Ground{
		legs:     make(map[LegID]*leg),
		targets:  make(map[LegID]LegID),
		contexts: make(map[linkKey]media.ContextID),
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AddLeg allocates an arena entry for the party's leg with the given index.
func (g *Ground) AddLeg(owner Party, index int) LegID {
	g.next++
	g.legs[g.next] = &leg{id: g.next, owner: owner, index: index}
	return g.next
}

// RemoveLeg is the single place an entry leaves the arena. Media contexts
// are dropped before the signaling entry.
func (g *Ground) RemoveLeg(id LegID) {
	if _, ok := g.legs[id]; !ok {
		return
	}
	if peer, linked := g.targets[id]; linked {
		g.unlink(id, peer)
	}
	delete(g.legs, id)
	g.log.Debug().Uint64("leg", uint64(id)).Msg("leg removed")
}

// Abort hangs up every linked pair, used at shutdown. Handlers remove legs
// while we walk, so the id set is snapshotted first; media contexts drop
// with their legs before any signaling leaves.
func (g *Ground) Abort() {
	ids := make([]LegID, 0, len(g.legs))
	for id := range g.legs {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, ok := g.legs[id]; ok {
			g.Forward(id, Hangup{})
		}
	}
}

// LegByMedia finds the leg a media handle is attached to. Used to route
// gateway callbacks (DTMF recognition) back into the graph.
func (g *Ground) LegByMedia(h media.LegHandle) (LegID, bool) {
	for id, l := range g.legs {
		for _, mh := range l.media {
			if mh == h {
				return id, true
			}
		}
	}
	return 0, false
}

// TargetOf returns the linked peer of a leg.
func (g *Ground) TargetOf(id LegID) (LegID, bool) {
	t, ok := g.targets[id]
	return t, ok
}

// LinkLegs makes a and b forward to each other.
func (g *Ground) LinkLegs(a, b LegID) error {
	if _, ok := g.legs[a]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchLeg, a)
	}
	if _, ok := g.legs[b]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchLeg, b)
	}
	if _, ok := g.targets[a]; ok {
		return ErrLinked
	}
	if _, ok := g.targets[b]; ok {
		return ErrLinked
	}
	g.targets[a] = b
	g.targets[b] = a
	g.syncContexts(a, b)
	g.log.Debug().Uint64("a", uint64(a)).Uint64("b", uint64(b)).Msg("legs linked")
	return nil
}

// CollapseLegs elides a two-legged intermediate party from the graph: the
// peers of mid0 and mid1 become directly linked. The rewiring completes
// before control returns, so no action can travel the old path afterwards.
func (g *Ground) CollapseLegs(mid0, mid1 LegID) error {
	p0, ok0 := g.targets[mid0]
	p1, ok1 := g.targets[mid1]
	if !ok0 || !ok1 {
		return ErrNotLinked
	}
	g.unlink(mid0, p0)
	g.unlink(mid1, p1)
	return g.LinkLegs(p0, p1)
}

// InsertLegs splits the link of outer and its peer, splicing the two-legged
// party (new0 toward outer, new1 toward the old peer) in between.
func (g *Ground) InsertLegs(outer, new0, new1 LegID) error {
	peer, ok := g.targets[outer]
	if !ok {
		return ErrNotLinked
	}
	g.unlink(outer, peer)
	if err := g.LinkLegs(outer, new0); err != nil {
		return err
	}
	return g.LinkLegs(new1, peer)
}

// Forward pushes an action from a leg to its linked peer. Unlinked legs
// drop the action; mid-teardown races make that normal, not exceptional.
func (g *Ground) Forward(from LegID, a Action) {
	to, ok := g.targets[from]
	if !ok {
		g.log.Debug().Uint64("from", uint64(from)).Str("action", a.Kind()).
			Msg("action dropped, leg unlinked")
		return
	}
	target, ok := g.legs[to]
	if !ok {
		return
	}
	g.mc.ActionForwarded(a.Kind())
	target.owner.Receive(target.index, a)
}

// SetMediaLeg attaches the media leg backing one negotiated channel, then
// re-derives relay contexts for the link.
func (g *Ground) SetMediaLeg(id LegID, channel int, h media.LegHandle) error {
	l, ok := g.legs[id]
	if !ok {
		return ErrNoSuchLeg
	}
	for len(l.media) <= channel {
		l.media = append(l.media, 0)
	}
	l.media[channel] = h
	if peer, linked := g.targets[id]; linked {
		g.syncContexts(id, peer)
	}
	return nil
}

// ClearMediaLeg detaches a channel's media leg, dropping its context.
func (g *Ground) ClearMediaLeg(id LegID, channel int) error {
	return g.SetMediaLeg(id, channel, 0)
}

// CheckSymmetry verifies the pairing invariant; tests lean on it.
func (g *Ground) CheckSymmetry() error {
	for a, b := range g.targets {
		if back, ok := g.targets[b]; !ok || back != a {
			return fmt.Errorf("ground: asymmetric link %d->%d", a, b)
		}
	}
	return nil
}

func (g *Ground) unlink(a, b LegID) {
	g.dropContexts(a, b)
	delete(g.targets, a)
	delete(g.targets, b)
}

// syncContexts joins a context for every channel where both linked legs
// have media, and drops contexts for channels that lost a side.
func (g *Ground) syncContexts(a, b LegID) {
	if g.binder == nil {
		return
	}
	la, lb := g.legs[a], g.legs[b]
	channels := len(la.media)
	if len(lb.media) > channels {
		channels = len(lb.media)
	}
	for ch := 0; ch < channels; ch++ {
		key := g.key(a, b, ch)
		_, have := g.contexts[key]
		complete := ch < len(la.media) && ch < len(lb.media) && la.media[ch] != 0 && lb.media[ch] != 0
		switch {
		case complete && !have:
			id, err := g.binder.Join(la.media[ch], lb.media[ch])
			if err != nil {
				g.log.Error().Err(err).Int("channel", ch).Msg("media join failed")
				continue
			}
			g.contexts[key] = id
		case !complete && have:
			g.dropContext(key)
		}
	}
}

func (g *Ground) dropContexts(a, b LegID) {
	if g.binder == nil {
		return
	}
	// Snapshot: Unjoin must not race the walk.
	var keys []linkKey
	for k := range g.contexts {
		if k.low == min(a, b) && k.high == max(a, b) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		g.dropContext(k)
	}
}

func (g *Ground) dropContext(k linkKey) {
	id := g.contexts[k]
	delete(g.contexts, k)
	if err := g.binder.Unjoin(id); err != nil {
		g.log.Error().Err(err).Msg("media unjoin failed")
	}
}

func (g *Ground) key(a, b LegID, ch int) linkKey {
	return linkKey{low: min(a, b), high: max(a, b), channel: ch}
}
