package ground

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
)

// StatusError lets a plan fail with a specific SIP status instead of the
// generic 500.
type StatusError struct {
	Status message.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("routing: rejected with %d %s", e.Status.Code, e.Status.Reason)
}

// Plan scripts the fan-out for one dial: it adds targets with AddTarget,
// links them to dialed parties, and forwards the dial. An error (or panic)
// never crosses the routing boundary; it becomes a reject.
type Plan func(r *Routing, dial Dial) error

// Routing owns leg 0 toward the caller plus one leg per dialed-out target.
// Actions from targets are queued until the first accept anchors one of
// them; anchoring hangs up the losers, collapses the routing out of the
// graph, and replays the winner's queue in original order.
type Routing struct {
	g    *Ground
	plan Plan
	log  zerolog.Logger

	legs      map[int]LegID
	queued    map[int][]Action
	nextIndex int
	anchored  bool
	finished  bool
}

func NewRouting(g *Ground, plan Plan, log zerolog.Logger) *Routing {
	r := &Routing{
		g:      g,
		plan:   plan,
		log:    log.With().Str("component", "routing").Logger(),
		legs:   make(map[int]LegID),
		queued: make(map[int][]Action),
	}
	r.legs[0] = g.AddLeg(r, 0)
	return r
}

// Ground exposes the graph so plans can add and link dialed-out parties.
func (r *Routing) Ground() *Ground { return r.g }

// Leg returns the arena id of the routing's leg with the given index.
func (r *Routing) Leg(index int) (LegID, bool) {
	id, ok := r.legs[index]
	return id, ok
}

// AddTarget creates one dialed-out leg. Only legal from inside a plan.
func (r *Routing) AddTarget() (int, LegID) {
	r.nextIndex++
	id := r.g.AddLeg(r, r.nextIndex)
	r.legs[r.nextIndex] = id
	return r.nextIndex, id
}

// Receive implements Party.
func (r *Routing) Receive(index int, a Action) {
	if r.finished {
		return
	}
	if index == 0 {
		r.fromCaller(a)
		return
	}
	r.fromTarget(index, a)
}

func (r *Routing) fromCaller(a Action) {
	switch act := a.(type) {
	case Dial:
		r.runPlan(act)
	case Hangup:
		for index := range r.snapshotTargets() {
			r.forwardTo(index, Hangup{})
		}
		r.finish()
	default:
		// Session changes and tones fan out to every candidate.
		for index := range r.snapshotTargets() {
			r.forwardTo(index, a)
		}
	}
}

func (r *Routing) fromTarget(index int, a Action) {
	switch act := a.(type) {
	case Accept:
		r.anchor(index, act)
	case Reject:
		r.dropTarget(index, act.Status)
	case Hangup:
		r.dropTarget(index, message.Status{Code: 480, Reason: "Temporarily Unavailable"})
	default:
		// Queued until anchoring decides who talks to the caller.
		r.queued[index] = append(r.queued[index], a)
	}
}

// runPlan executes the scripted fan-out, translating any failure into a
// reject so callers never see a raw error cross this boundary.
func (r *Routing) runPlan(dial Dial) {
	err := r.safePlan(dial)
	if err == nil && r.nextIndex > 0 {
		return
	}
	status := message.Status{Code: 500, Reason: "Server Internal Error"}
	var se *StatusError
	if errors.As(err, &se) {
		status = se.Status
	}
	if err != nil {
		r.log.Error().Err(err).Msg("routing plan failed")
	} else {
		r.log.Error().Msg("routing plan produced no targets")
	}
	for index := range r.snapshotTargets() {
		r.forwardTo(index, Hangup{})
	}
	r.reject(status)
}

func (r *Routing) safePlan(dial Dial) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("routing: plan panicked: %v", p)
		}
	}()
	return r.plan(r, dial)
}

// anchor makes the accepting target the caller's permanent counterpart.
func (r *Routing) anchor(index int, accept Accept) {
	if r.anchored {
		r.log.Error().Int("index", index).Msg("double anchor ignored")
		return
	}
	r.anchored = true

	winner := r.legs[index]
	winnerPeer, ok := r.g.TargetOf(winner)
	if !ok {
		r.reject(message.Status{Code: 500, Reason: "Server Internal Error"})
		return
	}

	// Losers first, so nothing they emit races the collapse.
	for other := range r.snapshotTargets() {
		if other == index {
			continue
		}
		r.forwardTo(other, Hangup{})
		r.g.RemoveLeg(r.legs[other])
		delete(r.legs, other)
	}

	queue := r.queued[index]
	if err := r.g.CollapseLegs(r.legs[0], winner); err != nil {
		r.log.Error().Err(err).Msg("collapse failed")
		r.reject(message.Status{Code: 500, Reason: "Server Internal Error"})
		return
	}
	// The graph now links caller and winner directly; replay what the
	// winner said while waiting, then the accept itself.
	for _, a := range queue {
		r.g.Forward(winnerPeer, a)
	}
	r.g.Forward(winnerPeer, accept)

	r.g.RemoveLeg(r.legs[0])
	r.g.RemoveLeg(winner)
	r.finished = true
	r.log.Info().Int("winner", index).Msg("routing anchored and collapsed")
}

// dropTarget removes a refusing target; the last refusal travels to the
// caller.
func (r *Routing) dropTarget(index int, status message.Status) {
	r.g.RemoveLeg(r.legs[index])
	delete(r.legs, index)
	delete(r.queued, index)
	if len(r.legs) == 1 && !r.anchored {
		r.reject(status)
	}
}

func (r *Routing) reject(status message.Status) {
	r.g.Forward(r.legs[0], Reject{Status: status})
	r.finish()
}

func (r *Routing) finish() {
	for _, id := range r.legs {
		r.g.RemoveLeg(id)
	}
	r.legs = map[int]LegID{}
	r.queued = map[int][]Action{}
	r.finished = true
}

func (r *Routing) forwardTo(index int, a Action) {
	r.g.Forward(r.legs[index], a)
}

// snapshotTargets returns the outgoing indexes; handlers may mutate r.legs
// while we walk.
func (r *Routing) snapshotTargets() map[int]struct{} {
	out := make(map[int]struct{}, len(r.legs))
	for index := range r.legs {
		if index != 0 {
			out[index] = struct{}{}
		}
	}
	return out
}
