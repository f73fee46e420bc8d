package session

import "fmt"

// Side names one of the two parties of a State tracker. Inside a leg the
// sides are the ground (switch-facing) and the party (protocol-facing) ends;
// inside a dialog they map to local and remote.
type Side int

const (
	SideGround Side = iota
	SideParty
)

func (s Side) String() string {
	if s == SideGround {
		return "ground"
	}
	return "party"
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideGround {
		return SideParty
	}
	return SideGround
}

type slot struct {
	current *Session
	pending *Session
}

// State tracks offer/answer progress between two sides, independent of the
// transport that carries the descriptions. Exactly one State exists per leg.
type State struct {
	slots [2]slot
}

// NewState returns an empty tracker.
func NewState() *State {
	return &State{}
}

// Set records a session coming from side. Offers and queries become that
// side's pending entry; answers resolve the opposite side's pending entry.
// Violating the alternation invariant is a caller bug and returns an error
// rather than corrupting the tracker.
func (st *State) Set(side Side, s Session) error {
	me := &st.slots[side]
	other := &st.slots[side.Other()]

	if s.IsAnswer() {
		if other.pending == nil {
			return fmt.Errorf("%w: %s answered by %s", ErrNoPendingOffer, side.Other(), side)
		}
		if s.IsAccept() {
			offered := *other.pending
			accepted := s
			other.current = &offered
			me.current = &accepted
		}
		other.pending = nil
		return nil
	}

	// A new offer (or query) from this side. Only one unanswered offer may
	// exist across both sides, this side's own included.
	if other.pending != nil {
		return fmt.Errorf("%w: %s offering while %s offer unanswered", ErrOfferPending, side, side.Other())
	}
	if me.pending != nil {
		return fmt.Errorf("%w: %s offering while its own offer unanswered", ErrOfferPending, side)
	}
	pending := s
	me.pending = &pending
	return nil
}

// HasPending reports whether side has an unanswered offer outstanding.
func (st *State) HasPending(side Side) bool {
	return st.slots[side].pending != nil
}

// Pending returns side's unanswered offer, if any.
func (st *State) Pending(side Side) (Session, bool) {
	p := st.slots[side].pending
	if p == nil {
		return Session{}, false
	}
	return *p, true
}

// Current returns the last session established for side, if any.
func (st *State) Current(side Side) (Session, bool) {
	c := st.slots[side].current
	if c == nil {
		return Session{}, false
	}
	return *c, true
}

// AbortPending clears any unanswered offer on either side. Used when the
// carrying exchange dies (transaction timeout, abort cascade).
func (st *State) AbortPending() {
	st.slots[0].pending = nil
	st.slots[1].pending = nil
}
