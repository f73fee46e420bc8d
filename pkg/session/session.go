// Package session models media session descriptions as they travel through
// the offer/answer exchange (RFC 3264) and enforces the alternation rule:
// at most one side may have an unanswered offer outstanding at any time.
//
// A Session value is a tagged variant. Queries and rejects carry no
// channels; offers and accepts do. The SDP wire form is produced and
// consumed by Codec; everything else in the core treats Session as opaque.
package session

import (
	"errors"
	"fmt"
	"net/netip"
)

// Kind tags a Session variant.
type Kind int

const (
	// KindQuery asks the peer for an offer (empty re-INVITE style).
	KindQuery Kind = iota
	// KindOffer proposes a set of media channels.
	KindOffer
	// KindAccept answers an offer, channel by channel.
	KindAccept
	// KindReject answers an offer negatively.
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindOffer:
		return "offer"
	case KindAccept:
		return "accept"
	case KindReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Format is one negotiated codec of a channel.
type Format struct {
	PayloadType uint8
	Encoding    string
	ClockRate   int
}

// Channel is one media stream of a session. The switch only negotiates
// audio today but nothing below depends on that.
type Channel struct {
	Type    string // "audio"
	Addr    netip.AddrPort
	Formats []Format
	Send    bool
	Recv    bool
}

// Session is a tagged media session description.
type Session struct {
	Kind     Kind
	Channels []Channel
}

// Errors returned by the variant helpers and the state tracker.
var (
	ErrNotFlippable   = errors.New("session: only offers and accepts can be flipped")
	ErrOfferPending   = errors.New("session: peer offer already pending")
	ErrNoPendingOffer = errors.New("session: answer without a pending offer")
)

// IsQuery reports the query variant.
func (s Session) IsQuery() bool { return s.Kind == KindQuery }

// IsOffer reports the offer variant.
func (s Session) IsOffer() bool { return s.Kind == KindOffer }

// IsAccept reports the accept variant.
func (s Session) IsAccept() bool { return s.Kind == KindAccept }

// IsReject reports the reject variant.
func (s Session) IsReject() bool { return s.Kind == KindReject }

// IsAnswer reports whether s answers an offer (accept or reject).
func (s Session) IsAnswer() bool { return s.Kind == KindAccept || s.Kind == KindReject }

// Flipped converts an offer into the accept that mirrors it and vice versa.
// Queries and rejects carry no channels and cannot be flipped.
func (s Session) Flipped() (Session, error) {
	switch s.Kind {
	case KindOffer:
		return Session{Kind: KindAccept, Channels: cloneChannels(s.Channels)}, nil
	case KindAccept:
		return Session{Kind: KindOffer, Channels: cloneChannels(s.Channels)}, nil
	default:
		return Session{}, fmt.Errorf("%w: %s", ErrNotFlippable, s.Kind)
	}
}

func cloneChannels(chans []Channel) []Channel {
	out := make([]Channel, len(chans))
	copy(out, chans)
	for i := range out {
		out[i].Formats = append([]Format(nil), chans[i].Formats...)
	}
	return out
}
