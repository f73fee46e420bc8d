// Package media is the gateway the signaling core drives: it allocates RTP
// addresses, owns media legs, and joins pairs of legs into relay contexts.
// Context existence is derived from the signaling graph's link state and is
// never advanced independently.
package media

import (
	"errors"
	"net/netip"
	"time"
)

// LegHandle names one allocated media leg.
type LegHandle uint64

// ContextID names one relay context joining two legs.
type ContextID uint64

// Digit is one DTMF digit per RFC 4733 event codes 0-15.
type Digit uint8

const (
	DigitStar  Digit = 10
	DigitPound Digit = 11
)

var digitRunes = "0123456789*#ABCD"

func (d Digit) String() string {
	if int(d) < len(digitRunes) {
		return string(digitRunes[d])
	}
	return "?"
}

// ParseDigit maps a dialable character to its event code.
func ParseDigit(r rune) (Digit, bool) {
	for i, c := range digitRunes {
		if c == r {
			return Digit(i), true
		}
	}
	return 0, false
}

// Tone is one DTMF press.
type Tone struct {
	Digit    Digit
	Duration time.Duration
	Volume   int8 // dBm0, 0..-63
}

// DTMFHandler is fired when a digit is recognized on a leg. Called off the
// signaling goroutine; handlers must post back through the timer engine.
type DTMFHandler func(leg LegHandle, tone Tone)

// DirtyHandler is fired when a leg's remote endpoint is first detected.
type DirtyHandler func(leg LegHandle, remote netip.AddrPort)

var (
	ErrNoSuchLeg     = errors.New("media: no such leg")
	ErrNoSuchContext = errors.New("media: no such context")
	ErrLegBusy       = errors.New("media: leg already joined")
	ErrNoPorts       = errors.New("media: port range exhausted")
)

// Controller is the media gateway interface consumed by the leg graph.
type Controller interface {
	// AllocateAddress reserves a local RTP address for a leg to offer.
	AllocateAddress() (netip.AddrPort, error)
	DeallocateAddress(addr netip.AddrPort)

	// MakeLeg creates a media leg bound to a previously allocated
	// address.
	MakeLeg(addr netip.AddrPort) (LegHandle, error)
	DeleteLeg(h LegHandle) error

	// SetRemote points a leg at the peer address learned from the
	// answer. Before it is called the remote is learned from the first
	// inbound packet.
	SetRemote(h LegHandle, remote netip.AddrPort) error

	// Join relays RTP between two legs; Unjoin tears the relay down.
	Join(a, b LegHandle) (ContextID, error)
	Unjoin(id ContextID) error

	// SendTone injects an RFC 4733 event train on a leg.
	SendTone(h LegHandle, tone Tone) error

	OnDTMF(h DTMFHandler)
	OnDirty(h DirtyHandler)

	Close() error
}
