// Package invite is the offer/answer-aware machinery layered over one INVITE
// transaction: provisional reliability (RFC 3262), PRACK handling, and the
// rules for where a session description may legally appear. A companion
// two-state UPDATE machine (RFC 3311) covers mid-call renegotiation once the
// dialog is established.
package invite

import (
	"errors"

	"github.com/arzzra/soft_switch/pkg/message"
)

// TagReliable is the option tag of RFC 3262.
const TagReliable = "100rel"

// ContentTypeSDP labels session bodies.
const ContentTypeSDP = "application/sdp"

var (
	// ErrClogged marks a contract violation: the caller pushed a new
	// session while the pending exchange was unresolved. Callers must
	// consult IsClogged and queue instead.
	ErrClogged = errors.New("invite: session machine is clogged")

	// ErrBadState marks a message/body combination the current state
	// cannot legally emit.
	ErrBadState = errors.New("invite: message not legal in this state")

	// ErrFinished marks use after FINISH/ABORT.
	ErrFinished = errors.New("invite: machine already finished")
)

// Event is what ProcessIncoming hands upward: the validated message plus the
// session description it carried, classified against the machine state. A
// nil event means the message was consumed internally.
type Event struct {
	Msg      *message.Message
	Body     []byte
	IsAnswer bool
}

// State enumerates the offer/answer progress of one INVITE exchange. The
// names are shared between roles; not every state is reachable in each.
type State int

const (
	StateStart State = iota
	StateRequestEmpty
	StateRequestOffer
	StateProvisionalOffer
	StateProvisionalAnswer
	StateReliableOffer
	StateReliableAnswer
	StateReliableNoAnswer
	StatePrackOffer
	StateEarlySession
	StateReliableEmpty
	StateFinalOffer
	StateFinalAnswer
	StateFinalEmpty
	StateFinish
	StateAbort
)

var stateNames = map[State]string{
	StateStart:             "START",
	StateRequestEmpty:      "REQUEST_EMPTY",
	StateRequestOffer:      "REQUEST_OFFER",
	StateProvisionalOffer:  "PROVISIONAL_OFFER",
	StateProvisionalAnswer: "PROVISIONAL_ANSWER",
	StateReliableOffer:     "RELIABLE_OFFER",
	StateReliableAnswer:    "RELIABLE_ANSWER",
	StateReliableNoAnswer:  "RELIABLE_NOANSWER",
	StatePrackOffer:        "PRACK_OFFER",
	StateEarlySession:      "EARLY_SESSION",
	StateReliableEmpty:     "RELIABLE_EMPTY",
	StateFinalOffer:        "FINAL_OFFER",
	StateFinalAnswer:       "FINAL_ANSWER",
	StateFinalEmpty:        "FINAL_EMPTY",
	StateFinish:            "FINISH",
	StateAbort:             "ABORT",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Terminal reports FINISH or ABORT.
func (s State) Terminal() bool { return s == StateFinish || s == StateAbort }

func attach(msg *message.Message, body []byte) {
	if len(body) == 0 {
		return
	}
	msg.ContentType = ContentTypeSDP
	msg.Body = body
}
