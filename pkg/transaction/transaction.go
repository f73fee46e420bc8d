// Package transaction implements the SIP transaction layer: per-message
// state machines that own retransmission, deduplication and timeout
// escalation, matched by the (branch, method) pair of the top Via entry.
//
// Four lifecycle states cover every variant:
//
//	WAITING       request received or not yet sent, nothing on the wire
//	TRANSMITTING  active exponential-backoff retransmission (T1..T2),
//	              hard expiry at TP
//	PROVISIONING  servers repeat unreliable provisionals at a slow fixed
//	              cadence; clients park here awaiting a final, with a
//	              TC patience restarted by every fresh provisional
//	LINGERING     absorbs retransmissions without re-invoking upper
//	              layers, expires after TP and is swept away
//
// Timeout escalation is the layer's only failure channel: an expired client
// transaction synthesizes a 408-class response, an expired server INVITE
// without an ACK synthesizes a NAK pseudo-request. Upper layers treat both
// exactly like peer traffic.
//
// All methods must be called from the timer engine's dispatch goroutine;
// the layer relies on that single logical thread instead of locks.
package transaction

import (
	"errors"
	"time"

	"github.com/arzzra/soft_switch/pkg/message"
)

// RFC 3261 timer values as the switch uses them.
const (
	// T1 is the RTT estimate and initial retransmit interval.
	T1 = 500 * time.Millisecond
	// T2 caps the retransmit backoff.
	T2 = 4 * time.Second
	// TP is the overall transaction patience, approximating 64*T1.
	TP = 10 * time.Second
	// TC is the provisional-phase patience of a client transaction: a
	// peer that answered 1xx and then died must not park the client
	// forever. Every fresh provisional restarts it.
	TC = 3 * TP
	// provisionInterval is the slow cadence for unreliable provisional
	// responses while the upper layer makes up its mind.
	provisionInterval = TP * 9 / 10
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateWaiting State = iota
	StateProvisioning
	StateTransmitting
	StateLingering
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateProvisioning:
		return "provisioning"
	case StateTransmitting:
		return "transmitting"
	case StateLingering:
		return "lingering"
	default:
		return "unknown"
	}
}

// Key identifies a transaction. CANCEL and ACK share their INVITE's branch
// but are separate table entries because the method differs.
type Key struct {
	Branch string
	Method string
}

// Method names the layer special-cases.
const (
	MethodInvite = "INVITE"
	MethodAck    = "ACK"
	MethodCancel = "CANCEL"
	MethodBye    = "BYE"
	MethodPrack  = "PRACK"
	MethodUpdate = "UPDATE"
	// MethodNak is the pseudo-method of the synthesized report emitted
	// when a server INVITE final response is never acknowledged.
	MethodNak = "NAK"
)

// Transport is the downward collaborator that puts messages on the wire.
type Transport interface {
	// Send returns false when no transport serves the hop; the layer
	// treats that like any other delivery failure (expiry does the rest).
	Send(hop message.Hop, msg *message.Message) bool
}

// Handler is the upward collaborator receiving matched messages. The layer
// guarantees exactly-once delivery per distinct message: retransmissions
// are absorbed below this interface.
type Handler interface {
	MatchedMessage(msg *message.Message)
}

// Errors of the send path.
var (
	ErrWrongDirection = errors.New("transaction: message direction does not fit transaction")
	ErrNoRelated      = errors.New("transaction: CANCEL/ACK need a related message")
	ErrNoBranch       = errors.New("transaction: message lacks a Via branch")
	ErrDuplicate      = errors.New("transaction: transaction already exists")
)

// transaction is the behavior every table entry implements.
type transaction interface {
	key() Key
	state() State
	// feedIncoming consumes a matched incoming message.
	feedIncoming(msg *message.Message)
	// feedOutgoing consumes a message sent by the upper layer into an
	// existing transaction (responses, virtual responses).
	feedOutgoing(msg *message.Message) error
	// expired reports whether the sweep may drop the entry at now.
	expired(now time.Time) bool
	// stop releases timers; called exactly once before removal.
	stop()
}
