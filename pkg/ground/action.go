// Package ground is the call-leg graph: an arena of legs owned by parties
// (endpoints, routings, bridges) plus the symmetric adjacency that decides
// where call-control actions travel. Media relay contexts are derived from
// the adjacency and the media legs attached to each side, never advanced on
// their own.
package ground

import (
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/message"
	sess "github.com/arzzra/soft_switch/pkg/session"
)

// Action is one call-control verb exchanged between linked legs. The
// variants carry their payload as named fields and are matched exhaustively
// at every consumption site.
type Action interface {
	// Kind names the verb for logging and metrics.
	Kind() string
}

// Dial asks the receiving leg to originate a call.
type Dial struct {
	Target  sip.Uri
	From    message.NameAddr
	To      message.NameAddr
	Session *sess.Session
}

// Ring reports alerting, optionally with an early session.
type Ring struct {
	Session  *sess.Session
	IsAnswer bool
}

// Accept reports the call was answered.
type Accept struct {
	Session  *sess.Session
	IsAnswer bool
}

// Reject refuses a call before it is established.
type Reject struct {
	Status message.Status
}

// Hangup tears down an established call.
type Hangup struct{}

// Session renegotiates media mid-call.
type Session struct {
	Session  *sess.Session
	IsAnswer bool
}

// Transfer hands the peer off to another target.
type Transfer struct {
	ID     string
	Target sip.Uri
}

// Tone carries one recognized or requested DTMF press.
type Tone struct {
	Tone media.Tone
}

func (Dial) Kind() string     { return "dial" }
func (Ring) Kind() string     { return "ring" }
func (Accept) Kind() string   { return "accept" }
func (Reject) Kind() string   { return "reject" }
func (Hangup) Kind() string   { return "hangup" }
func (Session) Kind() string  { return "session" }
func (Transfer) Kind() string { return "transfer" }
func (Tone) Kind() string     { return "tone" }
