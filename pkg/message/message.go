// Package message defines the structured SIP message envelope exchanged
// between the transport collaborator and the signaling core. The wire grammar
// lives outside this module; by the time a Message reaches the transaction
// layer every header the core cares about is already a typed field.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Magic cookie every RFC 3261 branch starts with.
const BranchCookie = "z9hG4bK"

// Status is the code and reason phrase of a response.
type Status struct {
	Code   int
	Reason string
}

// NameAddr is a display name, URI and tag triple as carried by From/To and
// Contact headers. The URI type is sipgo's; its grammar belongs to the
// format collaborator.
type NameAddr struct {
	Display string
	URI     sip.Uri
	Tag     string
}

// Via is one hop of the Via list. Only the fields the core routes and
// matches on are modeled.
type Via struct {
	Transport string
	Host      string
	Port      int
	Branch    string
}

// CSeq orders requests within a dialog.
type CSeq struct {
	Num    uint32
	Method string
}

// RAck acknowledges one reliable provisional response (RFC 3262).
type RAck struct {
	RSeq uint32
	CSeq CSeq
}

// Hop identifies the concrete network path a message arrived on or must be
// sent over.
type Hop struct {
	Transport string
	Local     netip.AddrPort
	Remote    netip.AddrPort
}

// IsZero reports whether the hop carries no addressing.
func (h Hop) IsZero() bool { return !h.Local.IsValid() && !h.Remote.IsValid() }

func (h Hop) String() string {
	if h.IsZero() {
		return "none"
	}
	return fmt.Sprintf("%s/%s->%s", h.Transport, h.Local, h.Remote)
}

// Set is an unordered collection of option tags (Supported/Require).
type Set map[string]struct{}

// NewSet builds a set from tokens.
func NewSet(tokens ...string) Set {
	s := make(Set, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(token string) bool {
	_, ok := s[token]
	return ok
}

// Add inserts a token and returns the set for chaining.
func (s Set) Add(token string) Set {
	s[token] = struct{}{}
	return s
}

// Message is one SIP request or response. It is created per outgoing send by
// the dialog layer, or per incoming receive by the transport collaborator,
// and is not mutated once handed downward except for the headers the send
// path owns (Via list, Hop).
type Message struct {
	IsResponse bool
	Method     string // request method, or the CSeq method for responses
	Status     Status // responses only

	URI         sip.Uri // request-URI
	Via         []Via   // top entry first
	From        NameAddr
	To          NameAddr
	CallID      string
	CSeq        CSeq
	Contact     *NameAddr
	Route       []sip.Uri
	RecordRoute []sip.Uri

	// Authorization carries the rendered credentials header; the digest
	// computation itself belongs to the auth collaborator.
	Authorization string

	Require   Set
	Supported Set

	RSeq uint32 // reliable provisional sequence, 0 when absent
	RAck *RAck  // PRACK only

	ContentType string
	Body        []byte

	// Hop names the network path. For incoming messages the transport
	// fills it; for outgoing messages the dialog layer picks it.
	Hop Hop

	// Related backlinks a response to the request it answers, and a
	// CANCEL or ACK to the INVITE it targets.
	Related *Message

	// Virtual marks a response that must never reach the wire: it only
	// tells the transaction layer to treat the exchange as acknowledged
	// and stop retransmitting (see the transaction package).
	Virtual bool
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return !m.IsResponse }

// ViaBranch returns the branch of the top Via entry, or "".
func (m *Message) ViaBranch() string {
	if len(m.Via) == 0 {
		return ""
	}
	return m.Via[0].Branch
}

// IsProvisional reports a 1xx response.
func (m *Message) IsProvisional() bool {
	return m.IsResponse && m.Status.Code >= 100 && m.Status.Code < 200
}

// IsSuccess reports a 2xx response.
func (m *Message) IsSuccess() bool {
	return m.IsResponse && m.Status.Code >= 200 && m.Status.Code < 300
}

// IsFinal reports any final response.
func (m *Message) IsFinal() bool {
	return m.IsResponse && m.Status.Code >= 200
}

// HasBody reports whether a body is attached.
func (m *Message) HasBody() bool { return len(m.Body) > 0 }

// NewRequest builds a bare request for the given method and target URI.
// Dialog identity headers are filled by the dialog layer.
func NewRequest(method string, uri sip.Uri) *Message {
	return &Message{
		Method: method,
		URI:    uri,
	}
}

// NewResponse builds a response to req with the identity headers mirrored
// per RFC 3261 8.2.6. The To tag is copied as-is; the responding layer sets
// its own tag once the dialog is established.
func NewResponse(req *Message, code int, reason string) *Message {
	via := make([]Via, len(req.Via))
	copy(via, req.Via)
	return &Message{
		IsResponse:  true,
		Method:      req.Method,
		Status:      Status{Code: code, Reason: reason},
		Via:         via,
		From:        req.From,
		To:          req.To,
		CallID:      req.CallID,
		CSeq:        req.CSeq,
		RecordRoute: req.RecordRoute,
		Hop:         req.Hop,
		Related:     req,
	}
}

// NewAck builds an ACK for a final response to an INVITE. The caller decides
// the branch: non-2xx ACKs reuse the INVITE branch, 2xx ACKs get a fresh one
// (RFC 3261 17.1.1.3 / 13.2.2.4).
func NewAck(invite *Message, resp *Message, branch string) *Message {
	ack := &Message{
		Method:  "ACK",
		URI:     invite.URI,
		From:    invite.From,
		To:      resp.To, // carries the remote tag the response established
		CallID:  invite.CallID,
		CSeq:    CSeq{Num: invite.CSeq.Num, Method: "ACK"},
		Route:   invite.Route,
		Hop:     invite.Hop,
		Related: resp,
	}
	if len(invite.Via) > 0 {
		top := invite.Via[0]
		top.Branch = branch
		ack.Via = []Via{top}
	}
	return ack
}

// NewCancel builds a CANCEL for a pending INVITE. CANCEL reuses the INVITE
// branch and CSeq number (RFC 3261 9.1).
func NewCancel(invite *Message) *Message {
	cancel := &Message{
		Method:  "CANCEL",
		URI:     invite.URI,
		From:    invite.From,
		To:      invite.To,
		CallID:  invite.CallID,
		CSeq:    CSeq{Num: invite.CSeq.Num, Method: "CANCEL"},
		Route:   invite.Route,
		Hop:     invite.Hop,
		Related: invite,
	}
	if len(invite.Via) > 0 {
		cancel.Via = []Via{invite.Via[0]}
	}
	return cancel
}

// GenerateBranch returns a new unique branch with the RFC 3261 magic cookie.
func GenerateBranch() string {
	b := make([]byte, 8)
	rand.Read(b)
	return BranchCookie + hex.EncodeToString(b)
}

// GenerateCallID returns a new globally unique Call-ID.
func GenerateCallID() string {
	return uuid.NewString()
}

// GenerateTag returns a new dialog tag. Tags are globally unique so the
// dialog registry can key on the local tag alone.
func GenerateTag() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}
