// Package dialog correlates transaction events to calls. A dialog is the
// RFC 3261 peer relationship named by Call-ID plus the local and remote tag;
// it validates sequencing, builds in-dialog envelopes, and shields the upper
// layers from challenge and fork anomalies.
package dialog

import (
	"errors"

	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// Sender carries outgoing messages down to the transaction layer.
type Sender interface {
	SendMessage(msg *message.Message, related *message.Message) error
}

// Receiver gets messages that survived dialog validation. One receiver per
// dialog, wired by the owning call leg.
type Receiver interface {
	DialogMessage(msg *message.Message)
}

// Authorizer supplies credentials for a 401/407 challenge. Authorize fills
// retry.Authorization and reports whether any account covers the request;
// the digest computation itself lives behind this interface.
type Authorizer interface {
	Authorize(challenge *message.Message, retry *message.Message) bool
}

var ErrNotSetUp = errors.New("dialog: identity not established")

// Dialog tracks one call's identity and sequence state. The identity fields
// are frozen after setup; only the peer contact and route set may move on
// later re-INVITEs.
type Dialog struct {
	reg *Registry
	log zerolog.Logger

	callID    string
	localTag  string
	remoteTag string

	local       message.NameAddr
	remote      message.NameAddr
	target      sip.Uri // initial request URI, before any contact is learned
	peerContact sip.Uri
	route       []sip.Uri
	hop         message.Hop

	lastSentCSeq   uint32
	lastRecvedCSeq uint32

	setUp     bool
	authTried bool

	receiver Receiver
	auth     Authorizer
}

// New creates an unbound dialog and registers it under a fresh local tag so
// responses to its future requests find their way back.
func New(reg *Registry) *Dialog {
	d := &Dialog{
		reg:      reg,
		localTag: message.GenerateTag(),
	}
	d.log = reg.log.With().Str("local_tag", d.localTag).Logger()
	reg.add(d)
	return d
}

// Bind wires the upward receiver. Must happen before any traffic.
func (d *Dialog) Bind(r Receiver) { d.receiver = r }

// SetAuthorizer enables the 401/407 resubmit path.
func (d *Dialog) SetAuthorizer(a Authorizer) { d.auth = a }

func (d *Dialog) CallID() string    { return d.callID }
func (d *Dialog) LocalTag() string  { return d.localTag }
func (d *Dialog) RemoteTag() string { return d.remoteTag }
func (d *Dialog) IsSetUp() bool     { return d.setUp }

// Close withdraws the dialog from the registry. Idempotent.
func (d *Dialog) Close() { d.reg.remove(d) }

// SetupOutgoing fixes the local half of the identity for a dialog we will
// originate. The remote tag stays empty until the peer responds.
func (d *Dialog) SetupOutgoing(target sip.Uri, from, to message.NameAddr, hop message.Hop) {
	d.callID = message.GenerateCallID()
	d.local = from
	d.local.Tag = d.localTag
	d.remote = to
	d.target = target
	d.peerContact = target
	d.hop = hop
}

// SetupIncoming adopts the identity from the first request of a dialog the
// peer originated. The route set is the Record-Route list in received order
// (RFC 3261 12.1.1).
func (d *Dialog) SetupIncoming(req *message.Message) {
	d.callID = req.CallID
	d.remote = req.From
	d.remoteTag = req.From.Tag
	d.local = req.To
	d.local.Tag = d.localTag
	d.target = req.URI
	d.peerContact = req.URI
	if req.Contact != nil {
		d.peerContact = req.Contact.URI
	}
	d.route = append([]sip.Uri(nil), req.RecordRoute...)
	d.hop = req.Hop
	d.lastRecvedCSeq = req.CSeq.Num
	d.setUp = true
}

// setupOutgoingResponded completes an outgoing dialog's identity from the
// first tagged response. The route set is the reversed Record-Route list
// (RFC 3261 12.1.2).
func (d *Dialog) setupOutgoingResponded(resp *message.Message) {
	d.remote = resp.To
	d.remoteTag = resp.To.Tag
	if resp.Contact != nil {
		d.peerContact = resp.Contact.URI
	}
	d.route = d.route[:0]
	for i := len(resp.RecordRoute) - 1; i >= 0; i-- {
		d.route = append(d.route, resp.RecordRoute[i])
	}
	d.setUp = true
}

// MakeRequest builds an in-dialog request envelope with the next CSeq and a
// fresh branch. ACK and CANCEL are not built here; the transaction layer
// derives them from their related message. The transport fills the Via
// sent-by address on serialization.
func (d *Dialog) MakeRequest(method string) *message.Message {
	d.lastSentCSeq++
	req := message.NewRequest(method, d.peerContact)
	req.From = d.local
	req.To = d.remote
	req.CallID = d.callID
	req.CSeq = message.CSeq{Num: d.lastSentCSeq, Method: method}
	req.Via = []message.Via{{Branch: message.GenerateBranch()}}
	req.Route = append([]sip.Uri(nil), d.route...)
	req.Hop = d.hop
	return req
}

// MakeResponse builds a response envelope for an in-dialog request, stamping
// the local tag on everything above 100 Trying.
func (d *Dialog) MakeResponse(req *message.Message, code int, reason string) *message.Message {
	resp := message.NewResponse(req, code, reason)
	if code > 100 {
		resp.To.Tag = d.localTag
	}
	return resp
}

// Send pushes a message down to the transaction layer.
func (d *Dialog) Send(msg *message.Message) error {
	return d.reg.sender.SendMessage(msg, nil)
}

// SendRelated pushes a message whose envelope the transaction layer derives
// from a related message (ACK from its final response, CANCEL from its
// INVITE).
func (d *Dialog) SendRelated(msg *message.Message, related *message.Message) error {
	return d.reg.sender.SendMessage(msg, related)
}

// takeRequest validates an in-dialog request. A false return means the
// message was swallowed here and must not travel further up.
func (d *Dialog) takeRequest(req *message.Message) bool {
	if d.callID != "" && req.CallID != d.callID {
		d.log.Warn().Str("call_id", req.CallID).Msg("request with foreign Call-ID dropped")
		return false
	}
	if d.remoteTag == "" && req.From.Tag != "" {
		d.remoteTag = req.From.Tag
	}

	switch req.Method {
	case transaction.MethodAck, transaction.MethodCancel, transaction.MethodNak:
		// Exempt from monotonicity: they carry the CSeq of the request
		// they refer to (RFC 3261 9.1, 13.2.2.4).
	default:
		if req.CSeq.Num <= d.lastRecvedCSeq {
			// Stale or duplicate CSeq is dropped without a response
			// (RFC 3261 12.2.2).
			d.log.Debug().Uint32("cseq", req.CSeq.Num).Str("method", req.Method).
				Msg("stale CSeq dropped")
			return false
		}
		d.lastRecvedCSeq = req.CSeq.Num
		if req.Contact != nil {
			d.peerContact = req.Contact.URI
		}
	}
	return true
}

// takeResponse validates a response to one of our requests, intercepting
// challenges and disposing of fork leftovers. A false return means the
// response was consumed here.
func (d *Dialog) takeResponse(resp *message.Message) bool {
	if d.callID != "" && resp.CallID != d.callID {
		return false
	}
	if resp.CSeq.Num > d.lastSentCSeq {
		d.log.Warn().Uint32("cseq", resp.CSeq.Num).Msg("response beyond sent CSeq dropped")
		return false
	}

	if code := resp.Status.Code; code == 401 || code == 407 {
		if d.resubmitWithAuth(resp) {
			return false
		}
	}

	tag := resp.To.Tag
	switch {
	case tag == "":
		// Tagless provisional, nothing to learn.
	case d.remoteTag == "":
		d.setupOutgoingResponded(resp)
	case tag != d.remoteTag:
		return d.takeBastard(resp)
	}
	return true
}

// resubmitWithAuth retries the challenged request once with credentials.
// Reports whether the challenge was consumed.
func (d *Dialog) resubmitWithAuth(challenge *message.Message) bool {
	if d.auth == nil || d.authTried || challenge.Related == nil {
		return false
	}
	orig := challenge.Related

	retry := message.NewRequest(orig.Method, orig.URI)
	retry.From = d.local
	retry.To = d.remote
	retry.CallID = d.callID
	retry.CSeq = message.CSeq{Num: d.lastSentCSeq + 1, Method: orig.Method}
	retry.Via = []message.Via{{Branch: message.GenerateBranch()}}
	retry.Route = append([]sip.Uri(nil), orig.Route...)
	retry.Require, retry.Supported = orig.Require, orig.Supported
	retry.ContentType, retry.Body = orig.ContentType, orig.Body
	retry.Hop = orig.Hop

	if !d.auth.Authorize(challenge, retry) {
		return false
	}
	d.lastSentCSeq++
	d.authTried = true
	if err := d.reg.sender.SendMessage(retry, nil); err != nil {
		d.log.Error().Err(err).Msg("auth resubmit failed")
		return false
	}
	d.log.Info().Str("method", orig.Method).Msg("resubmitted with credentials")
	return true
}

// takeBastard handles a final response establishing a second dialog off the
// same INVITE (fork). Only one dialog per INVITE is supported, so the extra
// one is acknowledged and immediately torn down with a BYE; nothing is
// reported upward.
func (d *Dialog) takeBastard(resp *message.Message) bool {
	if !resp.IsFinal() || resp.CSeq.Method != transaction.MethodInvite {
		return false
	}
	if !resp.IsSuccess() {
		// The transaction layer ACKs non-2xx finals on its own.
		return false
	}
	d.log.Warn().Str("remote_tag", resp.To.Tag).Msg("forked dialog disposed")

	ack := &message.Message{Method: transaction.MethodAck}
	if err := d.reg.sender.SendMessage(ack, resp); err != nil {
		d.log.Error().Err(err).Msg("fork ACK failed")
	}

	d.lastSentCSeq++
	bye := message.NewRequest(transaction.MethodBye, d.peerContact)
	if resp.Contact != nil {
		bye.URI = resp.Contact.URI
	}
	bye.From = d.local
	bye.To = resp.To
	bye.CallID = d.callID
	bye.CSeq = message.CSeq{Num: d.lastSentCSeq, Method: transaction.MethodBye}
	bye.Via = []message.Via{{Branch: message.GenerateBranch()}}
	bye.Hop = d.hop
	if err := d.reg.sender.SendMessage(bye, nil); err != nil {
		d.log.Error().Err(err).Msg("fork BYE failed")
	}
	return false
}

func (d *Dialog) deliver(msg *message.Message) {
	if d.receiver == nil {
		d.log.Error().Msg("dialog without receiver, message lost")
		return
	}
	d.receiver.DialogMessage(msg)
}
