package dialog

import (
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/metrics"
	"github.com/arzzra/soft_switch/pkg/transaction"
)

// Establisher receives out-of-dialog requests that may start a new call.
// The switch wires its call factory here.
type Establisher interface {
	NewDialogRequest(req *message.Message)
}

// Registry routes matched transaction traffic to dialogs by local tag:
// requests carry it in To, responses to our requests carry it in From.
// All access happens on the timer engine's dispatch goroutine.
type Registry struct {
	sender      Sender
	establisher Establisher
	byLocalTag  map[string]*Dialog
	mc          *metrics.Collector
	log         zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log.With().Str("component", "dialog").Logger() }
}

func WithMetrics(mc *metrics.Collector) Option {
	return func(r *Registry) { r.mc = mc }
}

func NewRegistry(sender Sender, opts ...Option) *Registry {
	r := &Registry{
		sender:     sender,
		byLocalTag: make(map[string]*Dialog),
		log:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetEstablisher wires the factory for dialog-establishing requests.
func (r *Registry) SetEstablisher(e Establisher) { r.establisher = e }

// Find returns the dialog registered under the local tag.
func (r *Registry) Find(localTag string) (*Dialog, bool) {
	d, ok := r.byLocalTag[localTag]
	return d, ok
}

// Size reports the number of live dialogs.
func (r *Registry) Size() int { return len(r.byLocalTag) }

// MatchedMessage implements transaction.Handler.
func (r *Registry) MatchedMessage(msg *message.Message) {
	if msg.IsResponse {
		r.takeResponse(msg)
		return
	}
	r.takeRequest(msg)
}

func (r *Registry) takeResponse(resp *message.Message) {
	d, ok := r.byLocalTag[resp.From.Tag]
	if !ok {
		r.log.Debug().Str("local_tag", resp.From.Tag).Int("code", resp.Status.Code).
			Msg("response without dialog dropped")
		return
	}
	if d.takeResponse(resp) {
		d.deliver(resp)
	}
}

func (r *Registry) takeRequest(req *message.Message) {
	if tag := req.To.Tag; tag != "" {
		d, ok := r.byLocalTag[tag]
		if !ok {
			r.rejectStray(req)
			return
		}
		if d.takeRequest(req) {
			d.deliver(req)
		}
		return
	}

	switch req.Method {
	case transaction.MethodCancel:
		// A CANCEL for an unanswered INVITE has no To tag yet; match it
		// against the dialog the INVITE created.
		if d, ok := r.findEarly(req); ok {
			if d.takeRequest(req) {
				d.deliver(req)
			}
			return
		}
		r.rejectStray(req)
	case transaction.MethodInvite:
		if r.establisher == nil {
			r.log.Error().Msg("no establisher wired, INVITE rejected")
			r.respond(req, 500, "Server Internal Error")
			return
		}
		r.establisher.NewDialogRequest(req)
	default:
		r.rejectStray(req)
	}
}

// findEarly locates a dialog still lacking a final response by Call-ID and
// remote tag.
func (r *Registry) findEarly(req *message.Message) (*Dialog, bool) {
	for _, d := range r.byLocalTag {
		if d.callID == req.CallID && d.remoteTag == req.From.Tag {
			return d, true
		}
	}
	return nil, false
}

// rejectStray answers an unmatchable request with 481. ACK and the internal
// NAK report never get a response.
func (r *Registry) rejectStray(req *message.Message) {
	r.log.Info().Str("method", req.Method).Str("call_id", req.CallID).
		Msg("request without dialog")
	if req.Method == transaction.MethodAck || req.Method == transaction.MethodNak {
		return
	}
	r.respond(req, 481, "Call/Transaction Does Not Exist")
}

func (r *Registry) respond(req *message.Message, code int, reason string) {
	if err := r.sender.SendMessage(message.NewResponse(req, code, reason), nil); err != nil {
		r.log.Error().Err(err).Int("code", code).Msg("stray reject failed")
	}
}

func (r *Registry) add(d *Dialog) {
	r.byLocalTag[d.localTag] = d
	r.mc.DialogRegistered(1)
}

func (r *Registry) remove(d *Dialog) {
	if _, ok := r.byLocalTag[d.localTag]; !ok {
		return
	}
	delete(r.byLocalTag, d.localTag)
	r.mc.DialogRegistered(-1)
}
