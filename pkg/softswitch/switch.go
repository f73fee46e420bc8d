// Package softswitch assembles the full engine: UDP transport, transaction
// layer, dialog registry, leg graph, media gateway and the call factory,
// all driven by one timer engine so every signaling decision runs on a
// single goroutine.
package softswitch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/dialog"
	"github.com/arzzra/soft_switch/pkg/ground"
	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/message"
	"github.com/arzzra/soft_switch/pkg/metrics"
	"github.com/arzzra/soft_switch/pkg/party"
	sess "github.com/arzzra/soft_switch/pkg/session"
	"github.com/arzzra/soft_switch/pkg/timer"
	"github.com/arzzra/soft_switch/pkg/transaction"
	"github.com/arzzra/soft_switch/pkg/transport"
)

// DialPlan decides where an incoming call fans out. Returning no targets
// rejects the caller with 404.
type DialPlan func(dial ground.Dial) []sip.Uri

// PassthroughPlan dials the original request-URI unchanged.
func PassthroughPlan(dial ground.Dial) []sip.Uri { return []sip.Uri{dial.Target} }

// Config carries everything the switch needs to come up.
type Config struct {
	// ListenAddr is the SIP UDP bind address, host:port.
	ListenAddr string
	// Contact is the URI advertised in Contact headers and stamped into
	// empty Via sent-by fields.
	Contact sip.Uri
	// Media sizes the local RTP gateway.
	Media media.LocalConfig
	// Reliable selects the 100rel posture for incoming calls.
	Reliable party.ReliableMode
	// Plan routes incoming dials; nil means PassthroughPlan.
	Plan DialPlan
}

// Switch is the composition root. Construct with New, drive with Run.
type Switch struct {
	cfg Config
	log zerolog.Logger

	engine    *timer.Engine
	collector *metrics.Collector
	media     *media.LocalController
	ground    *ground.Ground
	codec     *sess.Codec
	transport *transport.UDP
	txm       *transaction.Manager
	dialogs   *dialog.Registry
}

var (
	_ transport.Sink     = (*Switch)(nil)
	_ dialog.Establisher = (*Switch)(nil)
)

func New(cfg Config, reg prometheus.Registerer, log zerolog.Logger) (*Switch, error) {
	if cfg.Plan == nil {
		cfg.Plan = PassthroughPlan
	}
	if cfg.Contact.Host == "" {
		return nil, fmt.Errorf("softswitch: config needs a contact URI")
	}

	s := &Switch{
		cfg:       cfg,
		log:       log.With().Str("component", "switch").Logger(),
		engine:    timer.New(timer.WithLogger(log)),
		collector: metrics.New(reg),
		media:     media.NewLocalController(cfg.Media, log),
		codec:     sess.NewCodec(),
	}
	s.ground = ground.New(
		ground.WithLogger(log),
		ground.WithMetrics(s.collector),
		ground.WithMedia(s.media),
	)

	wire := transport.NewCodec(cfg.Contact)
	t, err := transport.ListenUDP(cfg.ListenAddr, wire, s, s.engine.Post, log)
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.txm = transaction.NewManager(s.engine, t,
		transaction.WithLogger(log), transaction.WithMetrics(s.collector))
	s.dialogs = dialog.NewRegistry(s.txm,
		dialog.WithLogger(log), dialog.WithMetrics(s.collector))
	s.txm.SetHandler(s.dialogs)
	s.dialogs.SetEstablisher(s)

	// Gateway callbacks fire off the dispatch goroutine; hop back on
	// before touching the graph.
	s.media.OnDTMF(func(leg media.LegHandle, tone media.Tone) {
		s.engine.Post(func() {
			if id, ok := s.ground.LegByMedia(leg); ok {
				s.ground.Forward(id, ground.Tone{Tone: tone})
			}
		})
	})
	s.media.OnDirty(func(leg media.LegHandle, remote netip.AddrPort) {
		s.log.Debug().Uint64("media_leg", uint64(leg)).
			Stringer("remote", remote).Msg("media remote learned")
	})
	return s, nil
}

// LocalAddr reports the bound SIP address.
func (s *Switch) LocalAddr() netip.AddrPort { return s.transport.LocalAddr() }

// Feed implements transport.Sink; it already runs on the dispatch
// goroutine because the transport posts through the engine.
func (s *Switch) Feed(msg *message.Message) { s.txm.Feed(msg) }

// NewDialogRequest implements dialog.Establisher: every new INVITE becomes
// an incoming endpoint tied to a fresh routing.
func (s *Switch) NewDialogRequest(req *message.Message) {
	in, err := party.NewIncoming(s.deps(), req)
	if err != nil {
		s.log.Info().Err(err).Str("call_id", req.CallID).Msg("call refused")
		return
	}
	r := ground.NewRouting(s.ground, s.routePlan(), s.log)
	anchor, _ := r.Leg(0)
	if err := s.ground.LinkLegs(in.Leg(), anchor); err != nil {
		s.log.Error().Err(err).Msg("caller link failed")
		return
	}
	in.Start()
}

// routePlan adapts the configured dial plan: one outgoing endpoint per
// target URI, each linked to its own routing leg before the dial travels.
func (s *Switch) routePlan() ground.Plan {
	return func(r *ground.Routing, dial ground.Dial) error {
		for _, uri := range s.cfg.Plan(dial) {
			out := party.NewOutgoing(s.deps())
			_, target := r.AddTarget()
			if err := r.Ground().LinkLegs(out.Leg(), target); err != nil {
				return err
			}
			d := dial
			d.Target = uri
			r.Ground().Forward(target, d)
		}
		if _, ok := r.Leg(1); !ok {
			return &ground.StatusError{Status: message.Status{Code: 404, Reason: "Not Found"}}
		}
		return nil
	}
}

func (s *Switch) deps() party.Deps {
	return party.Deps{
		Dialogs:  s.dialogs,
		Ground:   s.ground,
		Media:    s.media,
		Codec:    s.codec,
		Metrics:  s.collector,
		Log:      s.log,
		Reliable: s.cfg.Reliable,
	}
}

// Run dispatches until ctx is cancelled, then tears the stack down.
func (s *Switch) Run(ctx context.Context) error {
	err := s.engine.Run(ctx)
	// Hang up whatever is still talking so each peer gets a BYE before
	// the wire goes away.
	s.ground.Abort()
	s.txm.Close()
	if cerr := s.transport.Close(); cerr != nil {
		s.log.Warn().Err(cerr).Msg("transport close failed")
	}
	if cerr := s.media.Close(); cerr != nil {
		s.log.Warn().Err(cerr).Msg("media close failed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
