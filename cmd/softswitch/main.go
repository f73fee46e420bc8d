// Command softswitch runs the signaling engine as a standalone B2BUA:
// it answers INVITEs on the SIP listener, dials the routed target, and
// relays RTP between the two legs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/soft_switch/pkg/ground"
	"github.com/arzzra/soft_switch/pkg/media"
	"github.com/arzzra/soft_switch/pkg/party"
	"github.com/arzzra/soft_switch/pkg/softswitch"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "127.0.0.1:5060", "SIP UDP listen address")
		contactStr  = flag.String("contact", "", "Contact URI (defaults to sip:switch@<listen>)")
		targetStr   = flag.String("target", "", "route every call to this URI instead of the request-URI")
		mediaIP     = flag.String("media-ip", "127.0.0.1", "IP the RTP gateway binds and offers")
		rtpBase     = flag.Uint("rtp-base", 40000, "first RTP port")
		rtpCount    = flag.Uint("rtp-count", 1000, "size of the RTP port range")
		reliableStr = flag.String("reliable", "prefer", "100rel posture: none, prefer, require")
		metricsAddr = flag.String("metrics", "", "Prometheus HTTP listen address (empty disables)")
		debug       = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	cfg, err := buildConfig(*listenAddr, *contactStr, *targetStr, *mediaIP,
		uint16(*rtpBase), uint16(*rtpCount), *reliableStr)
	if err != nil {
		log.Fatal().Err(err).Msg("bad configuration")
	}

	reg := prometheus.NewRegistry()
	sw, err := softswitch.New(cfg, reg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("switch failed to start")
	}
	log.Info().Stringer("sip", sw.LocalAddr()).Msg("softswitch up")

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sw.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("switch stopped")
	}
	log.Info().Msg("softswitch down")
}

func buildConfig(listen, contact, target, mediaIP string, rtpBase, rtpCount uint16, reliable string) (softswitch.Config, error) {
	cfg := softswitch.Config{ListenAddr: listen}

	if contact == "" {
		host, portStr, ok := strings.Cut(listen, ":")
		if !ok {
			return cfg, fmt.Errorf("listen address %q needs host:port", listen)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("listen port: %w", err)
		}
		cfg.Contact = sip.Uri{User: "switch", Host: host, Port: port}
	} else if err := sip.ParseUri(contact, &cfg.Contact); err != nil {
		return cfg, fmt.Errorf("contact URI: %w", err)
	}

	if target != "" {
		var uri sip.Uri
		if err := sip.ParseUri(target, &uri); err != nil {
			return cfg, fmt.Errorf("target URI: %w", err)
		}
		cfg.Plan = func(ground.Dial) []sip.Uri { return []sip.Uri{uri} }
	}

	ip, err := netip.ParseAddr(mediaIP)
	if err != nil {
		return cfg, fmt.Errorf("media IP: %w", err)
	}
	if rtpCount == 0 {
		return cfg, errors.New("rtp-count must be positive")
	}
	cfg.Media = media.LocalConfig{IP: ip, PortBase: rtpBase, PortCount: rtpCount}

	switch reliable {
	case "none":
		cfg.Reliable = party.ReliableNone
	case "prefer":
		cfg.Reliable = party.ReliablePrefer
	case "require":
		cfg.Reliable = party.ReliableRequire
	default:
		return cfg, fmt.Errorf("unknown reliable mode %q", reliable)
	}
	return cfg, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
