// Package metrics exports the switch's prometheus instrumentation. One
// Collector is created per process and handed to the layers that produce
// numbers; a nil *Collector is valid and turns every method into a no-op so
// unit tests do not have to wire prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the signaling core emits.
type Collector struct {
	transactionsCreated *prometheus.CounterVec
	transactionsExpired prometheus.Counter
	retransmits         prometheus.Counter
	dialogsActive       prometheus.Gauge
	callsTotal          prometheus.Counter
	callsActive         prometheus.Gauge
	actionsForwarded    *prometheus.CounterVec
}

// New registers the collectors with reg and returns the collector. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		transactionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softswitch",
			Subsystem: "transaction",
			Name:      "created_total",
			Help:      "Transactions created, by role and method.",
		}, []string{"role", "method"}),
		transactionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softswitch",
			Subsystem: "transaction",
			Name:      "expired_total",
			Help:      "Transactions that hit their expiration timer.",
		}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softswitch",
			Subsystem: "transaction",
			Name:      "retransmits_total",
			Help:      "Messages retransmitted by the transaction layer.",
		}),
		dialogsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softswitch",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Dialogs currently registered.",
		}),
		callsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softswitch",
			Subsystem: "call",
			Name:      "total",
			Help:      "Calls routed since start.",
		}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softswitch",
			Subsystem: "call",
			Name:      "active",
			Help:      "Calls currently up.",
		}),
		actionsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softswitch",
			Subsystem: "ground",
			Name:      "actions_forwarded_total",
			Help:      "Call-control actions forwarded between legs, by type.",
		}, []string{"type"}),
	}
}

// TransactionCreated counts a new transaction.
func (c *Collector) TransactionCreated(role, method string) {
	if c == nil {
		return
	}
	c.transactionsCreated.WithLabelValues(role, method).Inc()
}

// TransactionExpired counts an expiration escalation.
func (c *Collector) TransactionExpired() {
	if c == nil {
		return
	}
	c.transactionsExpired.Inc()
}

// Retransmit counts one retransmitted message.
func (c *Collector) Retransmit() {
	if c == nil {
		return
	}
	c.retransmits.Inc()
}

// DialogRegistered tracks the active dialog gauge.
func (c *Collector) DialogRegistered(delta int) {
	if c == nil {
		return
	}
	c.dialogsActive.Add(float64(delta))
}

// CallStarted counts a routed call.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsTotal.Inc()
	c.callsActive.Inc()
}

// CallEnded decrements the active call gauge.
func (c *Collector) CallEnded() {
	if c == nil {
		return
	}
	c.callsActive.Dec()
}

// ActionForwarded counts a leg-to-leg action.
func (c *Collector) ActionForwarded(actionType string) {
	if c == nil {
		return
	}
	c.actionsForwarded.WithLabelValues(actionType).Inc()
}
