// Package metrics exposes Prometheus instrumentation for the
// governance pipeline on a private registry, so embedding loopgate in a
// larger process never collides with the host's default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "loopgate"
	subsystem = "governance"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing, so callers never guard instrumentation sites.
type Metrics struct {
	registry *prometheus.Registry

	evaluations    *prometheus.CounterVec
	evalDuration   prometheus.Histogram
	approvalWait   prometheus.Histogram
	emergencies    prometheus.Counter
	ledgerAppends  *prometheus.CounterVec
	frozenSessions prometheus.Gauge
}

// New creates the collectors on a fresh private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "evaluations_total",
				Help:      "Completed evaluations by decision and transition reason",
			},
			[]string{"decision", "reason"},
		),

		evalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "evaluation_duration_seconds",
				Help:      "End-to-end evaluation latency including any human wait",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
			},
		),

		approvalWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "approval_wait_seconds",
				Help:      "Time spent waiting for a human approval response",
				Buckets:   []float64{.01, .05, .1, .2, .3, .4, .5, .75, 1},
			},
		),

		emergencies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emergency_transitions_total",
				Help:      "Transitions into emergency_control",
			},
		),

		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ledger_appends_total",
				Help:      "Governance record appends by status",
			},
			[]string{"status"},
		),

		frozenSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "frozen_sessions",
				Help:      "Sessions currently frozen after an integrity failure",
			},
		),
	}

	m.registry.MustRegister(
		m.evaluations,
		m.evalDuration,
		m.approvalWait,
		m.emergencies,
		m.ledgerAppends,
		m.frozenSessions,
	)
	return m
}

// Handler returns the scrape endpoint for the private registry. A nil
// receiver serves an empty registry rather than the process-global one.
func (m *Metrics) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	if m != nil {
		registry = m.registry
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ObserveEvaluation records one completed evaluation.
func (m *Metrics) ObserveEvaluation(decision, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(decision, reason).Inc()
	m.evalDuration.Observe(seconds)
}

// ObserveApprovalWait records the time a human response took.
func (m *Metrics) ObserveApprovalWait(seconds float64) {
	if m == nil {
		return
	}
	m.approvalWait.Observe(seconds)
}

// EmergencyEntered counts a transition into emergency control.
func (m *Metrics) EmergencyEntered() {
	if m == nil {
		return
	}
	m.emergencies.Inc()
}

// LedgerAppend counts one append attempt with status "ok" or "error".
func (m *Metrics) LedgerAppend(status string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(status).Inc()
}

// SessionFrozen moves the frozen-session gauge.
func (m *Metrics) SessionFrozen(delta float64) {
	if m == nil {
		return
	}
	m.frozenSessions.Add(delta)
}
