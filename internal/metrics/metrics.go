// Package metrics gathers replication counters and latencies and exposes
// them in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deltakv"

// Metrics holds the replication collectors of one node.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec   // operations counts outcomes by op and status
	latency    *prometheus.HistogramVec // latency observes operation durations by op
	inflight   *prometheus.GaugeVec     // inflight tracks running aggregators by op

	deltaNacks  prometheus.Counter // deltaNacks counts delta rejections seen by coordinators
	fullResends prometheus.Counter // fullResends counts full-state sends after the first round
	retryRounds prometheus.Counter // retryRounds counts retry timer firings

	replicaRequests *prometheus.CounterVec // replicaRequests counts handled requests by kind
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "operations_total",
			Help:      "Aggregated operations by kind and terminal outcome.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "operation_seconds",
			Help:      "Time from dispatch to terminal outcome.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "inflight",
			Help:      "Aggregators currently running.",
		}, []string{"op"}),
		deltaNacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "delta_nacks_total",
			Help:      "Deltas rejected by replicas for missing causal history.",
		}),
		fullResends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "full_state_resends_total",
			Help:      "Full envelopes resent after a nack or on retry.",
		}),
		retryRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "retry_rounds_total",
			Help:      "Retry rounds started for silent replicas.",
		}),
		replicaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "requests_total",
			Help:      "Replica protocol requests handled by kind and reply.",
		}, []string{"kind", "reply"}),
	}

	m.registry.MustRegister(
		m.operations,
		m.latency,
		m.inflight,
		m.deltaNacks,
		m.fullResends,
		m.retryRounds,
		m.replicaRequests,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Started marks an aggregator of kind op as running.
func (m *Metrics) Started(op string) {
	if m == nil {
		return
	}

	m.inflight.WithLabelValues(op).Inc()
}

// Finished records the outcome and latency of an operation started with Started.
func (m *Metrics) Finished(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.inflight.WithLabelValues(op).Dec()
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Rejected counts an operation refused before any replica was contacted.
func (m *Metrics) Rejected(op, reason string) {
	if m == nil {
		return
	}

	m.operations.WithLabelValues(op, reason).Inc()
}

// DeltaNack counts one delta rejection.
func (m *Metrics) DeltaNack() {
	if m == nil {
		return
	}

	m.deltaNacks.Inc()
}

// FullResends counts n full-state resends.
func (m *Metrics) FullResends(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.fullResends.Add(float64(n))
}

// RetryRound counts one retry round.
func (m *Metrics) RetryRound() {
	if m == nil {
		return
	}

	m.retryRounds.Inc()
}

// ReplicaRequest counts one handled replica request.
func (m *Metrics) ReplicaRequest(kind, reply string) {
	if m == nil {
		return
	}

	m.replicaRequests.WithLabelValues(kind, reply).Inc()
}
