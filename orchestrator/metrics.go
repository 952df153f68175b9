package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the coordinator's live counters. They are registered on a
// private registry so several coordinators can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	claims     prometheus.Counter
	outcomes   *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	budgetHold prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumq_claims_total",
			Help: "Tasks claimed by this process.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumq_consensus_total",
			Help: "Consensus outcomes by result.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorumq_dispatch_total",
			Help: "Delegate dispatches by worker and envelope status.",
		}, []string{"worker", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorumq_dispatch_duration_seconds",
			Help:    "Delegate call duration as reported in the envelope.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"worker"}),
		budgetHold: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorumq_budget_holds_total",
			Help: "Claim attempts skipped because the daily budget was spent.",
		}),
	}
	m.registry.MustRegister(m.claims, m.outcomes, m.dispatches, m.latency, m.budgetHold)
	return m
}

// Registry exposes the registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
