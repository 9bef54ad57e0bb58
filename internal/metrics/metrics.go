// Package metrics exposes Prometheus instrumentation for the admission
// pipeline and the counter-store health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds the gateway's Prometheus collectors.
type Set struct {
	RequestsTotal    *prometheus.CounterVec
	TokensRecorded   prometheus.Counter
	CounterDegraded  prometheus.Gauge
	UpstreamDuration prometheus.Histogram
}

// New registers the gateway collectors on the given registry. A nil registry
// uses the default one.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Set{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "requests_total",
			Help:      "Admission outcomes by result.",
		}, []string{"outcome"}),
		TokensRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokengate",
			Name:      "tokens_recorded_total",
			Help:      "Tokens recorded to the usage ledger.",
		}),
		CounterDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tokengate",
			Name:      "counter_store_degraded",
			Help:      "1 when counters are served from the in-process fallback.",
		}),
		UpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tokengate",
			Name:      "upstream_duration_seconds",
			Help:      "Downstream generation call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveOutcome counts one admission outcome.
func (s *Set) ObserveOutcome(outcome string) {
	if s == nil {
		return
	}
	s.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokens counts tokens recorded to the ledger.
func (s *Set) ObserveTokens(tokens int64) {
	if s == nil || tokens <= 0 {
		return
	}
	s.TokensRecorded.Add(float64(tokens))
}

// SetDegraded flips the counter-store health gauge.
func (s *Set) SetDegraded(degraded bool) {
	if s == nil {
		return
	}
	if degraded {
		s.CounterDegraded.Set(1)
		return
	}
	s.CounterDegraded.Set(0)
}
