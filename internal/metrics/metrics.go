// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's prometheus collectors. Constructed once at
// process start against an explicit registry.
type Metrics struct {
	SettlementsTotal *prometheus.CounterVec
	SwapsTotal       *prometheus.CounterVec
	QuoteCacheHits   prometheus.Counter
	QuoteCacheMisses prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	RequestDuration  *prometheus.HistogramVec
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xlayer402_settlements_total",
			Help: "Settlement requests by outcome kind.",
		}, []string{"outcome"}),
		SwapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xlayer402_swaps_total",
			Help: "Mint swap attempts by outcome kind.",
		}, []string{"outcome"}),
		QuoteCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "xlayer402_quote_cache_hits_total",
			Help: "Quote cache hits.",
		}),
		QuoteCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "xlayer402_quote_cache_misses_total",
			Help: "Quote cache misses.",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "xlayer402_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xlayer402_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
