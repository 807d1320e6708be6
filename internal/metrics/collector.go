// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the gateway's Prometheus metrics.
type Collector struct {
	// Dispatch metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	tokensUsed       *prometheus.CounterVec

	// Overflow / recovery metrics
	overflowsDetected *prometheus.CounterVec
	recoveryOutcomes  *prometheus.CounterVec

	// Extraction metrics
	extractionsTotal   *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec

	// Cutoff cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector. A nil registerer uses the
// default registry; tests pass their own to avoid duplicate-registration
// panics.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.dispatchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_requests_total",
			Help:      "Total number of dispatched chat requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.dispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_request_duration_seconds",
			Help:      "Chat request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed",
		},
		[]string{"provider", "model", "type"},
	)

	c.overflowsDetected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_overflows_detected_total",
			Help:      "Context overflow errors detected, by provider",
		},
		[]string{"provider"},
	)

	c.recoveryOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflow_recovery_outcomes_total",
			Help:      "Overflow recovery cycles, by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	c.extractionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "historical_extractions_total",
			Help:      "Historical-context extraction runs, by trigger",
		},
		[]string{"trigger"},
	)

	c.extractionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "historical_extraction_duration_seconds",
			Help:      "Historical-context extraction duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		},
		[]string{"trigger"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cutoff_cache_hits_total",
			Help:      "Cutoff cache hits",
		},
		[]string{"backend"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cutoff_cache_misses_total",
			Help:      "Cutoff cache misses",
		},
		[]string{"backend"},
	)

	return c
}

// RecordDispatch records one completed dispatch.
func (c *Collector) RecordDispatch(provider, model, status string, duration time.Duration) {
	c.dispatchTotal.WithLabelValues(provider, model, status).Inc()
	c.dispatchDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordTokens records observed token usage.
func (c *Collector) RecordTokens(provider, model string, prompt, completion, cached int) {
	if prompt > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completion))
	}
	if cached > 0 {
		c.tokensUsed.WithLabelValues(provider, model, "cached").Add(float64(cached))
	}
}

// RecordOverflowDetected records one detected context overflow.
func (c *Collector) RecordOverflowDetected(provider string) {
	if provider == "" {
		provider = "unknown"
	}
	c.overflowsDetected.WithLabelValues(provider).Inc()
}

// RecordRecoveryOutcome records one recovery cycle result.
func (c *Collector) RecordRecoveryOutcome(strategy string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.recoveryOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// RecordExtraction records one extraction run. Trigger is "proactive" or
// "reactive".
func (c *Collector) RecordExtraction(trigger string, duration time.Duration) {
	c.extractionsTotal.WithLabelValues(trigger).Inc()
	c.extractionDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordCacheHit records a cutoff cache hit.
func (c *Collector) RecordCacheHit(backend string) {
	c.cacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss records a cutoff cache miss.
func (c *Collector) RecordCacheMiss(backend string) {
	c.cacheMisses.WithLabelValues(backend).Inc()
}
