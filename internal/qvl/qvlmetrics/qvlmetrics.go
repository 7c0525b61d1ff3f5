// Package qvlmetrics exposes Prometheus counters and histograms for
// quote verification outcomes, grounded on
// internal/common/security/tee/metrics.go.
package qvlmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	verificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qvl_verification_total",
			Help: "Total number of quote verifications",
		},
		[]string{"tee_type", "result"},
	)

	verificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qvl_verification_duration_seconds",
			Help:    "Duration of quote verifications",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"tee_type"},
	)

	cacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qvl_verification_cache_total",
			Help: "Verification cache lookups by outcome",
		},
		[]string{"outcome"}, // hit | miss
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qvl_verification_rate_limited_total",
			Help: "Verification calls rejected by the rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(verificationTotal)
	prometheus.MustRegister(verificationDuration)
	prometheus.MustRegister(cacheHitTotal)
	prometheus.MustRegister(rateLimitedTotal)
}

// ObserveVerification records a completed verification's outcome and
// duration in seconds.
func ObserveVerification(teeType, result string, seconds float64) {
	verificationTotal.WithLabelValues(teeType, result).Inc()
	verificationDuration.WithLabelValues(teeType).Observe(seconds)
}

// ObserveCacheHit records a verdict-cache lookup outcome.
func ObserveCacheHit(hit bool) {
	if hit {
		cacheHitTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheHitTotal.WithLabelValues("miss").Inc()
}

// ObserveRateLimited records a verification call rejected by the rate
// limiter.
func ObserveRateLimited() {
	rateLimitedTotal.Inc()
}
