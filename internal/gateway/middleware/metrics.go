package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics collects per-request Prometheus metrics for the gateway's
// outer HTTP surface, separate from tunnelmetrics/qvlmetrics which
// cover the inner tunnel and quote-verification concerns.
type HTTPMetrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInProgress *prometheus.GaugeVec
}

// NewHTTPMetrics builds the metric vectors under the given namespace.
func NewHTTPMetrics(namespace string) *HTTPMetrics {
	const subsystem = "gateway_http"
	return &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of outer HTTP requests handled by the gateway.",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Outer HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		requestsInProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_in_progress",
				Help:      "Outer HTTP requests currently in flight.",
			},
			[]string{"method", "path"},
		),
	}
}

// Register registers the metric vectors with registry.
func (m *HTTPMetrics) Register(registry prometheus.Registerer) {
	registry.MustRegister(m.requestsTotal, m.requestDuration, m.requestsInProgress)
}

// Middleware returns a chi-compatible handler wrapper recording the
// metrics above.
func (m *HTTPMetrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			labels := prometheus.Labels{"method": r.Method, "path": r.URL.Path}
			m.requestsInProgress.With(labels).Inc()
			defer m.requestsInProgress.With(labels).Dec()

			start := time.Now()
			wrapper := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapper.statusCode)
			m.requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// statusWriter is shared by RequestLogger and HTTPMetrics.Middleware to
// capture the status code a handler wrote.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
