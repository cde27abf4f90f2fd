package poolapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Reservation outcomes.
const (
	outcomeGranted   = "granted"
	outcomeExhausted = "exhausted"
	outcomeNotFound  = "not_found"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamharness_pool_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamharness_pool_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamharness_pool_reservations_total",
			Help: "Reservation attempts by pool and outcome.",
		},
		[]string{"pool", "outcome"},
	)

	reservedUsers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamharness_pool_reserved_users",
			Help: "Users holding a live lease, as of the last change to the pool.",
		},
		[]string{"pool"},
	)

	bundleBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamharness_pool_cache_bundle_bytes_total",
			Help: "Bytes of diagnostic cache bundles stored.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(reservationsTotal)
	prometheus.MustRegister(reservedUsers)
	prometheus.MustRegister(bundleBytesTotal)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
