// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Redemptions counts redeem attempts by outcome ("ok" or the error kind).
	Redemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraf_redemptions_total",
			Help: "Access token redemptions by outcome",
		},
		[]string{"outcome"},
	)

	// Compensations counts identities revoked after a failed redemption.
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraf_identity_compensations_total",
			Help: "Compensating identity revocations by result",
		},
		[]string{"result"},
	)

	// KeysIssued counts generated access tokens by role.
	KeysIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraf_keys_issued_total",
			Help: "Access tokens generated by role",
		},
		[]string{"role"},
	)

	// ObjectOps counts object store operations by operation and outcome.
	ObjectOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraf_object_operations_total",
			Help: "Object store operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// ObjectChunks observes how many chunks each stored object needed.
	ObjectChunks = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polygraf_object_chunks",
			Help:    "Chunk count of stored objects (0 for inline payloads)",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 99},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraf_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polygraf_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Middleware records request count and latency per chi route pattern, so
// ids in the path never become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
