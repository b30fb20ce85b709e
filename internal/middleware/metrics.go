// Package middleware provides HTTP middleware for the verification service.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcify_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourcify_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VerificationsTotal is registered for verification attempts by
	// outcome (perfect, partial, extra-file-input-bug, or an error kind).
	// No code path in the service increments it.
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sourcify_verifications_total",
			Help: "Total number of verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	// VerificationDuration is registered for the duration of a
	// verifyDeployed call. No code path in the service observes into it.
	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sourcify_verification_duration_seconds",
			Help:    "Duration of a verifyDeployed call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SessionsActive is registered for the number of staged sessions. No
	// code path in the service sets it.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sourcify_sessions_active",
			Help: "Number of sessions currently staged",
		},
	)
)

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// Metrics returns a middleware that records Prometheus metrics for every request.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			path := normalizePath(r)
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// normalizePath normalizes URL paths to prevent cardinality explosion in metrics.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
