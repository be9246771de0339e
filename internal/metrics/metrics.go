// Package metrics provides Prometheus instrumentation for the commission
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ComputationsTotal counts commission computations by outcome.
	ComputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ib_commission_computations_total",
		Help: "Total commission computations",
	}, []string{"outcome"}) // ok, failed; degraded reads count in BalanceFallbacksTotal

	// RuleMatchesTotal counts rule resolutions by match tier. Non-exact
	// tiers indicate inconsistent group naming upstream and feed audit.
	RuleMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ib_rule_matches_total",
		Help: "Commission rule resolutions by match tier",
	}, []string{"tier"})

	// LedgerRefreshesTotal counts write-throughs into the ledger cache.
	LedgerRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ib_ledger_refreshes_total",
		Help: "Commission ledger cache refreshes",
	})

	// BalanceFallbacksTotal counts balance reads served from the cached
	// totals because live recomputation failed.
	BalanceFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ib_balance_fallbacks_total",
		Help: "Balance reads served from the ledger cache fallback",
	})

	// CodeCollisionsTotal counts referral-code generation retries caused
	// by collisions with existing codes.
	CodeCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ib_referral_code_collisions_total",
		Help: "Referral code generation collisions",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ib_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ib_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is low.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
