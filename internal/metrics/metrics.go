// Package metrics provides Prometheus instrumentation for the fund engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersPlaced counts accepted orders, partitioned by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"side"})

	// MatchRuns counts matching runs by algorithm and outcome.
	MatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_match_runs_total",
		Help: "Total matching runs",
	}, []string{"algorithm", "result"})

	// MatchDuration tracks how long one fund's matching run takes.
	MatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundengine_match_duration_seconds",
		Help:    "Matching run latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"algorithm"})

	// PairsMatched counts persisted pairs by match type.
	PairsMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_pairs_matched_total",
		Help: "Matched pairs recorded in the ledger",
	}, []string{"fund_id", "match_type"})

	// MatchedVolume tracks cumulative matched units per fund.
	MatchedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_matched_units_total",
		Help: "Cumulative matched volume in units",
	}, []string{"fund_id"})

	// FillsRejected counts fills the ledger refused to apply.
	FillsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundengine_fills_rejected_total",
		Help: "Fills rejected by the match ledger",
	})

	// BackstopFills counts market-maker fills by the side absorbed.
	BackstopFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_backstop_fills_total",
		Help: "Leftover orders absorbed by the market maker",
	}, []string{"side"})

	// BackstopRejections counts leftovers the market maker declined.
	BackstopRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundengine_backstop_rejections_total",
		Help: "Leftover orders the market maker declined",
	})

	// InventoryRecalculations counts inventory rebuilds by trigger.
	InventoryRecalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_inventory_recalculations_total",
		Help: "Daily inventory recalculations",
	}, []string{"trigger"})

	// ActiveFunds tracks the number of tradable funds.
	ActiveFunds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundengine_active_funds",
		Help: "Number of currently active funds",
	})

	// SchedulerJobs counts scheduled job executions by result.
	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_scheduler_jobs_total",
		Help: "Scheduled job executions",
	}, []string{"job", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests refused by the throttle.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundengine_rate_limited_total",
		Help: "Requests rejected with 429",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundengine_http_request_duration_seconds",
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

		// The route pattern keeps the label set bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
