// Package metrics provides Prometheus instrumentation for the contest engine.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts rejected trade requests by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_trade_rejections_total",
		Help: "Trades rejected by the ledger or risk guard",
	}, []string{"reason"})

	// TradeLatency tracks trade execution latency including persistence.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TicksDispatched counts ticks replayed into the cache.
	TicksDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_ticks_dispatched_total",
		Help: "Historical ticks replayed into the tick cache",
	})

	// EventsDropped counts events dropped from full observer mailboxes.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_events_dropped_total",
		Help: "Events dropped (oldest first) from full observer mailboxes",
	})

	// VirtualTimeSeconds is the current virtual clock position.
	VirtualTimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_virtual_time_seconds",
		Help: "Current session virtual time in seconds",
	})

	// CacheEvictions counts ticks evicted from the tick cache, by trigger.
	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_cache_evictions_total",
		Help: "Ticks evicted from the tick cache",
	}, []string{"trigger"})

	// SessionTransitions counts lifecycle transitions by target phase.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_session_transitions_total",
		Help: "Contest lifecycle transitions",
	}, []string{"phase"})

	// SettlementDuration tracks auto square-off run time.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "contest_settlement_duration_seconds",
		Help:    "Duration of end-of-session settlement runs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// SquareOffTrades counts system-generated settlement trades.
	SquareOffTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_square_off_trades_total",
		Help: "Synthetic trades generated by settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_http_request_duration_seconds",
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

		// Prefer the route pattern to keep label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack supports connection upgrades through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
