// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// TradesTotal counts completed trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// ReversalsTotal counts completed trade reversals.
	ReversalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reversals_total",
		Help: "Total number of trade reversals applied",
	})

	// ConflictRetries counts atomic units retried after a store
	// serialization conflict.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Atomic units retried after serialization conflicts",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small.
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
