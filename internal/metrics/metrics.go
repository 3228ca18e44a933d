// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// TradesTotal counts executed swaps, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brdg_trades_total",
		Help: "Total number of swaps executed",
	}, []string{"side"})

	// TradeLatency tracks swap execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brdg_trade_latency_seconds",
		Help:    "Swap execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeVolume accumulates BRDG volume through the pools, by ticker and side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brdg_trade_volume_total",
		Help: "Cumulative BRDG traded through pools",
	}, []string{"ticker", "side"})

	// WagersTotal counts placed wagers, partitioned by side.
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brdg_wagers_total",
		Help: "Total number of wagers placed",
	}, []string{"side"})

	// SettlementsTotal counts resolved questions.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brdg_settlements_total",
		Help: "Total number of questions settled",
	})

	// ActivePools tracks the number of pools open for trading.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brdg_active_pools",
		Help: "Number of currently active liquidity pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brdg_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brdg_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brdg_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small here.
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
