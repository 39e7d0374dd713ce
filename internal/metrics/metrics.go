// Package metrics provides Prometheus instrumentation for the PnL ledger.
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
	// TradesTotal counts trade applications by side and outcome
	// (applied, rejected, invalid, error).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_trades_total",
		Help: "Trades submitted to the ledger engine",
	}, []string{"side", "outcome"})

	// TradeApplyLatency tracks time spent under the book lock.
	TradeApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_trade_apply_seconds",
		Help:    "Trade application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// InventoryRejections counts sells rejected for insufficient inventory.
	InventoryRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_inventory_rejections_total",
		Help: "Sells rejected because they exceed the open quantity",
	})

	// ReplayInconsistencies counts integrity faults found by replay checks.
	ReplayInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_replay_inconsistencies_total",
		Help: "Books whose incremental state disagreed with a full replay",
	})

	// OpenBooks tracks books held in the engine's working set.
	OpenBooks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_open_books",
		Help: "Books loaded in the engine working set",
	})

	// PriceFallbacks counts price lookups served from a fallback.
	PriceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_price_fallbacks_total",
		Help: "Price lookups served from last-known or static prices",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
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

		// Route pattern keeps account ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
