// Package metrics provides Prometheus instrumentation for the paper ledger.
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
	// TradesTotal counts trades applied to the in-memory ledger, by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_trades_total",
		Help: "Total number of trades applied",
	}, []string{"side"})

	// TradeRejections counts trades rejected by ledger validation, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_trade_rejections_total",
		Help: "Trades rejected by ledger validation",
	}, []string{"reason"})

	// PersistLatency tracks the remote persistence step after a trade.
	PersistLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperledger_persist_latency_seconds",
		Help:    "Remote persistence latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// RemoteErrors counts remote store failures by taxonomy class.
	RemoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_remote_errors_total",
		Help: "Remote store failures by class",
	}, []string{"op", "class"})

	// QueueDepth tracks entries awaiting reconciliation on this install.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperledger_local_queue_depth",
		Help: "Transactions queued locally awaiting remote commit",
	})

	// SyncPasses counts reconciliation passes by trigger and result.
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_sync_passes_total",
		Help: "Reconciliation drain passes",
	}, []string{"trigger", "result"})

	// SyncedEntries counts queue entries successfully replayed remotely.
	SyncedEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperledger_synced_entries_total",
		Help: "Queue entries replayed into the remote store",
	})

	// ActiveSessions tracks users with an in-memory portfolio.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperledger_active_sessions",
		Help: "Users with a live in-memory portfolio",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paperledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paperledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paperledger_http_request_duration_seconds",
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

		// Route pattern keeps user ids out of the label set.
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
