// Package metrics provides Prometheus instrumentation for the trading core.
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
	// DeltasApplied counts order book deltas applied, per symbol.
	DeltasApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_book_deltas_applied_total",
		Help: "Order book deltas applied",
	}, []string{"symbol"})

	// DeltasDropped counts deltas discarded without touching the book,
	// partitioned by cause (gap, stale, resync).
	DeltasDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_book_deltas_dropped_total",
		Help: "Order book deltas dropped without applying",
	}, []string{"symbol", "cause"})

	// Resyncs counts snapshot resynchronizations per symbol.
	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_feed_resyncs_total",
		Help: "Feed snapshot resynchronizations",
	}, []string{"symbol"})

	// SnapshotFailures counts failed snapshot fetch attempts per symbol.
	SnapshotFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_feed_snapshot_failures_total",
		Help: "Failed snapshot fetch attempts",
	}, []string{"symbol"})

	// BookValid tracks per-symbol book validity (1 valid, 0 not).
	BookValid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcore_book_valid",
		Help: "Whether the order book is valid for signal generation",
	}, []string{"symbol"})

	// MidPrice tracks the last observed mid price per symbol. Informational
	// float; exact values live in the book itself.
	MidPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tcore_book_mid_price",
		Help: "Last observed mid price",
	}, []string{"symbol"})

	// RiskRejections counts risk rejections by failed check.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_risk_rejections_total",
		Help: "Trade intents rejected by risk checks",
	}, []string{"check"})

	// KillSwitchActive is 1 while the global kill switch is latched.
	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcore_kill_switch_active",
		Help: "Global kill switch state",
	})

	// OpenPositions tracks the number of currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcore_open_positions",
		Help: "Currently open positions",
	})

	// SessionRealizedPnL tracks cumulative realized P&L for the session.
	SessionRealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcore_session_realized_pnl",
		Help: "Cumulative realized P&L this session",
	})

	// MonitorDuration tracks position monitoring cycle latency.
	MonitorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tcore_monitor_cycle_seconds",
		Help:    "Position monitoring cycle duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tcore_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// not to blow up cardinality.
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
