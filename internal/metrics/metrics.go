// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// BetsPlaced counts accepted bets, partitioned by direction.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_bets_placed_total",
		Help: "Total number of bets accepted",
	}, []string{"direction"})

	// BetsRejected counts rejected placements by error code.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_bets_rejected_total",
		Help: "Total number of bets rejected at admission",
	}, []string{"reason"})

	// Settlements counts terminal bet transitions by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_settlements_total",
		Help: "Total number of bets settled or expired",
	}, []string{"outcome"})

	// OracleSourceFailures counts failed or stale source fetches.
	OracleSourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_oracle_source_failures_total",
		Help: "Price source fetches excluded for failure or staleness",
	}, []string{"source"})

	// ManipulationDetected counts aggregations flagged as manipulated.
	ManipulationDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskengine_oracle_manipulation_total",
		Help: "Aggregated prices flagged by manipulation signals",
	})

	// PlatformExposure tracks the sum of active potential payouts.
	PlatformExposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_platform_exposure",
		Help: "Platform-wide active potential payout",
	})

	// BreakerLevel tracks the circuit breaker level (0 normal … 3 extreme).
	BreakerLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_breaker_level",
		Help: "Circuit breaker level: 0=normal 1=elevated 2=high 3=extreme",
	})

	// WSClients tracks connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_ws_clients",
		Help: "Connected WebSocket clients",
	})

	// OracleFetchLatency tracks the full source fan-out duration.
	OracleFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskengine_oracle_fetch_latency_seconds",
		Help:    "Oracle source fan-out latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// PlacementLatency tracks end-to-end bet placement latency.
	PlacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskengine_placement_latency_seconds",
		Help:    "Bet placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_http_request_duration_seconds",
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
