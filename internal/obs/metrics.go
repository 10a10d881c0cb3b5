package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Sync engine metrics.
var (
	syncActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_actions_total",
			Help: "Sync actions processed, by outcome.",
		},
		[]string{"outcome"}, // success | conflict | error | replay
	)

	syncConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_total",
			Help: "Sync conflicts recorded, by kind.",
		},
		[]string{"kind"},
	)

	receiptsGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "receipts_generated_total",
		Help: "Receipts appended to user chains.",
	})

	idempotentReplaysTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idempotent_replays_total",
		Help: "Actions answered from a previous result instead of reprocessing.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		syncActionsTotal, syncConflictsTotal, receiptsGeneratedTotal,
		idempotentReplaysTotal,
	)
}

// SyncActionProcessed counts one processed action by outcome.
func SyncActionProcessed(outcome string) {
	syncActionsTotal.WithLabelValues(outcome).Inc()
}

// SyncConflictRecorded counts one recorded conflict by kind.
func SyncConflictRecorded(kind string) {
	syncConflictsTotal.WithLabelValues(kind).Inc()
}

// ReceiptGenerated counts one appended receipt.
func ReceiptGenerated() {
	receiptsGeneratedTotal.Inc()
}

// IdempotentReplay counts one replayed action.
func IdempotentReplay() {
	idempotentReplaysTotal.Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter records the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
