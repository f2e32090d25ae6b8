// Package metrics exposes Prometheus collectors for the orchestration layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks registered UI sessions per backend kind.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmux_active_sessions",
			Help: "Number of registered UI sessions",
		},
		[]string{"backend"},
	)

	// BackendConnects counts connect/reconnect attempts by outcome.
	BackendConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_backend_connects_total",
			Help: "Total backend connect and reconnect attempts",
		},
		[]string{"backend", "op", "status"},
	)

	// EventsDelivered counts events that reached the UI stream.
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_events_delivered_total",
			Help: "Total events delivered to the unified stream",
		},
		[]string{"backend"},
	)

	// StaleEventsDropped counts events discarded by the generation check.
	StaleEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_stale_events_dropped_total",
			Help: "Events dropped because their stream generation was superseded",
		},
	)

	// SinklessEventsDropped counts events emitted before a sink was attached.
	SinklessEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_sinkless_events_dropped_total",
			Help: "Events dropped because no event sink was attached",
		},
		[]string{"backend"},
	)

	// PendingRequests tracks open permission/question prompts.
	PendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmux_pending_requests",
			Help: "Open pending requests awaiting a UI decision",
		},
		[]string{"kind"},
	)

	// PromptDuration tracks accepted-prompt turn latency in seconds.
	PromptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmux_prompt_duration_seconds",
			Help:    "Time from prompt acceptance to the turn leaving busy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"backend"},
	)

	// BackendProcesses tracks shared backend processes per kind.
	BackendProcesses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmux_backend_processes",
			Help: "Running shared backend processes (one per worktree and kind)",
		},
		[]string{"backend"},
	)

	// JanitorSweeps counts janitor runs by task and outcome.
	JanitorSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_janitor_sweeps_total",
			Help: "Janitor sweep executions",
		},
		[]string{"task", "status"},
	)

	// RequestsTotal counts HTTP requests to the daemon.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmux_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency for an HTTP handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath caps label cardinality.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/metrics":
		return path
	default:
		if strings.HasPrefix(path, "/mcp/") {
			return "/mcp"
		}
		return "other"
	}
}
