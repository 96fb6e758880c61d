package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	ActionsTotal           *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	AutoAgreeTotal         *prometheus.CounterVec
	InstancesCreatedTotal  *prometheus.CounterVec
	InstancesClosedTotal   *prometheus.CounterVec
	NotificationsDropped   *prometheus.CounterVec
	IdempotentReplaysTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	ProcessesLoaded       prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_actions_total",
			Help: "Total number of engine actions by outcome.",
		}, []string{"process", "action", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procflow_action_duration_seconds",
			Help:    "Engine action duration in seconds.",
			Buckets: actionDurationBuckets,
		}, []string{"process", "action"}),
		AutoAgreeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_auto_agree_total",
			Help: "Total number of transitions taken automatically.",
		}, []string{"process"}),
		InstancesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_instances_created_total",
			Help: "Total number of process instances created.",
		}, []string{"process"}),
		InstancesClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_instances_closed_total",
			Help: "Total number of process instances entering a terminal node.",
		}, []string{"process", "status"}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_notifications_dropped_total",
			Help: "Total number of notifications that could not be published.",
		}, []string{"kind"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procflow_idempotent_replays_total",
			Help: "Total number of actions answered from the idempotency store.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procflow_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		ProcessesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procflow_processes_loaded",
			Help: "Number of loaded process definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ActionsTotal,
		m.ActionDuration,
		m.AutoAgreeTotal,
		m.InstancesCreatedTotal,
		m.InstancesClosedTotal,
		m.NotificationsDropped,
		m.IdempotentReplaysTotal,
		m.DefinitionReloadTotal,
		m.ProcessesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordAction records one engine action. Outcome is "ok" or an error code.
func (m *Metrics) RecordAction(process, action, outcome string, duration time.Duration) {
	m.ActionsTotal.WithLabelValues(process, action, outcome).Inc()
	m.ActionDuration.WithLabelValues(process, action).Observe(duration.Seconds())
}

// RecordAutoAgree records n automatically taken transitions.
func (m *Metrics) RecordAutoAgree(process string, n int) {
	if n > 0 {
		m.AutoAgreeTotal.WithLabelValues(process).Add(float64(n))
	}
}

// RecordInstanceCreated records a new process instance.
func (m *Metrics) RecordInstanceCreated(process string) {
	m.InstancesCreatedTotal.WithLabelValues(process).Inc()
}

// RecordInstanceClosed records an instance reaching a terminal node.
func (m *Metrics) RecordInstanceClosed(process, status string) {
	m.InstancesClosedTotal.WithLabelValues(process, status).Inc()
}

// RecordNotificationDropped records a notification that failed to publish.
func (m *Metrics) RecordNotificationDropped(kind string) {
	m.NotificationsDropped.WithLabelValues(kind).Inc()
}

// RecordIdempotentReplay records a replayed action result.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplaysTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetProcessesLoaded sets the number of loaded process definitions.
func (m *Metrics) SetProcessesLoaded(count float64) {
	m.ProcessesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder remembers the status and size of a response for the
// tracing and metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
