package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection. Each collector owns
// its registry so several can coexist in one process.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	dbQueryDuration     *prometheus.HistogramVec
	authAttemptsTotal   *prometheus.CounterVec
	auditEventsTotal    *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec
	systemErrors        *prometheus.CounterVec

	syncPassesTotal   *prometheus.CounterVec
	syncPassDuration  *prometheus.HistogramVec
	syncItemsTotal    *prometheus.CounterVec
	syncConflicts     *prometheus.CounterVec
	syncQueueDepth    *prometheus.GaugeVec
	operationDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"query_type", "service"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Total number of device authentication attempts",
			},
			[]string{"method", "status", "service"},
		),
		auditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_total",
				Help: "Total number of audit events",
			},
			[]string{"event_type", "success", "service"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limited_requests_total",
				Help: "Total number of requests refused by the rate limiter",
			},
			[]string{"endpoint", "service"},
		),
		systemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "system_errors_total",
				Help: "Total number of system errors",
			},
			[]string{"error_type", "service", "component"},
		),

		syncPassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_passes_total",
				Help: "Total number of sync passes by outcome",
			},
			[]string{"status", "service"},
		),
		syncPassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sync_pass_duration_seconds",
				Help:    "Duration of sync passes in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service"},
		),
		syncItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_items_total",
				Help: "Total number of records moved by sync, by direction and outcome",
			},
			[]string{"direction", "outcome", "service"},
		),
		syncConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_conflicts_resolved_total",
				Help: "Total number of resolved sync conflicts",
			},
			[]string{"strategy", "winner", "service"},
		),
		syncQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sync_queue_depth",
				Help: "Number of sync queue entries by status",
			},
			[]string{"status", "service"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "operation_duration_seconds",
				Help:    "Duration of monitored operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "service"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dbQueryDuration,
		m.authAttemptsTotal,
		m.auditEventsTotal,
		m.rateLimitedTotal,
		m.systemErrors,
		m.syncPassesTotal,
		m.syncPassDuration,
		m.syncItemsTotal,
		m.syncConflicts,
		m.syncQueueDepth,
		m.operationDuration,
	)

	return m
}

// Registry returns the registry holding the collector's metrics
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	m.dbQueryDuration.WithLabelValues(queryType, m.serviceName).Observe(duration.Seconds())
}

// RecordAuthAttempt records authentication attempt metrics
func (m *MetricsCollector) RecordAuthAttempt(method, status string) {
	m.authAttemptsTotal.WithLabelValues(method, status, m.serviceName).Inc()
}

// RecordAuditEvent records audit event metrics
func (m *MetricsCollector) RecordAuditEvent(eventType string, success bool) {
	m.auditEventsTotal.WithLabelValues(eventType, strconv.FormatBool(success), m.serviceName).Inc()
}

// RecordRateLimited records a request refused by the rate limiter
func (m *MetricsCollector) RecordRateLimited(endpoint string) {
	m.rateLimitedTotal.WithLabelValues(endpoint, m.serviceName).Inc()
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	m.systemErrors.WithLabelValues(errorType, m.serviceName, component).Inc()
}

// RecordSyncPass records the outcome and duration of a sync pass
func (m *MetricsCollector) RecordSyncPass(succeeded bool, duration time.Duration) {
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	m.syncPassesTotal.WithLabelValues(status, m.serviceName).Inc()
	m.syncPassDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// RecordSyncItems counts records pushed or pulled with the given outcome
func (m *MetricsCollector) RecordSyncItems(direction, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.syncItemsTotal.WithLabelValues(direction, outcome, m.serviceName).Add(float64(n))
}

// RecordConflict counts a resolved conflict and which side won
func (m *MetricsCollector) RecordConflict(strategy, winner string) {
	m.syncConflicts.WithLabelValues(strategy, winner, m.serviceName).Inc()
}

// SetQueueDepth publishes the sync queue size for a status
func (m *MetricsCollector) SetQueueDepth(status string, n int) {
	m.syncQueueDepth.WithLabelValues(status, m.serviceName).Set(float64(n))
}

// ObserveOperation records the duration of a named operation
func (m *MetricsCollector) ObserveOperation(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation, m.serviceName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// HTTPMiddleware creates middleware for HTTP request metrics
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		m.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// routeTemplate returns the matched mux route so path parameters do not explode label cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
