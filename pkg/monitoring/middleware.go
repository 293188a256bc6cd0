package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/medrex/referral-sync/pkg/logger"
)

// OperationRecorder receives the duration of every request handled by the middleware
type OperationRecorder interface {
	Record(operation string, duration time.Duration)
}

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics  *MetricsCollector
	tracing  *TracingManager
	logger   *logger.Logger
	recorder OperationRecorder
}

// NewMonitoringMiddleware creates a new monitoring middleware. recorder may be nil.
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger, recorder OperationRecorder) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics:  metrics,
		tracing:  tracing,
		logger:   log,
		recorder: recorder,
	}
}

// HTTPMiddleware creates comprehensive HTTP monitoring middleware
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Generate request ID if not present
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		ctx = mm.tracing.ExtractTraceContext(ctx, r.Header)

		route := routeTemplate(r)
		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
		defer span.End()

		if traceID := mm.tracing.TraceIDFromContext(ctx); traceID != "" {
			ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
		}

		span.SetAttributes(
			attribute.String("http.user_agent", r.UserAgent()),
			attribute.String("request.id", requestID),
		)

		wrapper := &monitoringResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		wrapper.Header().Set("X-Request-ID", requestID)
		mm.tracing.InjectTraceContext(ctx, wrapper.Header())

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapper.statusCode), duration)
		if mm.recorder != nil {
			mm.recorder.Record(r.Method+" "+route, duration)
		}

		span.SetAttributes(
			attribute.Int("http.status_code", wrapper.statusCode),
			attribute.Int64("http.response_size", wrapper.bytesWritten),
		)
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, duration)
	})
}

// DatabaseMiddleware wraps a database call with a span and a query timing
func (mm *MonitoringMiddleware) DatabaseMiddleware(system, operation, table string) func(context.Context, func(context.Context) error) error {
	return func(ctx context.Context, dbFunc func(context.Context) error) error {
		start := time.Now()

		ctx, span := mm.tracing.StartDatabaseSpan(ctx, system, operation, table)
		defer span.End()

		err := dbFunc(ctx)

		mm.metrics.RecordDBQuery(operation, time.Since(start))
		if err != nil {
			mm.tracing.RecordError(span, err)
			mm.metrics.RecordSystemError("database_error", "database")
		}

		return err
	}
}

// AuthMiddleware wraps an authentication call with a span and an attempt counter
func (mm *MonitoringMiddleware) AuthMiddleware(method string) func(context.Context, func() error) error {
	return func(ctx context.Context, authFunc func() error) error {
		_, span := mm.tracing.StartAuthSpan(ctx, method)
		defer span.End()

		err := authFunc()

		status := "success"
		if err != nil {
			status = "failed"
		}
		mm.metrics.RecordAuthAttempt(method, status)
		span.SetAttributes(attribute.String("auth.status", status))

		if err != nil {
			mm.tracing.RecordError(span, err)
		}

		return err
	}
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}
