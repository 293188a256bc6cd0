package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/logger"
)

func TestMetricsCollector_IndependentRegistries(t *testing.T) {
	// Two collectors in one process must not collide on registration.
	a := NewMetricsCollector("agent")
	b := NewMetricsCollector("agent")

	a.RecordSyncPass(true, 2*time.Second)
	a.RecordSyncPass(false, time.Second)
	b.RecordSyncPass(true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.syncPassesTotal.WithLabelValues("succeeded", "agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.syncPassesTotal.WithLabelValues("failed", "agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.syncPassesTotal.WithLabelValues("succeeded", "agent")))
}

func TestMetricsCollector_SyncCounters(t *testing.T) {
	m := NewMetricsCollector("agent")

	m.RecordSyncItems("push", "accepted", 3)
	m.RecordSyncItems("push", "accepted", 0)
	m.RecordConflict("last_writer_wins", "server")
	m.SetQueueDepth("pending", 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.syncItemsTotal.WithLabelValues("push", "accepted", "agent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncConflicts.WithLabelValues("last_writer_wins", "server", "agent")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.syncQueueDepth.WithLabelValues("pending", "agent")))
}

func TestMetricsCollector_HandlerExposesMetrics(t *testing.T) {
	m := NewMetricsCollector("server")
	m.RecordSyncItems("pull", "applied", 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sync_items_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestMetricsCollector_HTTPMiddlewareUsesRouteTemplate(t *testing.T) {
	m := NewMetricsCollector("server")

	router := mux.NewRouter()
	router.Use(m.HTTPMiddleware)
	router.HandleFunc("/referrals/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/referrals/abc", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/referrals/def", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/referrals/{id}", "418", "server")))
}

func newDisabledTracing(t *testing.T) *TracingManager {
	t.Helper()
	tm, err := NewTracingManager(&TracingConfig{ServiceName: "test"})
	require.NoError(t, err)
	return tm
}

func TestTracingManager_DisabledIsNoop(t *testing.T) {
	tm := newDisabledTracing(t)

	ctx, span := tm.StartSyncSpan(context.Background(), "push", "dev-1")
	defer span.End()

	tm.RecordError(span, errors.New("boom"))
	assert.Empty(t, tm.TraceIDFromContext(ctx))
	assert.NoError(t, tm.Shutdown(context.Background()))
}

type recordingRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingRecorder) Record(operation string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
}

func TestMonitoringMiddleware_HTTP(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithOutput("info", &buf)
	metrics := NewMetricsCollector("server")
	recorder := &recordingRecorder{}
	mm := NewMonitoringMiddleware(metrics, newDisabledTracing(t), log, recorder)

	var seenRequestID interface{}
	router := mux.NewRouter()
	router.Use(mm.HTTPMiddleware)
	router.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = r.Context().Value(logger.RequestIDKey)
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	req := httptest.NewRequest(http.MethodPost, "/sync/push", strings.NewReader("{}"))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", seenRequestID)
	assert.Equal(t, []string{"POST /sync/push"}, recorder.ops)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("POST", "/sync/push", "202", "server")))
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestMonitoringMiddleware_GeneratesRequestID(t *testing.T) {
	mm := NewMonitoringMiddleware(NewMetricsCollector("server"), newDisabledTracing(t), logger.Discard(), nil)

	handler := mm.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestMonitoringMiddleware_DatabaseAndAuth(t *testing.T) {
	metrics := NewMetricsCollector("server")
	mm := NewMonitoringMiddleware(metrics, newDisabledTracing(t), logger.Discard(), nil)

	dbErr := errors.New("connection reset")
	err := mm.DatabaseMiddleware("postgresql", "insert", "records")(context.Background(), func(context.Context) error {
		return dbErr
	})
	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.systemErrors.WithLabelValues("database_error", "server", "database")))

	err = mm.AuthMiddleware("device_secret")(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.authAttemptsTotal.WithLabelValues("device_secret", "success", "server")))
}

func TestHealthManager_AggregatesStatus(t *testing.T) {
	hm := NewHealthManager("agent", "test")
	hm.RegisterChecker("b_ok", NewCustomHealthChecker(func(context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy}
	}))
	hm.RegisterChecker("a_queue", NewQueueBacklogChecker(func(context.Context) (int, int, error) {
		return 3, 1, nil
	}, 100))

	report := hm.CheckHealth(context.Background())

	assert.Equal(t, HealthStatusDegraded, report.Status)
	require.Len(t, report.Checks, 2)
	assert.Equal(t, "a_queue", report.Checks[0].Name)
	assert.Equal(t, 1, report.Summary["degraded"])
}

func TestHealthManager_HTTPHandlerUnhealthy(t *testing.T) {
	hm := NewHealthManager("agent", "test")
	hm.RegisterChecker("queue", NewQueueBacklogChecker(func(context.Context) (int, int, error) {
		return 0, 0, errors.New("disk I/O error")
	}, 0))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
}

func TestQueueBacklogChecker_Threshold(t *testing.T) {
	check := NewQueueBacklogChecker(func(context.Context) (int, int, error) {
		return 11, 0, nil
	}, 10).Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, check.Status)

	check = NewQueueBacklogChecker(func(context.Context) (int, int, error) {
		return 10, 0, nil
	}, 10).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, check.Status)
}

func TestHTTPHealthChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ok := NewHTTPHealthChecker(srv.URL+"/health", time.Second).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, ok.Status)

	bad := NewHTTPHealthChecker(srv.URL+"/broken", time.Second).Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, bad.Status)
}
