package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/internal/perfmon"
	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/encryption"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

// MockSyncService is a mock implementation of interfaces.SyncService
type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) PerformSync(ctx context.Context) (*types.SyncResult, error) {
	args := m.Called(ctx)
	result, _ := args.Get(0).(*types.SyncResult)
	return result, args.Error(1)
}

func (m *MockSyncService) GetStatistics(ctx context.Context) (*types.SyncStatistics, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*types.SyncStatistics)
	return stats, args.Error(1)
}

func (m *MockSyncService) Status() types.SyncStatus {
	args := m.Called()
	return args.Get(0).(types.SyncStatus)
}

func (m *MockSyncService) RetryFailed(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSyncService) PurgeCompleted(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestSyncer_RunsOnEveryTick(t *testing.T) {
	svc := new(MockSyncService)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	count := func(mock.Arguments) {
		if calls.Add(1) >= 3 {
			cancel()
		}
	}
	svc.On("PerformSync", mock.Anything).Return(nil, errors.New("database is locked")).Once().Run(count)
	svc.On("PerformSync", mock.Anything).Return(&types.SyncResult{Err: "remote down"}, errors.New("remote down")).Once().Run(count)
	svc.On("PerformSync", mock.Anything).Return(&types.SyncResult{Pushed: 1}, nil).Run(count)

	syncer := NewSyncer(svc, 5*time.Millisecond, logger.Discard())

	done := make(chan error, 1)
	go func() { done <- syncer.Serve(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("syncer did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestSyncer_Defaults(t *testing.T) {
	syncer := NewSyncer(new(MockSyncService), 0, logger.Discard())

	assert.Equal(t, 5*time.Minute, syncer.interval)
	assert.Equal(t, "syncer", syncer.String())
}

type statusFixture struct {
	sync   *MockSyncService
	perf   *perfmon.Monitor
	router http.Handler
}

func newStatusFixture(t *testing.T, healthy bool) *statusFixture {
	t.Helper()

	log := logger.Discard()
	metrics := monitoring.NewMetricsCollector("referral-agent-test")
	tracing, err := monitoring.NewTracingManager(&monitoring.TracingConfig{ServiceName: "referral-agent-test"})
	require.NoError(t, err)

	perf := perfmon.NewMonitor(10, time.Second, metrics, log)
	health := monitoring.NewHealthManager(ServiceName, Version)
	health.RegisterChecker("local_store", monitoring.NewCustomHealthChecker(func(ctx context.Context) monitoring.HealthCheck {
		if healthy {
			return monitoring.HealthCheck{Name: "local_store", Status: monitoring.HealthStatusHealthy}
		}
		return monitoring.HealthCheck{Name: "local_store", Status: monitoring.HealthStatusUnhealthy, Message: "disk full"}
	}))

	svc := new(MockSyncService)
	router := NewStatusRouter(StatusDeps{
		Sync:       svc,
		Perf:       perf,
		Health:     health,
		Metrics:    metrics,
		Monitoring: monitoring.NewMonitoringMiddleware(metrics, tracing, log, perf),
		Logger:     log,
	})
	return &statusFixture{sync: svc, perf: perf, router: router}
}

func (f *statusFixture) do(method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatusRouter_Status(t *testing.T) {
	f := newStatusFixture(t, true)
	last := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.sync.On("GetStatistics", mock.Anything).Return(&types.SyncStatistics{
		PendingCount: 4,
		FailedCount:  1,
		LastSyncTime: &last,
	}, nil)
	f.sync.On("Status").Return(types.SyncStatus{Running: true})

	rec := f.do(http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Status.Running)
	assert.Equal(t, 4, body.Statistics.PendingCount)
	assert.Equal(t, 1, body.Statistics.FailedCount)
	assert.True(t, last.Equal(*body.Statistics.LastSyncTime))
}

func TestStatusRouter_StatusStoreError(t *testing.T) {
	f := newStatusFixture(t, true)
	f.sync.On("GetStatistics", mock.Anything).Return(nil, errors.New("database is locked"))

	rec := f.do(http.MethodGet, "/status")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestStatusRouter_TriggerSync(t *testing.T) {
	t.Run("completed pass", func(t *testing.T) {
		f := newStatusFixture(t, true)
		f.sync.On("PerformSync", mock.Anything).Return(&types.SyncResult{RunID: "run-1", Pushed: 3, Pulled: 2}, nil)

		rec := f.do(http.MethodPost, "/sync")
		require.Equal(t, http.StatusOK, rec.Code)

		var result types.SyncResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, "run-1", result.RunID)
		assert.Equal(t, 3, result.Pushed)
		assert.Equal(t, 2, result.Pulled)
	})

	t.Run("run could not start", func(t *testing.T) {
		f := newStatusFixture(t, true)
		f.sync.On("PerformSync", mock.Anything).Return(nil, errors.New("database is locked"))

		rec := f.do(http.MethodPost, "/sync")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("remote unavailable", func(t *testing.T) {
		f := newStatusFixture(t, true)
		f.sync.On("PerformSync", mock.Anything).Return(&types.SyncResult{RunID: "run-2", Err: "connection refused"}, errors.New("connection refused"))

		rec := f.do(http.MethodPost, "/sync")
		require.Equal(t, http.StatusBadGateway, rec.Code)

		var result types.SyncResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, "run-2", result.RunID)
	})

	t.Run("wrong method", func(t *testing.T) {
		f := newStatusFixture(t, true)

		rec := f.do(http.MethodGet, "/sync")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		f.sync.AssertNotCalled(t, "PerformSync", mock.Anything)
	})
}

func TestStatusRouter_Health(t *testing.T) {
	rec := newStatusFixture(t, true).do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = newStatusFixture(t, false).do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk full")
}

func TestStatusRouter_PerfAndMetrics(t *testing.T) {
	f := newStatusFixture(t, true)
	f.perf.Record("sync.pass", 120*time.Millisecond)

	rec := f.do(http.MethodGet, "/perf")
	require.Equal(t, http.StatusOK, rec.Code)

	var ops []perfmon.OperationMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "sync.pass", ops[0].Operation)
	assert.Equal(t, int64(1), ops[0].Count)

	rec = f.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStatusServer_StopsOnCancel(t *testing.T) {
	srv := NewStatusServer("127.0.0.1:0", http.NotFoundHandler(), logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("status server did not stop")
	}
	assert.Equal(t, "status-server", srv.String())
}

func TestStatusServer_BadAddress(t *testing.T) {
	srv := NewStatusServer("not-an-address", http.NotFoundHandler(), logger.Discard())

	err := srv.Serve(context.Background())
	assert.Error(t, err)
}

func openTestAgent(t *testing.T, dbPath string) *Agent {
	t.Helper()

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Agent.DeviceID = "clinic-7"
	cfg.Agent.DeviceSecret = "secret"
	cfg.Agent.LocalDBPath = dbPath
	cfg.Agent.RemoteURL = "http://127.0.0.1:1"
	cfg.Encryption.AESKey = key

	a, err := Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAgent_OpenLeavesRunningRunsAlone(t *testing.T) {
	ctx := context.Background()
	a := openTestAgent(t, filepath.Join(t.TempDir(), "agent.db"))

	_, err := a.Store.Runs.Begin(ctx)
	require.NoError(t, err)

	// a second process opening the same store for a read-only command
	other := openTestAgent(t, a.cfg.Agent.LocalDBPath)
	recent, err := other.Store.Runs.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, types.RunRunning, recent[0].Status)

	require.NoError(t, other.RecoverInterrupted(ctx))
	recent, err = other.Store.Runs.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, recent[0].Status)
	assert.Equal(t, "interrupted", recent[0].Error)
}
