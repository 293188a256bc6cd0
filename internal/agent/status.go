package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/referral-sync/internal/perfmon"
	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

// StatusDeps groups what the local status endpoint reports on
type StatusDeps struct {
	Sync       interfaces.SyncService
	Perf       *perfmon.Monitor
	Health     *monitoring.HealthManager
	Metrics    *monitoring.MetricsCollector
	Monitoring *monitoring.MonitoringMiddleware
	Logger     *logger.Logger
}

// statusResponse is the body of GET /status
type statusResponse struct {
	Status     types.SyncStatus      `json:"status"`
	Statistics *types.SyncStatistics `json:"statistics"`
}

// NewStatusRouter builds the local status API
func NewStatusRouter(deps StatusDeps) *mux.Router {
	router := mux.NewRouter()
	router.Use(deps.Monitoring.HTTPMiddleware)

	router.Handle("/health", deps.Health.HTTPHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Sync.GetStatistics(r.Context())
		if err != nil {
			deps.Logger.WithContext(r.Context()).WithError(err).Error("Failed to compute sync statistics")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "failed to compute statistics"})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: deps.Sync.Status(), Statistics: stats})
	}).Methods(http.MethodGet)

	router.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Sync.PerformSync(r.Context())
		switch {
		case result == nil && err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusBadGateway, result)
		default:
			writeJSON(w, http.StatusOK, result)
		}
	}).Methods(http.MethodPost)

	router.HandleFunc("/perf", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Perf.Snapshot())
	}).Methods(http.MethodGet)

	return router
}

// StatusHandler builds the status API over the agent's components
func (a *Agent) StatusHandler() http.Handler {
	health := monitoring.NewHealthManager(ServiceName, Version)
	health.SetTimeout(5 * time.Second)
	health.RegisterChecker("local_store", monitoring.NewDatabaseHealthChecker(a.Store.DB().DB))
	health.RegisterChecker("sync_queue", monitoring.NewQueueBacklogChecker(func(ctx context.Context) (int, int, error) {
		counts, err := a.Store.Queue.Counts(ctx)
		return counts.Pending, counts.Failed, err
	}, a.cfg.Agent.BatchSize*10))
	health.RegisterChecker("remote", monitoring.NewHTTPHealthChecker(
		strings.TrimRight(a.cfg.Agent.RemoteURL, "/")+"/health", 5*time.Second))

	return NewStatusRouter(StatusDeps{
		Sync:       a.Sync,
		Perf:       a.Perf,
		Health:     health,
		Metrics:    a.Metrics,
		Monitoring: monitoring.NewMonitoringMiddleware(a.Metrics, a.Tracing, a.logger, a.Perf),
		Logger:     a.logger,
	})
}

// StatusServer serves the status API. It is a suture service.
type StatusServer struct {
	addr    string
	handler http.Handler
	logger  *logger.Logger
}

// NewStatusServer creates the status server
func NewStatusServer(addr string, handler http.Handler, log *logger.Logger) *StatusServer {
	return &StatusServer{addr: addr, handler: handler, logger: log}
}

// Serve listens until ctx is done, then drains in-flight requests
func (s *StatusServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.WithComponent("status").WithField("addr", ln.Addr().String()).Info("Status endpoint listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

// String names the service in supervisor events
func (s *StatusServer) String() string {
	return "status-server"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
