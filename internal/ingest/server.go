package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/referral-sync/internal/auth"
	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
)

// Server is the HTTP front of the sync API
type Server struct {
	router  *mux.Router
	server  *http.Server
	limiter *auth.RateLimiter
	cfg     config.ServerConfig
	logger  *logger.Logger
	stop    chan struct{}
}

// ServerDeps groups the collaborators the server routes to
type ServerDeps struct {
	Handlers   *Handlers
	Monitoring *monitoring.MonitoringMiddleware
	Metrics    *monitoring.MetricsCollector
	Health     *monitoring.HealthManager
	Limiter    *auth.RateLimiter
	MetricsURL string
	HealthURL  string
}

// NewServer wires the routes and middleware
func NewServer(cfg config.ServerConfig, deps ServerDeps, log *logger.Logger) *Server {
	router := mux.NewRouter()
	router.Use(deps.Monitoring.HTTPMiddleware)

	if deps.HealthURL == "" {
		deps.HealthURL = "/health"
	}
	if deps.MetricsURL == "" {
		deps.MetricsURL = "/metrics"
	}
	router.Handle(deps.HealthURL, deps.Health.HTTPHandler()).Methods(http.MethodGet)
	router.Handle(deps.MetricsURL, deps.Metrics.Handler()).Methods(http.MethodGet)
	deps.Handlers.RegisterRoutes(router)

	s := &Server{
		router:  router,
		limiter: deps.Limiter,
		cfg:     cfg,
		logger:  log,
		stop:    make(chan struct{}),
	}
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}
	return s
}

// Handler returns the root handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	if s.limiter != nil {
		go s.cleanupLimiter()
	}

	s.logger.WithComponent("ingest").WithField("addr", s.server.Addr).Info("Starting referral sync server")

	var err error
	if s.cfg.TLSEnabled {
		err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	close(s.stop)
	return s.server.Shutdown(ctx)
}

func (s *Server) cleanupLimiter() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.limiter.Cleanup(time.Hour); n > 0 {
				s.logger.WithComponent("ingest").WithField("evicted", n).Debug("Evicted idle rate limiters")
			}
		case <-s.stop:
			return
		}
	}
}
