package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/medrex/referral-sync/internal/auth"
	"github.com/medrex/referral-sync/internal/ingest"
	"github.com/medrex/referral-sync/internal/perfmon"
	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/database"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
)

const (
	serviceName    = "referral-sync-server"
	serviceVersion = "1.0.0"
)

type globals struct {
	Config string `short:"c" help:"Path to the configuration file." type:"path"`
}

type cli struct {
	globals

	Serve          serveCmd          `cmd:"" default:"1" help:"Run the sync API."`
	Migrate        migrateCmd        `cmd:"" help:"Create the database schema and exit."`
	RegisterDevice registerDeviceCmd `cmd:"" help:"Provision a device and print its secret."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name(serviceName),
		kong.Description("Authoritative store for referral records synchronized by clinic devices."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&c.globals))
}

// app holds what every command needs
type app struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *database.DB
}

func (g *globals) open() (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}

	log := logger.New(cfg.LogLevel)
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: log, db: db}, nil
}

type migrateCmd struct{}

func (m *migrateCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.db.Close()

	return a.db.CreateSchema(context.Background())
}

type registerDeviceCmd struct {
	ID       string `help:"Device ID. Generated when empty."`
	Name     string `required:"" help:"Display name of the device."`
	Facility string `help:"Facility the device belongs to."`
}

func (r *registerDeviceCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.db.Close()

	svc, err := newService(a, nil)
	if err != nil {
		return err
	}

	secret, err := svc.RegisterDevice(context.Background(), r.ID, r.Name, r.Facility)
	if err != nil {
		return err
	}

	// the secret is shown once; the server only keeps its hash
	fmt.Printf("device_secret: %s\n", secret)
	return nil
}

func newService(a *app, metrics *monitoring.MetricsCollector) (*ingest.Service, error) {
	tokens, err := auth.NewTokenManager(a.cfg.JWT)
	if err != nil {
		return nil, err
	}
	repo := ingest.NewRepository(a.db, a.logger)
	limits := ingest.Limits{
		MaxPushBatch: a.cfg.Server.MaxPushBatch,
		MaxPullPage:  a.cfg.Server.MaxPullPage,
	}
	return ingest.NewService(repo, repo, tokens, metrics, limits, a.logger), nil
}

type serveCmd struct{}

func (s *serveCmd) Run(g *globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx := context.Background()
	if err := a.db.CreateSchema(ctx); err != nil {
		return err
	}

	metrics := monitoring.NewMetricsCollector(serviceName)
	tracing, err := monitoring.NewTracingManager(&monitoring.TracingConfig{
		Enabled:        a.cfg.Tracing.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		JaegerEndpoint: a.cfg.Tracing.JaegerEndpoint,
		Environment:    a.cfg.Tracing.Environment,
		SamplingRate:   a.cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return err
	}
	perf := perfmon.NewMonitor(a.cfg.Monitoring.SampleWindow, a.cfg.Monitoring.SlowThreshold, metrics, a.logger)
	mm := monitoring.NewMonitoringMiddleware(metrics, tracing, a.logger, perf)

	tokens, err := auth.NewTokenManager(a.cfg.JWT)
	if err != nil {
		return err
	}
	var limiter *auth.RateLimiter
	if a.cfg.RateLimit.Enabled {
		limiter = auth.NewRateLimiter(a.cfg.RateLimit.RequestsPerMin, a.cfg.RateLimit.BurstSize)
	}

	repo := ingest.NewRepository(a.db, a.logger)
	repo.SetMonitoring(mm)
	svc := ingest.NewService(repo, repo, tokens, metrics, ingest.Limits{
		MaxPushBatch: a.cfg.Server.MaxPushBatch,
		MaxPullPage:  a.cfg.Server.MaxPullPage,
	}, a.logger)
	svc.SetMonitoring(mm)

	health := monitoring.NewHealthManager(serviceName, serviceVersion)
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(a.db.DB))

	handlers := ingest.NewHandlers(svc, auth.NewMiddleware(tokens, limiter, metrics, a.logger), a.logger)
	server := ingest.NewServer(a.cfg.Server, ingest.ServerDeps{
		Handlers:   handlers,
		Monitoring: mm,
		Metrics:    metrics,
		Health:     health,
		Limiter:    limiter,
		MetricsURL: a.cfg.Monitoring.MetricsPath,
		HealthURL:  a.cfg.Monitoring.HealthPath,
	}, a.logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	a.logger.Info("Shutting down referral sync server...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("Failed to flush traces")
	}

	a.logger.Info("Referral sync server stopped")
	return nil
}
