// Package agent assembles the on-device referral sync agent: the local store,
// the audit log, the sync driver and the supervised background services.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/medrex/referral-sync/internal/audit"
	"github.com/medrex/referral-sync/internal/localstore"
	"github.com/medrex/referral-sync/internal/notify"
	"github.com/medrex/referral-sync/internal/perfmon"
	"github.com/medrex/referral-sync/internal/remote"
	syncdrv "github.com/medrex/referral-sync/internal/sync"
	"github.com/medrex/referral-sync/pkg/config"
	"github.com/medrex/referral-sync/pkg/encryption"
	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

// ServiceName identifies the agent in metrics, traces and health reports
const ServiceName = "referral-agent"

// Version is the agent build version
const Version = "1.0.0"

// Agent owns every component of a running device
type Agent struct {
	cfg    *config.Config
	logger *logger.Logger

	Store   *localstore.Store
	Data    *localstore.DataService
	Audit   *audit.Service
	Sync    *syncdrv.OfflineSyncService
	Perf    *perfmon.Monitor
	Metrics *monitoring.MetricsCollector
	Tracing *monitoring.TracingManager

	remote  *remote.Client
	closers []func() error
}

// Open builds the agent from configuration
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, logger: log}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	enc, err := encryption.NewAESEncryption(cfg.Encryption.AESKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	a.Store, err = localstore.Open(ctx, cfg.Agent.LocalDBPath, enc, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	a.Metrics = monitoring.NewMetricsCollector(ServiceName)
	a.Tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		Environment:    cfg.Tracing.Environment,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.Tracing.Shutdown(context.Background()) })

	a.Perf = perfmon.NewMonitor(cfg.Monitoring.SampleWindow, cfg.Monitoring.SlowThreshold, a.Metrics, log)

	a.Audit, err = audit.NewService(ctx, a.Store.DB(), cfg.Agent.DeviceID, []byte(cfg.Encryption.AESKey), log)
	if err != nil {
		return nil, err
	}
	a.Audit.SetMetrics(a.Metrics)

	a.Data, err = localstore.NewDataService(a.Store, cfg.Agent.SpecialistCache, log)
	if err != nil {
		return nil, err
	}

	a.remote, err = remote.NewClient(cfg.Agent.RemoteURL, cfg.Agent.DeviceID, cfg.Agent.DeviceSecret, cfg.Agent.RequestTimeout, log)
	if err != nil {
		return nil, err
	}
	a.remote.SetTracing(a.Tracing)

	a.Sync = syncdrv.NewOfflineSyncService(a.Store, a.remote, a.Audit, a.notifier(), syncdrv.Options{
		DeviceID:           cfg.Agent.DeviceID,
		BatchSize:          cfg.Agent.BatchSize,
		PullPageSize:       cfg.Agent.PullPageSize,
		MaxAttempts:        cfg.Agent.MaxAttempts,
		BackoffBase:        cfg.Agent.BackoffBase,
		BackoffMax:         cfg.Agent.BackoffMax,
		Strategy:           types.ConflictStrategy(cfg.Agent.ConflictStrategy),
		CompletedRetention: cfg.Agent.CompletedRetention,
	}, log)
	a.Sync.SetMetrics(a.Metrics)
	a.Sync.SetTracing(a.Tracing)
	a.Sync.SetPerformanceRecorder(a.Perf)

	opened = true
	return a, nil
}

// notifier returns the log notifier, fanned out to the broker when configured.
// A broker that cannot be reached is logged and skipped.
func (a *Agent) notifier() interfaces.Notifier {
	logNotifier := notify.NewLogNotifier(a.logger)

	n := a.cfg.Notifications
	if !n.AMQPEnabled {
		return logNotifier
	}

	broker, err := notify.DialAMQP(n.AMQPURL, n.Exchange, a.cfg.Agent.DeviceID, a.logger)
	if err != nil {
		a.logger.WithComponent("agent").WithError(err).Warn("Sync events will not be published")
		return logNotifier
	}
	a.closers = append(a.closers, broker.Close)
	return notify.NewMultiNotifier(logNotifier, broker)
}

// RecoverInterrupted fails sync runs a crashed process left running. Only a
// process that is about to sync may call it, since a run still in the running
// state could belong to another live process.
func (a *Agent) RecoverInterrupted(ctx context.Context) error {
	n, err := a.Store.Runs.MarkInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.WithComponent("agent").WithField("runs", n).Warn("Marked interrupted sync runs as failed")
	}
	return nil
}

// Run supervises the periodic syncer and the status endpoint until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	log := a.logger.WithComponent("supervisor")
	sup := suture.New(ServiceName, suture.Spec{
		EventHook: func(ev suture.Event) {
			log.WithFields(ev.Map()).Warn(ev.String())
		},
		FailureBackoff: 5 * time.Second,
		Timeout:        10 * time.Second,
	})

	sup.Add(NewSyncer(a.Sync, a.cfg.Agent.SyncInterval, a.logger))
	sup.Add(NewStatusServer(a.cfg.Agent.StatusAddr, a.StatusHandler(), a.logger))

	a.logger.WithDevice(a.cfg.Agent.DeviceID).Info("Referral agent started")
	err := sup.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases everything Open acquired, in reverse order
func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
