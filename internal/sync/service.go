// Package sync drives the exchange between the on-device store and the
// remote referral store: it pushes queued local changes, resolves version
// conflicts and applies remote changes.
package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/medrex/referral-sync/internal/localstore"
	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

// Options tunes a sync pass
type Options struct {
	DeviceID           string
	UserID             string
	BatchSize          int
	PullPageSize       int
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Strategy           types.ConflictStrategy
	CompletedRetention time.Duration
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.PullPageSize <= 0 {
		o.PullPageSize = 200
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if !o.Strategy.Valid() {
		o.Strategy = types.LastWriterWins
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 7 * 24 * time.Hour
	}
	if o.UserID == "" {
		o.UserID = o.DeviceID
	}
}

// OfflineSyncService implements the on-device sync driver
type OfflineSyncService struct {
	store    *localstore.Store
	remote   interfaces.RemoteStore
	audit    interfaces.AuditService
	notifier interfaces.Notifier
	perf     interfaces.PerformanceRecorder
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
	logger   *logger.Logger

	opts    Options
	backoff *Backoff
	now     func() time.Time

	group   singleflight.Group
	running atomic.Bool
	last    atomic.Pointer[types.SyncResult]
}

// NewOfflineSyncService creates a sync driver. audit and notifier may be nil.
func NewOfflineSyncService(
	store *localstore.Store,
	remote interfaces.RemoteStore,
	audit interfaces.AuditService,
	notifier interfaces.Notifier,
	opts Options,
	log *logger.Logger,
) *OfflineSyncService {
	opts.setDefaults()
	tracing, _ := monitoring.NewTracingManager(&monitoring.TracingConfig{ServiceName: "referral-agent"})

	return &OfflineSyncService{
		store:    store,
		remote:   remote,
		audit:    audit,
		notifier: notifier,
		tracing:  tracing,
		logger:   log,
		opts:     opts,
		backoff:  NewBackoff(opts.BackoffBase, opts.BackoffMax),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches a Prometheus collector
func (s *OfflineSyncService) SetMetrics(m *monitoring.MetricsCollector) {
	s.metrics = m
}

// SetTracing replaces the no-op tracer
func (s *OfflineSyncService) SetTracing(tm *monitoring.TracingManager) {
	s.tracing = tm
}

// SetPerformanceRecorder attaches an operation timer
func (s *OfflineSyncService) SetPerformanceRecorder(p interfaces.PerformanceRecorder) {
	s.perf = p
}

// SetClock overrides the time source
func (s *OfflineSyncService) SetClock(now func() time.Time) {
	s.now = now
}

// PerformSync runs one sync pass. Callers arriving while a pass is running
// wait for it and receive its result. The returned result is never nil
// unless the run could not be started; a failed pass returns both the result
// and the error.
func (s *OfflineSyncService) PerformSync(ctx context.Context) (*types.SyncResult, error) {
	v, err, _ := s.group.Do("sync", func() (interface{}, error) {
		s.running.Store(true)
		defer s.running.Store(false)
		return s.performSync(ctx)
	})
	result, _ := v.(*types.SyncResult)
	return result, err
}

// pass carries the counters of a running sync pass
type pass struct {
	run    *types.SyncRun
	result *types.SyncResult
}

func (s *OfflineSyncService) performSync(ctx context.Context) (*types.SyncResult, error) {
	start := time.Now()

	run, err := s.store.Runs.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync run: %w", err)
	}

	ctx = context.WithValue(ctx, logger.RunIDKey, run.ID)
	ctx = context.WithValue(ctx, logger.DeviceIDKey, s.opts.DeviceID)
	ctx, span := s.tracing.StartSyncSpan(ctx, "pass", s.opts.DeviceID)
	defer span.End()

	p := &pass{
		run: run,
		result: &types.SyncResult{
			RunID:     run.ID,
			StartedAt: run.StartedAt,
		},
	}

	err = s.push(ctx, p)
	if err == nil {
		err = s.pull(ctx, p)
	}

	s.finish(ctx, p, time.Since(start), err)
	if err != nil {
		s.tracing.RecordError(span, err)
		return p.result, err
	}
	return p.result, nil
}

// finish persists the run and reports the pass outcome
func (s *OfflineSyncService) finish(ctx context.Context, p *pass, elapsed time.Duration, passErr error) {
	// the run row must be written even when the pass was cancelled
	ctx = context.WithoutCancel(ctx)

	finishedAt := s.now()
	p.result.FinishedAt = finishedAt
	p.result.Duration = elapsed

	p.run.FinishedAt = &finishedAt
	p.run.Duration = elapsed
	p.run.Pushed = p.result.Pushed
	p.run.Pulled = p.result.Pulled
	p.run.ConflictsResolved = p.result.ConflictsResolved
	p.run.Failed = p.result.Failed + p.result.Rejected
	p.run.Status = types.RunSucceeded
	if passErr != nil {
		p.result.Err = passErr.Error()
		p.run.Status = types.RunFailed
		p.run.Error = passErr.Error()
	}

	if err := s.store.Runs.Finish(ctx, p.run); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to record sync run")
	}

	s.last.Store(p.result)
	s.logger.SyncPass(ctx, p.run.ID, p.result.Pushed, p.result.Pulled, p.result.ConflictsResolved,
		p.run.Failed, elapsed, passErr)

	if s.metrics != nil {
		s.metrics.RecordSyncPass(passErr == nil, elapsed)
		s.publishQueueDepth(ctx)
	}
	if s.perf != nil {
		s.perf.Record("sync.pass", elapsed)
	}

	s.logAudit(p.result, passErr)
	s.notify(ctx, p.result, passErr)
}

func (s *OfflineSyncService) logAudit(result *types.SyncResult, passErr error) {
	if s.audit == nil {
		return
	}

	action := "sync_pass_completed"
	if passErr != nil {
		action = "sync_pass_failed"
	}
	details := map[string]interface{}{
		"device_id":          s.opts.DeviceID,
		"pushed":             result.Pushed,
		"pulled":             result.Pulled,
		"conflicts_resolved": result.ConflictsResolved,
		"failed":             result.Failed,
		"rejected":           result.Rejected,
		"duration_ms":        result.Duration.Milliseconds(),
	}
	if passErr != nil {
		details["error"] = passErr.Error()
	}

	if err := s.audit.LogEvent(s.opts.UserID, action, result.RunID, passErr == nil, details); err != nil {
		// Log error but don't fail sync
		s.logger.WithComponent("sync").WithError(err).Warn("Failed to log sync audit event")
	}
}

func (s *OfflineSyncService) notify(ctx context.Context, result *types.SyncResult, passErr error) {
	if s.notifier == nil {
		return
	}

	var err error
	if passErr != nil {
		err = s.notifier.SyncFailed(ctx, result, passErr)
	} else {
		err = s.notifier.SyncCompleted(ctx, result)
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to publish sync notification")
	}
}

func (s *OfflineSyncService) publishQueueDepth(ctx context.Context) {
	counts, err := s.store.Queue.Counts(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to read queue depth")
		return
	}
	s.metrics.SetQueueDepth(string(types.SyncStatusPending), counts.Pending)
	s.metrics.SetQueueDepth(string(types.SyncStatusFailed), counts.Failed)
	s.metrics.SetQueueDepth(string(types.SyncStatusCompleted), counts.Completed)
}

// GetStatistics returns a snapshot of the queue counts and run history read at call time
func (s *OfflineSyncService) GetStatistics(ctx context.Context) (*types.SyncStatistics, error) {
	counts, err := s.store.Queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue counts: %w", err)
	}

	agg, err := s.store.Runs.Aggregate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read run history: %w", err)
	}

	return &types.SyncStatistics{
		PendingCount:      counts.Pending,
		CompletedCount:    counts.Completed,
		FailedCount:       counts.Failed,
		LastSyncTime:      agg.LastSuccess,
		ConflictsResolved: agg.ConflictsResolved,
		AverageSyncTime:   agg.AverageDuration,
	}, nil
}

// Status reports whether a pass is running and the result of the last one
func (s *OfflineSyncService) Status() types.SyncStatus {
	return types.SyncStatus{
		Running:    s.running.Load(),
		LastResult: s.last.Load(),
	}
}

// RetryFailed resets failed queue items so the next pass pushes them again
func (s *OfflineSyncService) RetryFailed(ctx context.Context) (int64, error) {
	n, err := s.store.Queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.WithComponent("sync").WithField("items", n).Info("Failed sync items reset")
	return n, nil
}

// PurgeCompleted deletes completed queue items older than the retention window
func (s *OfflineSyncService) PurgeCompleted(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.opts.CompletedRetention)
	n, err := s.store.Queue.PurgeCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.WithComponent("sync").WithFields(map[string]interface{}{
		"items":  n,
		"cutoff": cutoff,
	}).Info("Completed sync items purged")
	return n, nil
}
