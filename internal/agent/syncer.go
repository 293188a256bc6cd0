package agent

import (
	"context"
	"time"

	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
)

const purgeInterval = 24 * time.Hour

// Syncer runs a sync pass on a fixed interval and purges old completed
// queue entries once a day. It is a suture service.
type Syncer struct {
	sync     interfaces.SyncService
	interval time.Duration
	logger   *logger.Logger
}

// NewSyncer creates the periodic syncer
func NewSyncer(svc interfaces.SyncService, interval time.Duration, log *logger.Logger) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Syncer{sync: svc, interval: interval, logger: log}
}

// Serve syncs immediately, then on every tick until ctx is done.
// Failed passes are logged and retried on the next tick.
func (s *Syncer) Serve(ctx context.Context) error {
	syncTicker := time.NewTicker(s.interval)
	defer syncTicker.Stop()
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-syncTicker.C:
			s.runOnce(ctx)
		case <-purgeTicker.C:
			if n, err := s.sync.PurgeCompleted(ctx); err != nil {
				s.logger.WithComponent("syncer").WithError(err).Warn("Failed to purge completed queue entries")
			} else if n > 0 {
				s.logger.WithComponent("syncer").WithField("purged", n).Info("Purged completed queue entries")
			}
		}
	}
}

func (s *Syncer) runOnce(ctx context.Context) {
	_, err := s.sync.PerformSync(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	default:
		s.logger.WithComponent("syncer").WithError(err).Warn("Sync pass failed")
	}
}

// String names the service in supervisor events
func (s *Syncer) String() string {
	return "syncer"
}
