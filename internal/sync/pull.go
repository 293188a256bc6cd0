package sync

import (
	"context"
	"time"

	"github.com/medrex/referral-sync/pkg/types"
)

// pull applies remote changes recorded after the stored cursor, page by page.
// The cursor advances after each page, so an interrupted pull resumes where
// it stopped; reapplying a change is harmless because older versions are ignored.
func (s *OfflineSyncService) pull(ctx context.Context, p *pass) error {
	ctx, span := s.tracing.StartSyncSpan(ctx, "pull", s.opts.DeviceID)
	defer span.End()

	start := time.Now()
	defer func() {
		if s.perf != nil {
			s.perf.Record("sync.pull", time.Since(start))
		}
	}()

	cursor, err := s.store.PullCursor(ctx)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.remote.Pull(ctx, cursor, s.opts.PullPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			s.tracing.RecordError(span, err)
			return types.NewExternalError(types.ErrCodeRemoteUnavailable, "pull failed", err)
		}

		for i := range page.Changes {
			if err := s.applyChange(ctx, p, &page.Changes[i]); err != nil {
				s.tracing.RecordError(span, err)
				return err
			}
		}

		if page.NextCursor > cursor {
			if err := s.store.SetPullCursor(ctx, page.NextCursor); err != nil {
				return err
			}
			cursor = page.NextCursor
		}

		if !page.HasMore || len(page.Changes) == 0 {
			return nil
		}
	}
}

func (s *OfflineSyncService) applyChange(ctx context.Context, p *pass, change *types.RemoteChange) error {
	if change.OriginDevice == s.opts.DeviceID {
		return nil
	}

	remote := change.Record()

	pending, err := s.store.Queue.Unfinished(ctx, remote.EntityType, remote.EntityID)
	if err != nil {
		return err
	}
	if pending != nil && pending.BaseVersion < remote.Version {
		return s.resolvePullConflict(ctx, p, pending, remote)
	}

	if err := s.store.ApplyRemote(ctx, remote); err != nil {
		if types.IsValidation(err) {
			p.result.Failed++
			s.countItems("pull", "invalid", 1)
			s.logger.WithContext(ctx).WithError(err).WithField("seq", change.Seq).
				Warn("Skipping remote change that cannot be applied")
			return nil
		}
		return err
	}

	p.result.Pulled++
	s.countItems("pull", "applied", 1)
	return nil
}
