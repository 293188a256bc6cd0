package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/medrex/referral-sync/pkg/types"
)

// push sends due queue items to the remote store in batches. A transport
// failure marks the whole batch for retry and ends the pass.
func (s *OfflineSyncService) push(ctx context.Context, p *pass) error {
	ctx, span := s.tracing.StartSyncSpan(ctx, "push", s.opts.DeviceID)
	defer span.End()

	start := time.Now()
	defer func() {
		if s.perf != nil {
			s.perf.Record("sync.push", time.Since(start))
		}
	}()

	attempted := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		due, err := s.store.Queue.Due(ctx, s.now(), s.opts.MaxAttempts, s.opts.BatchSize)
		if err != nil {
			return err
		}

		// items superseded during this pass wait for the next one
		batch := due[:0]
		for _, item := range due {
			if _, seen := attempted[item.ID]; !seen {
				attempted[item.ID] = struct{}{}
				batch = append(batch, item)
			}
		}
		if len(batch) == 0 {
			return nil
		}

		if err := s.pushBatch(ctx, p, batch); err != nil {
			s.tracing.RecordError(span, err)
			return err
		}
	}
}

func (s *OfflineSyncService) pushBatch(ctx context.Context, p *pass, batch []*types.SyncItem) error {
	req := &types.PushRequest{
		DeviceID: s.opts.DeviceID,
		Changes:  make([]types.Change, len(batch)),
	}
	for i, item := range batch {
		req.Changes[i] = item.Change()
	}

	resp, err := s.remote.Push(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// cancelled, not a remote failure: leave the items as they were
			return err
		}
		for _, item := range batch {
			if ferr := s.retryLater(ctx, p, item, err.Error()); ferr != nil {
				return ferr
			}
		}
		return types.NewExternalError(types.ErrCodeRemoteUnavailable, "push failed", err)
	}

	for i, item := range batch {
		if i >= len(resp.Results) {
			if err := s.retryLater(ctx, p, item, "no result returned for change"); err != nil {
				return err
			}
			continue
		}

		res := resp.Results[i]
		if res.EntityType != item.EntityType || res.EntityID != item.EntityID {
			if err := s.retryLater(ctx, p, item, fmt.Sprintf("result for %s %s out of order", res.EntityType, res.EntityID)); err != nil {
				return err
			}
			continue
		}

		if err := s.handleResult(ctx, p, item, &res); err != nil {
			return err
		}
	}
	return nil
}

func (s *OfflineSyncService) handleResult(ctx context.Context, p *pass, item *types.SyncItem, res *types.PushResult) error {
	switch res.Outcome {
	case types.PushApplied:
		if _, err := s.store.Queue.Complete(ctx, item, res.Version); err != nil {
			return err
		}
		p.result.Pushed++
		s.countItems("push", "applied", 1)

	case types.PushRejected:
		// a rejected change will never be accepted as is
		if err := s.store.Queue.Fail(ctx, item, s.opts.MaxAttempts, s.now(), res.Message); err != nil {
			return err
		}
		p.result.Rejected++
		s.countItems("push", "rejected", 1)
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"entity_type": item.EntityType,
			"entity_id":   item.EntityID,
			"reason":      res.Message,
		}).Warn("Change rejected by remote store")

	case types.PushConflict:
		if res.Remote == nil {
			return s.retryLater(ctx, p, item, "conflict reported without remote copy")
		}
		return s.resolvePushConflict(ctx, p, item, res.Remote)

	default:
		return s.retryLater(ctx, p, item, fmt.Sprintf("unknown push outcome %q", res.Outcome))
	}
	return nil
}

// retryLater records a failed attempt and schedules the next one
func (s *OfflineSyncService) retryLater(ctx context.Context, p *pass, item *types.SyncItem, reason string) error {
	attempts := item.Attempts + 1
	next := s.now().Add(s.backoff.Delay(attempts))
	if err := s.store.Queue.Fail(ctx, item, attempts, next, reason); err != nil {
		return err
	}
	p.result.Failed++
	s.countItems("push", "failed", 1)
	return nil
}

func (s *OfflineSyncService) countItems(direction, outcome string, n int) {
	if s.metrics != nil {
		s.metrics.RecordSyncItems(direction, outcome, n)
	}
}
