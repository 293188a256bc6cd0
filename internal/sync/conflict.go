package sync

import (
	"context"

	"github.com/medrex/referral-sync/pkg/types"
)

type winner string

const (
	winnerClient winner = "client"
	winnerServer winner = "server"
)

// decide applies the configured strategy to a local change and the remote copy it collided with
func decide(strategy types.ConflictStrategy, local *types.SyncItem, remote *types.RemoteRecord) winner {
	switch strategy {
	case types.ServerWins:
		return winnerServer
	case types.ClientWins:
		return winnerClient
	default:
		// ties go to the server
		if local.UpdatedAt.After(remote.UpdatedAt) {
			return winnerClient
		}
		return winnerServer
	}
}

// resolvePushConflict settles a change the remote store refused because its
// base version was stale. A winning local change is pushed once more on top
// of the remote version; otherwise the remote copy replaces the local record.
func (s *OfflineSyncService) resolvePushConflict(ctx context.Context, p *pass, item *types.SyncItem, remote *types.RemoteRecord) error {
	w := decide(s.opts.Strategy, item, remote)
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"entity_type":    item.EntityType,
		"entity_id":      item.EntityID,
		"base_version":   item.BaseVersion,
		"remote_version": remote.Version,
		"strategy":       s.opts.Strategy,
		"winner":         w,
	})

	if w == winnerServer {
		if _, err := s.store.AcceptRemote(ctx, item, remote); err != nil {
			return err
		}
		s.conflictResolved(p, w)
		log.Info("Conflict resolved in favour of remote copy")
		return nil
	}

	change := item.Change()
	change.BaseVersion = remote.Version
	if change.Operation == types.OpCreate {
		change.Operation = types.OpUpdate
	}

	resp, err := s.remote.Push(ctx, &types.PushRequest{DeviceID: s.opts.DeviceID, Changes: []types.Change{change}})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return s.retryLater(ctx, p, item, err.Error())
	}
	if len(resp.Results) == 0 || resp.Results[0].Outcome != types.PushApplied {
		reason := "conflict persisted after re-push"
		if len(resp.Results) > 0 && resp.Results[0].Message != "" {
			reason = resp.Results[0].Message
		}
		return s.retryLater(ctx, p, item, reason)
	}

	if _, err := s.store.Queue.Complete(ctx, item, resp.Results[0].Version); err != nil {
		return err
	}
	p.result.Pushed++
	s.countItems("push", "applied", 1)
	s.conflictResolved(p, w)
	log.Info("Conflict resolved in favour of local change")
	return nil
}

// resolvePullConflict settles a remote change that arrived while the same
// record has an unsynced local change
func (s *OfflineSyncService) resolvePullConflict(ctx context.Context, p *pass, item *types.SyncItem, remote *types.RemoteRecord) error {
	w := decide(s.opts.Strategy, item, remote)

	if w == winnerServer {
		if _, err := s.store.AcceptRemote(ctx, item, remote); err != nil {
			return err
		}
		p.result.Pulled++
	} else {
		// keep the local edit and push it on top of the remote version
		if _, err := s.store.Queue.Rebase(ctx, item, remote.Version); err != nil {
			return err
		}
	}

	s.conflictResolved(p, w)
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"entity_type":    item.EntityType,
		"entity_id":      item.EntityID,
		"remote_version": remote.Version,
		"strategy":       s.opts.Strategy,
		"winner":         w,
	}).Info("Pulled change conflicted with local edit")
	return nil
}

func (s *OfflineSyncService) conflictResolved(p *pass, w winner) {
	p.result.ConflictsResolved++
	if s.metrics != nil {
		s.metrics.RecordConflict(string(s.opts.Strategy), string(w))
	}
}
