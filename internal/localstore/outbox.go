package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// coalesce folds an incoming operation into the unfinished queue entry for the
// same record. drop means both cancel out and the entry must be removed.
func coalesce(existing, incoming types.SyncOperation) (op types.SyncOperation, drop bool, err error) {
	switch existing {
	case types.OpCreate:
		switch incoming {
		case types.OpUpdate:
			return types.OpCreate, false, nil
		case types.OpDelete:
			return "", true, nil
		}
	case types.OpUpdate:
		switch incoming {
		case types.OpUpdate:
			return types.OpUpdate, false, nil
		case types.OpDelete:
			return types.OpDelete, false, nil
		}
	}

	return "", false, types.NewValidationError(
		types.ErrCodeInvalidInput,
		fmt.Sprintf("cannot %s a record with a queued %s", incoming, existing),
		map[string]interface{}{"queued": string(existing), "incoming": string(incoming)},
	)
}

// enqueue records a local change in the sync queue, merging it with any
// unfinished entry for the same record. It reports whether the change
// cancelled out an unsynced create.
func (s *Store) enqueue(ctx context.Context, q querier, rec types.Record, op types.SyncOperation, payload json.RawMessage, baseVersion int64) (bool, error) {
	now := toNanos(s.clock())

	var (
		id       string
		existing types.SyncOperation
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, operation FROM sync_queue
		 WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		rec.EntityType(), rec.EntityID(), types.SyncStatusCompleted,
	).Scan(&id, &existing)

	if err == sql.ErrNoRows {
		_, err = q.ExecContext(ctx,
			`INSERT INTO sync_queue (
				id, entity_type, entity_id, operation, payload, base_version,
				status, attempts, next_attempt_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			uuid.New().String(), rec.EntityType(), rec.EntityID(), op, []byte(payload), baseVersion,
			types.SyncStatusPending, now, now, now,
		)
		if err != nil {
			return false, fmt.Errorf("failed to enqueue %s %s: %w", rec.EntityType(), rec.EntityID(), err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up queued change: %w", err)
	}

	merged, drop, err := coalesce(existing, op)
	if err != nil {
		return false, err
	}

	if drop {
		if _, err := q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("failed to drop queued change: %w", err)
		}
		return true, nil
	}

	// a merged entry starts over; the new payload may fix an earlier rejection
	_, err = q.ExecContext(ctx,
		`UPDATE sync_queue
		 SET operation = ?, payload = ?, base_version = ?, status = ?, attempts = 0,
		     next_attempt_at = ?, last_error = '', revision = revision + 1, updated_at = ?
		 WHERE id = ?`,
		merged, []byte(payload), baseVersion, types.SyncStatusPending, now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to merge queued change: %w", err)
	}
	return false, nil
}
