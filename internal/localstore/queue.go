package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// SyncQueue is the outbound change queue filled by the DAOs
type SyncQueue struct {
	store *Store
}

// QueueCounts is the number of queue entries per status
type QueueCounts struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

const queueColumns = `id, entity_type, entity_id, operation, payload, base_version, status, attempts,
	next_attempt_at, last_error, revision, created_at, updated_at, completed_at`

// Due returns up to limit entries ready to be pushed at now: pending entries
// and failed entries that still have attempts left. Oldest first.
func (sq *SyncQueue) Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*types.SyncItem, error) {
	return sq.list(ctx,
		`SELECT `+queueColumns+` FROM sync_queue
		 WHERE (status = ? OR (status = ? AND attempts < ?)) AND next_attempt_at <= ?
		 ORDER BY created_at, id
		 LIMIT ?`,
		types.SyncStatusPending, types.SyncStatusFailed, maxAttempts, toNanos(now), limit,
	)
}

// List returns entries with the given status, oldest first. An empty status lists everything.
func (sq *SyncQueue) List(ctx context.Context, status types.SyncItemStatus, limit int) ([]*types.SyncItem, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return sq.list(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at, id LIMIT ?`, limit)
	}
	return sq.list(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		status, limit,
	)
}

// Get returns a queue entry by ID
func (sq *SyncQueue) Get(ctx context.Context, id string) (*types.SyncItem, error) {
	row := sq.store.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanSyncItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync item: %w", err)
	}
	return item, nil
}

// Unfinished returns the pending or failed entry for a record, or nil when there is none
func (sq *SyncQueue) Unfinished(ctx context.Context, entity types.EntityType, entityID string) (*types.SyncItem, error) {
	row := sq.store.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ? AND status != ?`,
		entity, entityID, types.SyncStatusCompleted,
	)
	item, err := scanSyncItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queued change: %w", err)
	}
	return item, nil
}

// Complete marks an entry pushed and stores the version the remote store
// assigned to the record. When the record was edited again after item was
// read, the entry stays pending, rebased on the new version, and superseded is true.
func (sq *SyncQueue) Complete(ctx context.Context, item *types.SyncItem, version int64) (superseded bool, err error) {
	err = sq.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		superseded, err = sq.complete(ctx, tx, item, version)
		if err != nil {
			return err
		}
		return setRecordVersion(ctx, tx, item.EntityType, item.EntityID, version)
	})
	return superseded, err
}

func (sq *SyncQueue) complete(ctx context.Context, q querier, item *types.SyncItem, version int64) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, last_error = '', completed_at = ?
		 WHERE id = ? AND revision = ?`,
		types.SyncStatusCompleted, toNanos(sq.store.clock()), item.ID, item.Revision,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete sync item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	// the record now exists remotely, so a merged create continues as an update
	res, err = q.ExecContext(ctx,
		`UPDATE sync_queue
		 SET base_version = ?, operation = CASE operation WHEN ? THEN ? ELSE operation END
		 WHERE id = ?`,
		version, types.OpCreate, types.OpUpdate, item.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rebase sync item: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// the entry is gone: a delete cancelled the create while it was being
	// pushed, and the remote copy must now be deleted too
	if item.Operation == types.OpCreate {
		if err := sq.queueRemoteDelete(ctx, q, item, version); err != nil {
			return false, err
		}
	}
	return true, nil
}

// queueRemoteDelete queues the deletion of a record that only exists remotely
func (sq *SyncQueue) queueRemoteDelete(ctx context.Context, q querier, item *types.SyncItem, version int64) error {
	now := toNanos(sq.store.clock())
	_, err := q.ExecContext(ctx,
		`INSERT INTO sync_queue (
			id, entity_type, entity_id, operation, payload, base_version,
			status, attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		uuid.New().String(), item.EntityType, item.EntityID, types.OpDelete, []byte(item.Payload), version,
		types.SyncStatusPending, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to queue delete of %s %s: %w", item.EntityType, item.EntityID, err)
	}
	return nil
}

// Rebase moves an unfinished entry onto a newer remote version so its next
// push does not conflict again. The local record adopts the version too.
// It returns false when the entry changed since it was read.
func (sq *SyncQueue) Rebase(ctx context.Context, item *types.SyncItem, version int64) (bool, error) {
	var rebased bool
	err := sq.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sync_queue
			 SET base_version = ?, operation = CASE operation WHEN ? THEN ? ELSE operation END
			 WHERE id = ? AND revision = ? AND status != ?`,
			version, types.OpCreate, types.OpUpdate, item.ID, item.Revision, types.SyncStatusCompleted,
		)
		if err != nil {
			return fmt.Errorf("failed to rebase sync item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		rebased = true
		return setRecordVersion(ctx, tx, item.EntityType, item.EntityID, version)
	})
	return rebased, err
}

// Fail records a failed push attempt. The entry becomes due again at next
// while attempts stay below the configured maximum. A newer local edit
// merged into the entry since it was read is left untouched.
func (sq *SyncQueue) Fail(ctx context.Context, item *types.SyncItem, attempts int, next time.Time, reason string) error {
	_, err := sq.store.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = ?, next_attempt_at = ?, last_error = ?
		 WHERE id = ? AND revision = ?`,
		types.SyncStatusFailed, attempts, toNanos(next), reason, item.ID, item.Revision,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// Counts returns the number of entries per status
func (sq *SyncQueue) Counts(ctx context.Context) (QueueCounts, error) {
	var counts QueueCounts

	rows, err := sq.store.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return counts, fmt.Errorf("failed to count sync queue: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status types.SyncItemStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch status {
		case types.SyncStatusPending:
			counts.Pending = n
		case types.SyncStatusCompleted:
			counts.Completed = n
		case types.SyncStatusFailed:
			counts.Failed = n
		}
	}

	return counts, rows.Err()
}

// RetryFailed puts every failed entry back to pending with a fresh attempt budget
func (sq *SyncQueue) RetryFailed(ctx context.Context) (int64, error) {
	res, err := sq.store.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = 0, next_attempt_at = ?
		 WHERE status = ?`,
		types.SyncStatusPending, toNanos(sq.store.clock()), types.SyncStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed sync items: %w", err)
	}
	return res.RowsAffected()
}

// PurgeCompleted deletes completed entries finished before cutoff
func (sq *SyncQueue) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := sq.store.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND completed_at < ?`,
		types.SyncStatusCompleted, toNanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed sync items: %w", err)
	}
	return res.RowsAffected()
}

func (sq *SyncQueue) list(ctx context.Context, query string, args ...interface{}) ([]*types.SyncItem, error) {
	rows, err := sq.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []*types.SyncItem
	for rows.Next() {
		item, err := scanSyncItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

func scanSyncItem(row rowScanner) (*types.SyncItem, error) {
	item := &types.SyncItem{}
	var (
		payload                       []byte
		nextAttempt, created, updated int64
		completed                     sql.NullInt64
	)
	err := row.Scan(
		&item.ID, &item.EntityType, &item.EntityID, &item.Operation, &payload, &item.BaseVersion,
		&item.Status, &item.Attempts, &nextAttempt, &item.LastError, &item.Revision,
		&created, &updated, &completed,
	)
	if err != nil {
		return nil, err
	}

	item.Payload = payload
	item.NextAttemptAt = fromNanos(nextAttempt)
	item.CreatedAt = fromNanos(created)
	item.UpdatedAt = fromNanos(updated)
	item.CompletedAt = fromNullNanos(completed)
	return item, nil
}
