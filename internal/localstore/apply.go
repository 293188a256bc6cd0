package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/medrex/referral-sync/pkg/types"
	"github.com/medrex/referral-sync/pkg/validation"
)

const pullCursorKey = "pull_cursor"

// ApplyRemote writes a record received from the remote store without
// queueing it. Copies older than the local version are ignored.
func (s *Store) ApplyRemote(ctx context.Context, rr *types.RemoteRecord) error {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.applyRemote(ctx, tx, rr)
	})
	if err == nil {
		s.notifyApplied(rr.EntityType, rr.EntityID)
	}
	return err
}

// AcceptRemote resolves a conflict in favour of the remote copy: the record
// is overwritten and the queued local change is completed in one transaction.
func (s *Store) AcceptRemote(ctx context.Context, item *types.SyncItem, rr *types.RemoteRecord) (superseded bool, err error) {
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.applyRemote(ctx, tx, rr); err != nil {
			return err
		}
		superseded, err = s.Queue.complete(ctx, tx, item, rr.Version)
		return err
	})
	if err == nil {
		s.notifyApplied(rr.EntityType, rr.EntityID)
	}
	return superseded, err
}

func (s *Store) applyRemote(ctx context.Context, q querier, rr *types.RemoteRecord) error {
	upsert, ok := s.upserts[rr.EntityType]
	if !ok {
		return invalidRemote(rr, fmt.Sprintf("unknown entity type %q", rr.EntityType))
	}

	if len(rr.Payload) == 0 {
		if !rr.Deleted {
			return invalidRemote(rr, "remote record has no payload")
		}
		query := fmt.Sprintf(
			"UPDATE %s SET deleted = 1, version = ?, updated_at = ? WHERE id = ? AND version < ?",
			tableFor(rr.EntityType))
		if _, err := q.ExecContext(ctx, query, rr.Version, toNanos(rr.UpdatedAt), rr.EntityID, rr.Version); err != nil {
			return fmt.Errorf("failed to apply remote deletion: %w", err)
		}
		return nil
	}

	rec, err := validation.NewRecord(rr.EntityType)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rr.Payload, rec); err != nil {
		return invalidRemote(rr, fmt.Sprintf("payload does not decode: %v", err))
	}
	if rec.EntityID() != rr.EntityID {
		return invalidRemote(rr, fmt.Sprintf("payload id %s does not match", rec.EntityID()))
	}

	stamp(rec, rr.Version, rr.Deleted, rr.UpdatedAt)
	return upsert(ctx, q, rec)
}

// invalidRemote reports a remote record that can never be applied
func invalidRemote(rr *types.RemoteRecord, message string) error {
	return types.NewValidationError(types.ErrCodeInvalidInput, message, map[string]interface{}{
		"entity_type": rr.EntityType,
		"entity_id":   rr.EntityID,
		"version":     rr.Version,
	})
}

// stamp overwrites the sync metadata of rec with the remote values
func stamp(rec types.Record, version int64, deleted bool, updatedAt time.Time) {
	switch r := rec.(type) {
	case *types.Patient:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	case *types.Specialist:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	case *types.Referral:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	case *types.Appointment:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	case *types.Payment:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	case *types.CartItem:
		r.Version, r.Deleted = version, deleted
		if !updatedAt.IsZero() {
			r.UpdatedAt = updatedAt
		}
	}
}

// OnRemoteApplied registers fn to be called after a remote copy of a record was written locally
func (s *Store) OnRemoteApplied(fn func(entity types.EntityType, id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appliedHooks = append(s.appliedHooks, fn)
}

func (s *Store) notifyApplied(entity types.EntityType, id string) {
	s.mu.RLock()
	hooks := s.appliedHooks
	s.mu.RUnlock()

	for _, fn := range hooks {
		fn(entity, id)
	}
}

// PullCursor returns the last remote change log position applied locally
func (s *Store) PullCursor(ctx context.Context) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, pullCursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pull cursor: %w", err)
	}

	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pull cursor %q: %w", value, err)
	}
	return cursor, nil
}

// SetPullCursor stores the remote change log position applied locally
func (s *Store) SetPullCursor(ctx context.Context, cursor int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		pullCursorKey, strconv.FormatInt(cursor, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to store pull cursor: %w", err)
	}
	return nil
}
