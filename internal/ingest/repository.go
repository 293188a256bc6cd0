// Package ingest is the server side of the referral sync: it applies pushed
// changes to the authoritative record table and serves the change log.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medrex/referral-sync/pkg/database"
	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

// Repository implements the ChangeRepository and DeviceRepository interfaces over PostgreSQL
type Repository struct {
	db      *database.DB
	monitor *monitoring.MonitoringMiddleware
	logger  *logger.Logger
}

var (
	_ interfaces.ChangeRepository = (*Repository)(nil)
	_ interfaces.DeviceRepository = (*Repository)(nil)
)

// NewRepository creates a new ingest repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

// SetMonitoring wraps every repository call with a database span and query timing
func (r *Repository) SetMonitoring(mm *monitoring.MonitoringMiddleware) {
	r.monitor = mm
}

func (r *Repository) observe(ctx context.Context, operation, table string, fn func(context.Context) error) error {
	start := time.Now()
	var err error
	if r.monitor != nil {
		err = r.monitor.DatabaseMiddleware("postgresql", operation, table)(ctx, fn)
	} else {
		err = fn(ctx)
	}
	r.logger.DatabaseOperation(ctx, operation, table, time.Since(start), 0, err)
	return err
}

// ApplyChange applies one pushed change under a row lock. A change whose base
// version does not match the stored version is answered with a conflict carrying
// the stored copy. Applied changes bump the version and append to the change log.
func (r *Repository) ApplyChange(ctx context.Context, deviceID string, change *types.Change) (*types.PushResult, error) {
	result := &types.PushResult{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
	}

	err := r.observe(ctx, "apply_change", "records", func(ctx context.Context) error {
		return r.db.WithTx(ctx, func(tx *sql.Tx) error {
			current, err := lockRecord(ctx, tx, change.EntityType, change.EntityID)
			if err != nil {
				return err
			}

			var version int64
			switch {
			case current == nil && change.Operation == types.OpDelete:
				result.Outcome = types.PushRejected
				result.Message = "record does not exist"
				return nil
			case current == nil:
				version = change.BaseVersion + 1
			case current.Version != change.BaseVersion:
				result.Outcome = types.PushConflict
				result.Version = current.Version
				result.Remote = current
				result.Message = fmt.Sprintf("base version %d is behind %d", change.BaseVersion, current.Version)
				return nil
			case current.Deleted:
				result.Outcome = types.PushRejected
				result.Version = current.Version
				result.Message = "record was deleted"
				return nil
			default:
				version = current.Version + 1
			}

			if err := upsertRecord(ctx, tx, deviceID, change, version); err != nil {
				return err
			}
			if err := lockChangeLog(ctx, tx); err != nil {
				return err
			}
			if _, err := appendChange(ctx, tx, deviceID, change, version); err != nil {
				return err
			}

			result.Outcome = types.PushApplied
			result.Version = version
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s %s: %w", change.EntityType, change.EntityID, err)
	}

	return result, nil
}

func lockRecord(ctx context.Context, tx *sql.Tx, entity types.EntityType, id string) (*types.RemoteRecord, error) {
	query := `
		SELECT payload, version, deleted, updated_at
		FROM records
		WHERE entity_type = $1 AND entity_id = $2
		FOR UPDATE`

	rec := &types.RemoteRecord{EntityType: entity, EntityID: id}
	var payload []byte
	err := tx.QueryRowContext(ctx, query, entity, id).Scan(&payload, &rec.Version, &rec.Deleted, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock record: %w", err)
	}

	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func upsertRecord(ctx context.Context, tx *sql.Tx, deviceID string, change *types.Change, version int64) error {
	query := `
		INSERT INTO records (entity_type, entity_id, payload, version, deleted, origin_device, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			payload = COALESCE(EXCLUDED.payload, records.payload),
			version = EXCLUDED.version,
			deleted = EXCLUDED.deleted,
			origin_device = EXCLUDED.origin_device,
			updated_at = EXCLUDED.updated_at`

	_, err := tx.ExecContext(ctx, query,
		change.EntityType,
		change.EntityID,
		jsonArg(change),
		version,
		change.Operation == types.OpDelete,
		deviceID,
		change.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// changeLogLockKey is the advisory lock serializing change log appends
const changeLogLockKey int64 = 0x6d656472657801

// lockChangeLog holds the change log lock until the transaction ends, so seq
// values become visible in the order they were allocated and a pull cursor
// never skips a row that commits later.
func lockChangeLog(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, changeLogLockKey); err != nil {
		return fmt.Errorf("failed to lock change log: %w", err)
	}
	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, deviceID string, change *types.Change, version int64) (int64, error) {
	query := `
		INSERT INTO change_log (entity_type, entity_id, operation, payload, version, origin_device, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		RETURNING seq`

	var seq int64
	err := tx.QueryRowContext(ctx, query,
		change.EntityType,
		change.EntityID,
		change.Operation,
		jsonArg(change),
		version,
		deviceID,
		change.UpdatedAt.UTC(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append change log: %w", err)
	}
	return seq, nil
}

// jsonArg passes the payload as text so the driver does not send it as bytea
func jsonArg(change *types.Change) interface{} {
	if change.Operation == types.OpDelete || len(change.Payload) == 0 {
		return nil
	}
	return string(change.Payload)
}

// ChangesSince lists change log entries after cursor that did not originate from deviceID
func (r *Repository) ChangesSince(ctx context.Context, deviceID string, cursor int64, limit int) ([]types.RemoteChange, error) {
	query := `
		SELECT seq, entity_type, entity_id, operation, payload, version, origin_device, updated_at
		FROM change_log
		WHERE seq > $1 AND origin_device <> $2
		ORDER BY seq
		LIMIT $3`

	changes := []types.RemoteChange{}
	err := r.observe(ctx, "changes_since", "change_log", func(ctx context.Context) error {
		rows, err := r.db.QueryContext(ctx, query, cursor, deviceID, limit)
		if err != nil {
			return fmt.Errorf("failed to query change log: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var c types.RemoteChange
			var payload []byte
			if err := rows.Scan(&c.Seq, &c.EntityType, &c.EntityID, &c.Operation, &payload, &c.Version, &c.OriginDevice, &c.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan change: %w", err)
			}
			if len(payload) > 0 {
				c.Payload = json.RawMessage(payload)
			}
			c.UpdatedAt = c.UpdatedAt.UTC()
			changes = append(changes, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return changes, nil
}

// CreateDevice registers a device allowed to sync
func (r *Repository) CreateDevice(ctx context.Context, device *types.Device) error {
	query := `
		INSERT INTO devices (id, name, facility, secret_hash, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	return r.observe(ctx, "create_device", "devices", func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx, query,
			device.ID,
			device.Name,
			device.Facility,
			device.SecretHash,
			device.IsActive,
			device.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}

		r.logger.WithComponent("ingest").WithField("device_id", device.ID).Info("Device registered")
		return nil
	})
}

// GetDevice retrieves a device by ID
func (r *Repository) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	query := `
		SELECT id, name, facility, secret_hash, is_active, last_seen_at, created_at
		FROM devices
		WHERE id = $1`

	device := &types.Device{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID,
		&device.Name,
		&device.Facility,
		&device.SecretHash,
		&device.IsActive,
		&lastSeen,
		&device.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		device.LastSeenAt = &t
	}
	return device, nil
}

// TouchDevice records the last time a device talked to the server
func (r *Repository) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	query := `UPDATE devices SET last_seen_at = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, seenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	return nil
}
