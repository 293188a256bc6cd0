package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/medrex/referral-sync/pkg/database"
	"github.com/medrex/referral-sync/pkg/encryption"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
	"github.com/medrex/referral-sync/pkg/validation"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// upsertFunc writes a record pulled from the remote store without queueing it
type upsertFunc func(ctx context.Context, q querier, rec types.Record) error

// Store is the on-device record store. Every mutation made through a DAO
// is written together with its sync queue entry in one transaction.
type Store struct {
	db        *database.DB
	enc       *encryption.AESEncryption
	validator *validation.Validator
	logger    *logger.Logger
	now       func() time.Time
	upserts   map[types.EntityType]upsertFunc

	mu           sync.RWMutex
	appliedHooks []func(entity types.EntityType, id string)

	Patients     *PatientDao
	Specialists  *SpecialistDao
	Referrals    *ReferralDao
	Appointments *AppointmentDao
	Payments     *PaymentDao
	Cart         *CartDao
	Queue        *SyncQueue
	Runs         *RunStore
}

// Open opens the SQLite file at path and prepares the local schema
func Open(ctx context.Context, path string, enc *encryption.AESEncryption, log *logger.Logger) (*Store, error) {
	db, err := database.OpenSQLite(ctx, database.SQLiteConfig{Path: path}, log)
	if err != nil {
		return nil, err
	}

	store, err := New(ctx, db, enc, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New creates a store over an opened SQLite database. enc may be nil, in
// which case patient notes are stored as given.
func New(ctx context.Context, db *database.DB, enc *encryption.AESEncryption, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:        db,
		enc:       enc,
		validator: validation.New(),
		logger:    log,
		now:       time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}

	s.Patients = &PatientDao{store: s}
	s.Specialists = &SpecialistDao{store: s}
	s.Referrals = &ReferralDao{store: s}
	s.Appointments = &AppointmentDao{store: s}
	s.Payments = &PaymentDao{store: s}
	s.Cart = &CartDao{store: s}
	s.Queue = &SyncQueue{store: s}
	s.Runs = &RunStore{store: s}

	s.upserts = map[types.EntityType]upsertFunc{
		types.EntityPatient:     s.Patients.upsert,
		types.EntitySpecialist:  s.Specialists.upsert,
		types.EntityReferral:    s.Referrals.upsert,
		types.EntityAppointment: s.Appointments.upsert,
		types.EntityPayment:     s.Payments.upsert,
		types.EntityCartItem:    s.Cart.upsert,
	}

	return s, nil
}

// DB returns the underlying database handle
func (s *Store) DB() *database.DB {
	return s.db
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// write marshals rec, enqueues the change and runs apply in the same
// transaction. apply learns whether the queue entry cancelled out against
// an earlier unsynced create.
func (s *Store) write(ctx context.Context, rec types.Record, op types.SyncOperation, baseVersion int64, apply func(q querier, dropped bool) error) error {
	start := time.Now()

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.writeIn(ctx, tx, rec, op, baseVersion, apply)
	})

	s.logger.DatabaseOperation(ctx, string(op), tableFor(rec.EntityType()), time.Since(start), 1, err)
	return err
}

// writeIn is write inside a transaction the caller owns
func (s *Store) writeIn(ctx context.Context, q querier, rec types.Record, op types.SyncOperation, baseVersion int64, apply func(q querier, dropped bool) error) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", rec.EntityType(), err)
	}
	if err := validation.CheckPayloadSize(payload); err != nil {
		return err
	}

	dropped, err := s.enqueue(ctx, q, rec, op, payload, baseVersion)
	if err != nil {
		return err
	}
	return apply(q, dropped)
}

var entityTables = map[types.EntityType]string{
	types.EntityPatient:     "patients",
	types.EntitySpecialist:  "specialists",
	types.EntityReferral:    "referrals",
	types.EntityAppointment: "appointments",
	types.EntityPayment:     "payments",
	types.EntityCartItem:    "cart_items",
}

func tableFor(entity types.EntityType) string {
	return entityTables[entity]
}

// setRecordVersion stores the version the remote store assigned to a record
func setRecordVersion(ctx context.Context, q querier, entity types.EntityType, id string, version int64) error {
	table := tableFor(entity)
	if table == "" {
		return fmt.Errorf("unknown entity type %q", entity)
	}

	query := fmt.Sprintf("UPDATE %s SET version = ? WHERE id = ? AND version < ?", table)
	if _, err := q.ExecContext(ctx, query, version, id, version); err != nil {
		return fmt.Errorf("failed to set %s version: %w", entity, err)
	}
	return nil
}

// hardDelete removes a record that never reached the remote store
func hardDelete(ctx context.Context, q querier, entity types.EntityType, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", tableFor(entity))
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	return nil
}

// softDelete marks a record deleted so the tombstone can be synchronized
func softDelete(ctx context.Context, q querier, entity types.EntityType, id string, at time.Time) error {
	query := fmt.Sprintf("UPDATE %s SET deleted = 1, updated_at = ? WHERE id = ?", tableFor(entity))
	if _, err := q.ExecContext(ctx, query, toNanos(at), id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	return nil
}

// Timestamps are stored as INTEGER unix nanoseconds, zero meaning unset.

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid || n.Int64 == 0 {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func notFound(err error, entity types.EntityType, id string) error {
	if err == sql.ErrNoRows {
		return types.NewNotFoundError(entity, id)
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}
