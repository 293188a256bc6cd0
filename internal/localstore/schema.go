package localstore

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		createPatientsTable,
		createSpecialistsTable,
		createReferralsTable,
		createAppointmentsTable,
		createPaymentsTable,
		createCartItemsTable,
		createSyncQueueTable,
		createSyncRunsTable,
		createSyncStateTable,
	}
	statements = append(statements, localIndexes...)

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate local store: %w", err)
		}
	}
	return nil
}

// SQL DDL statements for the local store
const (
	createPatientsTable = `
		CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			mrn TEXT NOT NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			date_of_birth TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	createSpecialistsTable = `
		CREATE TABLE IF NOT EXISTS specialists (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			specialty TEXT NOT NULL,
			facility TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			available INTEGER NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	createReferralsTable = `
		CREATE TABLE IF NOT EXISTS referrals (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			specialist_id TEXT NOT NULL,
			referring_doctor TEXT NOT NULL,
			reason TEXT NOT NULL,
			urgency TEXT NOT NULL,
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	createAppointmentsTable = `
		CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			referral_id TEXT NOT NULL,
			patient_id TEXT NOT NULL,
			specialist_id TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			status TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	createPaymentsTable = `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			referral_id TEXT NOT NULL DEFAULT '',
			patient_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			currency TEXT NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	createCartItemsTable = `
		CREATE TABLE IF NOT EXISTS cart_items (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			service_code TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			unit_price INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`

	// updated_at is the time of the last local edit folded into the entry
	createSyncQueueTable = `
		CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB,
			base_version INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`

	createSyncRunsTable = `
		CREATE TABLE IF NOT EXISTS sync_runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			pushed INTEGER NOT NULL DEFAULT 0,
			pulled INTEGER NOT NULL DEFAULT 0,
			conflicts_resolved INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`

	createSyncStateTable = `
		CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`
)

var localIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_patients_name ON patients(last_name, first_name)`,
	`CREATE INDEX IF NOT EXISTS idx_referrals_patient ON referrals(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_referrals_status ON referrals(status)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_start ON appointments(start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_patient ON payments(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_cart_items_patient ON cart_items(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_due ON sync_queue(status, next_attempt_at)`,
	// at most one unfinished queue entry per record
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_open ON sync_queue(entity_type, entity_id) WHERE status != 'completed'`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at)`,
}
