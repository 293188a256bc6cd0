package localstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// PatientDao persists patients. Notes are encrypted before they are stored
// or queued, so the remote store only ever sees ciphertext.
type PatientDao struct {
	store *Store
}

const patientColumns = `id, mrn, first_name, last_name, date_of_birth, gender, phone, email,
	notes, version, deleted, created_at, updated_at`

// Create stores a new patient and queues it for sync
func (d *PatientDao) Create(ctx context.Context, p *types.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := d.store.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Version, p.Deleted = 0, false

	if err := d.store.validator.Record(p); err != nil {
		return err
	}

	stored, err := d.sealed(p)
	if err != nil {
		return err
	}

	return d.store.write(ctx, stored, types.OpCreate, 0, func(q querier, _ bool) error {
		return d.insert(ctx, q, stored)
	})
}

// Get returns a patient by ID with notes decrypted
func (d *PatientDao) Get(ctx context.Context, id string) (*types.Patient, error) {
	p, err := d.get(ctx, d.store.db, id)
	if err != nil {
		return nil, err
	}
	return d.opened(p)
}

// List returns patients ordered by name. search matches name or MRN.
func (d *PatientDao) List(ctx context.Context, search string, limit, offset int) ([]*types.Patient, error) {
	query := `SELECT ` + patientColumns + ` FROM patients WHERE deleted = 0`
	args := []interface{}{}

	if search = strings.TrimSpace(search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query += ` AND (lower(first_name) LIKE ? OR lower(last_name) LIKE ? OR lower(mrn) LIKE ?)`
		args = append(args, like, like, like)
	}

	query += ` ORDER BY last_name, first_name`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := d.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	var patients []*types.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		if p, err = d.opened(p); err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}

	return patients, rows.Err()
}

// Update stores changes to an existing patient and queues them for sync
func (d *PatientDao) Update(ctx context.Context, p *types.Patient) error {
	current, err := d.get(ctx, d.store.db, p.ID)
	if err != nil {
		return err
	}

	p.CreatedAt = current.CreatedAt
	p.Version = current.Version
	p.Deleted = false
	p.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(p); err != nil {
		return err
	}

	stored, err := d.sealed(p)
	if err != nil {
		return err
	}

	return d.store.write(ctx, stored, types.OpUpdate, current.Version, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE patients SET mrn = ?, first_name = ?, last_name = ?, date_of_birth = ?, gender = ?,
				phone = ?, email = ?, notes = ?, updated_at = ?
			 WHERE id = ?`,
			stored.MRN, stored.FirstName, stored.LastName, stored.DateOfBirth, stored.Gender,
			stored.Phone, stored.Email, stored.Notes, toNanos(stored.UpdatedAt), stored.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update patient: %w", err)
		}
		return nil
	})
}

// Delete removes a patient and queues the deletion
func (d *PatientDao) Delete(ctx context.Context, id string) error {
	current, err := d.get(ctx, d.store.db, id)
	if err != nil {
		return err
	}

	current.Deleted = true
	current.UpdatedAt = d.store.clock()

	return d.store.write(ctx, current, types.OpDelete, current.Version, func(q querier, dropped bool) error {
		if dropped {
			return hardDelete(ctx, q, types.EntityPatient, id)
		}
		return softDelete(ctx, q, types.EntityPatient, id, current.UpdatedAt)
	})
}

func (d *PatientDao) get(ctx context.Context, q querier, id string) (*types.Patient, error) {
	row := q.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ? AND deleted = 0`, id)
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFound(err, types.EntityPatient, id)
	}
	return p, nil
}

func (d *PatientDao) insert(ctx context.Context, q querier, p *types.Patient) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		patientArgs(p)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

func (d *PatientDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	p, ok := rec.(*types.Patient)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			mrn = excluded.mrn, first_name = excluded.first_name, last_name = excluded.last_name,
			date_of_birth = excluded.date_of_birth, gender = excluded.gender, phone = excluded.phone,
			email = excluded.email, notes = excluded.notes, version = excluded.version,
			deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > patients.version`,
		patientArgs(p)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote patient: %w", err)
	}
	return nil
}

// sealed returns a copy of p with notes encrypted
func (d *PatientDao) sealed(p *types.Patient) (*types.Patient, error) {
	stored := *p
	if d.store.enc == nil {
		return &stored, nil
	}

	notes, err := d.store.enc.EncryptString(p.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt patient notes: %w", err)
	}
	stored.Notes = notes
	return &stored, nil
}

// opened decrypts the notes of a stored patient in place
func (d *PatientDao) opened(p *types.Patient) (*types.Patient, error) {
	if d.store.enc == nil {
		return p, nil
	}

	notes, err := d.store.enc.DecryptString(p.Notes)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt notes of patient %s: %w", p.ID, err)
	}
	p.Notes = notes
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (*types.Patient, error) {
	p := &types.Patient{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Gender, &p.Phone, &p.Email,
		&p.Notes, &p.Version, &p.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return p, nil
}

func patientArgs(p *types.Patient) []interface{} {
	return []interface{}{
		p.ID, p.MRN, p.FirstName, p.LastName, p.DateOfBirth, p.Gender, p.Phone, p.Email,
		p.Notes, p.Version, p.Deleted, toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	}
}
