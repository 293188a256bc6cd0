package localstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// SpecialistDao persists the specialist directory
type SpecialistDao struct {
	store *Store
}

const specialistColumns = `id, name, specialty, facility, phone, email, available,
	version, deleted, created_at, updated_at`

// Create stores a new specialist and queues it for sync
func (d *SpecialistDao) Create(ctx context.Context, sp *types.Specialist) error {
	if sp.ID == "" {
		sp.ID = uuid.New().String()
	}
	now := d.store.clock()
	sp.CreatedAt, sp.UpdatedAt = now, now
	sp.Version, sp.Deleted = 0, false

	if err := d.store.validator.Record(sp); err != nil {
		return err
	}

	return d.store.write(ctx, sp, types.OpCreate, 0, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO specialists (`+specialistColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			specialistArgs(sp)...,
		)
		if err != nil {
			return fmt.Errorf("failed to create specialist: %w", err)
		}
		return nil
	})
}

// Get returns a specialist by ID
func (d *SpecialistDao) Get(ctx context.Context, id string) (*types.Specialist, error) {
	row := d.store.db.QueryRowContext(ctx,
		`SELECT `+specialistColumns+` FROM specialists WHERE id = ? AND deleted = 0`, id)
	sp, err := scanSpecialist(row)
	if err != nil {
		return nil, notFound(err, types.EntitySpecialist, id)
	}
	return sp, nil
}

// List returns specialists ordered by name, optionally narrowed by specialty and availability
func (d *SpecialistDao) List(ctx context.Context, specialty string, availableOnly bool) ([]*types.Specialist, error) {
	query := `SELECT ` + specialistColumns + ` FROM specialists WHERE deleted = 0`
	args := []interface{}{}

	if specialty != "" {
		query += ` AND specialty = ?`
		args = append(args, specialty)
	}
	if availableOnly {
		query += ` AND available = 1`
	}
	query += ` ORDER BY name`

	rows, err := d.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list specialists: %w", err)
	}
	defer rows.Close()

	var specialists []*types.Specialist
	for rows.Next() {
		sp, err := scanSpecialist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan specialist: %w", err)
		}
		specialists = append(specialists, sp)
	}

	return specialists, rows.Err()
}

// Update stores changes to a specialist and queues them for sync
func (d *SpecialistDao) Update(ctx context.Context, sp *types.Specialist) error {
	current, err := d.Get(ctx, sp.ID)
	if err != nil {
		return err
	}

	sp.CreatedAt = current.CreatedAt
	sp.Version = current.Version
	sp.Deleted = false
	sp.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(sp); err != nil {
		return err
	}

	return d.store.write(ctx, sp, types.OpUpdate, current.Version, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE specialists SET name = ?, specialty = ?, facility = ?, phone = ?, email = ?,
				available = ?, updated_at = ?
			 WHERE id = ?`,
			sp.Name, sp.Specialty, sp.Facility, sp.Phone, sp.Email, sp.Available,
			toNanos(sp.UpdatedAt), sp.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update specialist: %w", err)
		}
		return nil
	})
}

// Delete removes a specialist and queues the deletion
func (d *SpecialistDao) Delete(ctx context.Context, id string) error {
	current, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	current.Deleted = true
	current.UpdatedAt = d.store.clock()

	return d.store.write(ctx, current, types.OpDelete, current.Version, func(q querier, dropped bool) error {
		if dropped {
			return hardDelete(ctx, q, types.EntitySpecialist, id)
		}
		return softDelete(ctx, q, types.EntitySpecialist, id, current.UpdatedAt)
	})
}

func (d *SpecialistDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	sp, ok := rec.(*types.Specialist)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO specialists (`+specialistColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, specialty = excluded.specialty, facility = excluded.facility,
			phone = excluded.phone, email = excluded.email, available = excluded.available,
			version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > specialists.version`,
		specialistArgs(sp)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote specialist: %w", err)
	}
	return nil
}

func scanSpecialist(row rowScanner) (*types.Specialist, error) {
	sp := &types.Specialist{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&sp.ID, &sp.Name, &sp.Specialty, &sp.Facility, &sp.Phone, &sp.Email, &sp.Available,
		&sp.Version, &sp.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sp.CreatedAt, sp.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return sp, nil
}

func specialistArgs(sp *types.Specialist) []interface{} {
	return []interface{}{
		sp.ID, sp.Name, sp.Specialty, sp.Facility, sp.Phone, sp.Email, sp.Available,
		sp.Version, sp.Deleted, toNanos(sp.CreatedAt), toNanos(sp.UpdatedAt),
	}
}
