package localstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
	"github.com/medrex/referral-sync/pkg/validation"
)

// ReferralDao persists referrals and enforces their status lifecycle
type ReferralDao struct {
	store *Store
}

const referralColumns = `id, patient_id, specialist_id, referring_doctor, reason, urgency, status,
	notes, version, deleted, created_at, updated_at`

// Create stores a new referral and queues it for sync. A referral without a status starts as draft.
func (d *ReferralDao) Create(ctx context.Context, r *types.Referral) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = types.ReferralDraft
	}
	now := d.store.clock()
	r.CreatedAt, r.UpdatedAt = now, now
	r.Version, r.Deleted = 0, false

	if err := d.store.validator.Record(r); err != nil {
		return err
	}

	return d.store.write(ctx, r, types.OpCreate, 0, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO referrals (`+referralColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			referralArgs(r)...,
		)
		if err != nil {
			return fmt.Errorf("failed to create referral: %w", err)
		}
		return nil
	})
}

// Get returns a referral by ID
func (d *ReferralDao) Get(ctx context.Context, id string) (*types.Referral, error) {
	row := d.store.db.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE id = ? AND deleted = 0`, id)
	r, err := scanReferral(row)
	if err != nil {
		return nil, notFound(err, types.EntityReferral, id)
	}
	return r, nil
}

// List returns referrals matching filters, newest first
func (d *ReferralDao) List(ctx context.Context, filters types.ReferralFilters) ([]*types.Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE deleted = 0`
	args := []interface{}{}

	if filters.PatientID != "" {
		query += ` AND patient_id = ?`
		args = append(args, filters.PatientID)
	}
	if filters.SpecialistID != "" {
		query += ` AND specialist_id = ?`
		args = append(args, filters.SpecialistID)
	}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, filters.Status)
	}

	query += ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filters.Limit, filters.Offset)
	}

	rows, err := d.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrals: %w", err)
	}
	defer rows.Close()

	var referrals []*types.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}
		referrals = append(referrals, r)
	}

	return referrals, rows.Err()
}

// Update stores changes to a referral. A status change must follow the referral lifecycle.
func (d *ReferralDao) Update(ctx context.Context, r *types.Referral) error {
	current, err := d.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := validation.CheckReferralTransition(current.Status, r.Status); err != nil {
		return err
	}

	r.CreatedAt = current.CreatedAt
	r.Version = current.Version
	r.Deleted = false
	r.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(r); err != nil {
		return err
	}

	return d.store.write(ctx, r, types.OpUpdate, current.Version, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE referrals SET patient_id = ?, specialist_id = ?, referring_doctor = ?, reason = ?,
				urgency = ?, status = ?, notes = ?, updated_at = ?
			 WHERE id = ?`,
			r.PatientID, r.SpecialistID, r.ReferringDoctor, r.Reason,
			r.Urgency, r.Status, r.Notes, toNanos(r.UpdatedAt), r.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update referral: %w", err)
		}
		return nil
	})
}

// UpdateStatus moves a referral to status and returns the updated referral
func (d *ReferralDao) UpdateStatus(ctx context.Context, id string, status types.ReferralStatus) (*types.Referral, error) {
	r, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	r.Status = status
	if err := d.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes a referral and queues the deletion
func (d *ReferralDao) Delete(ctx context.Context, id string) error {
	current, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	current.Deleted = true
	current.UpdatedAt = d.store.clock()

	return d.store.write(ctx, current, types.OpDelete, current.Version, func(q querier, dropped bool) error {
		if dropped {
			return hardDelete(ctx, q, types.EntityReferral, id)
		}
		return softDelete(ctx, q, types.EntityReferral, id, current.UpdatedAt)
	})
}

func (d *ReferralDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	r, ok := rec.(*types.Referral)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO referrals (`+referralColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id, specialist_id = excluded.specialist_id,
			referring_doctor = excluded.referring_doctor, reason = excluded.reason,
			urgency = excluded.urgency, status = excluded.status, notes = excluded.notes,
			version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > referrals.version`,
		referralArgs(r)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote referral: %w", err)
	}
	return nil
}

func scanReferral(row rowScanner) (*types.Referral, error) {
	r := &types.Referral{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&r.ID, &r.PatientID, &r.SpecialistID, &r.ReferringDoctor, &r.Reason, &r.Urgency, &r.Status,
		&r.Notes, &r.Version, &r.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt, r.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return r, nil
}

func referralArgs(r *types.Referral) []interface{} {
	return []interface{}{
		r.ID, r.PatientID, r.SpecialistID, r.ReferringDoctor, r.Reason, r.Urgency, r.Status,
		r.Notes, r.Version, r.Deleted, toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	}
}
