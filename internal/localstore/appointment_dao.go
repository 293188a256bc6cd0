package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// AppointmentDao persists specialist appointments
type AppointmentDao struct {
	store *Store
}

const appointmentColumns = `id, referral_id, patient_id, specialist_id, start_time, end_time, status,
	location, version, deleted, created_at, updated_at`

// Create stores a new appointment and queues it for sync
func (d *AppointmentDao) Create(ctx context.Context, a *types.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = types.AppointmentScheduled
	}
	now := d.store.clock()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Version, a.Deleted = 0, false

	if err := d.store.validator.Record(a); err != nil {
		return err
	}

	return d.store.write(ctx, a, types.OpCreate, 0, func(q querier, _ bool) error {
		return d.insert(ctx, q, a)
	})
}

func (d *AppointmentDao) insert(ctx context.Context, q querier, a *types.Appointment) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO appointments (`+appointmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appointmentArgs(a)...,
	)
	if err != nil {
		return fmt.Errorf("failed to create appointment: %w", err)
	}
	return nil
}

// Get returns an appointment by ID
func (d *AppointmentDao) Get(ctx context.Context, id string) (*types.Appointment, error) {
	row := d.store.db.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ? AND deleted = 0`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, notFound(err, types.EntityAppointment, id)
	}
	return a, nil
}

// ListByReferral returns the appointments booked for a referral in start order
func (d *AppointmentDao) ListByReferral(ctx context.Context, referralID string) ([]*types.Appointment, error) {
	return d.list(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE referral_id = ? AND deleted = 0 ORDER BY start_time`,
		referralID,
	)
}

// ListUpcoming returns active appointments starting in [from, to)
func (d *AppointmentDao) ListUpcoming(ctx context.Context, from, to time.Time) ([]*types.Appointment, error) {
	return d.list(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE start_time >= ? AND start_time < ? AND deleted = 0 AND status IN (?, ?)
		 ORDER BY start_time`,
		toNanos(from), toNanos(to), types.AppointmentScheduled, types.AppointmentConfirmed,
	)
}

// Overlapping returns active appointments of a specialist that intersect [start, end)
func (d *AppointmentDao) Overlapping(ctx context.Context, specialistID string, start, end time.Time) ([]*types.Appointment, error) {
	return d.list(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE specialist_id = ? AND deleted = 0 AND status IN (?, ?)
		   AND start_time < ? AND end_time > ?
		 ORDER BY start_time`,
		specialistID, types.AppointmentScheduled, types.AppointmentConfirmed, toNanos(end), toNanos(start),
	)
}

func (d *AppointmentDao) list(ctx context.Context, query string, args ...interface{}) ([]*types.Appointment, error) {
	rows, err := d.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	var appointments []*types.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		appointments = append(appointments, a)
	}

	return appointments, rows.Err()
}

// Update stores changes to an appointment and queues them for sync
func (d *AppointmentDao) Update(ctx context.Context, a *types.Appointment) error {
	current, err := d.Get(ctx, a.ID)
	if err != nil {
		return err
	}

	a.CreatedAt = current.CreatedAt
	a.Version = current.Version
	a.Deleted = false
	a.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(a); err != nil {
		return err
	}

	return d.store.write(ctx, a, types.OpUpdate, current.Version, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE appointments SET referral_id = ?, patient_id = ?, specialist_id = ?, start_time = ?,
				end_time = ?, status = ?, location = ?, updated_at = ?
			 WHERE id = ?`,
			a.ReferralID, a.PatientID, a.SpecialistID, toNanos(a.StartTime),
			toNanos(a.EndTime), a.Status, a.Location, toNanos(a.UpdatedAt), a.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update appointment: %w", err)
		}
		return nil
	})
}

// Delete removes an appointment and queues the deletion
func (d *AppointmentDao) Delete(ctx context.Context, id string) error {
	current, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	current.Deleted = true
	current.UpdatedAt = d.store.clock()

	return d.store.write(ctx, current, types.OpDelete, current.Version, func(q querier, dropped bool) error {
		if dropped {
			return hardDelete(ctx, q, types.EntityAppointment, id)
		}
		return softDelete(ctx, q, types.EntityAppointment, id, current.UpdatedAt)
	})
}

func (d *AppointmentDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	a, ok := rec.(*types.Appointment)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO appointments (`+appointmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			referral_id = excluded.referral_id, patient_id = excluded.patient_id,
			specialist_id = excluded.specialist_id, start_time = excluded.start_time,
			end_time = excluded.end_time, status = excluded.status, location = excluded.location,
			version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > appointments.version`,
		appointmentArgs(a)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote appointment: %w", err)
	}
	return nil
}

func scanAppointment(row rowScanner) (*types.Appointment, error) {
	a := &types.Appointment{}
	var start, end, createdAt, updatedAt int64
	err := row.Scan(
		&a.ID, &a.ReferralID, &a.PatientID, &a.SpecialistID, &start, &end, &a.Status,
		&a.Location, &a.Version, &a.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.StartTime, a.EndTime = fromNanos(start), fromNanos(end)
	a.CreatedAt, a.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return a, nil
}

func appointmentArgs(a *types.Appointment) []interface{} {
	return []interface{}{
		a.ID, a.ReferralID, a.PatientID, a.SpecialistID, toNanos(a.StartTime), toNanos(a.EndTime), a.Status,
		a.Location, a.Version, a.Deleted, toNanos(a.CreatedAt), toNanos(a.UpdatedAt),
	}
}
