package localstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// PaymentDao persists payment records. Nothing here talks to a payment gateway.
type PaymentDao struct {
	store *Store
}

const paymentColumns = `id, referral_id, patient_id, amount, currency, method, status, reference,
	version, deleted, created_at, updated_at`

// Create stores a new payment and queues it for sync
func (d *PaymentDao) Create(ctx context.Context, p *types.Payment) error {
	if err := d.prepare(p); err != nil {
		return err
	}
	return d.store.write(ctx, p, types.OpCreate, 0, d.insert(ctx, p))
}

// createIn stores a new payment inside a transaction the caller owns
func (d *PaymentDao) createIn(ctx context.Context, q querier, p *types.Payment) error {
	if err := d.prepare(p); err != nil {
		return err
	}
	return d.store.writeIn(ctx, q, p, types.OpCreate, 0, d.insert(ctx, p))
}

func (d *PaymentDao) prepare(p *types.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = types.PaymentPending
	}
	now := d.store.clock()
	p.CreatedAt, p.UpdatedAt = now, now
	p.Version, p.Deleted = 0, false

	return d.store.validator.Record(p)
}

func (d *PaymentDao) insert(ctx context.Context, p *types.Payment) func(q querier, dropped bool) error {
	return func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			paymentArgs(p)...,
		)
		if err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return nil
	}
}

// Get returns a payment by ID
func (d *PaymentDao) Get(ctx context.Context, id string) (*types.Payment, error) {
	row := d.store.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ? AND deleted = 0`, id)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound(err, types.EntityPayment, id)
	}
	return p, nil
}

// ListByPatient returns a patient's payments, newest first
func (d *PaymentDao) ListByPatient(ctx context.Context, patientID string) ([]*types.Payment, error) {
	rows, err := d.store.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE patient_id = ? AND deleted = 0 ORDER BY created_at DESC`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// UpdateStatus records a new payment status and queues the change
func (d *PaymentDao) UpdateStatus(ctx context.Context, id string, status types.PaymentStatus) (*types.Payment, error) {
	p, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	baseVersion := p.Version
	p.Status = status
	p.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(p); err != nil {
		return nil, err
	}

	err = d.store.write(ctx, p, types.OpUpdate, baseVersion, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE payments SET status = ?, updated_at = ? WHERE id = ?`,
			p.Status, toNanos(p.UpdatedAt), p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (d *PaymentDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	p, ok := rec.(*types.Payment)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			referral_id = excluded.referral_id, patient_id = excluded.patient_id,
			amount = excluded.amount, currency = excluded.currency, method = excluded.method,
			status = excluded.status, reference = excluded.reference,
			version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > payments.version`,
		paymentArgs(p)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote payment: %w", err)
	}
	return nil
}

func scanPayment(row rowScanner) (*types.Payment, error) {
	p := &types.Payment{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&p.ID, &p.ReferralID, &p.PatientID, &p.Amount, &p.Currency, &p.Method, &p.Status, &p.Reference,
		&p.Version, &p.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return p, nil
}

func paymentArgs(p *types.Payment) []interface{} {
	return []interface{}{
		p.ID, p.ReferralID, p.PatientID, p.Amount, p.Currency, p.Method, p.Status, p.Reference,
		p.Version, p.Deleted, toNanos(p.CreatedAt), toNanos(p.UpdatedAt),
	}
}
