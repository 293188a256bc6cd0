package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// CartDao persists the per-patient checkout cart
type CartDao struct {
	store *Store
}

const cartColumns = `id, patient_id, service_code, description, unit_price, quantity,
	version, deleted, created_at, updated_at`

// Add stores a new cart item and queues it for sync
func (d *CartDao) Add(ctx context.Context, item *types.CartItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := d.store.clock()
	item.CreatedAt, item.UpdatedAt = now, now
	item.Version, item.Deleted = 0, false

	if err := d.store.validator.Record(item); err != nil {
		return err
	}

	return d.store.write(ctx, item, types.OpCreate, 0, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO cart_items (`+cartColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cartArgs(item)...,
		)
		if err != nil {
			return fmt.Errorf("failed to add cart item: %w", err)
		}
		return nil
	})
}

// Get returns a cart item by ID
func (d *CartDao) Get(ctx context.Context, id string) (*types.CartItem, error) {
	row := d.store.db.QueryRowContext(ctx,
		`SELECT `+cartColumns+` FROM cart_items WHERE id = ? AND deleted = 0`, id)
	item, err := scanCartItem(row)
	if err != nil {
		return nil, notFound(err, types.EntityCartItem, id)
	}
	return item, nil
}

// ListByPatient returns the cart of a patient in insertion order
func (d *CartDao) ListByPatient(ctx context.Context, patientID string) ([]*types.CartItem, error) {
	return d.listIn(ctx, d.store.db, patientID)
}

func (d *CartDao) listIn(ctx context.Context, q querier, patientID string) ([]*types.CartItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+cartColumns+` FROM cart_items
		 WHERE patient_id = ? AND deleted = 0 ORDER BY created_at`,
		patientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}
	defer rows.Close()

	var items []*types.CartItem
	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cart item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Total returns the sum of subtotals in a patient's cart, in minor units
func (d *CartDao) Total(ctx context.Context, patientID string) (int64, error) {
	var total sql.NullInt64
	err := d.store.db.QueryRowContext(ctx,
		`SELECT SUM(unit_price * quantity) FROM cart_items WHERE patient_id = ? AND deleted = 0`,
		patientID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total cart: %w", err)
	}
	return total.Int64, nil
}

// SetQuantity changes the quantity of a cart item and queues the change
func (d *CartDao) SetQuantity(ctx context.Context, id string, quantity int) (*types.CartItem, error) {
	item, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	baseVersion := item.Version
	item.Quantity = quantity
	item.UpdatedAt = d.store.clock()

	if err := d.store.validator.Record(item); err != nil {
		return nil, err
	}

	err = d.store.write(ctx, item, types.OpUpdate, baseVersion, func(q querier, _ bool) error {
		_, err := q.ExecContext(ctx,
			`UPDATE cart_items SET quantity = ?, updated_at = ? WHERE id = ?`,
			item.Quantity, toNanos(item.UpdatedAt), item.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update cart item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Remove deletes a cart item and queues the deletion
func (d *CartDao) Remove(ctx context.Context, id string) error {
	item, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	item.Deleted = true
	item.UpdatedAt = d.store.clock()

	return d.store.write(ctx, item, types.OpDelete, item.Version, d.remove(ctx, item))
}

func (d *CartDao) remove(ctx context.Context, item *types.CartItem) func(q querier, dropped bool) error {
	return func(q querier, dropped bool) error {
		if dropped {
			return hardDelete(ctx, q, types.EntityCartItem, item.ID)
		}
		return softDelete(ctx, q, types.EntityCartItem, item.ID, item.UpdatedAt)
	}
}

// Clear removes every item in a patient's cart and returns how many were removed
func (d *CartDao) Clear(ctx context.Context, patientID string) (int, error) {
	items, err := d.ListByPatient(ctx, patientID)
	if err != nil {
		return 0, err
	}

	for i, item := range items {
		if err := d.Remove(ctx, item.ID); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// Checkout empties a patient's cart and stores p for the cart total in one
// transaction. Either both land, with their queue entries, or neither does.
func (d *CartDao) Checkout(ctx context.Context, p *types.Payment) (int, error) {
	start := time.Now()
	removed := 0

	err := d.store.db.WithTx(ctx, func(tx *sql.Tx) error {
		items, err := d.listIn(ctx, tx, p.PatientID)
		if err != nil {
			return err
		}

		var total int64
		for _, item := range items {
			total += item.Subtotal()
		}
		if total == 0 {
			return types.NewValidationError(types.ErrCodeInvalidInput, "cart is empty", nil)
		}

		now := d.store.clock()
		for _, item := range items {
			item.Deleted = true
			item.UpdatedAt = now
			if err := d.store.writeIn(ctx, tx, item, types.OpDelete, item.Version, d.remove(ctx, item)); err != nil {
				return err
			}
		}

		p.Amount = total
		if err := d.store.Payments.createIn(ctx, tx, p); err != nil {
			return err
		}
		removed = len(items)
		return nil
	})

	d.store.logger.DatabaseOperation(ctx, "checkout", "cart_items", time.Since(start), int64(removed), err)
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (d *CartDao) upsert(ctx context.Context, q querier, rec types.Record) error {
	item, ok := rec.(*types.CartItem)
	if !ok {
		return fmt.Errorf("unexpected record type %T", rec)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO cart_items (`+cartColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id, service_code = excluded.service_code,
			description = excluded.description, unit_price = excluded.unit_price,
			quantity = excluded.quantity, version = excluded.version,
			deleted = excluded.deleted, updated_at = excluded.updated_at
		 WHERE excluded.version > cart_items.version`,
		cartArgs(item)...,
	)
	if err != nil {
		return fmt.Errorf("failed to apply remote cart item: %w", err)
	}
	return nil
}

func scanCartItem(row rowScanner) (*types.CartItem, error) {
	item := &types.CartItem{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&item.ID, &item.PatientID, &item.ServiceCode, &item.Description, &item.UnitPrice, &item.Quantity,
		&item.Version, &item.Deleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.CreatedAt, item.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	return item, nil
}

func cartArgs(item *types.CartItem) []interface{} {
	return []interface{}{
		item.ID, item.PatientID, item.ServiceCode, item.Description, item.UnitPrice, item.Quantity,
		item.Version, item.Deleted, toNanos(item.CreatedAt), toNanos(item.UpdatedAt),
	}
}
