package order

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, order_number, customer_id, merchant_id, driver_id,
		       pickup_address, delivery_address, amount, currency, status,
		       accepted_at, picked_up_at, delivered_at, cancelled_at,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, customer_id, merchant_id, driver_id,
			pickup_address, delivery_address, amount, currency, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.OrderNumber, o.CustomerID, nullString(o.MerchantID), nullString(o.DriverID),
		o.PickupAddress, o.DeliveryAddress, o.Amount, o.Currency, string(o.Status),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			merchant_id = $1, driver_id = $2,
			pickup_address = $3, delivery_address = $4, updated_at = $5
		WHERE id = $6 AND deleted_at IS NULL`,
		nullString(o.MerchantID), nullString(o.DriverID),
		o.PickupAddress, o.DeliveryAddress, o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Transition applies a conditional status update. It reports false when
// the order exists but its current status is not in the expected set.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2,
			updated_at = NOW(),
			accepted_at  = CASE WHEN $2 = 'accepted'  THEN NOW() ELSE accepted_at  END,
			picked_up_at = CASE WHEN $2 = 'picked_up' THEN NOW() ELSE picked_up_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN NOW() ELSE delivered_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($3)`,
		id, string(to), pq.Array(statusStrings(from)),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish "wrong status" from "no such order".
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Reject returns an order to pending and clears the given assignments,
// provided it has not progressed past acceptance.
func (p *PostgresStore) Reject(ctx context.Context, id string, clearMerchant, clearDriver bool) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = 'pending',
			merchant_id = CASE WHEN $2 THEN NULL ELSE merchant_id END,
			driver_id   = CASE WHEN $3 THEN NULL ELSE driver_id   END,
			accepted_at = NULL,
			updated_at  = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status IN ('pending', 'confirmed', 'accepted')`,
		id, clearMerchant, clearDriver,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE orders SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE deleted_at IS NULL
		  AND (customer_id = $1 OR merchant_id = $1 OR driver_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders WHERE deleted_at IS NULL
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders WHERE deleted_at IS NULL AND status = $1
			ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		merchantID  sql.NullString
		driverID    sql.NullString
		status      string
		acceptedAt  sql.NullTime
		pickedUpAt  sql.NullTime
		deliveredAt sql.NullTime
		cancelledAt sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &merchantID, &driverID,
		&o.PickupAddress, &o.DeliveryAddress, &o.Amount, &o.Currency, &status,
		&acceptedAt, &pickedUpAt, &deliveredAt, &cancelledAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.MerchantID = merchantID.String
	o.DriverID = driverID.String
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.Time
	}
	if pickedUpAt.Valid {
		o.PickedUpAt = &pickedUpAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
