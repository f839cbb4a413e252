package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrows in PostgreSQL. The partial unique index
// on escrows(order_id) WHERE deleted_at IS NULL enforces at most one
// active escrow per order even under concurrent inserts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_id, payer_id, payee_id, amount, currency, status,
		       gateway_escrow_ref, transaction_ref, dispute_reason,
		       released_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) CreateActive(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, payer_id, payee_id, amount, currency, status,
			gateway_escrow_ref, transaction_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.OrderID, e.PayerID, e.PayeeID, e.Amount, e.Currency, string(e.Status),
		nullString(e.GatewayEscrowRef), nullString(e.TransactionRef),
		e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrActiveEscrowExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1 AND deleted_at IS NULL`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1 AND deleted_at IS NULL`, orderID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			gateway_escrow_ref = $1, transaction_ref = $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL`,
		nullString(e.GatewayEscrowRef), nullString(e.TransactionRef), e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// Transition applies a conditional status update, stamping released_at
// or cancelled_at for terminal transitions and recording the reason for
// disputes and refunds.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, reason string, from ...Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $2,
			updated_at = NOW(),
			released_at  = CASE WHEN $2 = 'released' THEN NOW() ELSE released_at  END,
			cancelled_at = CASE WHEN $2 = 'refunded' THEN NOW() ELSE cancelled_at END,
			dispute_reason = CASE WHEN $4 <> '' THEN $4 ELSE dispute_reason END
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($3)`,
		id, string(to), pq.Array(statusStrings(from)), reason,
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

	// Distinguish "wrong status" from "no such escrow".
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) SoftDelete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		  AND status IN ('released', 'refunded')`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, accountID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE deleted_at IS NULL AND (payer_id = $1 OR payee_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows WHERE deleted_at IS NULL
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows WHERE deleted_at IS NULL AND status = $1
			ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE deleted_at IS NULL AND status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`, pq.Array(statusStrings(statuses)), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status           string
		gatewayEscrowRef sql.NullString
		transactionRef   sql.NullString
		disputeReason    sql.NullString
		releasedAt       sql.NullTime
		cancelledAt      sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.PayerID, &e.PayeeID, &e.Amount, &e.Currency, &status,
		&gatewayEscrowRef, &transactionRef, &disputeReason,
		&releasedAt, &cancelledAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.GatewayEscrowRef = gatewayEscrowRef.String
	e.TransactionRef = transactionRef.String
	e.DisputeReason = disputeReason.String
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if cancelledAt.Valid {
		e.CancelledAt = &cancelledAt.Time
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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
