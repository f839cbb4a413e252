package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/tkaluma/custodia/internal/pagination"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, reference, user_id, order_id, escrow_id, recipient_id,
		       amount, net_amount, currency, type, payment_method,
		       gateway_ref, gateway_tx_id, status, metadata,
		       initiated_at, completed_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, reference, user_id, order_id, escrow_id, recipient_id,
			amount, net_amount, currency, type, payment_method,
			gateway_ref, gateway_tx_id, status, metadata,
			initiated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Reference, t.UserID, nullString(t.OrderID), nullString(t.EscrowID), nullString(t.RecipientID),
		t.Amount, t.NetAmount, t.Currency, string(t.Type), nullString(t.PaymentMethod),
		nullString(t.GatewayRef), nullString(t.GatewayTxID), string(t.Status), metaJSON,
		t.InitiatedAt, nullTime(t.CompletedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE reference = $1`, ref)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// FindRefundByOriginal returns the compensating refund entry written
// for an original reference, if any.
func (p *PostgresStore) FindRefundByOriginal(ctx context.Context, originalRef string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE type = 'refund' AND metadata->'refund'->>'originalReference' = $1
		LIMIT 1`, originalRef)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// Update edits mutable fields only. Amounts and references are fixed at
// insert time.
func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET payment_method = $1, metadata = $2
		WHERE id = $3 AND status NOT IN ('completed', 'refunded')`,
		nullString(t.PaymentMethod), metaJSON, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, t.ID); err != nil {
			return err
		}
		return ErrImmutable
	}
	return nil
}

// Transition applies a conditional status update, stamping completed_at
// when the entry settles.
func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'refunded') AND completed_at IS NULL
					   THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)`,
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
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Complete settles a pending entry, storing gateway identifiers and the
// raw gateway payload in metadata.
func (p *PostgresStore) Complete(ctx context.Context, id, gatewayRef, gatewayTxID string, payload []byte) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = 'completed',
			completed_at = NOW(),
			gateway_ref = COALESCE(NULLIF($2, ''), gateway_ref),
			gateway_tx_id = COALESCE(NULLIF($3, ''), gateway_tx_id),
			metadata = CASE WHEN $4::JSONB IS NOT NULL
					THEN jsonb_set(metadata, '{gateway}', $4::JSONB)
					ELSE metadata END
		WHERE id = $1 AND status = 'pending'`,
		id, gatewayRef, gatewayTxID, nullBytes(payload),
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

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	// Fetch one extra row so the caller can compute has_more.
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE user_id = $1 OR recipient_id = $1
			ORDER BY initiated_at DESC, id DESC
			LIMIT $2`, userID, limit+1)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txColumns+`
			FROM transactions
			WHERE (user_id = $1 OR recipient_id = $1)
			  AND (initiated_at, id) < ($2, $3)
			ORDER BY initiated_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListStuckPending(ctx context.Context, txType Type, olderThan time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status = 'pending' AND type = $1 AND initiated_at < $2
		ORDER BY initiated_at ASC
		LIMIT $3`, string(txType), olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) SumSettledByEscrow(ctx context.Context, escrowID string) (int64, error) {
	var sum sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM transactions
		WHERE escrow_id = $1 AND status = 'completed'
		  AND type IN ('escrow_release', 'refund')`, escrowID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		orderID       sql.NullString
		escrowID      sql.NullString
		recipientID   sql.NullString
		paymentMethod sql.NullString
		gatewayRef    sql.NullString
		gatewayTxID   sql.NullString
		txType        string
		status        string
		metaJSON      []byte
		completedAt   sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.Reference, &t.UserID, &orderID, &escrowID, &recipientID,
		&t.Amount, &t.NetAmount, &t.Currency, &txType, &paymentMethod,
		&gatewayRef, &gatewayTxID, &status, &metaJSON,
		&t.InitiatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = Type(txType)
	t.Status = Status(status)
	t.OrderID = orderID.String
	t.EscrowID = escrowID.String
	t.RecipientID = recipientID.String
	t.PaymentMethod = paymentMethod.String
	t.GatewayRef = gatewayRef.String
	t.GatewayTxID = gatewayTxID.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullBytes returns nil for empty payloads so SQL sees NULL.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
