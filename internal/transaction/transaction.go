// Package transaction implements the append-only money-movement ledger.
//
// Every money movement is one immutable row. Status changes are single
// conditional updates; historical amounts are never mutated. Corrections
// are expressed as new compensating rows (refunds), never edits.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/idgen"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("transaction reference already exists")
	ErrInvalidStatus       = errors.New("invalid transaction status for this operation")
	ErrForbidden           = errors.New("not authorized for this transaction operation")
	ErrImmutable           = errors.New("transaction is settled and can no longer be edited")
	ErrRefundExceedsAmount = errors.New("refund amount exceeds original transaction amount")
	ErrUserNotFound        = errors.New("user not found")
	ErrOrderNotFound       = errors.New("order not found")
)

// Type classifies a money movement.
type Type string

const (
	TypePayment          Type = "payment"
	TypeDeliveryEarnings Type = "delivery_earnings"
	TypeRefund           Type = "refund"
	TypeEscrowRelease    Type = "escrow_release"
	TypeTransferIn       Type = "transfer_in"
	TypeTransferOut      Type = "transfer_out"
)

// referencePrefixes keeps generated references recognizable per type.
var referencePrefixes = map[Type]string{
	TypePayment:          "PAY",
	TypeDeliveryEarnings: "ERN",
	TypeRefund:           "RFD",
	TypeEscrowRelease:    "REL",
	TypeTransferIn:       "TIN",
	TypeTransferOut:      "TRF",
}

// ValidType reports whether t is a known transaction type.
func ValidType(t Type) bool {
	_, ok := referencePrefixes[t]
	return ok
}

// Status represents the settlement state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// RefundProvenance records where a refund row came from.
type RefundProvenance struct {
	OriginalReference string `json:"originalReference"`
	Reason            string `json:"reason"`
	Actor             string `json:"actor,omitempty"`
}

// Metadata carries the known structured attachments plus an opaque bag.
type Metadata struct {
	Gateway json.RawMessage   `json:"gateway,omitempty"` // raw webhook/verify payload
	Refund  *RefundProvenance `json:"refund,omitempty"`
	Extra   map[string]any    `json:"extra,omitempty"`
}

// IsZero reports whether no metadata is attached.
func (m Metadata) IsZero() bool {
	return len(m.Gateway) == 0 && m.Refund == nil && len(m.Extra) == 0
}

// Transaction represents a single ledger entry.
type Transaction struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	UserID        string     `json:"userId"`
	OrderID       string     `json:"orderId,omitempty"`
	EscrowID      string     `json:"escrowId,omitempty"`
	RecipientID   string     `json:"recipientId,omitempty"`
	Amount        int64      `json:"amount"`    // minor units
	NetAmount     int64      `json:"netAmount"` // amount after fees
	Currency      string     `json:"currency"`
	Type          Type       `json:"type"`
	PaymentMethod string     `json:"paymentMethod,omitempty"`
	GatewayRef    string     `json:"gatewayRef,omitempty"`
	GatewayTxID   string     `json:"gatewayTxId,omitempty"`
	Status        Status     `json:"status"`
	Metadata      Metadata   `json:"metadata,omitempty"`
	InitiatedAt   time.Time  `json:"initiatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Settled reports whether the transaction can no longer be edited.
func (t *Transaction) Settled() bool {
	return t.Status == StatusCompleted || t.Status == StatusRefunded
}

// Store persists ledger entries. Create must surface a reference
// collision as ErrDuplicateReference; the database unique constraint is
// the idempotency key.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByReference(ctx context.Context, ref string) (*Transaction, error)
	FindRefundByOriginal(ctx context.Context, originalRef string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	Complete(ctx context.Context, id, gatewayRef, gatewayTxID string, payload []byte) (bool, error)
	ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
	ListStuckPending(ctx context.Context, txType Type, olderThan time.Time, limit int) ([]*Transaction, error)
	SumSettledByEscrow(ctx context.Context, escrowID string) (int64, error)
}

// AccountDirectory resolves participant existence.
type AccountDirectory interface {
	Exists(ctx context.Context, accountID string) (bool, error)
}

// OrderDirectory resolves order existence.
type OrderDirectory interface {
	Exists(ctx context.Context, orderID string) (bool, error)
}

// Notifier broadcasts ledger lifecycle events. Optional, fire-and-forget.
type Notifier interface {
	TransactionEvent(event string, t *Transaction)
}

// CreateRequest contains the parameters for appending a ledger entry.
type CreateRequest struct {
	UserID        string         `json:"userId"`
	OrderID       string         `json:"orderId"`
	RecipientID   string         `json:"recipientId"`
	Amount        int64          `json:"amount" binding:"required"`
	NetAmount     int64          `json:"netAmount"`
	Currency      string         `json:"currency"`
	Type          Type           `json:"type" binding:"required"`
	PaymentMethod string         `json:"paymentMethod"`
	Extra         map[string]any `json:"extra"`
}

// Service implements ledger business logic.
type Service struct {
	store           Store
	accounts        AccountDirectory
	orders          OrderDirectory
	recorder        audit.Recorder
	notifier        Notifier
	defaultCurrency string
}

// NewService creates a new transaction service.
func NewService(store Store, accounts AccountDirectory, orders OrderDirectory, recorder audit.Recorder, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "NGN"
	}
	return &Service{
		store:           store,
		accounts:        accounts,
		orders:          orders,
		recorder:        recorder,
		defaultCurrency: defaultCurrency,
	}
}

// WithNotifier adds a lifecycle event broadcaster.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create appends a new pending ledger entry. The generated reference is
// unique by construction; a collision from a caller-supplied duplicate
// surfaces as ErrDuplicateReference and never overwrites.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if req.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if !ValidType(req.Type) {
		return nil, errors.New("unknown transaction type")
	}

	if req.UserID != "" && s.accounts != nil {
		ok, err := s.accounts.Exists(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUserNotFound
		}
	}
	if req.RecipientID != "" && s.accounts != nil {
		ok, err := s.accounts.Exists(ctx, req.RecipientID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrUserNotFound
		}
	}
	if req.OrderID != "" && s.orders != nil {
		ok, err := s.orders.Exists(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrOrderNotFound
		}
	}

	netAmount := req.NetAmount
	if netAmount <= 0 || netAmount > req.Amount {
		netAmount = req.Amount
	}
	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	t := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		Reference:     idgen.Reference(referencePrefixes[req.Type]),
		UserID:        req.UserID,
		OrderID:       req.OrderID,
		RecipientID:   req.RecipientID,
		Amount:        req.Amount,
		NetAmount:     netAmount,
		Currency:      currency,
		Type:          req.Type,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPending,
		Metadata:      Metadata{Extra: req.Extra},
		InitiatedAt:   time.Now(),
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	s.record(ctx, t.ID, "transaction.create", "", string(StatusPending))
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), string(StatusPending)).Inc()
	s.notify("transaction.pending", t)
	return t, nil
}

// Confirm settles a pending transaction. Anything but pending is
// ErrInvalidStatus: settlement is one-way.
func (s *Service) Confirm(ctx context.Context, id, gatewayRef string) (*Transaction, error) {
	applied, err := s.store.Complete(ctx, id, gatewayRef, "", nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, "transaction.confirm", string(StatusPending), string(StatusCompleted))
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), string(StatusCompleted)).Inc()
	s.notify("transaction.completed", t)
	return t, nil
}

// RefundResult pairs the updated original with the compensating entry.
type RefundResult struct {
	Original *Transaction `json:"original"`
	Refund   *Transaction `json:"refund"`
}

// Refund marks a completed transaction refunded and appends an
// independent compensating entry crediting the counterparty. The
// original amount is never touched.
//
// Refund is idempotent across partial failures: if a previous call
// flipped the status and then failed to write the compensating entry,
// retrying writes the missing row instead of erroring. Only a refunded
// original that already has its compensating row is rejected.
func (s *Service) Refund(ctx context.Context, id string, amount int64, reason, actor string) (*RefundResult, error) {
	original, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > original.Amount {
		return nil, ErrRefundExceedsAmount
	}

	applied, err := s.store.Transition(ctx, id, StatusRefunded, StatusCompleted)
	if err != nil {
		return nil, err
	}
	if !applied {
		fresh, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fresh.Status != StatusRefunded {
			return nil, ErrInvalidStatus
		}
		// Refunded with no compensating row: the earlier call died
		// between the flip and the insert. Fall through and write it.
		if _, err := s.store.FindRefundByOriginal(ctx, fresh.Reference); err == nil {
			return nil, ErrInvalidStatus
		} else if !errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		original = fresh
	}

	// The refund credits the side that paid: for a payment the payer is
	// UserID, so the compensating row flows back to them.
	now := time.Now()
	refund := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		Reference:   idgen.Reference(referencePrefixes[TypeRefund]),
		UserID:      original.UserID,
		OrderID:     original.OrderID,
		EscrowID:    original.EscrowID,
		RecipientID: original.UserID,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    original.Currency,
		Type:        TypeRefund,
		Status:      StatusCompleted,
		Metadata: Metadata{
			Refund: &RefundProvenance{
				OriginalReference: original.Reference,
				Reason:            reason,
				Actor:             actor,
			},
		},
		InitiatedAt: now,
		CompletedAt: &now,
	}
	if err := s.store.Create(ctx, refund); err != nil {
		return nil, err
	}

	original.Status = StatusRefunded
	s.record(ctx, id, "transaction.refund", string(StatusCompleted), string(StatusRefunded))
	metrics.TransactionsTotal.WithLabelValues(string(TypeRefund), string(StatusCompleted)).Inc()
	s.notify("transaction.refunded", original)
	return &RefundResult{Original: original, Refund: refund}, nil
}

// UpdateRequest contains the editable fields of an unsettled transaction.
type UpdateRequest struct {
	PaymentMethod string         `json:"paymentMethod"`
	Extra         map[string]any `json:"extra"`
}

// Update edits an unsettled transaction. Settled rows are immutable.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Settled() {
		return nil, ErrImmutable
	}

	if req.PaymentMethod != "" {
		t.PaymentMethod = req.PaymentMethod
	}
	if req.Extra != nil {
		t.Metadata.Extra = req.Extra
	}

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	s.record(ctx, id, "transaction.update", "", string(t.Status))
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByReference returns a transaction by its unique reference.
func (s *Service) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	return s.store.GetByReference(ctx, ref)
}

// ListByUser returns transactions where the user is payer or recipient,
// newest first, with cursor pagination.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	return s.store.ListByUser(ctx, userID, pagination.ClampLimit(limit), cursor)
}

// CompleteByReference settles a transaction on behalf of the gateway.
// A reference already past pending is a no-op, not an error.
func (s *Service) CompleteByReference(ctx context.Context, ref, gatewayRef, gatewayTxID string, payload []byte) (*Transaction, bool, error) {
	t, err := s.store.GetByReference(ctx, ref)
	if err != nil {
		return nil, false, err
	}

	applied, err := s.store.Complete(ctx, t.ID, gatewayRef, gatewayTxID, payload)
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.record(ctx, t.ID, "transaction.complete", string(StatusPending), string(StatusCompleted))
		metrics.TransactionsTotal.WithLabelValues(string(t.Type), string(StatusCompleted)).Inc()
		t, err = s.store.Get(ctx, t.ID)
		if err != nil {
			return nil, true, err
		}
		s.notify("transaction.completed", t)
	}
	return t, applied, nil
}

// MarkByReference applies a conditional status change by reference.
// Used for transfer webhook events. No-op when preconditions miss.
func (s *Service) MarkByReference(ctx context.Context, ref string, to Status, from ...Status) (*Transaction, bool, error) {
	t, err := s.store.GetByReference(ctx, ref)
	if err != nil {
		return nil, false, err
	}

	applied, err := s.store.Transition(ctx, t.ID, to, from...)
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.record(ctx, t.ID, "transaction."+string(to), string(t.Status), string(to))
		metrics.TransactionsTotal.WithLabelValues(string(t.Type), string(to)).Inc()
		t, err = s.store.Get(ctx, t.ID)
		if err != nil {
			return nil, true, err
		}
		s.notify("transaction."+string(to), t)
	}
	return t, applied, nil
}

// AppendSettled writes an already-settled entry (escrow release and
// earnings rows created during settlement).
func (s *Service) AppendSettled(ctx context.Context, t *Transaction) error {
	now := time.Now()
	if t.ID == "" {
		t.ID = idgen.WithPrefix("txn_")
	}
	if t.Reference == "" {
		t.Reference = idgen.Reference(referencePrefixes[t.Type])
	}
	if t.Currency == "" {
		t.Currency = s.defaultCurrency
	}
	if t.NetAmount == 0 {
		t.NetAmount = t.Amount
	}
	t.Status = StatusCompleted
	t.InitiatedAt = now
	t.CompletedAt = &now

	if err := s.store.Create(ctx, t); err != nil {
		return err
	}
	s.record(ctx, t.ID, "transaction.append", "", string(StatusCompleted))
	metrics.TransactionsTotal.WithLabelValues(string(t.Type), string(StatusCompleted)).Inc()
	return nil
}

// ListStuckPending returns pending entries older than the cutoff, for
// the reconciliation sweeper.
func (s *Service) ListStuckPending(ctx context.Context, txType Type, olderThan time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListStuckPending(ctx, txType, olderThan, limit)
}

// SumSettledByEscrow sums completed settlement rows linked to an escrow.
func (s *Service) SumSettledByEscrow(ctx context.Context, escrowID string) (int64, error) {
	return s.store.SumSettledByEscrow(ctx, escrowID)
}

func (s *Service) record(ctx context.Context, id, action, before, after string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, audit.Transition(ctx, "transaction", id, action, before, after)); err != nil {
		logging.L(ctx).Warn("audit write failed", "action", action, "transaction", id, "error", err)
	}
}

func (s *Service) notify(event string, t *Transaction) {
	if s.notifier != nil {
		s.notifier.TransactionEvent(event, t)
	}
}
