// Package escrow manages custody of order funds.
//
// Flow:
//  1. Payment webhook confirms a charge → escrow created as held
//  2. Order is delivered → payer (or admin) releases to the payee
//  3. Problems → payer/payee dispute, admin refunds
//
// released and refunded are terminal and mutually exclusive; there is no
// path back to held. Held escrows are never hard-deleted.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/idgen"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/traces"
	"github.com/tkaluma/custodia/internal/transaction"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidStatus      = errors.New("invalid escrow status for this operation")
	ErrForbidden          = errors.New("not authorized for this escrow operation")
	ErrActiveEscrowExists = errors.New("an active escrow already exists for this order")
	ErrOrderNotDelivered  = errors.New("order is not delivered yet")
	ErrReasonRequired     = errors.New("a reason is required")
	ErrParticipantMissing = errors.New("payer or payee account not found")
	ErrOrderNotFound      = errors.New("order not found")
)

// Status represents the custody state of an escrow.
type Status string

const (
	StatusHeld     Status = "held"     // Funds in custody
	StatusReleased Status = "released" // Terminal: paid out to the payee
	StatusRefunded Status = "refunded" // Terminal: returned to the payer
	StatusDisputed Status = "disputed" // Frozen pending an admin decision
)

// Escrow represents funds held in custody for one order.
type Escrow struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"orderId"`
	PayerID          string     `json:"payerId"`
	PayeeID          string     `json:"payeeId"`
	Amount           int64      `json:"amount"` // minor units
	Currency         string     `json:"currency"`
	Status           Status     `json:"status"`
	GatewayEscrowRef string     `json:"gatewayEscrowRef,omitempty"`
	TransactionRef   string     `json:"transactionRef,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	DeletedAt        *time.Time `json:"-"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is settled.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrows. CreateActive must enforce at most one active
// (non-deleted) escrow per order, surfacing ErrActiveEscrowExists on a
// duplicate even under concurrent creation.
type Store interface {
	CreateActive(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetActiveByOrder(ctx context.Context, orderID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	Transition(ctx context.Context, id string, to Status, reason string, from ...Status) (bool, error)
	SoftDelete(ctx context.Context, id string) error
	ListByParticipant(ctx context.Context, accountID string, limit int) ([]*Escrow, error)
	List(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error)
}

// OrderInfo is the slice of an order the escrow service needs.
type OrderInfo struct {
	ID         string
	CustomerID string
	Delivered  bool
}

// OrderDirectory resolves orders without importing the order package.
type OrderDirectory interface {
	Lookup(ctx context.Context, orderID string) (*OrderInfo, error)
}

// AccountDirectory resolves participant existence.
type AccountDirectory interface {
	Exists(ctx context.Context, accountID string) (bool, error)
}

// Ledger appends settlement rows to the transaction ledger.
type Ledger interface {
	AppendSettled(ctx context.Context, t *transaction.Transaction) error
}

// PayoutInitiator starts a gateway payout after a release. Optional.
type PayoutInitiator interface {
	InitiatePayout(ctx context.Context, escrow *Escrow, reason string) (reference string, err error)
}

// Notifier broadcasts escrow lifecycle events. Optional, fire-and-forget.
type Notifier interface {
	EscrowEvent(event string, e *Escrow)
}

// Caller identifies the authenticated actor.
type Caller struct {
	AccountID string
	Role      string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == "admin" }

// CreateRequest contains the parameters for placing funds in custody.
type CreateRequest struct {
	OrderID          string `json:"orderId" binding:"required"`
	PayerID          string `json:"payerId" binding:"required"`
	PayeeID          string `json:"payeeId" binding:"required"`
	Amount           int64  `json:"amount" binding:"required"`
	Currency         string `json:"currency"`
	GatewayEscrowRef string `json:"gatewayEscrowRef"`
	TransactionRef   string `json:"transactionRef"`
}

// Service implements escrow business logic.
type Service struct {
	store           Store
	orders          OrderDirectory
	accounts        AccountDirectory
	ledger          Ledger
	payouts         PayoutInitiator
	notifier        Notifier
	recorder        audit.Recorder
	defaultCurrency string
}

// NewService creates a new escrow service.
func NewService(store Store, orders OrderDirectory, accounts AccountDirectory, ledger Ledger, recorder audit.Recorder, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "NGN"
	}
	return &Service{
		store:           store,
		orders:          orders,
		accounts:        accounts,
		ledger:          ledger,
		recorder:        recorder,
		defaultCurrency: defaultCurrency,
	}
}

// WithPayouts adds a gateway payout initiator for releases.
func (s *Service) WithPayouts(p PayoutInitiator) *Service {
	s.payouts = p
	return s
}

// WithNotifier adds a lifecycle event broadcaster.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create places funds in custody for an order. The caller must be an
// admin, the payer, or the order's customer. At most one active escrow
// may exist per order; the store's uniqueness guarantee holds even when
// duplicate webhooks race.
func (s *Service) Create(ctx context.Context, caller Caller, req CreateRequest) (*Escrow, error) {
	if req.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}

	info, err := s.orders.Lookup(ctx, req.OrderID)
	if err != nil {
		return nil, ErrOrderNotFound
	}

	if !caller.IsAdmin() && caller.AccountID != req.PayerID && caller.AccountID != info.CustomerID {
		return nil, ErrForbidden
	}

	for _, accountID := range []string{req.PayerID, req.PayeeID} {
		ok, err := s.accounts.Exists(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrParticipantMissing
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := time.Now()
	e := &Escrow{
		ID:               idgen.WithPrefix("esc_"),
		OrderID:          req.OrderID,
		PayerID:          req.PayerID,
		PayeeID:          req.PayeeID,
		Amount:           req.Amount,
		Currency:         currency,
		Status:           StatusHeld,
		GatewayEscrowRef: req.GatewayEscrowRef,
		TransactionRef:   req.TransactionRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateActive(ctx, e); err != nil {
		return nil, err
	}

	s.record(ctx, e.ID, "escrow.create", "", string(StatusHeld))
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusHeld)).Inc()
	s.notify("escrow.held", e)
	return e, nil
}

// Release settles a held escrow to the payee. Admin or payer only; a
// non-admin payer must wait for delivery. Appends an escrow_release
// ledger row and optionally starts a gateway payout.
func (s *Service) Release(ctx context.Context, id string, caller Caller, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.EscrowID(id))
	defer span.End()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !caller.IsAdmin() && caller.AccountID != e.PayerID {
		return nil, ErrForbidden
	}
	if !caller.IsAdmin() {
		info, err := s.orders.Lookup(ctx, e.OrderID)
		if err != nil {
			return nil, ErrOrderNotFound
		}
		if !info.Delivered {
			return nil, ErrOrderNotDelivered
		}
	}

	applied, err := s.store.Transition(ctx, id, StatusReleased, reason, StatusHeld)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	if err := s.ledger.AppendSettled(ctx, &transaction.Transaction{
		UserID:      e.PayerID,
		RecipientID: e.PayeeID,
		OrderID:     e.OrderID,
		EscrowID:    e.ID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Type:        transaction.TypeEscrowRelease,
	}); err != nil {
		logging.L(ctx).Error("release ledger row failed", "escrow", e.ID, "error", err)
	}

	if s.payouts != nil {
		if ref, err := s.payouts.InitiatePayout(ctx, e, reason); err != nil {
			// The payout is repaired later by reconciliation; the release stands.
			logging.L(ctx).Warn("payout initiation failed", "escrow", e.ID, "error", err)
		} else {
			logging.L(ctx).Info("payout initiated", "escrow", e.ID, "reference", ref)
		}
	}

	s.record(ctx, id, "escrow.release", string(StatusHeld), string(StatusReleased))
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	metrics.EscrowSettlementDuration.Observe(time.Since(e.CreatedAt).Seconds())

	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify("escrow.released", fresh)
	return fresh, nil
}

// Refund returns a held or disputed escrow to the payer. Admin only;
// a reason is mandatory. Appends a refund ledger row.
func (s *Service) Refund(ctx context.Context, id string, caller Caller, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.EscrowID(id))
	defer span.End()

	if reason == "" {
		return nil, ErrReasonRequired
	}
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applied, err := s.store.Transition(ctx, id, StatusRefunded, reason, StatusHeld, StatusDisputed)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	if err := s.ledger.AppendSettled(ctx, &transaction.Transaction{
		UserID:      e.PayerID,
		RecipientID: e.PayerID,
		OrderID:     e.OrderID,
		EscrowID:    e.ID,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Type:        transaction.TypeRefund,
		Metadata: transaction.Metadata{
			Refund: &transaction.RefundProvenance{
				OriginalReference: e.TransactionRef,
				Reason:            reason,
				Actor:             caller.AccountID,
			},
		},
	}); err != nil {
		logging.L(ctx).Error("refund ledger row failed", "escrow", e.ID, "error", err)
	}

	s.record(ctx, id, "escrow.refund", string(e.Status), string(StatusRefunded))
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	metrics.EscrowSettlementDuration.Observe(time.Since(e.CreatedAt).Seconds())

	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify("escrow.refunded", fresh)
	return fresh, nil
}

// Dispute freezes a held escrow. Payer, payee, or admin.
func (s *Service) Dispute(ctx context.Context, id string, caller Caller, reason string) (*Escrow, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.AccountID != e.PayerID && caller.AccountID != e.PayeeID {
		return nil, ErrForbidden
	}

	applied, err := s.store.Transition(ctx, id, StatusDisputed, reason, StatusHeld)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	s.record(ctx, id, "escrow.dispute", string(StatusHeld), string(StatusDisputed))
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()

	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify("escrow.disputed", fresh)
	return fresh, nil
}

// UpdateRequest contains admin-editable escrow fields.
type UpdateRequest struct {
	GatewayEscrowRef string `json:"gatewayEscrowRef"`
	TransactionRef   string `json:"transactionRef"`
}

// Update edits reference fields. Admin only; blocked once terminal.
func (s *Service) Update(ctx context.Context, id string, caller Caller, req UpdateRequest) (*Escrow, error) {
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	if req.GatewayEscrowRef != "" {
		e.GatewayEscrowRef = req.GatewayEscrowRef
	}
	if req.TransactionRef != "" {
		e.TransactionRef = req.TransactionRef
	}
	e.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	s.record(ctx, id, "escrow.update", "", string(e.Status))
	return e, nil
}

// Get returns an escrow. Non-admins see only escrows they participate in.
func (s *Service) Get(ctx context.Context, id string, caller Caller) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.AccountID != e.PayerID && caller.AccountID != e.PayeeID {
		return nil, ErrForbidden
	}
	return e, nil
}

// GetActiveByOrder returns the active escrow for an order, if any.
func (s *Service) GetActiveByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetActiveByOrder(ctx, orderID)
}

// List returns escrows visible to the caller.
func (s *Service) List(ctx context.Context, caller Caller, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	if caller.IsAdmin() {
		return s.store.List(ctx, status, limit)
	}
	return s.store.ListByParticipant(ctx, caller.AccountID, limit)
}

// ListSettled returns released and refunded escrows, for the
// conservation check.
func (s *Service) ListSettled(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.store.ListByStatus(ctx, []Status{StatusReleased, StatusRefunded}, limit)
}

// SoftDelete hides a settled escrow. Held escrows cannot be destroyed.
func (s *Service) SoftDelete(ctx context.Context, id string, caller Caller) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == StatusHeld || e.Status == StatusDisputed {
		return fmt.Errorf("%w: funds still in custody", ErrInvalidStatus)
	}
	if err := s.store.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, id, "escrow.delete", string(e.Status), "")
	return nil
}

func (s *Service) record(ctx context.Context, id, action, before, after string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, audit.Transition(ctx, "escrow", id, action, before, after)); err != nil {
		logging.L(ctx).Warn("audit write failed", "action", action, "escrow", id, "error", err)
	}
}

func (s *Service) notify(event string, e *Escrow) {
	if s.notifier != nil {
		s.notifier.EscrowEvent(event, e)
	}
}
