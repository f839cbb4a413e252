// Package order implements the marketplace order state machine.
//
// Lifecycle:
//
//	pending → confirmed → accepted → picked_up → in_transit → delivered
//
// cancelled is reachable from any non-terminal state. delivered and
// cancelled are terminal. Payment confirmation (pending → confirmed) is
// driven by the gateway webhook, never by the customer directly.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/idgen"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidStatus = errors.New("invalid order status for this operation")
	ErrForbidden     = errors.New("not authorized for this order operation")
	ErrNotAssigned   = errors.New("caller is not assigned to this order")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending   Status = "pending"    // Created, awaiting payment
	StatusConfirmed Status = "confirmed"  // Payment confirmed by the gateway
	StatusAccepted  Status = "accepted"   // Accepted by merchant or driver
	StatusPickedUp  Status = "picked_up"  // Driver collected the goods
	StatusInTransit Status = "in_transit" // On the way to the customer
	StatusDelivered Status = "delivered"  // Terminal: handed over
	StatusCancelled Status = "cancelled"  // Terminal: abandoned before delivery
)

// nonTerminal lists every status a cancellation may start from.
var nonTerminal = []Status{StatusPending, StatusConfirmed, StatusAccepted, StatusPickedUp, StatusInTransit}

// Order represents a marketplace order.
type Order struct {
	ID              string     `json:"id"`
	OrderNumber     string     `json:"orderNumber"`
	CustomerID      string     `json:"customerId"`
	MerchantID      string     `json:"merchantId,omitempty"`
	DriverID        string     `json:"driverId,omitempty"`
	PickupAddress   string     `json:"pickupAddress"`
	DeliveryAddress string     `json:"deliveryAddress"`
	Amount          int64      `json:"amount"` // minor units
	Currency        string     `json:"currency"`
	Status          Status     `json:"status"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	PickedUpAt      *time.Time `json:"pickedUpAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	DeletedAt       *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusDelivered || o.Status == StatusCancelled
}

// Store persists orders. Transition and Reject are single conditional
// updates: they apply only when the current status matches, and report
// whether a row changed.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	Reject(ctx context.Context, id string, clearMerchant, clearDriver bool) (bool, error)
	SoftDelete(ctx context.Context, id string) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error)
	List(ctx context.Context, status Status, limit int) ([]*Order, error)
}

// Notifier broadcasts order lifecycle events. Optional, fire-and-forget.
type Notifier interface {
	OrderEvent(event string, o *Order)
}

// Caller identifies the authenticated actor for authorization checks.
type Caller struct {
	AccountID string
	Role      string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool { return c.Role == "admin" }

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	PickupAddress   string `json:"pickupAddress" binding:"required"`
	DeliveryAddress string `json:"deliveryAddress" binding:"required"`
	Amount          int64  `json:"amount" binding:"required"`
	Currency        string `json:"currency"`
	MerchantID      string `json:"merchantId"`
}

// UpdateRequest contains editable order fields. Assignment changes are
// admin-only; addresses may be edited by the customer while pending.
type UpdateRequest struct {
	PickupAddress   string `json:"pickupAddress"`
	DeliveryAddress string `json:"deliveryAddress"`
	MerchantID      string `json:"merchantId"`
	DriverID        string `json:"driverId"`
}

// Service implements the order state machine.
type Service struct {
	store           Store
	recorder        audit.Recorder
	notifier        Notifier
	defaultCurrency string
}

// NewService creates a new order service.
func NewService(store Store, recorder audit.Recorder, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = "NGN"
	}
	return &Service{store: store, recorder: recorder, defaultCurrency: defaultCurrency}
}

// WithNotifier adds a lifecycle event broadcaster.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create creates a new pending order for the customer.
func (s *Service) Create(ctx context.Context, customerID string, req CreateRequest) (*Order, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidStatus)
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := time.Now()
	o := &Order{
		ID:              idgen.WithPrefix("ord_"),
		OrderNumber:     idgen.OrderNumber(),
		CustomerID:      customerID,
		MerchantID:      req.MerchantID,
		PickupAddress:   req.PickupAddress,
		DeliveryAddress: req.DeliveryAddress,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	s.record(ctx, o.ID, "order.create", "", string(StatusPending))
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return o, nil
}

// Get returns an order, hiding soft-deleted rows. Non-admin callers may
// only see orders they participate in.
func (s *Service) Get(ctx context.Context, id string, caller Caller) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && !participates(o, caller.AccountID) {
		return nil, ErrForbidden
	}
	return o, nil
}

// Update applies field edits. Admins may reassign merchant and driver;
// the customer may edit addresses while the order is still pending.
func (s *Service) Update(ctx context.Context, id string, caller Caller, req UpdateRequest) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case caller.IsAdmin():
		if req.MerchantID != "" {
			o.MerchantID = req.MerchantID
		}
		if req.DriverID != "" {
			o.DriverID = req.DriverID
		}
		if req.PickupAddress != "" {
			o.PickupAddress = req.PickupAddress
		}
		if req.DeliveryAddress != "" {
			o.DeliveryAddress = req.DeliveryAddress
		}
	case caller.AccountID == o.CustomerID:
		if req.MerchantID != "" || req.DriverID != "" {
			return nil, ErrForbidden
		}
		if o.Status != StatusPending {
			return nil, ErrInvalidStatus
		}
		if req.PickupAddress != "" {
			o.PickupAddress = req.PickupAddress
		}
		if req.DeliveryAddress != "" {
			o.DeliveryAddress = req.DeliveryAddress
		}
	default:
		return nil, ErrForbidden
	}

	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	s.record(ctx, o.ID, "order.update", "", string(o.Status))
	return o, nil
}

// Accept moves an order to accepted. The caller must be the assigned
// merchant, the assigned driver, or an admin.
func (s *Service) Accept(ctx context.Context, id string, caller Caller) (*Order, error) {
	return s.userTransition(ctx, id, caller, assignedParty, StatusAccepted, StatusPending, StatusConfirmed)
}

// Pickup moves an order to picked_up. Assigned driver or admin only.
func (s *Service) Pickup(ctx context.Context, id string, caller Caller) (*Order, error) {
	return s.userTransition(ctx, id, caller, assignedDriver, StatusPickedUp, StatusAccepted)
}

// Transit moves an order to in_transit. Assigned driver or admin only.
func (s *Service) Transit(ctx context.Context, id string, caller Caller) (*Order, error) {
	return s.userTransition(ctx, id, caller, assignedDriver, StatusInTransit, StatusPickedUp)
}

// Deliver moves an order to delivered. Assigned driver or admin only.
func (s *Service) Deliver(ctx context.Context, id string, caller Caller) (*Order, error) {
	return s.userTransition(ctx, id, caller, assignedDriver, StatusDelivered, StatusPickedUp, StatusInTransit)
}

// Cancel abandons an order from any non-terminal state. Customer or admin only.
func (s *Service) Cancel(ctx context.Context, id string, caller Caller) (*Order, error) {
	return s.userTransition(ctx, id, caller, orderCustomer, StatusCancelled, nonTerminal...)
}

// Reject clears the rejecting party's assignment and returns the order
// to pending so it can be reassigned.
func (s *Service) Reject(ctx context.Context, id string, caller Caller) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	clearMerchant := caller.AccountID == o.MerchantID
	clearDriver := caller.AccountID == o.DriverID
	if !clearMerchant && !clearDriver && !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	if caller.IsAdmin() && !clearMerchant && !clearDriver {
		// Admin reject clears both assignments.
		clearMerchant, clearDriver = true, true
	}

	applied, err := s.store.Reject(ctx, id, clearMerchant, clearDriver)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	s.record(ctx, id, "order.reject", string(o.Status), string(StatusPending))
	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusPending)).Inc()
	return s.store.Get(ctx, id)
}

// MarkConfirmed advances pending → confirmed on behalf of the payment
// webhook. A repeat delivery finds no pending row and is a no-op.
func (s *Service) MarkConfirmed(ctx context.Context, id string) (bool, error) {
	applied, err := s.store.Transition(ctx, id, StatusConfirmed, StatusPending)
	if err != nil {
		return false, err
	}
	if applied {
		s.record(ctx, id, "order.confirm", string(StatusPending), string(StatusConfirmed))
		metrics.OrderTransitionsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
		if o, err := s.store.Get(ctx, id); err == nil {
			s.notify("order.confirmed", o)
		}
	}
	return applied, nil
}

// MarkCancelled cancels an order on behalf of a failed payment. No-op
// when the order already left the cancellable states.
func (s *Service) MarkCancelled(ctx context.Context, id string) (bool, error) {
	applied, err := s.store.Transition(ctx, id, StatusCancelled, nonTerminal...)
	if err != nil {
		return false, err
	}
	if applied {
		s.record(ctx, id, "order.cancel", "", string(StatusCancelled))
		metrics.OrderTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		if o, err := s.store.Get(ctx, id); err == nil {
			s.notify("order.cancelled", o)
		}
	}
	return applied, nil
}

// Snapshot returns an order without an authorization check. For
// internal wiring such as escrow lookups and webhook reconciliation,
// never for handlers.
func (s *Service) Snapshot(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// SoftDelete hides an order everywhere. Admin only; enforced by routing.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	if err := s.store.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, id, "order.delete", "", "")
	return nil
}

// ListByAccount returns orders the account participates in.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// List returns orders filtered by status. Admin only; enforced by routing.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// authzFunc checks whether the caller may drive a transition on the order.
type authzFunc func(o *Order, caller Caller) bool

func assignedParty(o *Order, caller Caller) bool {
	return caller.AccountID == o.MerchantID || caller.AccountID == o.DriverID
}

func assignedDriver(o *Order, caller Caller) bool {
	return caller.AccountID != "" && caller.AccountID == o.DriverID
}

func orderCustomer(o *Order, caller Caller) bool {
	return caller.AccountID == o.CustomerID
}

// userTransition authorizes the caller, applies a conditional status
// update, and maps a missed precondition to ErrInvalidStatus.
func (s *Service) userTransition(ctx context.Context, id string, caller Caller, authz authzFunc, to Status, from ...Status) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !caller.IsAdmin() && !authz(o, caller) {
		return nil, ErrForbidden
	}

	applied, err := s.store.Transition(ctx, id, to, from...)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}

	s.record(ctx, id, "order."+string(to), string(o.Status), string(to))
	metrics.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()

	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify("order."+string(to), fresh)
	return fresh, nil
}

func participates(o *Order, accountID string) bool {
	return accountID != "" &&
		(accountID == o.CustomerID || accountID == o.MerchantID || accountID == o.DriverID)
}

func (s *Service) record(ctx context.Context, id, action, before, after string) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, audit.Transition(ctx, "order", id, action, before, after)); err != nil {
		logging.L(ctx).Warn("audit write failed", "action", action, "order", id, "error", err)
	}
}

func (s *Service) notify(event string, o *Order) {
	if s.notifier != nil {
		s.notifier.OrderEvent(event, o)
	}
}
