// Package webhook receives gateway event deliveries and reconciles them
// into the ledger, the order state machine, and escrow custody.
//
// The gateway retries until it sees a 2xx, so every path here must be
// idempotent: a redelivered event finds its conditional updates already
// applied and reports a no-op with 200, never an error.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tkaluma/custodia/internal/audit"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/metrics"
	"github.com/tkaluma/custodia/internal/traces"
	"github.com/tkaluma/custodia/internal/transaction"
)

// Gateway event names.
const (
	EventChargeSuccess    = "charge.success"
	EventChargeFailed     = "charge.failed"
	EventTransferSuccess  = "transfer.success"
	EventTransferFailed   = "transfer.failed"
	EventTransferReversed = "transfer.reversed"
)

// Envelope is the gateway delivery body.
type Envelope struct {
	Event string    `json:"event"`
	Data  EventData `json:"data"`
}

// EventData is the charge or transfer the event refers to.
type EventData struct {
	ID        int64           `json:"id"`
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Raw       json.RawMessage `json:"-"`
}

// Outcome classifies how a delivery was absorbed.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeNoop             Outcome = "noop"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeIgnored          Outcome = "ignored"
)

// Ledger is the slice of the transaction service the reconciler drives.
type Ledger interface {
	CompleteByReference(ctx context.Context, ref, gatewayRef, gatewayTxID string, payload []byte) (*transaction.Transaction, bool, error)
	MarkByReference(ctx context.Context, ref string, to transaction.Status, from ...transaction.Status) (*transaction.Transaction, bool, error)
}

// OrderView is the slice of an order the reconciler needs.
type OrderView struct {
	ID         string
	CustomerID string
	MerchantID string
}

// Orders advances order payment state on behalf of the gateway.
type Orders interface {
	Lookup(ctx context.Context, orderID string) (*OrderView, error)
	MarkConfirmed(ctx context.Context, orderID string) (bool, error)
	MarkCancelled(ctx context.Context, orderID string) (bool, error)
}

// HoldRequest asks the custodian to place confirmed funds in escrow.
type HoldRequest struct {
	OrderID        string
	PayerID        string
	PayeeID        string
	Amount         int64
	Currency       string
	GatewayRef     string
	TransactionRef string
}

// Custodian opens escrow custody. An already-active escrow for the
// order must be absorbed as created=false, not an error.
type Custodian interface {
	Hold(ctx context.Context, req HoldRequest) (created bool, err error)
}

// Reconciler applies gateway events to local state.
type Reconciler struct {
	ledger    Ledger
	orders    Orders
	custodian Custodian
	recorder  audit.Recorder
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(ledger Ledger, orders Orders, custodian Custodian, recorder audit.Recorder) *Reconciler {
	return &Reconciler{
		ledger:    ledger,
		orders:    orders,
		custodian: custodian,
		recorder:  recorder,
	}
}

// Apply absorbs one verified gateway event. Unknown references and
// unknown events report a benign outcome so the gateway stops retrying;
// only store failures return an error.
func (r *Reconciler) Apply(ctx context.Context, env *Envelope) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "webhook.apply",
		traces.WebhookEvent(env.Event), traces.Reference(env.Data.Reference))
	defer span.End()

	var (
		outcome Outcome
		err     error
	)
	switch env.Event {
	case EventChargeSuccess:
		outcome, err = r.applyChargeSuccess(ctx, env)
	case EventChargeFailed:
		outcome, err = r.applyChargeFailed(ctx, env)
	case EventTransferSuccess:
		outcome, err = r.applyTransfer(ctx, env, transaction.StatusCompleted, transaction.StatusPending)
	case EventTransferFailed:
		outcome, err = r.applyTransfer(ctx, env, transaction.StatusFailed, transaction.StatusPending)
	case EventTransferReversed:
		outcome, err = r.applyTransfer(ctx, env, transaction.StatusRefunded, transaction.StatusCompleted)
	default:
		logging.L(ctx).Info("ignoring unknown webhook event", "event", env.Event)
		outcome = OutcomeIgnored
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(env.Event, "error").Inc()
		return outcome, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(env.Event, string(outcome)).Inc()
	r.record(ctx, env, outcome)
	return outcome, nil
}

// applyChargeSuccess settles the payment, confirms the order, and opens
// escrow custody. Each step is conditional, so the whole chain can be
// replayed on redelivery and will also repair a previous partial apply.
func (r *Reconciler) applyChargeSuccess(ctx context.Context, env *Envelope) (Outcome, error) {
	tx, applied, err := r.ledger.CompleteByReference(ctx,
		env.Data.Reference, env.Data.Reference, strconv.FormatInt(env.Data.ID, 10), env.Data.Raw)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		logging.L(ctx).Warn("charge success for unknown reference", "reference", env.Data.Reference)
		return OutcomeUnknownReference, nil
	}
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", env.Data.Reference, err)
	}

	if env.Data.Amount != 0 && env.Data.Amount != tx.Amount {
		logging.L(ctx).Warn("gateway amount disagrees with ledger",
			"reference", tx.Reference, "ledger", tx.Amount, "gateway", env.Data.Amount)
	}

	if tx.OrderID != "" {
		if _, err := r.orders.MarkConfirmed(ctx, tx.OrderID); err != nil {
			return "", fmt.Errorf("confirm order %s: %w", tx.OrderID, err)
		}

		info, err := r.orders.Lookup(ctx, tx.OrderID)
		if err != nil {
			return "", fmt.Errorf("lookup order %s: %w", tx.OrderID, err)
		}
		if info.MerchantID != "" && r.custodian != nil {
			if _, err := r.custodian.Hold(ctx, HoldRequest{
				OrderID:        tx.OrderID,
				PayerID:        tx.UserID,
				PayeeID:        info.MerchantID,
				Amount:         tx.Amount,
				Currency:       tx.Currency,
				GatewayRef:     tx.GatewayRef,
				TransactionRef: tx.Reference,
			}); err != nil {
				return "", fmt.Errorf("hold funds for order %s: %w", tx.OrderID, err)
			}
		}
	}

	if !applied {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

// applyChargeFailed fails the pending payment and cancels the order.
func (r *Reconciler) applyChargeFailed(ctx context.Context, env *Envelope) (Outcome, error) {
	tx, applied, err := r.ledger.MarkByReference(ctx,
		env.Data.Reference, transaction.StatusFailed, transaction.StatusPending)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		logging.L(ctx).Warn("charge failure for unknown reference", "reference", env.Data.Reference)
		return OutcomeUnknownReference, nil
	}
	if err != nil {
		return "", fmt.Errorf("fail %s: %w", env.Data.Reference, err)
	}
	if !applied {
		return OutcomeNoop, nil
	}

	if tx.OrderID != "" {
		if _, err := r.orders.MarkCancelled(ctx, tx.OrderID); err != nil {
			return "", fmt.Errorf("cancel order %s: %w", tx.OrderID, err)
		}
	}
	return OutcomeApplied, nil
}

// applyTransfer moves a payout row between settlement states.
func (r *Reconciler) applyTransfer(ctx context.Context, env *Envelope, to transaction.Status, from ...transaction.Status) (Outcome, error) {
	_, applied, err := r.ledger.MarkByReference(ctx, env.Data.Reference, to, from...)
	if errors.Is(err, transaction.ErrTransactionNotFound) {
		logging.L(ctx).Warn("transfer event for unknown reference",
			"event", env.Event, "reference", env.Data.Reference)
		return OutcomeUnknownReference, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark %s %s: %w", env.Data.Reference, to, err)
	}
	if !applied {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) record(ctx context.Context, env *Envelope, outcome Outcome) {
	if r.recorder == nil {
		return
	}
	entry := audit.Transition(ctx, "webhook", env.Data.Reference, "webhook."+env.Event, "", string(outcome))
	if err := r.recorder.Record(ctx, entry); err != nil {
		logging.L(ctx).Warn("audit write failed", "event", env.Event, "error", err)
	}
}
