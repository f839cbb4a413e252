package server

import (
	"context"

	"github.com/tkaluma/custodia/internal/escrow"
	"github.com/tkaluma/custodia/internal/logging"
	"github.com/tkaluma/custodia/internal/order"
	"github.com/tkaluma/custodia/internal/paygate"
	"github.com/tkaluma/custodia/internal/realtime"
	"github.com/tkaluma/custodia/internal/transaction"
	"github.com/tkaluma/custodia/internal/webhook"
)

// The service packages each declare the narrow interface they consume.
// These adapters bridge them to the concrete services without the
// packages importing each other.

// orderExistence adapts order.Service to transaction.OrderDirectory.
type orderExistence struct {
	orders *order.Service
}

var _ transaction.OrderDirectory = (*orderExistence)(nil)

func (a *orderExistence) Exists(ctx context.Context, orderID string) (bool, error) {
	_, err := a.orders.Snapshot(ctx, orderID)
	if err == order.ErrOrderNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// escrowOrderDirectory adapts order.Service to escrow.OrderDirectory.
type escrowOrderDirectory struct {
	orders *order.Service
}

var _ escrow.OrderDirectory = (*escrowOrderDirectory)(nil)

func (a *escrowOrderDirectory) Lookup(ctx context.Context, orderID string) (*escrow.OrderInfo, error) {
	o, err := a.orders.Snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &escrow.OrderInfo{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		Delivered:  o.Status == order.StatusDelivered,
	}, nil
}

// webhookOrders adapts order.Service to webhook.Orders.
type webhookOrders struct {
	orders *order.Service
}

var _ webhook.Orders = (*webhookOrders)(nil)

func (a *webhookOrders) Lookup(ctx context.Context, orderID string) (*webhook.OrderView, error) {
	o, err := a.orders.Snapshot(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &webhook.OrderView{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		MerchantID: o.MerchantID,
	}, nil
}

func (a *webhookOrders) MarkConfirmed(ctx context.Context, orderID string) (bool, error) {
	return a.orders.MarkConfirmed(ctx, orderID)
}

func (a *webhookOrders) MarkCancelled(ctx context.Context, orderID string) (bool, error) {
	return a.orders.MarkCancelled(ctx, orderID)
}

// escrowCustodian adapts escrow.Service to webhook.Custodian. Webhook
// redelivery means Hold races with itself, so an already-active escrow
// is absorbed as created=false rather than surfaced as an error.
type escrowCustodian struct {
	escrows *escrow.Service
}

var _ webhook.Custodian = (*escrowCustodian)(nil)

func (a *escrowCustodian) Hold(ctx context.Context, req webhook.HoldRequest) (bool, error) {
	_, err := a.escrows.Create(ctx, escrow.Caller{AccountID: "system", Role: "admin"}, escrow.CreateRequest{
		OrderID:        req.OrderID,
		PayerID:        req.PayerID,
		PayeeID:        req.PayeeID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		TransactionRef: req.TransactionRef,
	})
	if err == escrow.ErrActiveEscrowExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// gatewayPayouts adapts paygate.Client to escrow.PayoutInitiator. The
// payout is recorded as a pending transfer before the gateway call so
// the transfer webhook has a ledger row to settle against.
type gatewayPayouts struct {
	gateway *paygate.Client
	ledger  *transaction.Service
}

var _ escrow.PayoutInitiator = (*gatewayPayouts)(nil)

func (a *gatewayPayouts) InitiatePayout(ctx context.Context, e *escrow.Escrow, reason string) (string, error) {
	t, err := a.ledger.Create(ctx, transaction.CreateRequest{
		UserID:   e.PayeeID,
		OrderID:  e.OrderID,
		Amount:   e.Amount,
		Currency: e.Currency,
		Type:     transaction.TypeTransferOut,
		Extra: map[string]any{
			"escrowId": e.ID,
			"reason":   reason,
		},
	})
	if err != nil {
		return "", err
	}

	if _, err := a.gateway.InitiateTransfer(ctx, e.PayeeID, e.Amount, e.Currency, t.Reference, reason); err != nil {
		// Leave the transfer pending. The gateway's transfer webhook
		// settles it if the call actually went through.
		logging.L(ctx).Warn("payout initiation failed, transfer left pending",
			"reference", t.Reference, "escrow_id", e.ID, "error", err)
		return t.Reference, err
	}
	return t.Reference, nil
}

// hubNotifier adapts realtime.Hub to the order, transaction, and escrow
// notifier interfaces.
type hubNotifier struct {
	hub *realtime.Hub
}

var (
	_ order.Notifier       = (*hubNotifier)(nil)
	_ transaction.Notifier = (*hubNotifier)(nil)
	_ escrow.Notifier      = (*hubNotifier)(nil)
)

func (a *hubNotifier) OrderEvent(event string, o *order.Order) {
	a.hub.BroadcastOrder(event, map[string]interface{}{
		"id":          o.ID,
		"orderNumber": o.OrderNumber,
		"customerId":  o.CustomerID,
		"merchantId":  o.MerchantID,
		"driverId":    o.DriverID,
		"amount":      o.Amount,
		"currency":    o.Currency,
		"status":      string(o.Status),
	})
}

func (a *hubNotifier) TransactionEvent(event string, t *transaction.Transaction) {
	a.hub.BroadcastTransaction(event, map[string]interface{}{
		"id":        t.ID,
		"reference": t.Reference,
		"userId":    t.UserID,
		"orderId":   t.OrderID,
		"escrowId":  t.EscrowID,
		"amount":    t.Amount,
		"currency":  t.Currency,
		"type":      string(t.Type),
		"status":    string(t.Status),
	})
}

func (a *hubNotifier) EscrowEvent(event string, e *escrow.Escrow) {
	a.hub.BroadcastEscrow(event, map[string]interface{}{
		"id":       e.ID,
		"orderId":  e.OrderID,
		"payerId":  e.PayerID,
		"payeeId":  e.PayeeID,
		"amount":   e.Amount,
		"currency": e.Currency,
		"status":   string(e.Status),
	})
}
