package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleLookupOrder fetches one order.
func (h *Handlers) HandleLookupOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch order: %v", err)), nil
	}

	return mcp.NewToolResultText(formatOrder(raw)), nil
}

// HandleLookupTransaction fetches one ledger entry by ID or reference.
func (h *Handlers) HandleLookupTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	ref := req.GetString("reference", "")
	if id == "" && ref == "" {
		return mcp.NewToolResultError("either transaction_id or reference is required"), nil
	}

	var (
		raw json.RawMessage
		err error
	)
	if ref != "" {
		raw, err = h.client.GetTransactionByReference(ctx, ref)
	} else {
		raw, err = h.client.GetTransaction(ctx, id)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTransaction(raw)), nil
}

// HandleLookupEscrow fetches an escrow by ID or by order.
func (h *Handlers) HandleLookupEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	orderID := req.GetString("order_id", "")
	if escrowID == "" && orderID == "" {
		return mcp.NewToolResultError("either escrow_id or order_id is required"), nil
	}

	var (
		raw json.RawMessage
		err error
	)
	if escrowID != "" {
		raw, err = h.client.GetEscrow(ctx, escrowID)
	} else {
		raw, err = h.client.GetOrderEscrow(ctx, orderID)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(formatEscrow(raw)), nil
}

// HandleReleaseEscrow settles an escrow to the payee.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.ReleaseEscrow(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Escrow released to the payee.\n\n" + formatEscrow(raw)), nil
}

// HandleRefundEscrow returns an escrow to the payer.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.RefundEscrow(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Escrow refunded to the payer.\n\n" + formatEscrow(raw)), nil
}

// HandleDisputeEscrow freezes an escrow.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.DisputeEscrow(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Escrow disputed; funds frozen pending an admin decision.\n\n"+
		formatEscrow(raw)), nil
}

// HandleTriggerReconcile runs one reconciliation sweep.
func (h *Handlers) HandleTriggerReconcile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.TriggerReconcile(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconcile failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Reconciliation sweep complete:\n" + formatJSON(raw)), nil
}

// HandleGetAuditTrail fetches audit entries for an entity.
func (h *Handlers) HandleGetAuditTrail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")
	entityID := req.GetString("entity_id", "")
	if entityType == "" || entityID == "" {
		return mcp.NewToolResultError("entity_type and entity_id are required"), nil
	}
	limit := req.GetInt("limit", 50)

	raw, err := h.client.GetAuditTrail(ctx, entityType, entityID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch audit trail: %v", err)), nil
	}

	text, err := formatAuditTrail(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatOrder(raw json.RawMessage) string {
	o, ok := unwrap(raw, "order")
	if !ok {
		return formatJSON(raw)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s (%s)\n", getString(o, "id"), getString(o, "orderNumber"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(o, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getNumber(o, "amount"), getString(o, "currency"))
	fmt.Fprintf(&sb, "  Customer: %s\n", getString(o, "customerId"))
	if v := getString(o, "merchantId"); v != "" {
		fmt.Fprintf(&sb, "  Merchant: %s\n", v)
	}
	if v := getString(o, "driverId"); v != "" {
		fmt.Fprintf(&sb, "  Driver: %s\n", v)
	}
	if v := getString(o, "deliveredAt"); v != "" {
		fmt.Fprintf(&sb, "  Delivered: %s\n", v)
	}
	if v := getString(o, "cancelledAt"); v != "" {
		fmt.Fprintf(&sb, "  Cancelled: %s\n", v)
	}
	return sb.String()
}

func formatTransaction(raw json.RawMessage) string {
	t, ok := unwrap(raw, "transaction")
	if !ok {
		return formatJSON(raw)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", getString(t, "id"))
	fmt.Fprintf(&sb, "  Reference: %s\n", getString(t, "reference"))
	fmt.Fprintf(&sb, "  Type: %s | Status: %s\n", getString(t, "type"), getString(t, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getNumber(t, "amount"), getString(t, "currency"))
	fmt.Fprintf(&sb, "  User: %s\n", getString(t, "userId"))
	if v := getString(t, "recipientId"); v != "" {
		fmt.Fprintf(&sb, "  Recipient: %s\n", v)
	}
	if v := getString(t, "orderId"); v != "" {
		fmt.Fprintf(&sb, "  Order: %s\n", v)
	}
	if v := getString(t, "escrowId"); v != "" {
		fmt.Fprintf(&sb, "  Escrow: %s\n", v)
	}
	if v := getString(t, "gatewayRef"); v != "" {
		fmt.Fprintf(&sb, "  Gateway ref: %s\n", v)
	}
	if v := getString(t, "completedAt"); v != "" {
		fmt.Fprintf(&sb, "  Settled: %s\n", v)
	}
	return sb.String()
}

func formatEscrow(raw json.RawMessage) string {
	e, ok := unwrap(raw, "escrow")
	if !ok {
		return formatJSON(raw)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s\n", getString(e, "id"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(e, "status"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getNumber(e, "amount"), getString(e, "currency"))
	fmt.Fprintf(&sb, "  Order: %s\n", getString(e, "orderId"))
	fmt.Fprintf(&sb, "  Payer: %s → Payee: %s\n", getString(e, "payerId"), getString(e, "payeeId"))
	if v := getString(e, "transactionRef"); v != "" {
		fmt.Fprintf(&sb, "  Payment ref: %s\n", v)
	}
	if v := getString(e, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Reason: %s\n", v)
	}
	if v := getString(e, "releasedAt"); v != "" {
		fmt.Fprintf(&sb, "  Released: %s\n", v)
	}
	if v := getString(e, "cancelledAt"); v != "" {
		fmt.Fprintf(&sb, "  Refunded: %s\n", v)
	}
	return sb.String()
}

func formatAuditTrail(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d audit entr(ies):\n\n", len(resp.Entries))
	for i, e := range resp.Entries {
		fmt.Fprintf(&sb, "%d. %s at %s\n", i+1, getString(e, "action"), getString(e, "createdAt"))
		fmt.Fprintf(&sb, "   Actor: %s (%s)\n", getString(e, "actorId"), getString(e, "actorRole"))
		before := getString(e, "beforeState")
		after := getString(e, "afterState")
		if before != "" || after != "" {
			fmt.Fprintf(&sb, "   State: %q to %q\n", before, after)
		}
		if v := getString(e, "requestId"); v != "" {
			fmt.Fprintf(&sb, "   Request: %s\n", v)
		}
	}
	return sb.String(), nil
}

// unwrap pulls the named object out of {"<key>": {...}} envelopes.
func unwrap(raw json.RawMessage, key string) (map[string]any, bool) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	if inner, ok := resp[key].(map[string]any); ok {
		return inner, true
	}
	if len(resp) > 0 {
		return resp, true
	}
	return nil, false
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map.
func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// getNumber renders a numeric value without a float exponent.
func getNumber(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%.0f", f)
		}
	}
	return ""
}
