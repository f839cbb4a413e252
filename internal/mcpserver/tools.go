package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Custodia MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolLookupOrder = mcp.NewTool("lookup_order",
	mcp.WithDescription(
		"Fetch a marketplace order with its current status, participants, "+
			"amount, and lifecycle timestamps. Use this to check where an "+
			"order is in the pending → confirmed → ... → delivered flow."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_1a2b...')")),
)

var ToolLookupTransaction = mcp.NewTool("lookup_transaction",
	mcp.WithDescription(
		"Fetch a ledger entry by ID or by its unique reference "+
			"(e.g. 'PAY_1712345678_ab12cd34'). Shows amount, settlement "+
			"status, and gateway identifiers. Use the reference when "+
			"investigating a gateway webhook or a customer complaint."),
	mcp.WithString("transaction_id",
		mcp.Description("The transaction ID (e.g. 'txn_1a2b...')")),
	mcp.WithString("reference",
		mcp.Description("The unique transaction reference (e.g. 'PAY_...')")),
)

var ToolLookupEscrow = mcp.NewTool("lookup_escrow",
	mcp.WithDescription(
		"Fetch an escrow by ID, or the active escrow for an order. "+
			"Shows custody status (held/released/refunded/disputed), payer, "+
			"payee, and the linked payment reference."),
	mcp.WithString("escrow_id",
		mcp.Description("The escrow ID (e.g. 'esc_1a2b...')")),
	mcp.WithString("order_id",
		mcp.Description("An order ID, to find its active escrow")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release a held escrow to the payee. Requires the order to be "+
			"delivered unless the API key is an admin key. This is terminal: "+
			"a released escrow can never be refunded."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to release")),
	mcp.WithString("reason",
		mcp.Description("Optional note recorded with the release")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Refund a held or disputed escrow back to the payer. Admin key "+
			"required, and a reason is mandatory. This is terminal: a "+
			"refunded escrow can never be released."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to refund")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the funds are going back to the payer")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Freeze a held escrow pending an admin decision. Use this when a "+
			"buyer or seller contests delivery. A disputed escrow can only "+
			"be refunded by an admin."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What is being contested")),
)

var ToolTriggerReconcile = mcp.NewTool("trigger_reconcile",
	mcp.WithDescription(
		"Run one reconciliation sweep immediately instead of waiting for "+
			"the timer. Repairs payments stuck in pending by asking the "+
			"gateway for their authoritative status, and reports escrow "+
			"conservation mismatches. Admin key required."),
)

var ToolGetAuditTrail = mcp.NewTool("get_audit_trail",
	mcp.WithDescription(
		"Fetch the audit trail for an order, transaction, or escrow: every "+
			"state transition with actor, before/after state, and timestamp. "+
			"Admin key required."),
	mcp.WithString("entity_type",
		mcp.Required(),
		mcp.Description("The entity kind"),
		mcp.Enum("order", "transaction", "escrow", "webhook")),
	mcp.WithString("entity_id",
		mcp.Required(),
		mcp.Description("The entity ID or reference")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum entries to return (default 50)")),
)
