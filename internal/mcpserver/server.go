package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Custodia tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("custodia", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolLookupOrder, h.HandleLookupOrder)
	s.AddTool(ToolLookupTransaction, h.HandleLookupTransaction)
	s.AddTool(ToolLookupEscrow, h.HandleLookupEscrow)
	s.AddTool(ToolReleaseEscrow, h.HandleReleaseEscrow)
	s.AddTool(ToolRefundEscrow, h.HandleRefundEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolTriggerReconcile, h.HandleTriggerReconcile)
	s.AddTool(ToolGetAuditTrail, h.HandleGetAuditTrail)

	return s
}
