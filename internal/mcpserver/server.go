package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the escrow ops tools
// registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("procurepay-escrow", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolListDuePayments, h.HandleListDuePayments)
	s.AddTool(ToolReconcilePayment, h.HandleReconcilePayment)

	return s
}
