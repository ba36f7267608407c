package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with every settlement tool
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("homesettle", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolCheckRelease, h.HandleCheckRelease)
	s.AddTool(ToolConfirmPurchase, h.HandleConfirmPurchase)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolListProviders, h.HandleListProviders)
	s.AddTool(ToolPayEscrow, h.HandlePayEscrow)
	s.AddTool(ToolPaymentStatus, h.HandlePaymentStatus)

	return s
}
