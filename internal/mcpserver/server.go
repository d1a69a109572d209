package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all riskgate tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("riskgate", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolAnalyzeTransaction, h.HandleAnalyzeTransaction)
	s.AddTool(ToolAnalyzeUPI, h.HandleAnalyzeUPI)
	s.AddTool(ToolCheckBlocklist, h.HandleCheckBlocklist)
	s.AddTool(ToolBlockEntity, h.HandleBlockEntity)
	s.AddTool(ToolListAlerts, h.HandleListAlerts)
	s.AddTool(ToolGetHistory, h.HandleGetHistory)

	return s
}
