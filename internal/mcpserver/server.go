package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all metering tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("shijo-metering", "1.0.0")
	h := NewHandlers(NewMeteringClient(cfg))

	s.AddTool(ToolCheckFeatureAccess, h.HandleCheckFeatureAccess)
	s.AddTool(ToolGetUsageSummary, h.HandleGetUsageSummary)
	s.AddTool(ToolListPlans, h.HandleListPlans)

	return s
}
