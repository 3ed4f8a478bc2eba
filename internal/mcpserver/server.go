package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all finaiguard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("finaiguard", Version)
	client := NewFinaiguardClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolEvaluateRecord, h.HandleEvaluateRecord)
	s.AddTool(ToolRetractEntry, h.HandleRetractEntry)
	s.AddTool(ToolChainHead, h.HandleChainHead)
	s.AddTool(ToolVerifyChain, h.HandleVerifyChain)
	s.AddTool(ToolListChains, h.HandleListChains)
	s.AddTool(ToolWalletAssessments, h.HandleWalletAssessments)
	s.AddTool(ToolExportChain, h.HandleExportChain)
	s.AddTool(ToolVerifyDocument, h.HandleVerifyDocument)

	return s
}
