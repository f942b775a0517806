package mcp

import (
	"github.com/go-chi/chi/v5"
	gomcpserver "github.com/mark3labs/mcp-go/server"
)

// ServerInfo names the MCP server Conductor advertises to foreign clients.
type ServerInfo struct {
	Name    string
	Version string
}

// RegisterRoutes builds an MCP server around b's three tools and mounts it
// as Streamable HTTP under basePath.
func RegisterRoutes(r chi.Router, b *Bridge, info ServerInfo, basePath string) {
	name := info.Name
	if name == "" {
		name = "conductor"
	}
	version := info.Version
	if version == "" {
		version = "1.0.0"
	}

	mcpServer := gomcpserver.NewMCPServer(name, version)
	b.RegisterTools(mcpServer)

	httpServer := gomcpserver.NewStreamableHTTPServer(mcpServer)
	r.Mount(basePath, httpServer)
}
