// Package mcp exposes the live page session to MCP clients: list the hot
// module registry, inject update, error and reload messages.
package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/esm-hmr/internal/session"
)

// NewServer creates the inspector server for the sessions of manager.
func NewServer(manager *session.Manager, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"esm-hmr",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
	)

	RegisterStandardTools(s, manager)
	RegisterStandardResources(s, manager)
	return s
}

// ServeStdio serves the inspector over stdin and stdout until stdin closes.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}
