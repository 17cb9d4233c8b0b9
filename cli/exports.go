// Package cli provides the command-line interface for the HMR client.
// This file re-exports internal packages for hosts that embed the client.
package cli

import (
	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/lua"
	"github.com/zot/esm-hmr/internal/mcp"
	"github.com/zot/esm-hmr/internal/overlay"
	"github.com/zot/esm-hmr/internal/session"
)

// Re-export session types for embedding
type (
	Manager  = session.Manager
	Session  = session.Session
	Registry = hot.Registry
	State    = hot.State
	Runtime  = lua.Runtime
	Overlay  = overlay.Overlay
)

// Re-export constructors
var (
	NewManager    = session.NewManager
	NewConsole    = overlay.NewConsole
	NewMCPServer  = mcp.NewServer
	ServeMCPStdio = mcp.ServeStdio
)
