package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/esm-hmr/internal/session"
)

// SessionResourceURI names the live session resource.
const SessionResourceURI = "hmr://session"

// SessionResource describes the live page session.
func SessionResource() mcp.Resource {
	return mcp.NewResource(SessionResourceURI, "Page session",
		mcp.WithResourceDescription("The live page session and its module registry"),
		mcp.WithMIMEType("application/json"),
	)
}

// RegisterStandardResources adds the inspector resources to s.
func RegisterStandardResources(s *server.MCPServer, manager *session.Manager) {
	s.AddResource(SessionResource(), readSession(manager))
}

func readSession(manager *session.Manager) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		current := manager.Current()
		if current == nil {
			return nil, errNoSession
		}
		data, err := json.MarshalIndent(current.Info(), "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}
