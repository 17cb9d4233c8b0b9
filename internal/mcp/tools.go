package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zot/esm-hmr/internal/protocol"
	"github.com/zot/esm-hmr/internal/session"
)

var errNoSession = errors.New("no live page session")

// Tool is an inspector tool: its definition and the handler serving it.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// RegisterStandardTools adds every inspector tool to s.
func RegisterStandardTools(s *server.MCPServer, manager *session.Manager) {
	for _, tool := range []Tool{
		NewModulesTool(manager),
		NewUpdateTool(manager),
		NewErrorTool(manager),
		NewReloadTool(manager),
	} {
		s.AddTool(tool.Definition(), tool.Handle)
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultText(string(data))
}

// ModulesTool lists the registry of the live session.
type ModulesTool struct {
	manager *session.Manager
}

func NewModulesTool(manager *session.Manager) *ModulesTool {
	return &ModulesTool{manager: manager}
}

func (t *ModulesTool) Definition() mcp.Tool {
	return mcp.NewTool("hmr_modules",
		mcp.WithDescription("List the live page session and the hot state of every registered module"),
	)
}

func (t *ModulesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s := t.manager.Current()
	if s == nil {
		return mcp.NewToolResultError(errNoSession.Error()), nil
	}
	return jsonResult(s.Info()), nil
}

// UpdateTool applies an update as if the dev server had sent it and reports
// the outcome.
type UpdateTool struct {
	manager *session.Manager
}

func NewUpdateTool(manager *session.Manager) *UpdateTool {
	return &UpdateTool{manager: manager}
}

func (t *UpdateTool) Definition() mcp.Tool {
	return mcp.NewTool("hmr_update",
		mcp.WithDescription("Hot update a module in the live page session. Returns applied, reloaded or overlay"),
		mcp.WithString("url", mcp.Required(), mcp.Description("Module URL or path, e.g. /src/app.js")),
		mcp.WithBoolean("bubbled", mcp.Description("Whether the update bubbled up from a dependency")),
	)
}

func (t *UpdateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s := t.manager.Current()
	if s == nil {
		return mcp.NewToolResultError(errNoSession.Error()), nil
	}
	outcome, err := s.Update(ctx, protocol.UpdateMessage{
		URL:     url,
		Bubbled: req.GetBool("bubbled", false),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(outcome.String()), nil
}

// ErrorTool shows a build error in the overlay.
type ErrorTool struct {
	manager *session.Manager
}

func NewErrorTool(manager *session.Manager) *ErrorTool {
	return &ErrorTool{manager: manager}
}

func (t *ErrorTool) Definition() mcp.Tool {
	return mcp.NewTool("hmr_error",
		mcp.WithDescription("Show a build error in the error overlay"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Overlay title")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Error message")),
		mcp.WithString("fileLoc", mcp.Description("Location as file [:line:col]")),
		mcp.WithString("stack", mcp.Description("Stack trace")),
	)
}

func (t *ErrorTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s := t.manager.Current()
	if s == nil {
		return mcp.NewToolResultError(errNoSession.Error()), nil
	}
	s.Dispatcher.HandleMessage(ctx, protocol.NewError(protocol.ErrorMessage{
		Title:           title,
		FileLoc:         req.GetString("fileLoc", ""),
		ErrorMessage:    message,
		ErrorStackTrace: req.GetString("stack", ""),
	}))
	return mcp.NewToolResultText("shown"), nil
}

// ReloadTool requests a full reload of the live session.
type ReloadTool struct {
	manager *session.Manager
}

func NewReloadTool(manager *session.Manager) *ReloadTool {
	return &ReloadTool{manager: manager}
}

func (t *ReloadTool) Definition() mcp.Tool {
	return mcp.NewTool("hmr_reload",
		mcp.WithDescription("Discard the live page session and load the page again"),
	)
}

func (t *ReloadTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s := t.manager.Current()
	if s == nil {
		return mcp.NewToolResultError(errNoSession.Error()), nil
	}
	s.Dispatcher.HandleMessage(ctx, protocol.NewReload())
	return mcp.NewToolResultText("reload requested for session " + s.ID), nil
}
