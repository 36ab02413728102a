// Package mcpserver exposes sidekick's tool registry as an MCP (Model
// Context Protocol) server over stdio JSON-RPC, so external agent hosts can
// call the same tools the chat pipeline uses. Permission gating happens
// server-side: tools above the configured level are never registered.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sidekick-bot/sidekick/internal/auth"
	"github.com/sidekick-bot/sidekick/internal/config"
	"github.com/sidekick-bot/sidekick/internal/tools"
)

// Server bridges a tool registry to MCP.
type Server struct {
	registry *tools.Registry
	level    auth.Level
}

// NewServer wraps a registry. The permission cap is read from
// SIDEKICK_MCP_LEVEL (PUBLIC, TRUSTED, OPERATOR, or ADMIN) and defaults to
// TRUSTED.
func NewServer(registry *tools.Registry) *Server {
	level := auth.Trusted
	if v := os.Getenv("SIDEKICK_MCP_LEVEL"); v != "" {
		if parsed, ok := auth.ParseLevel(v); ok {
			level = parsed
		}
	}
	return &Server{registry: registry, level: level}
}

// Run serves MCP over the given streams until the context is cancelled or
// the input stream closes.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	mcpServer := server.NewMCPServer(
		"sidekick",
		config.Version,
		server.WithToolCapabilities(true),
	)
	mcpServer.AddTools(s.serverTools()...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))
	return stdio.Listen(ctx, in, out)
}

// serverTools converts every registry tool at or below the permission cap
// into an MCP tool.
func (s *Server) serverTools() []server.ServerTool {
	var out []server.ServerTool
	for _, t := range s.registry.All() {
		if t.RequiredPermission() > s.level {
			continue
		}
		schema, err := json.Marshal(t.Schema())
		if err != nil {
			continue
		}
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema),
			Handler: s.handlerFor(t),
		})
	}
	return out
}

func (s *Server) handlerFor(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if err := req.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result := t.Execute(ctx, args)
		if !result.Success {
			return mcp.NewToolResultError(result.Error), nil
		}
		return mcp.NewToolResultText(result.Output), nil
	}
}
