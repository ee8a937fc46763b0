// Package mcp exposes session queries as MCP tools.
package mcp

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/mcp/handlers"
	"github.com/btouchard/querycast/internal/task"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Tasks           *task.Manager
	Auth            auth.Authorizer
	Estimator       handlers.DurationEstimator // optional
	MaxQuestionSize int
	Version         string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"querycast",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}

// NewHTTPHandler serves s over streamable HTTP. The caller identity set by
// the auth middleware is carried into tool handlers.
func NewHTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.FromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)
}
