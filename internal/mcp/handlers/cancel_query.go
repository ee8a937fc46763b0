package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/task"
)

// CancelQuery returns a handler that cancels the session's running query.
func CancelQuery(tm *task.Manager, a auth.Authorizer) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		sessionID, toolErr := sessionArg(ctx, a, args)
		if toolErr != nil {
			return toolErr, nil
		}
		reason, _ := args["reason"].(string)

		t, err := tm.Cancel(sessionID, reason)
		switch {
		case errors.Is(err, task.ErrNotFound):
			return mcp.NewToolResultError(fmt.Sprintf("No query for session %s", sessionID)), nil
		case errors.Is(err, task.ErrNotRunning):
			return mcp.NewToolResultError(fmt.Sprintf("Query %s already finished (%s)", t.ID, t.Snapshot().Status)), nil
		case err != nil:
			return mcp.NewToolResultError(fmt.Sprintf("Cannot cancel query: %s", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Query %s is being cancelled.", t.ID)), nil
	}
}
