// Package handlers implements the MCP tools that drive session queries.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/pipeline"
	"github.com/btouchard/querycast/internal/task"
)

// DurationEstimator provides the average duration of finished queries.
type DurationEstimator interface {
	GetAverageQueryDuration() (time.Duration, int, error)
}

// authorize checks the caller stored in ctx against sessionID. A nil
// authorizer allows everything.
func authorize(ctx context.Context, a auth.Authorizer, sessionID string) error {
	if a == nil {
		return nil
	}
	id, ok := auth.FromContext(ctx)
	if !ok {
		return auth.ErrUnauthenticated
	}
	return a.Authorize(id, sessionID)
}

// sessionArg reads and authorizes the session_id argument. A non-nil
// result is the tool error to return.
func sessionArg(ctx context.Context, a auth.Authorizer, args map[string]any) (string, *mcp.CallToolResult) {
	sessionID, _ := args["session_id"].(string)
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", mcp.NewToolResultError("session_id is required")
	}
	if err := authorize(ctx, a, sessionID); err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return "", mcp.NewToolResultError("Not authenticated")
		}
		return "", mcp.NewToolResultError(fmt.Sprintf("Access denied to session %s", sessionID))
	}
	return sessionID, nil
}

// stepPosition renders the cursor as "2/4 sql_generation".
func stepPosition(step pipeline.Name) string {
	names := []pipeline.Name{
		pipeline.StepIntent,
		pipeline.StepSQLGeneration,
		pipeline.StepSQLExecution,
		pipeline.StepSummarization,
	}
	for i, n := range names {
		if n == step {
			return fmt.Sprintf("%d/%d %s", i+1, len(names), step)
		}
	}
	return string(step)
}

func statusIcon(s task.Status) string {
	switch s {
	case task.StatusPending:
		return "⏳"
	case task.StatusRunning:
		return "🔄"
	case task.StatusCompleted:
		return "✅"
	case task.StatusFailed:
		return "❌"
	case task.StatusCancelled:
		return "🚫"
	default:
		return "❓"
	}
}
