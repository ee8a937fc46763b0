package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/task"
)

// StartQuery returns a handler that starts a query for a session.
// maxQuestionSize limits question length in characters (0 = no limit).
// estimator may be nil to skip duration estimation.
func StartQuery(tm *task.Manager, a auth.Authorizer, maxQuestionSize int, estimator DurationEstimator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		sessionID, toolErr := sessionArg(ctx, a, args)
		if toolErr != nil {
			return toolErr, nil
		}

		question, _ := args["question"].(string)
		question = strings.TrimSpace(question)
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}
		if n := utf8.RuneCountInString(question); maxQuestionSize > 0 && n > maxQuestionSize {
			return mcp.NewToolResultError(fmt.Sprintf("question too long: %d characters (max %d)", n, maxQuestionSize)), nil
		}

		if sess := server.ClientSessionFromContext(ctx); sess != nil {
			ctx = task.WithMCPSession(ctx, sess.SessionID())
		}

		t, err := tm.Start(ctx, sessionID, question)
		if errors.Is(err, task.ErrConflict) {
			cur, _ := tm.Get(sessionID)
			msg := "A query is already running for this session."
			if cur != nil {
				msg += fmt.Sprintf(" Use check_query to follow %s or cancel_query to stop it.", cur.ID)
			}
			return mcp.NewToolResultError(msg), nil
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Cannot start query: %s", err)), nil
		}

		var b strings.Builder
		b.WriteString("Query started\n\n")
		fmt.Fprintf(&b, "- ID: %s\n", t.ID)
		fmt.Fprintf(&b, "- Session: %s\n", sessionID)

		if estimator != nil {
			avg, count, estErr := estimator.GetAverageQueryDuration()
			switch {
			case estErr != nil:
				slog.Warn("failed to get average query duration", "error", estErr)
			case count == 0 || avg <= 0:
				b.WriteString("- Estimated duration: unknown (no query history yet)\n")
			default:
				fmt.Fprintf(&b, "- Estimated duration: ~%s (based on %d previous queries)\n", formatEstimate(avg), count)
			}
		}

		fmt.Fprintf(&b, "\nUse check_query with session_id '%s' to follow progress.", sessionID)
		return mcp.NewToolResultText(b.String()), nil
	}
}

// formatEstimate returns a human-readable duration like "3m" or "45s".
func formatEstimate(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", max(1, int(d.Seconds())))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
