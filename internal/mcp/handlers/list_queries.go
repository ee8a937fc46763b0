package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/task"
)

// ListQueries returns a handler listing the registered queries the caller
// may see.
func ListQueries(tm *task.Manager, a auth.Authorizer) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		filter := task.Filter{}
		if status, ok := args["status"].(string); ok {
			filter.Status = status
		}
		if since, ok := args["since"].(string); ok && since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return mcp.NewToolResultError("since must be an RFC 3339 timestamp"), nil
			}
			filter.Since = ts
		}
		limit := 20
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		var visible []task.Snapshot
		for _, snap := range tm.List(filter) {
			if authorize(ctx, a, snap.SessionID) != nil {
				continue
			}
			visible = append(visible, snap)
			if len(visible) == limit {
				break
			}
		}

		if len(visible) == 0 {
			return mcp.NewToolResultText("No queries found matching the given filters."), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Queries (%d found)\n\n", len(visible))
		for _, snap := range visible {
			fmt.Fprintf(&sb, "%s **%s** (%s)\n", statusIcon(snap.Status), snap.ID, snap.Status)
			fmt.Fprintf(&sb, "  Session: %s | Duration: %s\n", snap.SessionID, snap.FormatDuration())
			fmt.Fprintf(&sb, "  Question: %q\n", truncate(snap.Question, 120))
			if snap.Status == task.StatusRunning {
				fmt.Fprintf(&sb, "  Step: %s\n", stepPosition(snap.Step))
			}
			if snap.Error != "" {
				fmt.Fprintf(&sb, "  Error: %s\n", snap.Error)
			}
			sb.WriteString("\n")
		}

		return mcp.NewToolResultText(sb.String()), nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
