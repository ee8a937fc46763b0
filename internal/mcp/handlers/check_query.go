package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/pipeline"
	"github.com/btouchard/querycast/internal/task"
)

const (
	longPollInterval = 250 * time.Millisecond
	longPollMaxWait  = 30
)

// CheckQuery returns a handler that reports the session's current query.
// When wait_seconds > 0 and the query is still running, it long-polls
// until the status or step changes or the timeout expires.
func CheckQuery(tm *task.Manager, a auth.Authorizer) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		sessionID, toolErr := sessionArg(ctx, a, args)
		if toolErr != nil {
			return toolErr, nil
		}

		t, err := tm.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("No query for session %s", sessionID)), nil
		}

		waitSeconds := 0
		if w, ok := args["wait_seconds"].(float64); ok && w > 0 {
			waitSeconds = min(int(w), longPollMaxWait)
		}

		snap := t.Snapshot()
		if waitSeconds > 0 && !snap.Status.Terminal() {
			snap = waitForChange(ctx, t, snap, time.Duration(waitSeconds)*time.Second)
		}

		return mcp.NewToolResultText(formatCheck(t, snap)), nil
	}
}

// waitForChange polls t until its status or step moves, it finishes, or
// timeout expires.
func waitForChange(ctx context.Context, t *task.Task, initial task.Snapshot, timeout time.Duration) task.Snapshot {
	deadline := time.After(timeout)
	ticker := time.NewTicker(longPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.Snapshot()
		case <-t.Done():
			return t.Snapshot()
		case <-deadline:
			return t.Snapshot()
		case <-ticker.C:
			snap := t.Snapshot()
			if snap.Status != initial.Status || snap.Step != initial.Step {
				return snap
			}
		}
	}
}

func formatCheck(t *task.Task, snap task.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Query: %s\n", snap.ID)
	fmt.Fprintf(&b, "Question: %s\n", snap.Question)
	fmt.Fprintf(&b, "Status: %s\n", snap.Status)

	switch snap.Status {
	case task.StatusRunning:
		fmt.Fprintf(&b, "Step: %s\n", stepPosition(snap.Step))
		fmt.Fprintf(&b, "Duration: %s\n", snap.FormatDuration())

	case task.StatusCompleted:
		fmt.Fprintf(&b, "Duration: %s\n", snap.FormatDuration())
		raw, ok := t.Result(pipeline.StepSummarization)
		var ans pipeline.Answer
		if ok && json.Unmarshal(raw, &ans) == nil {
			fmt.Fprintf(&b, "Rows: %d\n", ans.RowCount)
			if ans.SQL != "" {
				fmt.Fprintf(&b, "\nSQL:\n%s\n", ans.SQL)
			}
			if ans.Summary != "" {
				fmt.Fprintf(&b, "\nAnswer:\n%s\n", ans.Summary)
			}
		}

	case task.StatusFailed:
		fmt.Fprintf(&b, "Failed at: %s\n", snap.FailedStep)
		fmt.Fprintf(&b, "Error: %s\n", snap.Error)

	case task.StatusCancelled:
		if snap.CancelReason != "" {
			fmt.Fprintf(&b, "Reason: %s\n", snap.CancelReason)
		}
	}

	return b.String()
}
