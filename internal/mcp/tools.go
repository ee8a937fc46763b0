package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/querycast/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// start_query: run a question through the pipeline for a session
	s.AddTool(
		mcp.NewTool("start_query",
			mcp.WithDescription("Ask a business question about the warehouse for a chat session. Returns immediately with a query ID; progress streams to every viewer of the session. Use check_query to follow it."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Chat session the query belongs to"),
			),
			mcp.WithString("question",
				mcp.Required(),
				mcp.Description("The question in natural language"),
			),
		),
		handlers.StartQuery(deps.Tasks, deps.Auth, deps.MaxQuestionSize, deps.Estimator),
	)

	// check_query: status of the session's query
	s.AddTool(
		mcp.NewTool("check_query",
			mcp.WithDescription("Check the status and current step of a session's query. Supports long-polling with wait_seconds."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Chat session to inspect"),
			),
			mcp.WithNumber("wait_seconds",
				mcp.Description("Wait up to N seconds (max 30) for the status or step to change. 0 for immediate response."),
			),
		),
		handlers.CheckQuery(deps.Tasks, deps.Auth),
	)

	// cancel_query: stop the session's running query
	s.AddTool(
		mcp.NewTool("cancel_query",
			mcp.WithDescription("Cancel the running query of a session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Chat session whose query should stop"),
			),
			mcp.WithString("reason",
				mcp.Description("Reason shown to viewers"),
			),
		),
		handlers.CancelQuery(deps.Tasks, deps.Auth),
	)

	// list_queries: registered queries across sessions
	s.AddTool(
		mcp.NewTool("list_queries",
			mcp.WithDescription("List registered queries across the sessions you may access, newest first."),
			mcp.WithString("status",
				mcp.Description("Filter by status"),
				mcp.Enum("all", "pending", "running", "completed", "failed", "cancelled"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of queries to return (default: 20)"),
			),
			mcp.WithString("since",
				mcp.Description("RFC 3339 datetime, only queries created after it"),
			),
		),
		handlers.ListQueries(deps.Tasks, deps.Auth),
	)
}
