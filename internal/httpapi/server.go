// Package httpapi serves the session event streams and the query REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/metrics"
	"github.com/btouchard/querycast/internal/store"
	"github.com/btouchard/querycast/internal/stream"
	"github.com/btouchard/querycast/internal/task"
)

// Tasks is the task registry as seen by the HTTP layer.
type Tasks interface {
	Start(ctx context.Context, sessionID, question string) (*task.Task, error)
	Get(sessionID string) (*task.Task, error)
	Cancel(sessionID, reason string) (*task.Task, error)
	Acknowledge(sessionID string) error
	Subscribe(sessionID string, sink stream.Sink) error
	Unsubscribe(sessionID string, sink stream.Sink)
}

// History serves the audit trail of past queries.
type History interface {
	ListQueries(f store.QueryFilter) ([]store.QueryRecord, error)
}

// PingFunc tests connectivity to a warehouse.
type PingFunc func(ctx context.Context, driver, dsn string) error

// Deps holds the collaborators of the router.
type Deps struct {
	Tasks           Tasks
	Auth            auth.Authorizer
	History         History  // optional
	Ping            PingFunc // optional, disables /api/connections/test when nil
	MCP             http.Handler
	SinkBuffer      int
	MaxQuestionSize int
	AllowedOrigins  []string
	RateLimit       RateLimitConfig
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d Deps) http.Handler {
	if d.MaxQuestionSize <= 0 {
		d.MaxQuestionSize = 4096
	}
	h := &handlers{deps: d, origins: newOriginChecker(d.AllowedOrigins)}

	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(d.RateLimit))

		r.Route("/api/sessions/{sessionID}", func(r chi.Router) {
			r.Use(SessionAuth(d.Auth))

			r.Get("/events", h.events)
			r.Get("/ws", h.socket)

			r.Post("/query", h.startQuery)
			r.Get("/query", h.getQuery)
			r.Delete("/query", h.cancelQuery)
			r.Post("/query/ack", h.ackQuery)
			r.Get("/history", h.history)
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(d.Auth))
			if d.Ping != nil {
				r.Post("/api/connections/test", h.testConnection)
			}
			if d.MCP != nil {
				r.Handle("/mcp", d.MCP)
			}
		})
	})

	return r
}

type handlers struct {
	deps    Deps
	origins *originChecker
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
