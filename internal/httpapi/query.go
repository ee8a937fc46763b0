package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/querycast/internal/store"
	"github.com/btouchard/querycast/internal/task"
	"github.com/btouchard/querycast/internal/warehouse"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	pingTimeout         = 10 * time.Second
)

type startRequest struct {
	Question string `json:"question"`
}

type startResponse struct {
	TaskID    string      `json:"task_id"`
	SessionID string      `json:"session_id"`
	Status    task.Status `json:"status"`
}

func (h *handlers) startQuery(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req startRequest
	body := http.MaxBytesReader(w, r.Body, int64(h.deps.MaxQuestionSize)+1024)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if utf8.RuneCountInString(question) > h.deps.MaxQuestionSize {
		writeError(w, http.StatusBadRequest, "question is too long")
		return
	}

	t, err := h.deps.Tasks.Start(r.Context(), sessionID, question)
	switch {
	case errors.Is(err, task.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, task.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timed out waiting for the previous query to stop")
		return
	case err != nil:
		slog.Error("starting query", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not start query")
		return
	}

	writeJSON(w, http.StatusAccepted, startResponse{TaskID: t.ID, SessionID: sessionID, Status: task.StatusPending})
}

func (h *handlers) getQuery(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Tasks.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Snapshot())
}

func (h *handlers) cancelQuery(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Tasks.Cancel(chi.URLParam(r, "sessionID"), r.URL.Query().Get("reason"))
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, task.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID, "status": "cancelling"})
}

func (h *handlers) ackQuery(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Tasks.Acknowledge(chi.URLParam(r, "sessionID"))
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrStillRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusNotFound, "query history is disabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.deps.History.ListQueries(store.QueryFilter{
		SessionID: chi.URLParam(r, "sessionID"),
		Limit:     limit,
	})
	if err != nil {
		slog.Error("listing query history", "error", err)
		writeError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	if records == nil {
		records = []store.QueryRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type connectionTest struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type connectionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *handlers) testConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionTest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Driver == "" || req.DSN == "" {
		writeError(w, http.StatusBadRequest, "driver and dsn are required")
		return
	}
	if warehouse.Local(req.Driver) {
		writeError(w, http.StatusBadRequest, warehouse.ErrLocalDriver.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := h.deps.Ping(ctx, req.Driver, req.DSN); err != nil {
		writeJSON(w, http.StatusOK, connectionResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, connectionResult{OK: true})
}
