package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/querycast/internal/event"
	"github.com/btouchard/querycast/internal/pipeline"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one execution of the question pipeline for a session.
// Fields are guarded by mu; the run goroutine is their only writer once
// the task is registered.
type Task struct {
	mu sync.RWMutex

	ID        string
	SessionID string
	Question  string
	Status    Status
	Step      pipeline.Name

	payload      json.RawMessage
	results      map[pipeline.Name]json.RawMessage
	Error        string
	FailedStep   pipeline.Name
	CancelReason string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastEventAt time.Time

	// MCPSessionID is the MCP client that started the task, set once at
	// registration (runtime-only).
	MCPSessionID string

	cancel    context.CancelFunc
	done      chan struct{}
	retention *time.Timer // guarded by Manager.mu
}

type mcpSessionKey struct{}

// WithMCPSession marks ctx so a task started with it reports to the given
// MCP client session.
func WithMCPSession(ctx context.Context, mcpSessionID string) context.Context {
	return context.WithValue(ctx, mcpSessionKey{}, mcpSessionID)
}

func mcpSessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(mcpSessionKey{}).(string)
	return id
}

// GenerateID creates a new task ID in the format qry-{uuid}.
func GenerateID() string {
	return "qry-" + uuid.NewString()
}

// New creates a pending task for sessionID.
func New(sessionID, question string) *Task {
	now := time.Now()
	return &Task{
		ID:          GenerateID(),
		SessionID:   sessionID,
		Question:    question,
		Status:      StatusPending,
		results:     make(map[pipeline.Name]json.RawMessage),
		CreatedAt:   now,
		LastEventAt: now,
		cancel:      func() {},
		done:        make(chan struct{}),
	}
}

// Done returns a channel that is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// IsTerminal returns true if the task is in a final state.
func (t *Task) IsTerminal() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status.Terminal()
}

// requestCancel records why the task is being cancelled and fires its
// context. It returns false when the task already finished.
func (t *Task) requestCancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status.Terminal() {
		return false
	}
	if t.CancelReason == "" {
		t.CancelReason = reason
	}
	t.cancel()
	return true
}

// setStatusLocked updates status and timestamps. Caller holds mu.
func (t *Task) setStatusLocked(s Status) {
	now := time.Now()
	t.Status = s
	t.LastEventAt = now
	switch s {
	case StatusRunning:
		t.StartedAt = now
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = now
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}

// statusEventLocked describes the current state as a task_status event.
// Caller holds mu.
func (t *Task) statusEventLocked() event.Event {
	e := event.TaskStatus(t.SessionID, t.ID, string(t.Status), string(t.Step), t.payload)
	if t.Status == StatusFailed {
		e.Message = t.Error
	}
	return e
}

// Result returns the payload recorded for a finished step.
func (t *Task) Result(step pipeline.Name) (json.RawMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.results[step]
	return p, ok
}

// Snapshot returns a read-consistent copy of key fields.
func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return Snapshot{
		ID:             t.ID,
		SessionID:      t.SessionID,
		Question:       t.Question,
		Status:         t.Status,
		Step:           t.Step,
		Payload:        t.payload,
		CompletedSteps: len(t.results),
		Error:          t.Error,
		FailedStep:     t.FailedStep,
		CancelReason:   t.CancelReason,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		LastEventAt:    t.LastEventAt,
	}
}

// Snapshot is a read-only copy of a Task's state at a point in time.
type Snapshot struct {
	ID             string          `json:"task_id"`
	SessionID      string          `json:"session_id"`
	Question       string          `json:"question"`
	Status         Status          `json:"status"`
	Step           pipeline.Name   `json:"step,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CompletedSteps int             `json:"completed_steps"`
	Error          string          `json:"error,omitempty"`
	FailedStep     pipeline.Name   `json:"failed_step,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
	LastEventAt    time.Time       `json:"last_event_at"`
}

// Duration returns the elapsed time from start to completion (or now if still running).
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.CompletedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// FormatDuration returns a human-readable duration string.
func (s Snapshot) FormatDuration() string {
	d := s.Duration()
	if d < time.Second {
		return "< 1s"
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
