package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface for the query audit trail.
type Store interface {
	// Queries
	CreateQuery(q *QueryRecord) error
	GetQuery(id string) (*QueryRecord, error)
	UpdateQuery(q *QueryRecord) error
	ListQueries(f QueryFilter) ([]QueryRecord, error)

	// Query events
	AddEvent(e *TaskEvent) error
	GetEvents(taskID string, limit int) ([]TaskEvent, error)

	// Analytics
	GetAverageQueryDuration() (time.Duration, int, error)

	// Maintenance
	Cleanup(olderThan time.Time) (int64, error)
	Close() error
}

// QueryRecord is the persisted outcome of one question.
type QueryRecord struct {
	ID          string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	Question    string    `json:"question"`
	Status      string    `json:"status"`
	Step        string    `json:"step,omitempty"`
	SQL         string    `json:"sql,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	RowCount    int       `json:"row_count"`
	Error       string    `json:"error,omitempty"`
	FailedStep  string    `json:"failed_step,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// QueryFilter specifies criteria for listing queries.
type QueryFilter struct {
	SessionID string
	Status    string
	Limit     int
	Since     time.Time
}

// TaskEvent represents a timestamped event for the audit trail.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	EventType string    `json:"event_type"`
	Step      string    `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
