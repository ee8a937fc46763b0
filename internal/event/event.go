// Package event defines the progress events streamed to session viewers.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Kind discriminates progress events on the wire.
type Kind string

const (
	KindConnected  Kind = "connected"
	KindHeartbeat  Kind = "heartbeat"
	KindTaskStatus Kind = "task_status"
	KindStepUpdate Kind = "step_update"
	KindError      Kind = "error"
	KindDone       Kind = "done"
)

// Event is one observable state change of a session. Events are values:
// the payload is marshalled once at construction and never mutated, so a
// single Event can be handed to any number of sinks.
type Event struct {
	Type      Kind            `json:"type"`
	SessionID string          `json:"session_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Step      string          `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connected is the first event a new viewer receives.
func Connected(sessionID string) Event {
	return Event{Type: KindConnected, SessionID: sessionID, Timestamp: time.Now()}
}

// Heartbeat keeps idle connections open through proxies.
func Heartbeat(sessionID string) Event {
	return Event{Type: KindHeartbeat, SessionID: sessionID, Timestamp: time.Now()}
}

// TaskStatus reports the coarse status and step cursor of a task.
// payload may be nil.
func TaskStatus(sessionID, taskID, status, step string, payload json.RawMessage) Event {
	return Event{
		Type:      KindTaskStatus,
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    status,
		Step:      step,
		Payload:   clone(payload),
		Timestamp: time.Now(),
	}
}

// StepUpdate reports the result of a finished pipeline step.
func StepUpdate(sessionID, taskID, step string, payload json.RawMessage) Event {
	return Event{
		Type:      KindStepUpdate,
		SessionID: sessionID,
		TaskID:    taskID,
		Step:      step,
		Payload:   clone(payload),
		Timestamp: time.Now(),
	}
}

// Error reports a failed task. message is meant for direct display.
func Error(sessionID, taskID, step, message string) Event {
	return Event{
		Type:      KindError,
		SessionID: sessionID,
		TaskID:    taskID,
		Step:      step,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Done reports a completed task with its final result.
func Done(sessionID, taskID string, payload json.RawMessage) Event {
	return Event{
		Type:      KindDone,
		SessionID: sessionID,
		TaskID:    taskID,
		Payload:   clone(payload),
		Timestamp: time.Now(),
	}
}

// MarshalPayload encodes v for use as an event payload. Values that cannot
// be encoded are logged and dropped rather than failing the transition.
func MarshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("dropping unencodable event payload", "error", err)
		return nil
	}
	return data
}

// Encode renders e as one server-sent-events frame: a single data line
// followed by a blank line.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.Type, err)
	}

	var b bytes.Buffer
	b.Grow(len(data) + 8)
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// Decode parses the JSON body of a data line.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	return e, nil
}

// IsTerminal reports whether e closes a task's event sequence.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case KindDone, KindError:
		return true
	case KindTaskStatus:
		return e.Status == "cancelled"
	}
	return false
}

func clone(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return nil
	}
	return bytes.Clone(p)
}
