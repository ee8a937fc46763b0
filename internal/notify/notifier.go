package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event represents a query lifecycle notification.
type Event struct {
	Type      string // "task.queued", "task.started", "task.step", "task.completed", "task.failed", "task.cancelled"
	TaskID    string
	SessionID string
	Question  string
	Status    string
	Step      string
	Message   string
	Payload   json.RawMessage
	At        time.Time

	// MCPSessionID is the MCP client that started the query, if any.
	MCPSessionID string
}

// Notifier receives query lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

// DefaultBuffer is the queue size used when NewHub gets a non-positive one.
const DefaultBuffer = 256

// Hub dispatches events to multiple notifiers from a single worker, so every
// notifier sees events in the order they were emitted.
type Hub struct {
	notifiers []Notifier
	queue     chan Event
}

// NewHub creates a Hub with the given notifiers.
func NewHub(buffer int, notifiers ...Notifier) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		notifiers: notifiers,
		queue:     make(chan Event, buffer),
	}
}

// Notify queues an event without blocking. Events are dropped with a
// warning when the queue is full.
func (h *Hub) Notify(event Event) {
	select {
	case h.queue <- event:
	default:
		slog.Warn("notification queue full, dropping event",
			"type", event.Type,
			"task_id", event.TaskID)
	}
}

// Run delivers queued events until ctx is done, then drains what is left.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case e := <-h.queue:
			h.dispatch(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-h.queue:
					h.dispatch(e)
				default:
					return nil
				}
			}
		}
	}
}

func (h *Hub) dispatch(e Event) {
	for _, n := range h.notifiers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("notifier panicked", "type", e.Type, "panic", r)
				}
			}()
			n.Notify(e)
		}()
	}
}
