package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/btouchard/querycast/internal/store"
)

// Recorder writes the query audit trail to a store.
type Recorder struct {
	store store.Store
}

// NewRecorder creates a Recorder backed by s.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Notify persists the event. Failures are logged; the audit trail never
// affects query execution.
func (r *Recorder) Notify(event Event) {
	if event.Type == "task.queued" {
		err := r.store.CreateQuery(&store.QueryRecord{
			ID:        event.TaskID,
			SessionID: event.SessionID,
			Question:  event.Question,
			Status:    event.Status,
			CreatedAt: event.At,
		})
		if err != nil {
			slog.Error("recording query", "task_id", event.TaskID, "error", err)
			return
		}
		r.addEvent(event)
		return
	}

	q, err := r.store.GetQuery(event.TaskID)
	if err != nil {
		slog.Error("loading query record", "task_id", event.TaskID, "error", err)
		return
	}

	q.Status = event.Status
	q.Step = event.Step
	switch event.Type {
	case "task.started":
		q.StartedAt = event.At
	case "task.step":
		applyStepPayload(q, event.Step, event.Payload)
	case "task.failed":
		q.Error = event.Message
		q.FailedStep = event.Step
		q.CompletedAt = event.At
	case "task.completed", "task.cancelled":
		q.CompletedAt = event.At
	}

	if err := r.store.UpdateQuery(q); err != nil {
		slog.Error("updating query record", "task_id", event.TaskID, "error", err)
		return
	}
	r.addEvent(event)
}

func (r *Recorder) addEvent(event Event) {
	err := r.store.AddEvent(&store.TaskEvent{
		TaskID:    event.TaskID,
		EventType: event.Type,
		Step:      event.Step,
		Message:   event.Message,
		CreatedAt: event.At,
	})
	if err != nil {
		slog.Error("recording query event", "task_id", event.TaskID, "type", event.Type, "error", err)
	}
}

// applyStepPayload copies the fields of interest out of a step result.
func applyStepPayload(q *store.QueryRecord, step string, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var fields struct {
		SQL      string `json:"sql"`
		Summary  string `json:"summary"`
		RowCount *int   `json:"row_count"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		slog.Debug("step payload not recorded", "step", step, "error", err)
		return
	}
	if fields.SQL != "" {
		q.SQL = fields.SQL
	}
	if step == "summarization" && fields.Summary != "" {
		q.Summary = fields.Summary
	}
	if fields.RowCount != nil {
		q.RowCount = *fields.RowCount
	}
}
