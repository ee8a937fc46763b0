package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/querycast/internal/store"
)

type collectingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectingNotifier) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collectingNotifier) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(Event) { panic("boom") }

func TestHub_Run_DeliversInOrderToEveryNotifier(t *testing.T) {
	t.Parallel()

	a, b := &collectingNotifier{}, &collectingNotifier{}
	h := NewHub(16, a, panickingNotifier{}, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	want := []string{"task.queued", "task.started", "task.step", "task.completed"}
	for _, typ := range want {
		h.Notify(Event{Type: typ, TaskID: "qry-1"})
	}

	require.Eventually(t, func() bool { return len(b.Types()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.Types())
	assert.Equal(t, want, b.Types())

	cancel()
	<-done
}

func TestHub_Run_DrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()

	c := &collectingNotifier{}
	h := NewHub(8, c)
	h.Notify(Event{Type: "task.queued"})
	h.Notify(Event{Type: "task.started"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))

	assert.Equal(t, []string{"task.queued", "task.started"}, c.Types())
}

func TestHub_Notify_WhenQueueFull_DropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	c := &collectingNotifier{}
	h := NewHub(1, c)
	h.Notify(Event{Type: "task.queued"})
	h.Notify(Event{Type: "task.started"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))

	assert.Equal(t, []string{"task.queued"}, c.Types())
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []string
	targets []string
	last    map[string]any
	err     error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	f.targets = append(f.targets, sessionID)
	f.last = params
	return f.err
}

func TestMCPNotifier_DebouncesSteps(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	n := NewMCPNotifier(s, time.Hour)

	n.Notify(Event{Type: "task.step", TaskID: "qry-1", Step: "intent", MCPSessionID: "mcp-a"})
	n.Notify(Event{Type: "task.step", TaskID: "qry-1", Step: "sql_generation", MCPSessionID: "mcp-a"})
	n.Notify(Event{Type: "task.completed", TaskID: "qry-1", MCPSessionID: "mcp-a"})
	n.Notify(Event{Type: "task.step", TaskID: "qry-1", Step: "intent", MCPSessionID: "mcp-a"})

	assert.Equal(t, []string{
		"notifications/progress",
		"notifications/message",
		"notifications/progress",
	}, s.calls)
}

func TestMCPNotifier_FailedUsesErrorLevel(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	n := NewMCPNotifier(s, 0)
	n.Notify(Event{Type: "task.failed", TaskID: "qry-1", Step: "sql_execution", Message: "the query failed", MCPSessionID: "mcp-a"})

	require.Len(t, s.calls, 1)
	assert.Equal(t, "error", s.last["level"])
	data := s.last["data"].(map[string]any)
	assert.Equal(t, "sql_execution", data["step"])
	assert.Equal(t, "the query failed", data["message"])
}

func TestMCPNotifier_ProgressCountsSteps(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	n := NewMCPNotifier(s, 0)
	n.Notify(Event{Type: "task.step", TaskID: "qry-1", Step: "sql_execution", MCPSessionID: "mcp-a"})

	assert.Equal(t, 3, s.last["progress"])
	assert.Equal(t, 4, s.last["total"])
}

func TestMCPNotifier_SendsOnlyToOriginatingClient(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	n := NewMCPNotifier(s, 0)

	n.Notify(Event{Type: "task.started", TaskID: "qry-a", SessionID: "sales-a", MCPSessionID: "mcp-a"})
	n.Notify(Event{Type: "task.started", TaskID: "qry-b", SessionID: "sales-b", MCPSessionID: "mcp-b"})
	n.Notify(Event{Type: "task.failed", TaskID: "qry-b", SessionID: "sales-b", MCPSessionID: "mcp-b", Message: "boom"})

	// mcp-a started only qry-a, so session sales-b never reaches it.
	assert.Equal(t, []string{"mcp-a", "mcp-b", "mcp-b"}, s.targets)
}

func TestMCPNotifier_WithoutOriginatingClient_SendsNothing(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	n := NewMCPNotifier(s, 0)

	n.Notify(Event{Type: "task.started", TaskID: "qry-1", SessionID: "sales-a"})
	n.Notify(Event{Type: "task.step", TaskID: "qry-1", SessionID: "sales-a", Step: "intent"})
	n.Notify(Event{Type: "task.cancelled", TaskID: "qry-1", SessionID: "sales-a"})

	assert.Empty(t, s.calls)
}

func TestMCPNotifier_WhenClientGone_DoesNotBroadcast(t *testing.T) {
	t.Parallel()

	s := &fakeSender{err: errors.New("session not found")}
	n := NewMCPNotifier(s, 0)

	n.Notify(Event{Type: "task.completed", TaskID: "qry-1", MCPSessionID: "mcp-gone"})

	assert.Equal(t, []string{"mcp-gone"}, s.targets)
}

func newRecorderStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecorder_RecordsFullLifecycle(t *testing.T) {
	t.Parallel()

	st := newRecorderStore(t)
	r := NewRecorder(st)
	now := time.Now()

	payload := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	r.Notify(Event{Type: "task.queued", TaskID: "qry-1", SessionID: "s1", Question: "revenue?", Status: "pending", At: now})
	r.Notify(Event{Type: "task.started", TaskID: "qry-1", Status: "running", Step: "intent", At: now})
	r.Notify(Event{Type: "task.step", TaskID: "qry-1", Status: "running", Step: "intent",
		Payload: payload(map[string]any{"summary": "revenue per region"}), At: now})
	r.Notify(Event{Type: "task.step", TaskID: "qry-1", Status: "running", Step: "sql_generation",
		Payload: payload(map[string]any{"sql": "SELECT 1"}), At: now})
	r.Notify(Event{Type: "task.step", TaskID: "qry-1", Status: "running", Step: "sql_execution",
		Payload: payload(map[string]any{"row_count": 7}), At: now})
	r.Notify(Event{Type: "task.step", TaskID: "qry-1", Status: "completed", Step: "summarization",
		Payload: payload(map[string]any{"summary": "EU leads.", "row_count": 7}), At: now})
	r.Notify(Event{Type: "task.completed", TaskID: "qry-1", Status: "completed", Step: "summarization", At: now.Add(time.Second)})

	q, err := st.GetQuery("qry-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", q.Status)
	assert.Equal(t, "SELECT 1", q.SQL)
	assert.Equal(t, "EU leads.", q.Summary)
	assert.Equal(t, 7, q.RowCount)
	assert.False(t, q.StartedAt.IsZero())
	assert.False(t, q.CompletedAt.IsZero())

	events, err := st.GetEvents("qry-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 7)
}

func TestRecorder_RecordsFailure(t *testing.T) {
	t.Parallel()

	st := newRecorderStore(t)
	r := NewRecorder(st)

	r.Notify(Event{Type: "task.queued", TaskID: "qry-2", SessionID: "s1", Question: "q", Status: "pending", At: time.Now()})
	r.Notify(Event{Type: "task.failed", TaskID: "qry-2", Status: "failed", Step: "sql_execution", Message: "the query failed", At: time.Now()})

	q, err := st.GetQuery("qry-2")
	require.NoError(t, err)
	assert.Equal(t, "failed", q.Status)
	assert.Equal(t, "sql_execution", q.FailedStep)
	assert.Equal(t, "the query failed", q.Error)
}

func TestRecorder_WhenQueryUnknown_DoesNotPanic(t *testing.T) {
	t.Parallel()

	r := NewRecorder(newRecorderStore(t))
	assert.NotPanics(t, func() {
		r.Notify(Event{Type: "task.completed", TaskID: "ghost"})
	})
}
