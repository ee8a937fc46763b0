package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/pipeline"
	"github.com/btouchard/querycast/internal/stream"
	"github.com/btouchard/querycast/internal/task"
)

type stubStep struct {
	name pipeline.Name
	gate chan struct{}
	out  any
}

func (s *stubStep) Name() pipeline.Name { return s.name }

func (s *stubStep) Run(ctx context.Context, _ *pipeline.State) (any, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.out, nil
}

// newTestManager returns a manager whose pipeline waits on gate before its
// first step. A nil gate runs straight through.
func newTestManager(t *testing.T, gate chan struct{}) *task.Manager {
	t.Helper()

	p := pipeline.Pipeline{
		&stubStep{name: pipeline.StepIntent, gate: gate, out: pipeline.Intent{Summary: "revenue"}},
		&stubStep{name: pipeline.StepSQLGeneration, out: map[string]string{"sql": "SELECT 1"}},
		&stubStep{name: pipeline.StepSQLExecution, out: pipeline.ResultPreview{RowCount: 3}},
		&stubStep{name: pipeline.StepSummarization, out: pipeline.Answer{
			Summary: "EMEA leads with 42%.", SQL: "SELECT region, sum(amount) FROM orders GROUP BY 1", RowCount: 3,
		}},
	}
	tm := task.NewManager(stream.NewHub(stream.NewRegistry(), time.Hour), p, task.Options{MaxDuration: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tm.Shutdown(ctx)
	})
	return tm
}

func newTestAuth(t *testing.T) (*auth.TokenAuthorizer, context.Context) {
	t.Helper()
	a, err := auth.NewTokenAuthorizer([]auth.Entry{
		{Name: "analyst", Hash: auth.HashToken("tok"), Sessions: []string{"sales-*"}},
	})
	require.NoError(t, err)
	id, err := a.Authenticate("tok")
	require.NoError(t, err)
	return a, auth.WithIdentity(context.Background(), id)
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, r)
	require.NotEmpty(t, r.Content)
	return r.Content[0].(mcp.TextContent).Text
}

type fixedEstimator struct {
	avg   time.Duration
	count int
	err   error
}

func (f fixedEstimator) GetAverageQueryDuration() (time.Duration, int, error) {
	return f.avg, f.count, f.err
}

// --- StartQuery ---

func TestStartQuery_WhenValid_StartsAndEstimates(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 100, fixedEstimator{avg: 90 * time.Second, count: 4})

	result, err := handler(context.Background(), makeReq(map[string]any{
		"session_id": "sales-1",
		"question":   "revenue by region?",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Query started")
	assert.Contains(t, text, "~1m (based on 4 previous queries)")

	cur, err := tm.Get("sales-1")
	require.NoError(t, err)
	assert.Contains(t, text, cur.ID)
}

type fakeClientSession struct{ id string }

func (f fakeClientSession) Initialize()       {}
func (f fakeClientSession) Initialized() bool { return true }
func (f fakeClientSession) SessionID() string { return f.id }
func (f fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

func TestStartQuery_RecordsCallingMCPSession(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 100, nil)

	srv := server.NewMCPServer("test", "1.0.0")
	ctx := srv.WithContext(context.Background(), fakeClientSession{id: "mcp-client-a"})

	result, err := handler(ctx, makeReq(map[string]any{
		"session_id": "sales-1",
		"question":   "revenue by region?",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	cur, err := tm.Get("sales-1")
	require.NoError(t, err)
	assert.Equal(t, "mcp-client-a", cur.MCPSessionID)
}

func TestStartQuery_WhenNoHistory_SaysUnknown(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 0, fixedEstimator{})

	result, err := handler(context.Background(), makeReq(map[string]any{"session_id": "s", "question": "q"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "unknown (no query history yet)")
}

func TestStartQuery_WhenEstimatorFails_StillStarts(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 0, fixedEstimator{err: errors.New("db locked")})

	result, err := handler(context.Background(), makeReq(map[string]any{"session_id": "s", "question": "q"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.NotContains(t, resultText(t, result), "Estimated")
}

func TestStartQuery_ValidatesArguments(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 10, nil)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing session", map[string]any{"question": "q"}, "session_id is required"},
		{"missing question", map[string]any{"session_id": "s"}, "question is required"},
		{"blank question", map[string]any{"session_id": "s", "question": "  "}, "question is required"},
		{"too long", map[string]any{"session_id": "s", "question": "abcdefghijk"}, "question too long"},
	}
	for _, tt := range tests {
		result, err := handler(context.Background(), makeReq(tt.args))
		require.NoError(t, err, tt.name)
		assert.True(t, result.IsError, tt.name)
		assert.Contains(t, resultText(t, result), tt.want, tt.name)
	}
}

func TestStartQuery_WhenAlreadyRunning_ReturnsConflict(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	handler := StartQuery(tm, nil, 0, nil)

	_, err := handler(context.Background(), makeReq(map[string]any{"session_id": "s", "question": "first"}))
	require.NoError(t, err)

	result, err := handler(context.Background(), makeReq(map[string]any{"session_id": "s", "question": "second"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already running")
}

func TestStartQuery_WhenSessionForbidden_Refuses(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	a, ctx := newTestAuth(t)
	handler := StartQuery(tm, a, 0, nil)

	result, err := handler(ctx, makeReq(map[string]any{"session_id": "hr-1", "question": "salaries?"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Access denied")

	result, err = handler(context.Background(), makeReq(map[string]any{"session_id": "sales-1", "question": "q"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Not authenticated")

	assert.Equal(t, 0, tm.RunningCount())
}

// --- CheckQuery ---

func TestCheckQuery_WhenRunning_ShowsStep(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	started, err := tm.Start(context.Background(), "s", "orders?")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return started.Snapshot().Status == task.StatusRunning }, 2*time.Second, 5*time.Millisecond)

	result, err := CheckQuery(tm, nil)(context.Background(), makeReq(map[string]any{"session_id": "s"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, started.ID)
	assert.Contains(t, text, "Status: running")
	assert.Contains(t, text, "Step: 1/4 intent")
}

func TestCheckQuery_WhenCompleted_ShowsAnswer(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil)
	started, err := tm.Start(context.Background(), "s", "revenue by region?")
	require.NoError(t, err)
	<-started.Done()

	result, err := CheckQuery(tm, nil)(context.Background(), makeReq(map[string]any{"session_id": "s"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Status: completed")
	assert.Contains(t, text, "Rows: 3")
	assert.Contains(t, text, "GROUP BY 1")
	assert.Contains(t, text, "EMEA leads with 42%.")
}

func TestCheckQuery_LongPoll_ReturnsOnCompletion(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	tm := newTestManager(t, gate)
	_, err := tm.Start(context.Background(), "s", "q")
	require.NoError(t, err)

	time.AfterFunc(100*time.Millisecond, func() { close(gate) })

	start := time.Now()
	result, err := CheckQuery(tm, nil)(context.Background(), makeReq(map[string]any{"session_id": "s", "wait_seconds": float64(10)}))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotContains(t, resultText(t, result), "Status: pending")
}

func TestCheckQuery_WhenNoQuery_ReturnsError(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil)

	result, err := CheckQuery(tm, nil)(context.Background(), makeReq(map[string]any{"session_id": "nobody"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No query for session nobody")
}

// --- CancelQuery ---

func TestCancelQuery_StopsRunningQuery(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	started, err := tm.Start(context.Background(), "s", "q")
	require.NoError(t, err)

	handler := CancelQuery(tm, nil)
	result, err := handler(context.Background(), makeReq(map[string]any{"session_id": "s", "reason": "wrong question"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "being cancelled")

	select {
	case <-started.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("query did not stop")
	}
	snap := started.Snapshot()
	assert.Equal(t, task.StatusCancelled, snap.Status)
	assert.Equal(t, "wrong question", snap.CancelReason)

	result, err = handler(context.Background(), makeReq(map[string]any{"session_id": "s"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already finished (cancelled)")
}

func TestCancelQuery_WhenNoQuery_ReturnsError(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, nil)

	result, err := CancelQuery(tm, nil)(context.Background(), makeReq(map[string]any{"session_id": "s"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- ListQueries ---

func TestListQueries_FiltersByAccessAndStatus(t *testing.T) {
	t.Parallel()
	tm := newTestManager(t, make(chan struct{}))
	a, ctx := newTestAuth(t)

	for _, s := range []string{"sales-1", "sales-2", "hr-1"} {
		_, err := tm.Start(context.Background(), s, "question for "+s)
		require.NoError(t, err)
	}
	_, err := tm.Cancel("sales-2", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tm.RunningCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	handler := ListQueries(tm, a)

	result, err := handler(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Queries (2 found)")
	assert.Contains(t, text, "sales-1")
	assert.Contains(t, text, "sales-2")
	assert.NotContains(t, text, "hr-1")

	result, err = handler(ctx, makeReq(map[string]any{"status": "cancelled"}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "Queries (1 found)")
	assert.Contains(t, text, "sales-2")

	result, err = handler(ctx, makeReq(map[string]any{"status": "failed"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No queries found")

	result, err = handler(ctx, makeReq(map[string]any{"since": "yesterday"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStepPosition(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "3/4 sql_execution", stepPosition(pipeline.StepSQLExecution))
	assert.Equal(t, "custom", stepPosition("custom"))
}

func TestFormatEstimate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "45s", formatEstimate(45*time.Second))
	assert.Equal(t, "1s", formatEstimate(200*time.Millisecond))
	assert.Equal(t, "3m", formatEstimate(200*time.Second))
}
