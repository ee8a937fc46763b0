package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/btouchard/querycast/internal/event"
	"github.com/btouchard/querycast/internal/metrics"
	"github.com/btouchard/querycast/internal/pipeline"
	"github.com/btouchard/querycast/internal/stream"
)

var (
	// ErrConflict is returned by Start under the reject policy while a
	// query is still running for the session.
	ErrConflict = errors.New("a query is already running for this session")
	// ErrNotFound is returned when no task is registered.
	ErrNotFound = errors.New("no query for this session")
	// ErrNotRunning is returned when cancelling a finished task.
	ErrNotRunning = errors.New("query is not running")
	// ErrStillRunning is returned when acknowledging an unfinished task.
	ErrStillRunning = errors.New("query is still running")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("task manager is shutting down")
)

// Policy decides what Start does while a task is active for the session.
type Policy string

const (
	PolicyReject  Policy = "reject"
	PolicyReplace Policy = "replace"
)

// Notification is a task lifecycle event for side-effect listeners.
type Notification struct {
	Type      string // "task.queued", "task.started", "task.step", "task.completed", "task.failed", "task.cancelled"
	TaskID    string
	SessionID string
	Question  string
	Status    Status
	Step      pipeline.Name
	Message   string
	Payload   json.RawMessage
	At        time.Time

	MCPSessionID string // MCP client that started the task, if any
}

// NotifyFunc is called when a task lifecycle event occurs.
type NotifyFunc func(Notification)

// Streams is the part of the broadcast hub the manager needs.
type Streams interface {
	Publish(sessionID string, e event.Event) int
	Attach(sessionID string, s stream.Sink) error
	Detach(sessionID string, s stream.Sink) bool
	Viewers(sessionID string) int
}

// Options tunes the manager.
type Options struct {
	Policy      Policy
	StepTimeout time.Duration // per pipeline step, 0 = none
	MaxDuration time.Duration // whole task
	Retention   time.Duration // how long a finished task stays queryable, 0 = until replaced or acknowledged
	IdleAbort   time.Duration // cancel a running task this long after its last viewer leaves, 0 = never
}

// Manager is the task registry: at most one task per session.
type Manager struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	idle  map[string]*time.Timer

	streams  Streams
	pipeline pipeline.Pipeline
	opts     Options
	onNotify NotifyFunc

	wg     sync.WaitGroup
	closed bool
}

// NewManager creates a new task Manager.
func NewManager(streams Streams, p pipeline.Pipeline, opts Options) *Manager {
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 10 * time.Minute
	}
	return &Manager{
		tasks:    make(map[string]*Task),
		idle:     make(map[string]*time.Timer),
		streams:  streams,
		pipeline: p,
		opts:     opts,
	}
}

// SetNotifyFunc sets the callback for task lifecycle events.
// It must be called before the first Start.
func (m *Manager) SetNotifyFunc(fn NotifyFunc) {
	m.onNotify = fn
}

// Policy returns the single-flight policy in effect.
func (m *Manager) Policy() Policy {
	return m.opts.Policy
}

// Start registers a task for sessionID and runs the pipeline in the
// background. The task outlives ctx; ctx only bounds the wait for a
// replaced task to stop.
func (m *Manager) Start(ctx context.Context, sessionID, question string) (*Task, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}

		cur := m.tasks[sessionID]
		if cur == nil || cur.IsTerminal() {
			t, taskCtx := m.registerLocked(sessionID, question, mcpSessionFrom(ctx))
			m.mu.Unlock()

			slog.Info("task created",
				"task_id", t.ID,
				"session_id", sessionID,
				"policy", string(m.opts.Policy))
			m.notify(t, "task.queued", "")

			go m.run(taskCtx, t)
			return t, nil
		}
		m.mu.Unlock()

		if m.opts.Policy != PolicyReplace {
			metrics.StartRejected.Inc()
			return nil, ErrConflict
		}

		slog.Info("replacing running task", "task_id", cur.ID, "session_id", sessionID)
		cur.requestCancel("replaced by a new query")
		select {
		case <-cur.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// registerLocked stores a new task and reserves its run goroutine in wg.
// Background context so tasks survive after the starting request completes.
func (m *Manager) registerLocked(sessionID, question, mcpSessionID string) (*Task, context.Context) {
	if prev := m.tasks[sessionID]; prev != nil {
		m.dropLocked(prev)
	}
	t := New(sessionID, question)
	t.MCPSessionID = mcpSessionID
	taskCtx, cancel := context.WithTimeout(context.Background(), m.opts.MaxDuration)
	t.cancel = cancel
	m.tasks[sessionID] = t

	m.wg.Add(1)
	return t, taskCtx
}

func (m *Manager) run(ctx context.Context, t *Task) {
	defer m.wg.Done()
	defer t.cancel()

	st := &pipeline.State{SessionID: t.SessionID, Question: t.Question}

	if !m.begin(ctx, t) {
		m.finish(ctx, t, "", nil)
		return
	}
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	for i, step := range m.pipeline {
		if i > 0 {
			t.mu.Lock()
			t.Step = step.Name()
			t.mu.Unlock()
		}

		payload, err := m.runStep(ctx, step, st)
		if err != nil || ctx.Err() != nil {
			m.finish(ctx, t, step.Name(), err)
			return
		}

		last := i == len(m.pipeline)-1
		if !m.stepDone(ctx, t, step.Name(), event.MarshalPayload(payload), last) {
			m.finish(ctx, t, step.Name(), nil)
			return
		}
	}
}

// begin moves a pending task to running. It fails if the task was
// cancelled before it got scheduled.
func (m *Manager) begin(ctx context.Context, t *Task) bool {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	if len(m.pipeline) > 0 {
		t.Step = m.pipeline[0].Name()
	}
	t.setStatusLocked(StatusRunning)
	m.streams.Publish(t.SessionID, event.TaskStatus(t.SessionID, t.ID, string(StatusRunning), string(t.Step), nil))
	t.mu.Unlock()

	slog.Info("task started", "task_id", t.ID, "session_id", t.SessionID)
	m.notify(t, "task.started", "")
	return true
}

// runStep invokes one step under the per-step timeout and turns panics
// into step failures.
func (m *Manager) runStep(ctx context.Context, step pipeline.Step, st *pipeline.State) (payload any, err error) {
	stepCtx := ctx
	if m.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, m.opts.StepTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline step panicked", "step", string(step.Name()), "panic", r)
			payload = nil
			err = pipeline.Fail(step.Name(), "internal error", fmt.Errorf("panic: %v", r))
		}

		result := "ok"
		switch {
		case ctx.Err() != nil:
			result = "cancelled"
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded) && err != nil:
			result = "timeout"
			err = pipeline.Fail(step.Name(), fmt.Sprintf("the %s step timed out after %s", step.Name(), m.opts.StepTimeout), err)
		case err != nil:
			result = "error"
		}
		metrics.StepDuration.WithLabelValues(string(step.Name()), result).Observe(time.Since(start).Seconds())
	}()

	return step.Run(stepCtx, st)
}

// stepDone records a successful step and emits its step_update, plus done
// for the last step. Returns false if the task was cancelled meanwhile, in
// which case nothing is emitted.
func (m *Manager) stepDone(ctx context.Context, t *Task, step pipeline.Name, payload json.RawMessage, last bool) bool {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return false
	}
	t.payload = payload
	t.results[step] = payload
	t.LastEventAt = time.Now()
	m.streams.Publish(t.SessionID, event.StepUpdate(t.SessionID, t.ID, string(step), payload))
	if last {
		m.streams.Publish(t.SessionID, event.Done(t.SessionID, t.ID, payload))
		t.setStatusLocked(StatusCompleted)
	}
	t.mu.Unlock()

	slog.Debug("task step finished", "task_id", t.ID, "step", string(step))
	m.notifyPayload(t, "task.step", "", payload)
	if last {
		m.finished(t, "task.completed", "")
	}
	return true
}

// finish moves t to failed or cancelled depending on why it stopped.
// Terminal events are published before Done is closed.
func (m *Manager) finish(ctx context.Context, t *Task, step pipeline.Name, err error) {
	t.mu.Lock()
	var (
		kind    string
		message string
	)
	switch {
	case ctx.Err() != nil && t.CancelReason != "":
		kind, message = "task.cancelled", t.CancelReason
		m.streams.Publish(t.SessionID, event.TaskStatus(t.SessionID, t.ID, string(StatusCancelled), string(t.Step), t.payload))
		t.setStatusLocked(StatusCancelled)
	case ctx.Err() != nil:
		kind, message = "task.failed", fmt.Sprintf("the query exceeded its maximum duration of %s", m.opts.MaxDuration)
		m.failLocked(t, step, message)
	default:
		kind, message = "task.failed", displayMessage(err)
		m.failLocked(t, step, message)
	}
	t.mu.Unlock()

	if err != nil && kind == "task.failed" {
		slog.Warn("task failed", "task_id", t.ID, "session_id", t.SessionID, "step", string(step), "error", err)
	}
	m.finished(t, kind, message)
}

func (m *Manager) failLocked(t *Task, step pipeline.Name, message string) {
	t.Error = message
	t.FailedStep = step
	t.Step = step
	m.streams.Publish(t.SessionID, event.Error(t.SessionID, t.ID, string(step), message))
	t.setStatusLocked(StatusFailed)
}

func displayMessage(err error) string {
	if err == nil {
		return "the query stopped unexpectedly"
	}
	var stepErr *pipeline.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Message
	}
	return err.Error()
}

// finished runs after every terminal transition: metrics, notification
// and the retention timer.
func (m *Manager) finished(t *Task, kind, message string) {
	snap := t.Snapshot()
	metrics.TasksFinished.WithLabelValues(string(snap.Status)).Inc()
	slog.Info("task finished",
		"task_id", snap.ID,
		"session_id", snap.SessionID,
		"status", string(snap.Status),
		"duration", snap.FormatDuration())

	m.notifyPayload(t, kind, message, snap.Payload)

	if m.opts.Retention > 0 {
		m.mu.Lock()
		if !m.closed && m.tasks[t.SessionID] == t {
			t.retention = time.AfterFunc(m.opts.Retention, func() { m.evict(t) })
		}
		m.mu.Unlock()
	}
}

// evict removes t if it is still the registered task of its session.
func (m *Manager) evict(t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tasks[t.SessionID] != t {
		return false
	}
	m.dropLocked(t)
	delete(m.tasks, t.SessionID)
	slog.Debug("task evicted", "task_id", t.ID, "session_id", t.SessionID)
	return true
}

// dropLocked stops the retention timer of a task leaving the registry.
func (m *Manager) dropLocked(t *Task) {
	if t.retention != nil {
		t.retention.Stop()
		t.retention = nil
	}
}

func (m *Manager) notify(t *Task, kind, message string) {
	m.notifyPayload(t, kind, message, nil)
}

func (m *Manager) notifyPayload(t *Task, kind, message string, payload json.RawMessage) {
	if m.onNotify == nil {
		return
	}
	snap := t.Snapshot()
	m.onNotify(Notification{
		Type:      kind,
		TaskID:    snap.ID,
		SessionID: snap.SessionID,
		Question:  snap.Question,
		Status:    snap.Status,
		Step:      snap.Step,
		Message:   message,
		Payload:   payload,
		At:        time.Now(),

		MCPSessionID: t.MCPSessionID,
	})
}

// Get returns the task registered for sessionID.
func (m *Manager) Get(sessionID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Filter specifies criteria for listing tasks.
type Filter struct {
	Status string
	Limit  int
	Since  time.Time
}

// List returns tasks matching the given filter, newest first.
func (m *Manager) List(filter Filter) []Snapshot {
	m.mu.RLock()
	results := make([]Snapshot, 0, len(m.tasks))
	for _, t := range m.tasks {
		snap := t.Snapshot()

		if filter.Status != "" && filter.Status != "all" && snap.Status != Status(filter.Status) {
			continue
		}
		if !filter.Since.IsZero() && snap.CreatedAt.Before(filter.Since) {
			continue
		}
		results = append(results, snap)
	}
	m.mu.RUnlock()

	slices.SortFunc(results, func(a, b Snapshot) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results
}

// Cancel stops the running task of sessionID. The transition to cancelled
// happens on the task's goroutine; wait on Done to observe it.
func (m *Manager) Cancel(sessionID, reason string) (*Task, error) {
	t, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	if !t.requestCancel(reason) {
		return t, ErrNotRunning
	}

	slog.Info("cancelling task", "task_id", t.ID, "session_id", sessionID, "reason", reason)
	return t, nil
}

// Acknowledge evicts the finished task of sessionID immediately.
func (m *Manager) Acknowledge(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !t.IsTerminal() {
		return ErrStillRunning
	}
	m.dropLocked(t)
	delete(m.tasks, sessionID)
	return nil
}

// Subscribe attaches sink to sessionID and, when a task is registered,
// sends it one task_status snapshot. Publishing happens under the task
// lock, so the snapshot is never reordered with live events.
func (m *Manager) Subscribe(sessionID string, sink stream.Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.idle[sessionID]; ok {
		timer.Stop()
		delete(m.idle, sessionID)
	}

	t := m.tasks[sessionID]
	if t == nil {
		return m.streams.Attach(sessionID, sink)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if err := m.streams.Attach(sessionID, sink); err != nil {
		return err
	}
	if err := sink.Send(t.statusEventLocked()); err != nil {
		m.streams.Detach(sessionID, sink)
		return fmt.Errorf("replaying task status: %w", err)
	}
	return nil
}

// Unsubscribe detaches sink and arms the idle-abort timer if it was the
// session's last viewer. Safe to call more than once.
func (m *Manager) Unsubscribe(sessionID string, sink stream.Sink) {
	m.streams.Detach(sessionID, sink)

	if m.opts.IdleAbort <= 0 || m.streams.Viewers(sessionID) > 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.tasks[sessionID]
	if t == nil || t.IsTerminal() || m.closed {
		return
	}
	if _, armed := m.idle[sessionID]; armed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(m.opts.IdleAbort, func() { m.idleExpired(sessionID, timer) })
	m.idle[sessionID] = timer
}

func (m *Manager) idleExpired(sessionID string, timer *time.Timer) {
	m.mu.Lock()
	if m.idle[sessionID] != timer {
		m.mu.Unlock()
		return
	}
	delete(m.idle, sessionID)
	t := m.tasks[sessionID]
	m.mu.Unlock()

	if t == nil || m.streams.Viewers(sessionID) > 0 {
		return
	}
	if t.requestCancel("no viewers left") {
		slog.Info("task aborted after last viewer left", "task_id", t.ID, "session_id", sessionID)
	}
}

// RunningCount returns the number of currently running tasks.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.tasks {
		if !t.IsTerminal() {
			count++
		}
	}
	return count
}

// Shutdown cancels every unfinished task and waits for their goroutines.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, timer := range m.idle {
		timer.Stop()
		delete(m.idle, id)
	}
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		m.dropLocked(t)
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.requestCancel("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}
