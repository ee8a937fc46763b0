package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/querycast/internal/event"
)

// recordingSink captures delivered events and can be told to fail.
type recordingSink struct {
	id string

	mu       sync.Mutex
	events   []event.Event
	failOn   func(e event.Event, n int) bool
	attempts int
	closed   bool
}

func newRecordingSink(id string) *recordingSink {
	return &recordingSink{id: id}
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Send(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failOn != nil && s.failOn(e, s.attempts) {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func (s *recordingSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegistry_Attach_IsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s := newRecordingSink("a")

	require.NoError(t, r.Attach("s1", s))
	require.NoError(t, r.Attach("s1", s))

	assert.Equal(t, 1, r.Count("s1"))
}

func TestRegistry_Attach_WhenOwnedByOtherSession_ReturnsError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s := newRecordingSink("a")
	require.NoError(t, r.Attach("s1", s))

	err := r.Attach("s2", s)
	require.ErrorIs(t, err, ErrSinkAttached)
	assert.Equal(t, 0, r.Count("s2"))
}

func TestRegistry_Detach_RemovesSessionWithLastSink(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a, b := newRecordingSink("a"), newRecordingSink("b")
	require.NoError(t, r.Attach("s1", a))
	require.NoError(t, r.Attach("s1", b))

	assert.True(t, r.Detach("s1", a))
	assert.Equal(t, []string{"s1"}, r.Sessions())

	assert.True(t, r.Detach("s1", b))
	assert.Empty(t, r.Sessions())
}

func TestRegistry_Detach_WhenAbsent_IsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	s := newRecordingSink("a")

	assert.False(t, r.Detach("s1", s))
	require.NoError(t, r.Attach("s1", s))
	assert.True(t, r.Detach("s1", s))
	assert.False(t, r.Detach("s1", s))
}

func TestRegistry_ForEach_UsesSnapshot(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	a := newRecordingSink("a")
	require.NoError(t, r.Attach("s1", a))

	late := newRecordingSink("late")
	calls := 0
	r.ForEach("s1", func(Sink) error {
		calls++
		require.NoError(t, r.Attach("s1", late))
		return nil
	})

	assert.Equal(t, 1, calls, "sink attached during the pass must not be visited")
	assert.Equal(t, 2, r.Count("s1"))
}

func TestRegistry_ForEach_WhenSinkFails_DetachesOnlyThatSink(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	good, bad := newRecordingSink("good"), newRecordingSink("bad")
	require.NoError(t, r.Attach("s1", good))
	require.NoError(t, r.Attach("s1", bad))

	visited := map[string]bool{}
	failed := r.ForEach("s1", func(s Sink) error {
		visited[s.ID()] = true
		if s.ID() == "bad" {
			return errors.New("write failed")
		}
		return nil
	})

	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].ID())
	assert.True(t, visited["good"])
	assert.Equal(t, 1, r.Count("s1"))
}

func TestRegistry_ConcurrentAttachDetachForEach(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newRecordingSink(fmt.Sprintf("sink-%d", i))
			for range 50 {
				_ = r.Attach("s1", s)
				r.ForEach("s1", func(s Sink) error { return s.Send(event.Heartbeat("s1")) })
				r.Detach("s1", s)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count("s1"))
	assert.Empty(t, r.Sessions())
}

func TestHub_Publish_WhenOneSinkFails_StillDeliversToOthers(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), time.Hour)
	bad := newRecordingSink("bad")
	bad.failOn = func(event.Event, int) bool { return true }
	good := newRecordingSink("good")
	require.NoError(t, h.Attach("s1", bad))
	require.NoError(t, h.Attach("s1", good))

	n := h.Publish("s1", event.StepUpdate("s1", "qry-1", "intent", nil))

	assert.Equal(t, 1, n)
	assert.Len(t, good.Events(), 1)
	assert.True(t, bad.IsClosed())
	assert.Equal(t, 1, h.Viewers("s1"))
}

func TestHub_Heartbeat_WhenWriteFailsOnThird_EvictsOnlyThatSink(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), time.Hour)
	c := newRecordingSink("C")
	c.failOn = func(e event.Event, n int) bool { return e.Type == event.KindHeartbeat && n == 3 }
	d, e := newRecordingSink("D"), newRecordingSink("E")
	for _, s := range []*recordingSink{c, d, e} {
		require.NoError(t, h.Attach("s3", s))
	}

	for range 5 {
		h.Heartbeat()
	}

	assert.Equal(t, 3, c.Attempts(), "evicted sink must not be referenced again")
	assert.Len(t, c.Events(), 2)
	assert.Len(t, d.Events(), 5)
	assert.Len(t, e.Events(), 5)
	assert.Equal(t, 2, h.Viewers("s3"))
}

func TestHub_Heartbeat_SkipsSessionsWithoutSinks(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), time.Hour)
	s := newRecordingSink("a")
	require.NoError(t, h.Attach("s1", s))
	h.Detach("s1", s)

	h.Heartbeat()

	assert.Empty(t, s.Events())
}

func TestHub_Run_EmitsHeartbeatsUntilCancelled(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), 10*time.Millisecond)
	s := newRecordingSink("a")
	require.NoError(t, h.Attach("s1", s))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.Events()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	for _, e := range s.Events() {
		assert.Equal(t, event.KindHeartbeat, e.Type)
	}
}

func TestHub_Publish_PreservesOrderPerSink(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), time.Hour)
	s := newRecordingSink("a")
	require.NoError(t, h.Attach("s1", s))

	steps := []string{"intent", "sql_generation", "sql_execution", "summarization"}
	for _, step := range steps {
		h.Publish("s1", event.StepUpdate("s1", "qry-1", step, nil))
	}

	got := s.Events()
	require.Len(t, got, len(steps))
	for i, step := range steps {
		assert.Equal(t, step, got[i].Step)
	}
}

func TestConn_Send_WhenQueueFull_ClosesConn(t *testing.T) {
	t.Parallel()

	c := NewConn("s1", 2)
	require.NoError(t, c.Send(event.Heartbeat("s1")))
	require.NoError(t, c.Send(event.Heartbeat("s1")))

	err := c.Send(event.Heartbeat("s1"))
	require.ErrorIs(t, err, ErrSinkFull)
	assert.False(t, c.Alive())

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel should be closed")
	}

	assert.ErrorIs(t, c.Send(event.Heartbeat("s1")), ErrSinkClosed)
}

func TestConn_Close_IsIdempotent(t *testing.T) {
	t.Parallel()

	c := NewConn("s1", 4)
	require.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}

func TestConn_IDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		id := NewConn("s1", 1).ID()
		assert.False(t, seen[id], "duplicate sink ID: %s", id)
		seen[id] = true
	}
}

func TestHub_Publish_WhenConnTooSlow_EvictsIt(t *testing.T) {
	t.Parallel()

	h := NewHub(NewRegistry(), time.Hour)
	slow := NewConn("s1", 1)
	require.NoError(t, h.Attach("s1", slow))

	h.Publish("s1", event.Heartbeat("s1"))
	h.Publish("s1", event.Heartbeat("s1"))

	assert.Equal(t, 0, h.Viewers("s1"))
	assert.False(t, slow.Alive())
}
