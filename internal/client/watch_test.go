package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/querycast/internal/event"
)

// sseServer answers each connection with the frames script returns for
// that attempt, then closes the stream.
func sseServer(t *testing.T, script func(attempt int32, r *http.Request) (int, []event.Event)) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, events := script(attempts.Add(1), r)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, e := range events {
			frame, err := event.Encode(e)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &attempts
}

func stopOnTerminal(got *[]event.Kind) func(event.Event) error {
	return func(e event.Event) error {
		*got = append(*got, e.Type)
		if e.IsTerminal() {
			return ErrStop
		}
		return nil
	}
}

func TestNewWatcher_ValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := NewWatcher(Options{BaseURL: "http://localhost:8430"})
	assert.Error(t, err)

	_, err = NewWatcher(Options{BaseURL: "not a url", SessionID: "s"})
	assert.Error(t, err)

	w, err := NewWatcher(Options{BaseURL: "http://localhost:8430/", SessionID: "team a/1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8430/api/sessions/team%20a%2F1/events", w.url)
}

func TestWatch_DeliversEventsUntilTerminal(t *testing.T) {
	t.Parallel()

	var gotAuth atomic.Value
	srv, attempts := sseServer(t, func(_ int32, r *http.Request) (int, []event.Event) {
		gotAuth.Store(r.Header.Get("Authorization"))
		return http.StatusOK, []event.Event{
			event.Connected("s1"),
			event.TaskStatus("s1", "qry-1", "running", "intent", nil),
			event.StepUpdate("s1", "qry-1", "intent", []byte(`{"summary":"x"}`)),
			event.Done("s1", "qry-1", []byte(`{"summary":"done"}`)),
		}
	})

	w, err := NewWatcher(Options{BaseURL: srv.URL, Token: "secret", SessionID: "s1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []event.Kind
	require.NoError(t, w.Watch(ctx, stopOnTerminal(&got)))

	assert.Equal(t, []event.Kind{event.KindConnected, event.KindTaskStatus, event.KindStepUpdate, event.KindDone}, got)
	assert.Equal(t, "Bearer secret", gotAuth.Load())
	assert.EqualValues(t, 1, attempts.Load())
}

func TestWatch_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()

	srv, attempts := sseServer(t, func(attempt int32, _ *http.Request) (int, []event.Event) {
		if attempt == 1 {
			return http.StatusOK, []event.Event{event.Connected("s1")}
		}
		return http.StatusOK, []event.Event{
			event.Connected("s1"),
			event.TaskStatus("s1", "qry-1", "cancelled", "sql_execution", nil),
		}
	})

	w, err := NewWatcher(Options{
		BaseURL:        srv.URL,
		SessionID:      "s1",
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []event.Kind
	require.NoError(t, w.Watch(ctx, stopOnTerminal(&got)))

	assert.Equal(t, []event.Kind{event.KindConnected, event.KindConnected, event.KindTaskStatus}, got)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestWatch_WhenForbidden_FailsWithoutRetry(t *testing.T) {
	t.Parallel()

	srv, attempts := sseServer(t, func(int32, *http.Request) (int, []event.Event) {
		return http.StatusForbidden, nil
	})

	w, err := NewWatcher(Options{BaseURL: srv.URL, SessionID: "s1", InitialBackoff: time.Millisecond})
	require.NoError(t, err)

	err = w.Watch(context.Background(), func(event.Event) error { return nil })

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.True(t, se.Fatal())
	assert.EqualValues(t, 1, attempts.Load())
}

func TestWatch_WhenServerKeepsFailing_GivesUp(t *testing.T) {
	t.Parallel()

	srv, attempts := sseServer(t, func(int32, *http.Request) (int, []event.Event) {
		return http.StatusServiceUnavailable, nil
	})

	w, err := NewWatcher(Options{
		BaseURL:        srv.URL,
		SessionID:      "s1",
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	require.NoError(t, err)

	err = w.Watch(context.Background(), func(event.Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 reconnects")
	assert.EqualValues(t, 3, attempts.Load())
}

func TestWatch_WhenContextCancelled_ReturnsNil(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frame, _ := event.Encode(event.Connected("s1"))
		_, _ = w.Write(frame)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	w, err := NewWatcher(Options{BaseURL: srv.URL, SessionID: "s1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	connected := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func(e event.Event) error {
			if e.Type == event.KindConnected {
				close(connected)
			}
			return nil
		})
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
