// Package stream tracks the live viewer connections of each session and
// fans progress events out to them.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btouchard/querycast/internal/event"
)

var (
	// ErrSinkClosed is returned when delivering to a sink that was closed.
	ErrSinkClosed = errors.New("sink closed")
	// ErrSinkFull is returned when a sink cannot keep up with its session.
	ErrSinkFull = errors.New("sink queue full")
)

// Sink is one live output channel to a viewer.
// Send must not block for long: a slow viewer should fail fast and be evicted.
type Sink interface {
	ID() string
	Send(e event.Event) error
	Close()
}

var connSeq atomic.Uint64

// Conn is the per-connection sink handed out by the session endpoints.
// Events are queued in a bounded buffer and drained by the connection's own
// writer goroutine; a full buffer closes the conn so the writer tears down.
type Conn struct {
	id        string
	sessionID string
	queue     chan event.Event
	done      chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConn creates a sink for sessionID with room for buffer pending events.
func NewConn(sessionID string, buffer int) *Conn {
	if buffer < 1 {
		buffer = 64
	}
	return &Conn{
		id:        fmt.Sprintf("sink-%d", connSeq.Add(1)),
		sessionID: sessionID,
		queue:     make(chan event.Event, buffer),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string        { return c.id }
func (c *Conn) SessionID() string { return c.sessionID }

// Send enqueues e without blocking.
func (c *Conn) Send(e event.Event) error {
	if c.closed.Load() {
		return ErrSinkClosed
	}
	select {
	case c.queue <- e:
		return nil
	default:
		c.Close()
		return ErrSinkFull
	}
}

// Events is drained by the connection writer.
func (c *Conn) Events() <-chan event.Event {
	return c.queue
}

// Done is closed once the conn is closed, by eviction or by teardown.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close marks the conn dead. Safe to call any number of times from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Alive reports whether the conn still accepts events.
func (c *Conn) Alive() bool {
	return !c.closed.Load()
}
