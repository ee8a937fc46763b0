package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btouchard/querycast/internal/metrics"
)

// ErrSinkAttached is returned when a sink is already registered under
// another session.
var ErrSinkAttached = errors.New("sink attached to another session")

// Registry maps a session to the sinks currently attached to it.
// It holds no business logic; every method is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Sink // session → sink ID → sink
	owners   map[string]string          // sink ID → session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]map[string]Sink),
		owners:   make(map[string]string),
	}
}

// Attach registers s under sessionID. Attaching the same sink twice is a no-op.
func (r *Registry) Attach(sessionID string, s Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[s.ID()]; ok {
		if owner != sessionID {
			return fmt.Errorf("attaching %s to %q: %w", s.ID(), sessionID, ErrSinkAttached)
		}
		return nil
	}

	sinks, ok := r.sessions[sessionID]
	if !ok {
		sinks = make(map[string]Sink)
		r.sessions[sessionID] = sinks
	}
	sinks[s.ID()] = s
	r.owners[s.ID()] = sessionID
	metrics.ActiveSinks.Inc()
	return nil
}

// Detach removes s from sessionID and reports whether it was present.
// The session entry itself is dropped with its last sink.
func (r *Registry) Detach(sessionID string, s Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sinks, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := sinks[s.ID()]; !ok {
		return false
	}

	delete(sinks, s.ID())
	delete(r.owners, s.ID())
	if len(sinks) == 0 {
		delete(r.sessions, sessionID)
	}
	metrics.ActiveSinks.Dec()
	return true
}

// ForEach calls fn for every sink attached to sessionID when ForEach was
// called. fn runs outside the lock, so sinks attached or detached meanwhile
// do not affect this pass. A sink for which fn fails is detached and the
// pass continues. It returns the sinks that failed.
func (r *Registry) ForEach(sessionID string, fn func(Sink) error) []Sink {
	r.mu.RLock()
	snapshot := make([]Sink, 0, len(r.sessions[sessionID]))
	for _, s := range r.sessions[sessionID] {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	var failed []Sink
	for _, s := range snapshot {
		if err := fn(s); err != nil {
			r.Detach(sessionID, s)
			failed = append(failed, s)
		}
	}
	return failed
}

// Count returns the number of sinks attached to sessionID.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Sessions returns the sessions with at least one sink.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
