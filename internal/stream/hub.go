package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/btouchard/querycast/internal/event"
	"github.com/btouchard/querycast/internal/metrics"
)

// DefaultHeartbeatInterval keeps proxies from closing idle streams.
const DefaultHeartbeatInterval = 30 * time.Second

// Hub delivers events to every sink of a session and keeps idle streams
// alive with heartbeats.
type Hub struct {
	registry *Registry
	interval time.Duration
}

// NewHub creates a Hub over registry. interval <= 0 uses DefaultHeartbeatInterval.
func NewHub(registry *Registry, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Hub{registry: registry, interval: interval}
}

// Attach registers a sink for sessionID.
func (h *Hub) Attach(sessionID string, s Sink) error {
	return h.registry.Attach(sessionID, s)
}

// Detach removes a sink from sessionID. It is idempotent.
func (h *Hub) Detach(sessionID string, s Sink) bool {
	return h.registry.Detach(sessionID, s)
}

// Viewers returns the number of sinks attached to sessionID.
func (h *Hub) Viewers(sessionID string) int {
	return h.registry.Count(sessionID)
}

// Publish hands e to every current sink of sessionID and returns how many
// accepted it. A sink that fails is evicted and closed; the others are
// unaffected.
func (h *Hub) Publish(sessionID string, e event.Event) int {
	delivered := 0
	var errs map[string]error
	failed := h.registry.ForEach(sessionID, func(s Sink) error {
		if err := s.Send(e); err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[s.ID()] = err
			return err
		}
		delivered++
		return nil
	})

	for _, s := range failed {
		s.Close()
		reason := "write_error"
		if errors.Is(errs[s.ID()], ErrSinkFull) {
			reason = "slow"
		}
		metrics.SinksEvicted.WithLabelValues(reason).Inc()
		slog.Info("sink evicted",
			"session_id", sessionID,
			"sink_id", s.ID(),
			"event", string(e.Type),
			"error", errs[s.ID()])
	}

	if delivered > 0 {
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Add(float64(delivered))
	}
	return delivered
}

// Heartbeat publishes a heartbeat to every session with at least one sink.
func (h *Hub) Heartbeat() {
	for _, sessionID := range h.registry.Sessions() {
		h.Publish(sessionID, event.Heartbeat(sessionID))
	}
}

// Run emits heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Heartbeat()
		case <-ctx.Done():
			return nil
		}
	}
}
