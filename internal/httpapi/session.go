package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/btouchard/querycast/internal/event"
	"github.com/btouchard/querycast/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

// events streams a session's progress as server-sent events.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rc := http.NewResponseController(w)

	conn, ok := h.subscribe(w, sessionID)
	if !ok {
		return
	}
	defer h.teardown(conn)

	// The server write timeout would otherwise cut long-lived streams.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("clearing write deadline", "error", err)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	slog.Debug("sse viewer attached", "session_id", sessionID, "sink_id", conn.ID())

	for {
		select {
		case e := <-conn.Events():
			frame, err := event.Encode(e)
			if err != nil {
				slog.Warn("skipping unencodable event", "session_id", sessionID, "error", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				slog.Debug("sse write failed", "session_id", sessionID, "sink_id", conn.ID(), "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				slog.Debug("sse flush failed", "session_id", sessionID, "sink_id", conn.ID(), "error", err)
				return
			}
		case <-conn.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// socket streams the same events as one JSON text frame each.
func (h *handlers) socket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	upgrader := websocket.Upgrader{CheckOrigin: h.origins.check}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	conn := stream.NewConn(sessionID, h.deps.SinkBuffer)
	_ = conn.Send(event.Connected(sessionID))
	if err := h.deps.Tasks.Subscribe(sessionID, conn); err != nil {
		slog.Warn("subscribe failed", "session_id", sessionID, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer h.teardown(conn)

	slog.Debug("websocket viewer attached", "session_id", sessionID, "sink_id", conn.ID())

	// Viewers never send; reading only detects the peer going away.
	go func() {
		defer conn.Close()
		ws.SetReadLimit(512)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-conn.Events():
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(e); err != nil {
				slog.Debug("websocket write failed", "session_id", sessionID, "sink_id", conn.ID(), "error", err)
				return
			}
		case <-conn.Done():
			return
		case <-r.Context().Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// subscribe creates the viewer sink, queues the connected event and
// attaches it with the status replay. On failure the error response has
// been written.
func (h *handlers) subscribe(w http.ResponseWriter, sessionID string) (*stream.Conn, bool) {
	conn := stream.NewConn(sessionID, h.deps.SinkBuffer)
	_ = conn.Send(event.Connected(sessionID))

	if err := h.deps.Tasks.Subscribe(sessionID, conn); err != nil {
		slog.Warn("subscribe failed", "session_id", sessionID, "error", err)
		conn.Close()
		writeError(w, http.StatusInternalServerError, "could not attach to session")
		return nil, false
	}
	return conn, true
}

// teardown is safe to run after an eviction already closed the conn.
func (h *handlers) teardown(conn *stream.Conn) {
	conn.Close()
	h.deps.Tasks.Unsubscribe(conn.SessionID(), conn)
	slog.Debug("viewer detached", "session_id", conn.SessionID(), "sink_id", conn.ID())
}

type originChecker struct {
	origins map[string]bool
	hosts   map[string]bool
}

func newOriginChecker(allowed []string) *originChecker {
	c := &originChecker{origins: make(map[string]bool), hosts: make(map[string]bool)}
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		c.origins[origin] = true
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			c.hosts[u.Host] = true
		}
	}
	return c
}

// check accepts non-browser clients, configured origins, same-host and
// loopback origins.
func (c *originChecker) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if c.origins[origin] {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if c.hosts[u.Host] || u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return len(c.origins) == 0
	}
	return false
}
