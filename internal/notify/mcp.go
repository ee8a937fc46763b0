package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification method.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier pushes query progress to the MCP client that started the
// query. Events without an originating client are not sent.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time // taskID → last progress notification time
}

// NewMCPNotifier creates an MCPNotifier with the given debounce interval
// for step events. Terminal events are always sent immediately.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	switch event.Type {
	case "task.step":
		n.sendProgress(event)
	case "task.started":
		n.sendMessage(event, "info")
	case "task.completed":
		n.clearDebounce(event.TaskID)
		n.sendMessage(event, "info")
	case "task.failed":
		n.clearDebounce(event.TaskID)
		n.sendMessage(event, "error")
	case "task.cancelled":
		n.clearDebounce(event.TaskID)
		n.sendMessage(event, "warning")
	case "task.queued":
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

// sendProgress sends a notifications/progress with debounce.
func (n *MCPNotifier) sendProgress(event Event) {
	n.mu.Lock()
	last, ok := n.lastSent[event.TaskID]
	if ok && time.Since(last) < n.debounce {
		n.mu.Unlock()
		return
	}
	n.lastSent[event.TaskID] = time.Now()
	n.mu.Unlock()

	n.send(event, "notifications/progress", map[string]any{
		"progressToken": event.TaskID,
		"progress":      stepIndex(event.Step),
		"total":         4,
		"message":       event.Step + " finished",
	})
}

// sendMessage sends a notifications/message for start and terminal events.
func (n *MCPNotifier) sendMessage(event Event, level string) {
	n.send(event, "notifications/message", map[string]any{
		"level":  level,
		"logger": "querycast",
		"data": map[string]any{
			"type":       event.Type,
			"task_id":    event.TaskID,
			"session_id": event.SessionID,
			"step":       event.Step,
			"message":    event.Message,
		},
	})
}

// send delivers to the originating client only. Another client may not be
// authorized for the query's chat session, so there is no broadcast fallback.
func (n *MCPNotifier) send(event Event, method string, params map[string]any) {
	if event.MCPSessionID == "" {
		return
	}
	if err := n.sender.SendNotificationToSpecificClient(event.MCPSessionID, method, params); err != nil {
		slog.Debug("mcp notification failed",
			"mcp_session_id", event.MCPSessionID,
			"task_id", event.TaskID,
			"method", method,
			"error", err)
	}
}

// clearDebounce removes the debounce entry for a finished task.
func (n *MCPNotifier) clearDebounce(taskID string) {
	n.mu.Lock()
	delete(n.lastSent, taskID)
	n.mu.Unlock()
}

func stepIndex(step string) int {
	switch step {
	case "intent":
		return 1
	case "sql_generation":
		return 2
	case "sql_execution":
		return 3
	case "summarization":
		return 4
	}
	return 0
}
