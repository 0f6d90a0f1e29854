package remote

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/pkg/models"
)

const clientBuffer = 64

// Hub fans events out to connected clients. A client that cannot keep up
// is dropped rather than blocking the agent loop.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		now:     time.Now,
		clients: map[*client]struct{}{},
	}
}

// Broadcast sends ev to every client.
func (h *Hub) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow remote client", "client_id", c.id)
		h.remove(c)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// remove unregisters c and closes its send queue once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = map[*client]struct{}{}
	h.mu.Unlock()
	for c := range clients {
		close(c.send)
	}
}

// Callbacks returns controller hooks that broadcast events and then call
// next.
func (h *Hub) Callbacks(next agent.Callbacks) agent.Callbacks {
	return agent.Callbacks{
		OnStatus: func(s agent.Status) {
			h.Broadcast(Event{Type: EventStatus, Status: string(s)})
			if next.OnStatus != nil {
				next.OnStatus(s)
			}
		},
		OnToolCall: func(e models.ToolEvent) {
			h.Broadcast(Event{Type: EventTool, Tool: e})
			if next.OnToolCall != nil {
				next.OnToolCall(e)
			}
		},
		OnAssistantText: func(text string) {
			h.Broadcast(Event{Type: EventText, Text: text})
			if next.OnAssistantText != nil {
				next.OnAssistantText(text)
			}
		},
		OnApprovalRequest: func(p *approval.Pending) {
			if next.OnApprovalRequest != nil {
				next.OnApprovalRequest(p)
			}
		},
		OnTodos: func(items []models.TodoItem) {
			h.Broadcast(Event{Type: EventTodos, Todos: items})
			if next.OnTodos != nil {
				next.OnTodos(items)
			}
		},
		OnError: func(err error) {
			h.Broadcast(Event{Type: EventError, Error: err.Error()})
			if next.OnError != nil {
				next.OnError(err)
			}
		},
		OnTitle: func(title string) {
			h.Broadcast(Event{Type: EventTitle, Text: title})
			if next.OnTitle != nil {
				next.OnTitle(title)
			}
		},
		OnSelection: next.OnSelection,
	}
}
