package remote

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	TypeMessage  = "message"
	TypeStop     = "stop"
	TypeNew      = "new"
	TypeApproval = "approval"
	TypePing     = "ping"
)

// Outbound event types.
const (
	EventInit            = "init"
	EventStatus          = "status"
	EventText            = "text"
	EventTool            = "tool"
	EventTodos           = "todos"
	EventTitle           = "title"
	EventApproval        = "approval"
	EventApprovalCleared = "approval_cleared"
	EventError           = "error"
	EventPong            = "pong"
)

// Frame is a client request.
type Frame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// Event is pushed to every connected client.
type Event struct {
	Type           string        `json:"type"`
	Status         string        `json:"status,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Text           string        `json:"text,omitempty"`
	Tool           any           `json:"tool,omitempty"`
	Todos          any           `json:"todos,omitempty"`
	Approval       *ApprovalInfo `json:"approval,omitempty"`
	Error          string        `json:"error,omitempty"`
	Time           time.Time     `json:"time"`
}

// ApprovalInfo describes a pending approval to web clients.
type ApprovalInfo struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
