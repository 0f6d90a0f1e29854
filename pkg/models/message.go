package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation ledger.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool results only
	ToolName   string     `json:"tool_name,omitempty"`    // tool results only
	Hot        bool       `json:"hot,omitempty"`          // injected while a run was in progress
	CreatedAt  time.Time  `json:"created_at"`
}

// HasToolCalls reports whether an assistant message requests tool execution.
func (m *Message) HasToolCalls() bool {
	return m != nil && m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if len(m.ToolCalls) > 0 {
		cp.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			cp.ToolCalls[i] = tc
			if tc.Arguments != nil {
				cp.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	return &cp
}

// Attachment describes a file the user attached to a message. Only the
// description is forwarded to the model.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Path     string `json:"path,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"` // raw text as produced by the model, may be invalid JSON
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
