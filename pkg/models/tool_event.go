package models

import (
	"encoding/json"
	"time"
)

// ToolEventStage describes the lifecycle stage of a tool invocation.
type ToolEventStage string

const (
	ToolEventCalling ToolEventStage = "calling"
	ToolEventDone    ToolEventStage = "done"
	ToolEventDenied  ToolEventStage = "denied"
)

// ToolEvent represents a lifecycle event for a tool call including timing and results.
type ToolEvent struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Stage      ToolEventStage  `json:"stage"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Duration returns how long the tool ran, zero until the call finished.
func (e *ToolEvent) Duration() time.Duration {
	if e == nil || e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
