package agent

import (
	"context"
	"encoding/json"
)

// ToolResult is the output of a tool execution. Content is the JSON text
// stored in the ledger; IsError marks ok:false results.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Handler executes one tool.
type Handler interface {
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (*ToolResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	return f(ctx, args)
}

// DeniedMessage is the error reported to the model when the user refuses
// an operation.
const DeniedMessage = "user denied this operation"

// OK builds an ok:true result. fields are merged next to "ok".
func OK(fields map[string]any) *ToolResult {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["ok"] = true
	data, err := json.Marshal(out)
	if err != nil {
		return Fail("encode result: " + err.Error())
	}
	return &ToolResult{Content: string(data)}
}

// Fail builds an ok:false result.
func Fail(message string) *ToolResult {
	data, _ := json.Marshal(struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, message})
	return &ToolResult{Content: string(data), IsError: true}
}

// Denied is the result recorded for a refused tool call.
func Denied() *ToolResult {
	return Fail(DeniedMessage)
}
