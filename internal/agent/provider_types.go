package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

// LLMProvider is a model backend presenting a streaming interface.
//
// Implementations must be safe for concurrent use: the controller, its
// sub-agents and side-channel calls (tool selection, summaries, titles)
// share one provider.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
type LLMProvider interface {
	// Complete sends a request and returns a stream of chunks. The channel
	// is closed after the final chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains the parameters of one model call.
//
//	req := &CompletionRequest{
//	    Model:    "gpt-4o",
//	    System:   "You are a coding partner.",
//	    Messages: []CompletionMessage{{Role: "user", Content: "list the repo"}},
//	}
type CompletionRequest struct {
	// Model to use. Empty means the provider default.
	Model string `json:"model"`

	// System is the system prompt, sent separately from Messages.
	System string `json:"system,omitempty"`

	// Messages is the history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools offered to the model. Empty means a call without tools.
	Tools []catalog.Descriptor `json:"tools,omitempty"`

	// MaxTokens limits the reply. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one message of a request.
//
// Role values: "user", "assistant", "tool". A "tool" message carries one
// or more ToolResults answering the preceding assistant tool calls.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one element of a streaming reply. A chunk carries
// partial text, one complete tool call, the done signal with usage, or an
// error that terminates the stream.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// FinishReason is set on the final chunk when the backend reports one.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage, populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Completion is a fully collected reply.
type Completion struct {
	Content      string
	ToolCalls    []models.ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Limits on collected replies.
const (
	MaxResponseTextSize      = 1 << 20
	MaxToolCallsPerIteration = 64
)

// Collect runs req and gathers the stream into one Completion.
func Collect(ctx context.Context, p LLMProvider, req *CompletionRequest) (*Completion, error) {
	if p == nil {
		return nil, ErrNoProvider
	}
	stream, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	// Early returns drain the rest so the producer can exit.
	drain := func() {
		go func() {
			for range stream {
			}
		}()
	}
	out := &Completion{}
	var text strings.Builder
	for chunk := range stream {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			drain()
			return nil, chunk.Error
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				drain()
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			if len(out.ToolCalls) >= MaxToolCallsPerIteration {
				drain()
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			out.ToolCalls = append(out.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			out.FinishReason = chunk.FinishReason
			out.InputTokens += chunk.InputTokens
			out.OutputTokens += chunk.OutputTokens
		}
	}
	out.Content = text.String()
	if out.FinishReason == "" {
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		} else {
			out.FinishReason = "stop"
		}
	}
	return out, nil
}
