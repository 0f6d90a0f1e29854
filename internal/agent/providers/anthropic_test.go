package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

func anthropicServer(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p, err := NewAnthropicProvider(AnthropicConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writeAnthropicSSE(w http.ResponseWriter, events [][2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for _, event := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event[0], event[1])
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestNewAnthropicProviderDefaults(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("missing API key accepted")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.defaultModel != "claude-sonnet-4-20250514" || p.maxTokens != defaultAnthropicMaxTokens {
		t.Errorf("defaults = %q %d", p.defaultModel, p.maxTokens)
	}
	if p.Name() != "anthropic" || !p.SupportsTools() || len(p.Models()) == 0 {
		t.Error("provider metadata")
	}
}

func TestAnthropicStreamTextToolAndUsage(t *testing.T) {
	var body map[string]any
	p := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeAnthropicSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"m","usage":{"input_tokens":20,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me look"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"readFile","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.go\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_2","name":"listFiles","input":{}}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":2}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	})

	reply, err := agent.Collect(context.Background(), p, &agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "read a.go"}},
		Tools:    []catalog.Descriptor{{Name: "readFile", Description: "read"}, {Name: "listFiles", Description: "list"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "Let me look" {
		t.Errorf("content = %q", reply.Content)
	}
	if len(reply.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", reply.ToolCalls)
	}
	if got := reply.ToolCalls[0]; got.ID != "toolu_1" || string(got.Arguments) != `{"path":"a.go"}` {
		t.Errorf("first call = %+v", got)
	}
	if string(reply.ToolCalls[1].Arguments) != "{}" {
		t.Errorf("argument-less call = %s", reply.ToolCalls[1].Arguments)
	}
	if reply.FinishReason != "tool_calls" || reply.InputTokens != 20 || reply.OutputTokens != 42 {
		t.Errorf("reply = %+v", reply)
	}
	if tools, _ := body["tools"].([]any); len(tools) != 2 {
		t.Errorf("tools sent = %v", body["tools"])
	}
}

func TestAnthropicRetriesOverloaded(t *testing.T) {
	var attempts atomic.Int32
	p := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(529)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		writeAnthropicSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"m","usage":{"input_tokens":1,"output_tokens":1}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	})

	reply, err := agent.Collect(context.Background(), p, &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "ok" || attempts.Load() != 2 {
		t.Errorf("content %q after %d attempts", reply.Content, attempts.Load())
	}
}

func TestAnthropicInvalidRequestNotRetried(t *testing.T) {
	var attempts atomic.Int32
	p := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("request-id", "req_9")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"messages: empty"}}`)
	})

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if providerErr.Reason != ReasonInvalidRequest || providerErr.Message != "messages: empty" {
		t.Errorf("provider error = %+v", providerErr)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d", attempts.Load())
	}
}

func TestAnthropicConvertMessagesMergesRoles(t *testing.T) {
	p := &AnthropicProvider{}
	msgs := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "go"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "a", Name: "readFile", Arguments: json.RawMessage(`{"path":"x"}`)},
			{ID: "b", Name: "listFiles", Arguments: json.RawMessage(`not json`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "a", Content: "ra"},
			{ToolCallID: "b", Content: "rb", IsError: true},
		}},
		{Role: "user", Content: "[hot] also check b"},
	})

	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].Content) != 2 {
		t.Errorf("assistant = %+v", msgs[1])
	}
	last := msgs[2]
	if last.Role != "user" || len(last.Content) != 3 {
		t.Fatalf("merged user message = %+v", last)
	}
	if last.Content[0].OfToolResult == nil || last.Content[0].OfToolResult.ToolUseID != "a" {
		t.Errorf("tool results must lead the merged message: %+v", last.Content[0])
	}
	if last.Content[2].OfText == nil {
		t.Errorf("hot text missing: %+v", last.Content[2])
	}
}

func TestNormalizeStopReason(t *testing.T) {
	for in, want := range map[string]string{
		"tool_use":   "tool_calls",
		"end_turn":   "stop",
		"max_tokens": "length",
		"refusal":    "refusal",
	} {
		if got := normalizeStopReason(in); got != want {
			t.Errorf("normalizeStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
