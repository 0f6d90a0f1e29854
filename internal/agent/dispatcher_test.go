package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

func dispatchRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	reg := catalog.NewRegistry()
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	for _, desc := range []catalog.Descriptor{
		{Name: "read", Description: "read", Category: catalog.CategoryFile, Schema: schema},
		{Name: "hang", Description: "hang", Category: catalog.CategorySystem},
		{Name: "boom", Description: "boom", Category: catalog.CategorySystem},
		{Name: "fail", Description: "fail", Category: catalog.CategorySystem},
	} {
		if err := reg.Register(desc); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestDispatcher_Dispatch(t *testing.T) {
	d := NewDispatcher(dispatchRegistry(t), 50*time.Millisecond)
	handlers := map[string]Handler{
		"read": HandlerFunc(func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
			return OK(map[string]any{"content": "hello"}), nil
		}),
		"hang": HandlerFunc(func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"boom": HandlerFunc(func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
			panic("kaboom")
		}),
		"fail": HandlerFunc(func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("permission denied: /etc/shadow")
		}),
	}
	for name, h := range handlers {
		if err := d.Register(name, h); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name     string
		call     models.ToolCall
		wantOK   bool
		contains string
		errType  ToolErrorType
	}{
		{"success", models.ToolCall{ID: "1", Name: "read", Arguments: json.RawMessage(`{"path":"a"}`)}, true, `"content":"hello"`, ""},
		{"unknown tool", models.ToolCall{ID: "2", Name: "missing"}, false, "unknown tool: missing", ToolErrorNotFound},
		{"schema violation", models.ToolCall{ID: "3", Name: "read", Arguments: json.RawMessage(`{}`)}, false, `"ok":false`, ToolErrorInvalidInput},
		{"timeout", models.ToolCall{ID: "4", Name: "hang"}, false, "timed out", ToolErrorTimeout},
		{"panic", models.ToolCall{ID: "5", Name: "boom"}, false, "tool panicked: kaboom", ToolErrorPanic},
		{"handler error", models.ToolCall{ID: "6", Name: "fail"}, false, "permission denied", ToolErrorPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Dispatch(context.Background(), tt.call)
			if res == nil {
				t.Fatal("result must never be nil")
			}
			if res.IsError == tt.wantOK {
				t.Errorf("IsError = %v, content %s", res.IsError, res.Content)
			}
			if !strings.Contains(res.Content, tt.contains) {
				t.Errorf("content %s does not contain %q", res.Content, tt.contains)
			}
			if tt.errType == "" {
				if err != nil {
					t.Errorf("unexpected error %v", err)
				}
				return
			}
			toolErr, ok := GetToolError(err)
			if !ok || toolErr.Type != tt.errType {
				t.Errorf("error = %v, want type %s", err, tt.errType)
			}
			if toolErr != nil && toolErr.ToolCallID != tt.call.ID {
				t.Errorf("tool call id = %q", toolErr.ToolCallID)
			}
		})
	}
}

func TestDispatcher_RegisterRequiresDescriptor(t *testing.T) {
	d := NewDispatcher(dispatchRegistry(t), 0)
	if err := d.Register("nope", echoHandler()); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Register unknown = %v", err)
	}
	if err := d.Register("read", nil); err == nil {
		t.Errorf("nil handler accepted")
	}
}

func TestDispatcher_PerToolTimeout(t *testing.T) {
	d := NewDispatcher(dispatchRegistry(t), time.Hour)
	if err := d.Register("hang", HandlerFunc(func(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})); err != nil {
		t.Fatal(err)
	}
	d.SetTimeout("hang", 20*time.Millisecond)
	start := time.Now()
	_, err := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "hang"})
	if !errors.Is(err, ErrToolTimeout) {
		t.Fatalf("error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("per-tool timeout ignored")
	}
}

func TestDispatcher_CloneIsIsolated(t *testing.T) {
	d := NewDispatcher(dispatchRegistry(t), 0)
	clone := d.Clone()
	if err := clone.Register("read", echoHandler()); err != nil {
		t.Fatal(err)
	}
	if d.Has("read") {
		t.Error("handler registered on the clone leaked into the original")
	}
	if !clone.Has("read") {
		t.Error("clone lost its handler")
	}
}

func TestDispatcher_NilResultIsOK(t *testing.T) {
	d := NewDispatcher(dispatchRegistry(t), 0)
	if err := d.Register("fail", HandlerFunc(func(context.Context, json.RawMessage) (*ToolResult, error) {
		return nil, nil
	})); err != nil {
		t.Fatal(err)
	}
	res, err := d.Dispatch(context.Background(), models.ToolCall{ID: "1", Name: "fail"})
	if err != nil || res.IsError || res.Content != `{"ok":true}` {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

func TestBuildRequestMessages(t *testing.T) {
	call := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "read", Arguments: json.RawMessage(`{}`)}
	}
	msgs := []*models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("a"), call("b")}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "ra"},
		{Role: models.RoleUser, Content: FormatHot("wait")},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("c")}},
		{Role: models.RoleTool, ToolCallID: "c", Content: "rc"},
	}
	system, out := BuildRequestMessages(msgs)
	if system != "sys" {
		t.Errorf("system = %q", system)
	}
	roles := make([]string, len(out))
	for i, m := range out {
		roles[i] = m.Role
	}
	if got := strings.Join(roles, ","); got != "user,assistant,tool,user,assistant,tool" {
		t.Fatalf("roles = %s", got)
	}
	repaired := out[2].ToolResults
	if len(repaired) != 2 || repaired[0].ToolCallID != "a" || repaired[1].ToolCallID != "b" || repaired[1].Content != interruptedResult {
		t.Errorf("tool group = %+v", repaired)
	}
	if len(out[5].ToolResults) != 1 {
		t.Errorf("last group = %+v", out[5].ToolResults)
	}
}

func TestHotQueue(t *testing.T) {
	q := NewHotQueue()
	if q.Push("   ") {
		t.Error("blank text should not be queued")
	}
	q.Push("one")
	q.Push("two")
	if q.Len() != 2 {
		t.Fatalf("Len = %d", q.Len())
	}
	got := q.Drain()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Drain = %v", got)
	}
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Error("queue should be empty after Drain")
	}
	q.Push("three")
	q.Clear()
	if q.Len() != 0 {
		t.Error("Clear left items")
	}
}

func TestResultHelpers(t *testing.T) {
	if got := OK(map[string]any{"n": 1}).Content; got != `{"n":1,"ok":true}` {
		t.Errorf("OK = %s", got)
	}
	fail := Fail("bad")
	if !fail.IsError || fail.Content != `{"ok":false,"error":"bad"}` {
		t.Errorf("Fail = %+v", fail)
	}
}
