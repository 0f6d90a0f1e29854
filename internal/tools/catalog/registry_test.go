package catalog

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if r.Len() != len(Builtin()) {
		t.Fatalf("Len() = %d, want %d", r.Len(), len(Builtin()))
	}
	for _, core := range CoreTools {
		if _, ok := r.Get(core); !ok {
			t.Errorf("core tool %s missing", core)
		}
	}

	desc, ok := r.Get(ToolRunTerminalCommand)
	if !ok || !desc.Sensitive || !desc.IsTerminal() {
		t.Errorf("runTerminalCommand descriptor = %+v", desc)
	}
	if d, _ := r.Get(ToolKillTerminal); d.IsTerminal() {
		t.Errorf("killTerminal does not run commands")
	}
}

func TestBuiltinSchemasAreObjects(t *testing.T) {
	for _, desc := range Builtin() {
		var schema map[string]any
		if err := json.Unmarshal(desc.Schema, &schema); err != nil {
			t.Fatalf("%s: schema is not JSON: %v", desc.Name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s: schema type = %v", desc.Name, schema["type"])
		}
		if _, ok := schema["$schema"]; ok {
			t.Errorf("%s: $schema should be stripped", desc.Name)
		}
	}
}

func TestRegistry_RegisterRejects(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want error
	}{
		{"empty name", Descriptor{}, ErrInvalidDescriptor},
		{"bad characters", Descriptor{Name: "read file"}, ErrInvalidDescriptor},
		{"too long", Descriptor{Name: strings.Repeat("a", MaxNameLength+1)}, ErrInvalidDescriptor},
		{"broken schema", Descriptor{Name: "x", Schema: json.RawMessage(`{"type":12}`)}, ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().Register(tt.desc); !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}

	r := NewRegistry()
	if err := r.Register(Descriptor{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Descriptor{Name: "x"}); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate error = %v", err)
	}
}

func TestRegistry_OrderAndEnabled(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		if err := r.Register(Descriptor{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	got := names(r.Enabled(map[string]bool{"a": true}))
	if strings.Join(got, ",") != "c,b" {
		t.Errorf("Enabled() = %v", got)
	}
	r.Unregister("c")
	if got := names(r.List()); strings.Join(got, ",") != "a,b" {
		t.Errorf("List() after Unregister = %v", got)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		tool    string
		args    string
		wantErr error
	}{
		{"valid", ToolReadFile, `{"path":"a.txt"}`, nil},
		{"missing required", ToolReadFile, `{}`, ErrInvalidArguments},
		{"wrong type", ToolReadFile, `{"path":3}`, ErrInvalidArguments},
		{"bad enum", ToolTodoList, `{"action":"explode"}`, ErrInvalidArguments},
		{"empty args for no-arg tool", ToolListSkills, ``, nil},
		{"extra fields allowed", ToolReadFile, `{"path":"a","note":"x"}`, nil},
		{"not json", ToolReadFile, `{`, ErrInvalidArguments},
		{"unknown tool", "nope", `{}`, ErrUnknownTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.tool, json.RawMessage(tt.args))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_RegisterMCP(t *testing.T) {
	r := NewRegistry()
	desc, err := r.RegisterMCP("git hub", "list.issues", "List issues", json.RawMessage(`{"type":"object"}`))
	if err != nil {
		t.Fatal(err)
	}
	if desc.Name != "mcp__git_hub__list_issues" {
		t.Errorf("Name = %q", desc.Name)
	}
	if desc.Category != MCPCategory("git hub") || !desc.Category.IsMCP() || desc.Sensitive {
		t.Errorf("descriptor = %+v", desc)
	}
	if !strings.HasPrefix(desc.Description, "[MCP:git hub] ") {
		t.Errorf("Description = %q", desc.Description)
	}
}

func TestMCPToolName_Long(t *testing.T) {
	name := MCPToolName(strings.Repeat("s", 40), strings.Repeat("t", 40))
	if len(name) != MaxNameLength {
		t.Errorf("len = %d, want %d", len(name), MaxNameLength)
	}
	other := MCPToolName(strings.Repeat("s", 40), strings.Repeat("t", 39)+"u")
	if name == other {
		t.Errorf("distinct long names collided")
	}
}

func TestIsCore(t *testing.T) {
	if !IsCore(ToolTodoList) || IsCore(ToolReadFile) {
		t.Errorf("IsCore mismatch")
	}
}

func names(descs []Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	return out
}
