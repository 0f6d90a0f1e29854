package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/partner/internal/agent"
)

func call(t *testing.T, h agent.Handler, args map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.Execute(context.Background(), raw)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode %s: %v", res.Content, err)
	}
	return out
}

func TestResolverRejectsEscape(t *testing.T) {
	root := t.TempDir()
	resolver := Resolver{Root: root}
	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if _, err := resolver.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) accepted", path)
		}
	}
	if _, err := resolver.Resolve("a/../b.txt"); err != nil {
		t.Errorf("in-workspace path rejected: %v", err)
	}
}

func TestResolverRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := (Resolver{Root: root}).Resolve("link/secret.txt"); err == nil {
		t.Error("symlink out of the workspace accepted")
	}
}

func TestCreateReadEdit(t *testing.T) {
	root := t.TempDir()
	h := New(Config{Workspace: root}).Handlers()

	out := call(t, h["createFile"], map[string]any{"path": "docs/notes.txt", "content": "one\ntwo\nthree\n"})
	if out["ok"] != true {
		t.Fatalf("create = %v", out)
	}
	if out := call(t, h["createFile"], map[string]any{"path": "docs/notes.txt"}); out["ok"] != false {
		t.Errorf("create over existing file = %v", out)
	}

	out = call(t, h["readFile"], map[string]any{"path": "docs/notes.txt", "offset": 2, "limit": 1})
	if out["content"] != "two\n" || out["truncated"] != true {
		t.Errorf("read window = %v", out)
	}

	out = call(t, h["editFile"], map[string]any{"path": "docs/notes.txt", "old_text": "two", "new_text": "2"})
	if out["ok"] != true || out["replacements"] != float64(1) {
		t.Fatalf("edit = %v", out)
	}
	data, _ := os.ReadFile(filepath.Join(root, "docs", "notes.txt"))
	if string(data) != "one\n2\nthree\n" {
		t.Errorf("content = %q", data)
	}

	out = call(t, h["editFile"], map[string]any{"path": "docs/notes.txt", "content": "replaced"})
	data, _ = os.ReadFile(filepath.Join(root, "docs", "notes.txt"))
	if out["ok"] != true || string(data) != "replaced" {
		t.Errorf("full replace = %v, %q", out, data)
	}
}

func TestEditFileErrors(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "dup.txt"), []byte("x x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := New(Config{Workspace: root}).Handlers()["editFile"]

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"ambiguous", map[string]any{"path": "dup.txt", "old_text": "x", "new_text": "y"}, "matches 2 times"},
		{"missing text", map[string]any{"path": "dup.txt", "old_text": "z", "new_text": "y"}, "not found"},
		{"nothing to do", map[string]any{"path": "dup.txt"}, "required"},
		{"escape", map[string]any{"path": "../x", "content": ""}, "escapes workspace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := call(t, h, tt.args)
			if out["ok"] != false || !strings.Contains(out["error"].(string), tt.want) {
				t.Errorf("out = %v, want error containing %q", out, tt.want)
			}
		})
	}
}

func TestMoveDeleteList(t *testing.T) {
	root := t.TempDir()
	h := New(Config{Workspace: root}).Handlers()
	call(t, h["makeDirectory"], map[string]any{"path": "sub/inner"})
	call(t, h["createFile"], map[string]any{"path": "a.txt", "content": "a"})

	if out := call(t, h["moveFile"], map[string]any{"source": "a.txt", "destination": "sub/b.txt"}); out["ok"] != true {
		t.Fatalf("move = %v", out)
	}
	out := call(t, h["listDirectory"], map[string]any{"path": "sub"})
	entries := out["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if first := entries[0].(map[string]any); first["name"] != "inner" || first["type"] != "directory" {
		t.Errorf("directories should sort first: %v", entries)
	}

	if out := call(t, h["deleteFile"], map[string]any{"path": "sub/b.txt"}); out["ok"] != true {
		t.Errorf("delete = %v", out)
	}
	if out := call(t, h["deleteFile"], map[string]any{"path": "."}); out["ok"] != false {
		t.Errorf("deleting the root = %v", out)
	}
}

func TestLocalSearch(t *testing.T) {
	root := t.TempDir()
	for path, content := range map[string]string{
		"main.go":            "package main\nfunc main() {}\n",
		"pkg/util.go":        "package pkg\n// TODO: fix\n",
		"pkg/README.md":      "todo list\n",
		".git/config":        "main\n",
		"deep/er/deepest.go": "package er\n",
	} {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	h := New(Config{Workspace: root}).Handlers()["localSearch"]

	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"glob", map[string]any{"pattern": "*.go"}, 3},
		{"glob with depth", map[string]any{"pattern": "*.go", "depth": 1}, 1},
		{"substring name", map[string]any{"pattern": "readme"}, 1},
		{"regex name", map[string]any{"pattern": `^u.*\.go$`, "regex": true}, 1},
		{"content", map[string]any{"pattern": "todo", "content": true}, 2},
		{"content regex", map[string]any{"pattern": `func \w+\(`, "content": true, "regex": true}, 1},
		{"max results", map[string]any{"pattern": "*.go", "maxResults": 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := call(t, h, tt.args)
			if out["ok"] != true {
				t.Fatalf("out = %v", out)
			}
			if got := int(out["count"].(float64)); got != tt.want {
				t.Errorf("count = %d, want %d: %v", got, tt.want, out["results"])
			}
		})
	}

	if out := call(t, h, map[string]any{"pattern": "([", "regex": true}); out["ok"] != false {
		t.Errorf("invalid regex accepted: %v", out)
	}
}
