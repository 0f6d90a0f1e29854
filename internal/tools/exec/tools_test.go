package exec

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
)

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell commands")
	}
}

func execute(t *testing.T, h agent.Handler, args map[string]any) (*agent.ToolResult, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(args)
	res, err := h.Execute(context.Background(), raw)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode %s: %v", res.Content, err)
	}
	return res, out
}

func newTools(t *testing.T) (*Tools, string) {
	t.Helper()
	root := t.TempDir()
	mgr := NewManager(Config{Workspace: root})
	t.Cleanup(func() { mgr.Close() })
	return NewTools(mgr), root
}

func TestRunTerminalCommand(t *testing.T) {
	skipWindows(t)
	tools, root := newTools(t)
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	h := tools.Handlers()["runTerminalCommand"]

	tests := []struct {
		name   string
		args   map[string]any
		wantOK bool
		check  func(map[string]any) bool
	}{
		{"stdout", map[string]any{"command": "echo hello"}, true, func(o map[string]any) bool {
			return o["stdout"] == "hello\n" && o["exit_code"] == float64(0)
		}},
		{"cwd", map[string]any{"command": "pwd", "cwd": "sub"}, true, func(o map[string]any) bool {
			return strings.HasSuffix(strings.TrimSpace(o["stdout"].(string)), "sub")
		}},
		{"exit code", map[string]any{"command": "echo oops >&2; exit 3"}, true, func(o map[string]any) bool {
			return o["exit_code"] == float64(3) && o["stderr"] == "oops\n"
		}},
		{"timeout", map[string]any{"command": "sleep 5", "timeout_seconds": 1}, true, func(o map[string]any) bool {
			return o["timed_out"] == true
		}},
		{"escape", map[string]any{"command": "ls", "cwd": "../"}, false, nil},
		{"empty", map[string]any{"command": "  "}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out := execute(t, h, tt.args)
			if res.IsError == tt.wantOK {
				t.Fatalf("IsError = %v: %s", res.IsError, res.Content)
			}
			if tt.check != nil && !tt.check(out) {
				t.Errorf("unexpected result %s", res.Content)
			}
		})
	}
}

func TestBackgroundTerminalLifecycle(t *testing.T) {
	skipWindows(t)
	tools, _ := newTools(t)
	h := tools.Handlers()

	_, out := execute(t, h["runTerminalCommand"], map[string]any{"command": "echo started; sleep 0.2; echo finished", "background": true})
	id, _ := out["terminalId"].(string)
	if id == "" || out["status"] != "running" {
		t.Fatalf("start = %v", out)
	}

	_, out = execute(t, h["awaitTerminalCommand"], map[string]any{"terminalId": id, "timeout_seconds": 10})
	if out["status"] != "exited" || out["stdout"] != "started\nfinished\n" {
		t.Errorf("await = %v", out)
	}

	_, out = execute(t, h["runTerminalCommand"], map[string]any{"command": "sleep 30", "background": true})
	id = out["terminalId"].(string)
	start := time.Now()
	_, out = execute(t, h["killTerminal"], map[string]any{"terminalId": id})
	if out["status"] != "killed" {
		t.Errorf("kill = %v", out)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("kill did not stop the process")
	}

	res, _ := execute(t, h["killTerminal"], map[string]any{"terminalId": id})
	if !res.IsError {
		t.Error("killing a forgotten terminal succeeded")
	}
	res, _ = execute(t, h["awaitTerminalCommand"], map[string]any{"terminalId": "missing"})
	if !res.IsError || !strings.Contains(res.Content, "terminal not found") {
		t.Errorf("await unknown = %s", res.Content)
	}
}

func TestAwaitRunsCommandWithoutTerminal(t *testing.T) {
	skipWindows(t)
	tools, _ := newTools(t)
	_, out := execute(t, tools.Handlers()["awaitTerminalCommand"], map[string]any{"command": "echo direct"})
	if out["stdout"] != "direct\n" {
		t.Errorf("out = %v", out)
	}
}

func TestRunShellScriptCode(t *testing.T) {
	skipWindows(t)
	tools, _ := newTools(t)
	script := "a=2\nb=3\necho $((a*b))\n"
	_, out := execute(t, tools.Handlers()["runShellScriptCode"], map[string]any{"script": script})
	if out["stdout"] != "6\n" || out["exit_code"] != float64(0) {
		t.Errorf("out = %v", out)
	}
}

func TestLimitedBuffer(t *testing.T) {
	buf := newLimitedBuffer(4)
	n, err := buf.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	buf.Write([]byte("gh"))
	if got := buf.String(); got != "abcd\n...[output truncated]" {
		t.Errorf("String = %q", got)
	}
}

func TestManagerList(t *testing.T) {
	skipWindows(t)
	mgr := NewManager(Config{Workspace: t.TempDir()})
	defer mgr.Close()
	first, err := mgr.Start("sleep 5", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Start("sleep 5", "", 0); err != nil {
		t.Fatal(err)
	}
	list := mgr.List()
	if len(list) != 2 || list[0].TerminalID != first || list[0].Status != "running" {
		t.Errorf("List = %+v", list)
	}
}
