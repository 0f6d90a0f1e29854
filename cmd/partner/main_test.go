package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/agent/tape"
	"github.com/haasonsaas/partner/internal/config"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"chat", "run", "serve", "tools", "history", "config", "approval", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("PARTNER_CONFIG", "")
	t.Setenv("PARTNER_HOME", "/tmp/ph")
	if got := resolveConfigPath("x.yaml"); got != "x.yaml" {
		t.Errorf("flag path = %q", got)
	}
	if got := resolveConfigPath(""); got != filepath.Join("/tmp/ph", "config.yaml") {
		t.Errorf("default path = %q", got)
	}
	t.Setenv("PARTNER_CONFIG", "/etc/partner.yaml")
	if got := resolveConfigPath(""); got != "/etc/partner.yaml" {
		t.Errorf("env path = %q", got)
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Providers["anthropic"] = config.ProviderConfig{APIKey: "sk-live"}
	cfg.Approval.TOTPSecret = "JBSWY3DPEHPK3PXP"
	cfg.Remote.Token = "tok"

	masked := maskSecrets(*cfg)
	if masked.LLM.Providers["anthropic"].APIKey != "********" || masked.Approval.TOTPSecret != "********" || masked.Remote.Token != "********" {
		t.Errorf("secrets not masked: %+v", masked)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "sk-live" {
		t.Error("masking modified the original providers map")
	}
	if masked.Approval.Slack.BotToken != "" {
		t.Error("empty secret should stay empty")
	}
}

func TestPickOption(t *testing.T) {
	options := []string{"red", "green"}
	tests := map[string]string{
		"2":      "green",
		" 1 ":    "red",
		"3":      "3",
		"purple": "purple",
	}
	for in, want := range tests {
		if got := pickOption(in, options); got != want {
			t.Errorf("pickOption(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPreview(t *testing.T) {
	if got := preview("a\n  b\tc", 10); got != "a b c" {
		t.Errorf("preview = %q", got)
	}
	if got := preview("abcdef", 3); got != "abc…" {
		t.Errorf("preview = %q", got)
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	return writeTestConfigWithStore(t, "driver: memory")
}

// writeTestConfigWithStore writes a config whose sessions section holds
// store, with "$DIR" replaced by the config directory.
func writeTestConfigWithStore(t *testing.T, store string) string {
	t.Helper()
	dir := t.TempDir()
	content := `
llm:
  default_provider: anthropic
agent:
  workspace: ` + dir + `
sessions:
  ` + strings.ReplaceAll(store, "$DIR", dir) + `
skills:
  dir: ` + filepath.Join(dir, "skills") + `
  watch: false
logging:
  level: error
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunReplaysTape(t *testing.T) {
	tp := tape.New()
	tp.AddTurn(tape.Turn{Chunks: []agent.CompletionChunk{
		{Text: "Hello from "},
		{Text: "the tape."},
		{Done: true, FinishReason: "end_turn"},
	}})
	tapePath := filepath.Join(t.TempDir(), "run.tape.json")
	if err := tp.WriteFile(tapePath); err != nil {
		t.Fatal(err)
	}

	cmd := buildRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", writeTestConfig(t), "run", "--replay", tapePath, "-q", "say hi"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("run: %v (stderr %s)", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "Hello from the tape." {
		t.Errorf("reply = %q", got)
	}
}

func TestRunRejectsRecordWithReplay(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeTestConfig(t), "run", "--record", "a", "--replay", "b", "hi"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "cannot be combined") {
		t.Fatalf("err = %v", err)
	}
}

func TestToolsList(t *testing.T) {
	cmd := buildRootCmd()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--config", writeTestConfig(t), "tools", "list"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	out := stdout.String()
	for _, want := range []string{"readFile", "runTerminalCommand", "webFetch"} {
		if !strings.Contains(out, want) {
			t.Errorf("tools list missing %s:\n%s", want, out)
		}
	}
}

func TestConfigSchema(t *testing.T) {
	cmd := buildRootCmd()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout.String(), "approval") {
		t.Errorf("schema output = %s", stdout.String())
	}
}

func TestHistoryMigrate(t *testing.T) {
	cfg := writeTestConfigWithStore(t, "driver: sqlite\n  dsn: $DIR/conversations.db")
	execute := func(args ...string) string {
		t.Helper()
		cmd := buildRootCmd()
		var stdout bytes.Buffer
		cmd.SetOut(&stdout)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(append([]string{"--config", cfg, "history", "migrate"}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("migrate %v: %v", args, err)
		}
		return stdout.String()
	}

	if out := execute("status"); !strings.Contains(out, "0001_conversations") || !strings.Contains(out, "applied") {
		t.Errorf("status = %s", out)
	}
	if out := execute("down"); !strings.Contains(out, "rolled back 0001_conversations") {
		t.Errorf("down = %s", out)
	}
}

func TestHistoryMigrateRejectsMemoryStore(t *testing.T) {
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeTestConfig(t), "history", "migrate", "status"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "memory store") {
		t.Fatalf("err = %v", err)
	}
}

func TestReplAutoApprove(t *testing.T) {
	reg, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	r := &repl{
		ctx:   context.Background(),
		ctrl:  agent.NewController(agent.Options{Registry: reg}),
		out:   &out,
		asker: &lineAsker{out: &out},
	}

	tests := []struct {
		line string
		want bool
	}{
		{"/auto", true},
		{"/auto", false},
		{"/auto on", true},
		{"/auto on", true},
		{"/auto off", false},
	}
	for _, tt := range tests {
		if quit := r.handle(tt.line); quit {
			t.Fatalf("%s quit the repl", tt.line)
		}
		if got := r.ctrl.AutoApprove(); got != tt.want {
			t.Errorf("after %q AutoApprove = %v, want %v", tt.line, got, tt.want)
		}
	}
	if !strings.Contains(out.String(), "auto-approve on") || !strings.Contains(out.String(), "auto-approve off") {
		t.Errorf("output = %s", out.String())
	}
}
