package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "config.yaml", content)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("PARTNER_HOME", "/tmp/partner-home")
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: sk-test
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("version = %d", cfg.Version)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Errorf("default provider = %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Agent.MaxIterations != 30 || cfg.Agent.ToolTimeout != 2*time.Minute {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Approval.Mode != ApprovalLocal || cfg.Approval.ResendSchedule != "@every 30m" {
		t.Errorf("approval defaults = %+v", cfg.Approval)
	}
	if cfg.Sessions.Driver != "sqlite" || cfg.Sessions.DSN != filepath.Join("/tmp/partner-home", "conversations.db") {
		t.Errorf("sessions defaults = %+v", cfg.Sessions)
	}
	if cfg.Skills.Dir != filepath.Join("/tmp/partner-home", "skills") || !cfg.Skills.Watching() {
		t.Errorf("skills defaults = %+v", cfg.Skills)
	}
	if cfg.Remote.Listen != "127.0.0.1:7420" {
		t.Errorf("remote listen = %q", cfg.Remote.Listen)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
agent:
  max_iterations: 5
  colour: blue
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "bad provider",
			content: "llm:\n  default_provider: cohere\n",
			want:    "default_provider",
		},
		{
			name:    "thresholds inverted",
			content: "agent:\n  summarize_threshold: 50\n  clear_threshold: 60\n",
			want:    "clear_threshold",
		},
		{
			name:    "remote approval without transport config",
			content: "approval:\n  mode: remote\n  transport: slack\n",
			want:    "approval.slack.bot_token",
		},
		{
			name:    "remote approval without totp",
			content: "approval:\n  mode: remote\n  transport: telegram\n  telegram:\n    bot_token: t\n    chat_id: 42\n",
			want:    "totp_secret",
		},
		{
			name:    "unknown approval mode",
			content: "approval:\n  mode: sometimes\n",
			want:    "approval.mode",
		},
		{
			name:    "postgres without dsn",
			content: "sessions:\n  driver: postgres\n",
			want:    "sessions.dsn",
		},
		{
			name:    "searxng without url",
			content: "tools:\n  web:\n    search_backend: searxng\n",
			want:    "searxng_url",
		},
		{
			name:    "future version",
			content: "version: 9\n",
			want:    "newer than this build",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
agent:
  max_iterations: 10
  persona: base persona
tools:
  disabled: [webSearch]
`)
	writeFile(t, dir, "secrets.json5", `{
  // comments are fine here
  llm: {providers: {openai: {api_key: "sk-json5"}}},
}`)
	path := writeFile(t, dir, "config.yaml", `
$include:
  - base.yaml
  - secrets.json5
llm:
  default_provider: openai
agent:
  max_iterations: 12
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxIterations != 12 {
		t.Errorf("including file should win: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Persona != "base persona" {
		t.Errorf("persona = %q", cfg.Agent.Persona)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-json5" {
		t.Errorf("openai key = %q", got)
	}
	if len(cfg.Tools.Disabled) != 1 || cfg.Tools.Disabled[0] != "webSearch" {
		t.Errorf("disabled = %v", cfg.Tools.Disabled)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PARTNER_TEST_KEY", "abc")
	tests := []struct {
		in   string
		want string
	}{
		{"key: $PARTNER_TEST_KEY", "key: abc"},
		{"key: ${PARTNER_TEST_KEY}", "key: abc"},
		{"key: ${PARTNER_TEST_MISSING:-fallback}", "key: fallback"},
		{"key: ${PARTNER_TEST_MISSING}", "key: "},
		{"price: $$5", "price: $5"},
		{"$include: other.yaml", "$include: other.yaml"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxIterations != 30 {
		t.Errorf("defaults not applied: %+v", cfg.Agent)
	}
}

func TestProviderKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := Load(writeConfig(t, "llm:\n  default_provider: openai\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.LLM.Providers["openai"].APIKey; got != "sk-env" {
		t.Errorf("api key = %q", got)
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, ReasonMissing},
		{-1, ReasonMissing},
		{CurrentVersion + 1, ReasonNewer},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("version %d: %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) || ve.Reason != tt.reason {
			t.Errorf("version %d: err = %v", tt.version, err)
		}
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should render empty")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"max_iterations", "totp_secret", "search_backend", "metrics_addr"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("schema missing %s", key)
		}
	}
}
