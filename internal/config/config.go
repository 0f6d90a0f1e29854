// Package config loads the partner configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root of the configuration file.
type Config struct {
	Version       int                 `yaml:"version"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	Tools         ToolsConfig         `yaml:"tools"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Skills        SkillsConfig        `yaml:"skills"`
	Remote        RemoteConfig        `yaml:"remote"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	MaxTokens    int           `yaml:"max_tokens"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type AgentConfig struct {
	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	MaxIterations      int     `yaml:"max_iterations"`
	MaxContextTokens   int     `yaml:"max_context_tokens"`
	ToolResultCap      int     `yaml:"tool_result_cap"`
	SummarizeThreshold float64 `yaml:"summarize_threshold"`
	ClearThreshold     float64 `yaml:"clear_threshold"`

	AutoApprove     bool          `yaml:"auto_approve"`
	OptimizeTools   bool          `yaml:"optimize_tools"`
	SelectorTimeout time.Duration `yaml:"selector_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`

	// Workspace is the directory file and terminal tools operate in.
	Workspace string `yaml:"workspace"`
	Persona   string `yaml:"persona"`
}

type ToolsConfig struct {
	// Disabled lists tool names or groups ("group:web") never offered.
	Disabled []string `yaml:"disabled"`

	// DenylistGroups selects built-in destructive command groups. Default:
	// common plus the host group.
	DenylistGroups []string `yaml:"denylist_groups"`
	Denylist       []string `yaml:"denylist"`

	Terminal TerminalConfig `yaml:"terminal"`
	Web      WebConfig      `yaml:"web"`
}

type TerminalConfig struct {
	Shell          string        `yaml:"shell"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	Timeout        time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	SearchBackend  string        `yaml:"search_backend"`
	SearXNGURL     string        `yaml:"searxng_url"`
	BraveAPIKey    string        `yaml:"brave_api_key"`
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl"`
	FetchMaxChars  int           `yaml:"fetch_max_chars"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`

	// AllowPrivate lets webFetch reach loopback and private networks.
	AllowPrivate bool `yaml:"allow_private"`
}

// Approval modes.
const (
	ApprovalLocal  = "local"
	ApprovalRemote = "remote"
	ApprovalAuto   = "auto"
)

type ApprovalConfig struct {
	Mode      string `yaml:"mode"`
	Transport string `yaml:"transport"`

	Slack    SlackApprovalConfig    `yaml:"slack"`
	Telegram TelegramApprovalConfig `yaml:"telegram"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	ResendSchedule string        `yaml:"resend_schedule"`
	MaxResends     int           `yaml:"max_resends"`
	Timeout        time.Duration `yaml:"timeout"`

	// TOTPSecret is the base32 secret replies are verified against.
	TOTPSecret string `yaml:"totp_secret"`
	Issuer     string `yaml:"issuer"`
	Account    string `yaml:"account"`
}

type SlackApprovalConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

type TelegramApprovalConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type SessionsConfig struct {
	// Driver is memory, sqlite, sqlite3 or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type SkillsConfig struct {
	Dir   string `yaml:"dir"`
	Watch *bool  `yaml:"watch"`
}

// Watching reports whether the skills directory is watched. Default: true.
func (s SkillsConfig) Watching() bool {
	return s.Watch == nil || *s.Watch
}

type RemoteConfig struct {
	Listen         string   `yaml:"listen"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
	Redact    []string `yaml:"redact"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Environment  string            `yaml:"environment"`
	Attributes   map[string]string `yaml:"attributes"`
}

// DefaultPath returns ~/.partner/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

func homeDir() string {
	if dir := os.Getenv("PARTNER_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".partner"
	}
	return filepath.Join(home, ".partner")
}

// Load reads, merges, decodes and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadOrDefault loads path, falling back to Default when the file is
// missing.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]ProviderConfig{}
	}
	for name, envKey := range map[string]string{"anthropic": "ANTHROPIC_API_KEY", "openai": "OPENAI_API_KEY"} {
		p := cfg.LLM.Providers[name]
		if p.APIKey == "" {
			p.APIKey = os.Getenv(envKey)
		}
		if p.APIKey != "" || name == cfg.LLM.DefaultProvider {
			cfg.LLM.Providers[name] = p
		}
	}

	a := &cfg.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 30
	}
	if a.MaxContextTokens == 0 {
		a.MaxContextTokens = 128000
	}
	if a.ToolResultCap == 0 {
		a.ToolResultCap = 3000
	}
	if a.SummarizeThreshold == 0 {
		a.SummarizeThreshold = 85
	}
	if a.ClearThreshold == 0 {
		a.ClearThreshold = 70
	}
	if a.SelectorTimeout == 0 {
		a.SelectorTimeout = 8 * time.Second
	}
	if a.ToolTimeout == 0 {
		a.ToolTimeout = 2 * time.Minute
	}
	if a.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			a.Workspace = wd
		}
	}

	t := &cfg.Tools
	if t.Terminal.MaxOutputBytes == 0 {
		t.Terminal.MaxOutputBytes = 64000
	}
	if t.Terminal.Timeout == 0 {
		t.Terminal.Timeout = 2 * time.Minute
	}
	if t.Web.FetchMaxChars == 0 {
		t.Web.FetchMaxChars = 10000
	}
	if t.Web.FetchTimeout == 0 {
		t.Web.FetchTimeout = 15 * time.Second
	}
	if t.Web.SearchCacheTTL == 0 {
		t.Web.SearchCacheTTL = 5 * time.Minute
	}

	ap := &cfg.Approval
	if ap.Mode == "" {
		ap.Mode = ApprovalLocal
	}
	if ap.Mode == ApprovalRemote && ap.Transport == "" {
		switch {
		case ap.Telegram.BotToken != "":
			ap.Transport = "telegram"
		default:
			ap.Transport = "slack"
		}
	}
	if ap.PollInterval == 0 {
		ap.PollInterval = 30 * time.Second
	}
	if ap.ResendSchedule == "" {
		ap.ResendSchedule = "@every 30m"
	}
	if ap.MaxResends == 0 {
		ap.MaxResends = 3
	}
	if ap.Timeout == 0 {
		ap.Timeout = 5 * time.Minute
	}
	if ap.Issuer == "" {
		ap.Issuer = "Partner"
	}
	if ap.Account == "" {
		ap.Account = "approver"
	}

	s := &cfg.Sessions
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.DSN == "" && (s.Driver == "sqlite" || s.Driver == "sqlite3") {
		s.DSN = filepath.Join(homeDir(), "conversations.db")
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = 4
	}
	if s.ConnMaxLifetime == 0 {
		s.ConnMaxLifetime = 5 * time.Minute
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 10 * time.Second
	}

	if cfg.Skills.Dir == "" {
		cfg.Skills.Dir = filepath.Join(homeDir(), "skills")
	}
	if cfg.Remote.Listen == "" {
		cfg.Remote.Listen = "127.0.0.1:7420"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

func validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		add("%v", err)
	}

	provider := strings.ToLower(cfg.LLM.DefaultProvider)
	switch provider {
	case "anthropic", "openai":
	default:
		add("llm.default_provider must be anthropic or openai (got %q)", cfg.LLM.DefaultProvider)
	}
	if _, ok := cfg.LLM.Providers[provider]; !ok {
		add("llm.default_provider %q has no providers entry", cfg.LLM.DefaultProvider)
	}
	for name, p := range cfg.LLM.Providers {
		if p.MaxTokens < 0 {
			add("llm.providers.%s.max_tokens must be >= 0", name)
		}
	}

	a := cfg.Agent
	if a.MaxIterations < 1 {
		add("agent.max_iterations must be >= 1")
	}
	if a.MaxContextTokens < 1024 {
		add("agent.max_context_tokens must be >= 1024")
	}
	if a.SummarizeThreshold <= 0 || a.SummarizeThreshold > 100 {
		add("agent.summarize_threshold must be in (0, 100]")
	}
	if a.ClearThreshold <= 0 || a.ClearThreshold > a.SummarizeThreshold {
		add("agent.clear_threshold must be in (0, summarize_threshold]")
	}

	switch cfg.Tools.Web.SearchBackend {
	case "", "searxng", "brave", "duckduckgo":
	default:
		add("tools.web.search_backend must be searxng, brave or duckduckgo")
	}
	if cfg.Tools.Web.SearchBackend == "searxng" && cfg.Tools.Web.SearXNGURL == "" {
		add("tools.web.searxng_url is required for the searxng backend")
	}

	ap := cfg.Approval
	switch ap.Mode {
	case ApprovalLocal, ApprovalAuto:
	case ApprovalRemote:
		switch ap.Transport {
		case "slack":
			if ap.Slack.BotToken == "" || ap.Slack.ChannelID == "" {
				add("approval.slack.bot_token and channel_id are required for slack approval")
			}
		case "telegram":
			if ap.Telegram.BotToken == "" || ap.Telegram.ChatID == 0 {
				add("approval.telegram.bot_token and chat_id are required for telegram approval")
			}
		default:
			add("approval.transport must be slack or telegram (got %q)", ap.Transport)
		}
		if ap.TOTPSecret == "" {
			add("approval.totp_secret is required for remote approval; run `partner approval enroll`")
		}
	default:
		add("approval.mode must be local, remote or auto (got %q)", ap.Mode)
	}
	if ap.MaxResends < -1 {
		add("approval.max_resends must be >= -1")
	}

	switch cfg.Sessions.Driver {
	case "memory", "sqlite", "sqlite3":
	case "postgres":
		if cfg.Sessions.DSN == "" {
			add("sessions.dsn is required for postgres")
		}
	default:
		add("sessions.driver must be memory, sqlite, sqlite3 or postgres (got %q)", cfg.Sessions.Driver)
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format must be text or json")
	}
	if r := cfg.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be in [0, 1]")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}
