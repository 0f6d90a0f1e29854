package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	agentctx "github.com/haasonsaas/partner/internal/agent/context"
	"github.com/haasonsaas/partner/internal/agent/providers"
	"github.com/haasonsaas/partner/internal/agent/tape"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/internal/config"
	"github.com/haasonsaas/partner/internal/observability"
	"github.com/haasonsaas/partner/internal/sessions"
	"github.com/haasonsaas/partner/internal/skills"
	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/internal/tools/exec"
	"github.com/haasonsaas/partner/internal/tools/files"
	"github.com/haasonsaas/partner/internal/tools/policy"
	"github.com/haasonsaas/partner/internal/tools/selector"
	"github.com/haasonsaas/partner/internal/tools/websearch"
	"github.com/haasonsaas/partner/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

type appOptions struct {
	// Provider replaces the configured provider, for replaying a tape.
	Provider agent.LLMProvider

	// Record puts a tape recorder in front of the provider and tools.
	Record bool

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// app holds everything a controller needs, built once per command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	provider agent.LLMProvider
	recorder *tape.Recorder

	registry   *catalog.Registry
	dispatcher *agent.Dispatcher
	terminals  *exec.Manager
	checker    *policy.Checker
	selector   *selector.Selector
	disabled   map[string]bool

	store  sessions.Store
	skills *skills.Catalog

	ctx       context.Context
	cancel    context.CancelFunc
	closers   []func(context.Context) error
	telegram  *approval.TelegramTransport
	traceStop func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logOut := opts.LogOutput
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         logOut,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.tracer, a.traceStop = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "partner",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Attributes:     cfg.Observability.Tracing.Attributes,
	})

	if err := a.init(opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(opts appOptions) error {
	provider := opts.Provider
	if provider == nil {
		p, err := newProvider(a.cfg.LLM, a.logger)
		if err != nil {
			return err
		}
		provider = p
	}
	if opts.Record {
		a.recorder = tape.NewRecorder(provider)
		provider = a.recorder
	}
	a.provider = provider

	registry, err := catalog.Default()
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	a.registry = registry
	a.dispatcher = agent.NewDispatcher(registry, a.cfg.Agent.ToolTimeout)

	workspace, err := filepath.Abs(a.cfg.Agent.Workspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	a.terminals = exec.NewManager(exec.Config{
		Workspace: workspace,
		Shell:     a.cfg.Tools.Terminal.Shell,
		MaxOutput: a.cfg.Tools.Terminal.MaxOutputBytes,
		Timeout:   a.cfg.Tools.Terminal.Timeout,
		Logger:    a.logger,
	})
	web := a.cfg.Tools.Web
	toolsets := []map[string]agent.Handler{
		files.New(files.Config{Workspace: workspace}).Handlers(),
		exec.NewTools(a.terminals).Handlers(),
		websearch.NewTools(
			websearch.NewSearcher(websearch.SearchConfig{
				Backend:     websearch.Backend(web.SearchBackend),
				SearXNGURL:  web.SearXNGURL,
				BraveAPIKey: web.BraveAPIKey,
				CacheTTL:    web.SearchCacheTTL,
			}),
			websearch.NewFetcher(websearch.FetchConfig{
				MaxChars:     web.FetchMaxChars,
				Timeout:      web.FetchTimeout,
				UserAgent:    "partner/" + version,
				AllowPrivate: web.AllowPrivate,
			}),
		).Handlers(),
	}
	for _, handlers := range toolsets {
		for name, h := range handlers {
			if a.recorder != nil {
				h = a.recorder.WrapHandler(name, h)
			}
			if err := a.dispatcher.Register(name, h); err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}

	groups := a.cfg.Tools.DenylistGroups
	if len(groups) == 0 {
		groups = []string{"common", policy.HostGroup()}
	}
	a.checker = policy.NewChecker(policy.NewDenylist(groups, a.cfg.Tools.Denylist...))
	a.disabled = a.disabledTools()
	a.selector = selector.New(selector.Options{
		Picker:  &agent.ProviderPicker{Provider: a.provider, Model: a.cfg.Agent.Model},
		Timeout: a.cfg.Agent.SelectorTimeout,
	})

	store, err := openStore(a.ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.store = store

	a.skills = skills.NewCatalog(a.cfg.Skills.Dir, a.logger)
	if err := a.skills.Load(a.ctx); err != nil {
		a.logger.Warn("skills not loaded", "dir", a.cfg.Skills.Dir, "error", err)
	}
	return nil
}

func (a *app) disabledTools() map[string]bool {
	out := map[string]bool{}
	for _, name := range policy.NewResolver(a.registry).Expand(a.cfg.Tools.Disabled) {
		out[name] = true
	}
	return out
}

// systemPrompt renders the prompt for the current tools and skills.
func (a *app) systemPrompt(installed []models.Skill) string {
	return agent.BuildSystemPrompt(agent.PromptOptions{
		Persona:   a.cfg.Agent.Persona,
		Workspace: a.cfg.Agent.Workspace,
		Tools:     a.registry.Enabled(a.disabled),
		Skills:    installed,
		Now:       time.Now(),
	})
}

type controllerOptions struct {
	Callbacks agent.Callbacks
	Channel   approval.Channel
	Asker     agent.QuestionAsker
}

// newController builds a controller and keeps its system prompt in sync
// with the skills directory.
func (a *app) newController(opts controllerOptions) (*agent.Controller, error) {
	channel, err := a.approvalChannel(opts.Channel)
	if err != nil {
		return nil, err
	}
	ctrl := agent.NewController(agent.Options{
		Provider:     a.provider,
		Model:        a.cfg.Agent.Model,
		MaxTokens:    a.cfg.LLM.Providers[a.cfg.LLM.DefaultProvider].MaxTokens,
		SystemPrompt: a.systemPrompt(a.skills.List()),
		Registry:     a.registry,
		Dispatcher:   a.dispatcher,
		Ledger: agentctx.Options{
			MaxTokens:     a.cfg.Agent.MaxContextTokens,
			ToolResultCap: a.cfg.Agent.ToolResultCap,
		},
		Selector:           a.selector,
		OptimizeTools:      a.cfg.Agent.OptimizeTools,
		Channel:            channel,
		Checker:            a.checker,
		AutoApprove:        a.cfg.Agent.AutoApprove || a.cfg.Approval.Mode == config.ApprovalAuto,
		Disabled:           a.disabled,
		Callbacks:          opts.Callbacks,
		Logger:             a.logger,
		Metrics:            a.metrics,
		Tracer:             a.tracer,
		Store:              a.store,
		MaxIterations:      a.cfg.Agent.MaxIterations,
		SummarizeThreshold: a.cfg.Agent.SummarizeThreshold,
		ClearThreshold:     a.cfg.Agent.ClearThreshold,
		Skills:             a.skills,
		Asker:              opts.Asker,
	})

	if a.cfg.Skills.Watching() {
		err := a.skills.Watch(a.ctx, func(installed []models.Skill) {
			a.logger.Info("skills reloaded", "count", len(installed))
			ctrl.SetSystemPrompt(a.systemPrompt(installed))
		})
		if err != nil {
			a.logger.Warn("skills watch disabled", "dir", a.cfg.Skills.Dir, "error", err)
		}
	}
	return ctrl, nil
}

// approvalChannel returns the configured remote channel, or local when
// approvals are answered on this machine.
func (a *app) approvalChannel(local approval.Channel) (approval.Channel, error) {
	ap := a.cfg.Approval
	if ap.Mode != config.ApprovalRemote {
		return local, nil
	}

	var transport approval.Transport
	switch ap.Transport {
	case "slack":
		transport = approval.NewSlackTransport(ap.Slack.BotToken, ap.Slack.ChannelID)
	case "telegram":
		if a.telegram == nil {
			t, err := approval.NewTelegramTransport(ap.Telegram.BotToken, ap.Telegram.ChatID)
			if err != nil {
				return nil, err
			}
			a.telegram = t
			go t.Run(a.ctx)
		}
		transport = a.telegram
	default:
		return nil, fmt.Errorf("unknown approval transport %q", ap.Transport)
	}

	remote := approval.NewRemoteChannel(transport, approval.Verifier{Secret: ap.TOTPSecret}, a.logger)
	remote.PollInterval = ap.PollInterval
	remote.ResendSchedule = ap.ResendSchedule
	remote.MaxResends = ap.MaxResends
	remote.Timeout = ap.Timeout
	return remote, nil
}

// serveMetrics exposes /metrics on the configured address until the app
// closes. An empty address disables it.
func (a *app) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	a.closers = append(a.closers, srv.Shutdown)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("metrics listening", "addr", addr)
}

// Close releases every resource in reverse order of creation.
func (a *app) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](shutdownCtx))
	}
	if a.skills != nil {
		errs = append(errs, a.skills.Close())
	}
	if a.terminals != nil {
		errs = append(errs, a.terminals.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	a.cancel()
	if a.traceStop != nil {
		errs = append(errs, a.traceStop(shutdownCtx))
	}
	return errors.Join(errs...)
}

func newProvider(cfg config.LLMConfig, logger *slog.Logger) (agent.LLMProvider, error) {
	name := strings.ToLower(cfg.DefaultProvider)
	pc := cfg.Providers[name]
	switch name {
	case "anthropic":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxTokens:    pc.MaxTokens,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.DefaultProvider)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessions.Store, error) {
	s := cfg.Sessions
	if (s.Driver == "sqlite" || s.Driver == "sqlite3") && s.DSN != "" && s.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sessions.Open(ctx, sessions.SQLConfig{
		Driver:          s.Driver,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		ConnectTimeout:  s.ConnectTimeout,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	return store, nil
}
