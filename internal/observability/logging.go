// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the engine.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string

	// Format is "json" or "text". Default: text.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	AddSource bool

	// RedactPatterns are extra regular expressions whose matches are masked.
	RedactPatterns []string
}

// DefaultRedactPatterns mask common secrets in log values.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{32,}`,
	`sk-[a-zA-Z0-9_-]{32,}`,
	`xox[abpr]-[a-zA-Z0-9-]{10,}`,
	`\b\d{8,10}:[a-zA-Z0-9_-]{35}\b`,
	`otpauth://[^\s"]+`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"totp_secret":   true,
	"bot_token":     true,
}

const redacted = "[REDACTED]"

// NewLogger builds a slog.Logger whose string attributes pass through the
// redaction patterns.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	r := newRedactor(config.RedactPatterns)
	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: r.replaceAttr,
	}
	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}
	return slog.New(&contextHandler{Handler: handler})
}

type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(extra []string) *redactor {
	r := &redactor{}
	for _, p := range append(append([]string(nil), DefaultRedactPatterns...), extra...) {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))] {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.redact(err.Error()))
		}
	}
	return a
}

func (r *redactor) redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// RedactString applies the default redaction patterns to s.
func RedactString(s string) string {
	return defaultRedactor.redact(s)
}

var defaultRedactor = newRedactor(nil)

// contextHandler adds run and conversation ids carried by the context.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := GetRunID(ctx); id != "" {
		rec.AddAttrs(slog.String("run_id", id))
	}
	if id := GetConversationID(ctx); id != "" {
		rec.AddAttrs(slog.String("conversation_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextKey is the type of context keys set by this package.
type ContextKey string

const (
	RunIDKey          ContextKey = "run_id"
	ConversationIDKey ContextKey = "conversation_id"
)

// AddRunID returns ctx carrying runID.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID returns the run id in ctx.
func GetRunID(ctx context.Context) string {
	id, _ := ctx.Value(RunIDKey).(string)
	return id
}

// AddConversationID returns ctx carrying id.
func AddConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// GetConversationID returns the conversation id in ctx.
func GetConversationID(ctx context.Context) string {
	id, _ := ctx.Value(ConversationIDKey).(string)
	return id
}

// LogLevelFromString converts a level name, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
