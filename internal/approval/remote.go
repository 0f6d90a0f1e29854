package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Remote approval defaults.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultResendSchedule = "@every 30m"
	DefaultMaxResends     = 3
	DefaultRemoteTimeout  = 5 * time.Minute
)

// ErrNoTransport is returned when a RemoteChannel has no transport.
var ErrNoTransport = errors.New("remote approval transport not configured")

// Reply is one inbound chat message.
type Reply struct {
	ID   string
	Text string
	At   time.Time
}

// Transport moves approval prompts and replies over a chat service.
type Transport interface {
	// Send posts text to the approver.
	Send(ctx context.Context, text string) error
	// Replies returns messages from the approver posted after since.
	Replies(ctx context.Context, since time.Time) ([]Reply, error)
}

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RemoteChannel asks an approver over a chat Transport. A reply counts
// only when it carries an approve or deny keyword together with a valid
// TOTP code, for example "approve 123456". Replies may name the request
// with its "#code"; replies naming another request are ignored.
type RemoteChannel struct {
	Transport Transport
	Verifier  Verifier

	// PollInterval between Replies calls. Default: 30s.
	PollInterval time.Duration
	// ResendSchedule is a cron spec for re-sending the prompt. Default: "@every 30m".
	ResendSchedule string
	// MaxResends caps re-sends. Default: 3. Negative disables re-sending.
	MaxResends int
	// Timeout after which the request is denied. Default: 5m.
	Timeout time.Duration

	Logger *slog.Logger
	// Now is the clock used for deadlines and the resend schedule.
	Now func() time.Time
}

// NewRemoteChannel returns a channel with defaults applied.
func NewRemoteChannel(t Transport, v Verifier, logger *slog.Logger) *RemoteChannel {
	return &RemoteChannel{Transport: t, Verifier: v, Logger: logger}
}

func (c *RemoteChannel) defaults() (cron.Schedule, error) {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ResendSchedule == "" {
		c.ResendSchedule = DefaultResendSchedule
	}
	if c.MaxResends == 0 {
		c.MaxResends = DefaultMaxResends
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRemoteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	sched, err := scheduleParser.Parse(c.ResendSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse resend schedule %q: %w", c.ResendSchedule, err)
	}
	return sched, nil
}

// RequestDecision sends the prompt and polls for a verified reply until
// the request is resolved, times out or ctx ends.
func (c *RemoteChannel) RequestDecision(ctx context.Context, p *Pending) error {
	if c.Transport == nil {
		return ErrNoTransport
	}
	sched, err := c.defaults()
	if err != nil {
		return err
	}
	logger := c.Logger.With("component", "approval", "request_id", p.ID, "tool", p.ToolName)

	start := c.Now()
	deadline := start.Add(c.Timeout)
	nextResend := sched.Next(start)
	resends := 0
	seen := map[string]bool{}

	if err := c.Transport.Send(ctx, c.prompt(p, deadline)); err != nil {
		return fmt.Errorf("send approval request: %w", err)
	}
	logger.Info("remote approval requested", "deadline", deadline)

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Done():
			return nil
		case <-ticker.C:
		}

		now := c.Now()
		replies, err := c.Transport.Replies(ctx, start)
		if err != nil {
			logger.Warn("poll approval replies failed", "error", err)
		}
		for _, r := range replies {
			if seen[r.ID] || r.At.Before(start.Truncate(time.Second)) {
				continue
			}
			seen[r.ID] = true
			d, ok := c.verify(p, r, now)
			if !ok {
				logger.Debug("ignored approval reply", "reply_id", r.ID)
				continue
			}
			if p.ResolveBy(d, "remote") {
				logger.Info("remote approval resolved", "decision", d)
				c.notify(ctx, logger, fmt.Sprintf("%s %s (#%s)", p.ToolName, d, p.ShortCode()))
			}
			return nil
		}

		if !now.Before(deadline) {
			if p.ResolveBy(Denied, "timeout") {
				logger.Info("remote approval timed out")
				c.notify(ctx, logger, fmt.Sprintf("request #%s for %s timed out and was denied", p.ShortCode(), p.ToolName))
			}
			return nil
		}

		if c.MaxResends > 0 && resends < c.MaxResends && !now.Before(nextResend) {
			resends++
			nextResend = sched.Next(now)
			if err := c.Transport.Send(ctx, c.prompt(p, deadline)); err != nil {
				logger.Warn("resend approval request failed", "error", err)
			} else {
				logger.Info("remote approval resent", "resends", resends)
			}
		}
	}
}

func (c *RemoteChannel) notify(ctx context.Context, logger *slog.Logger, text string) {
	if err := c.Transport.Send(ctx, text); err != nil {
		logger.Warn("send approval notice failed", "error", err)
	}
}

func (c *RemoteChannel) prompt(p *Pending, deadline time.Time) string {
	args := string(p.Arguments)
	if len([]rune(args)) > 600 {
		args = string([]rune(args)[:600]) + "..."
	}
	return fmt.Sprintf(
		"Approval needed #%s\nTool: %s\nArguments: %s\nReply \"approve <code>\" or \"deny <code>\" with your authenticator code before %s.",
		p.ShortCode(), p.ToolName, args, deadline.Format(time.RFC3339),
	)
}

// verify parses a reply into a decision. It needs a keyword and a TOTP
// code accepted at now; a "#code" token must match the request.
func (c *RemoteChannel) verify(p *Pending, r Reply, now time.Time) (Decision, bool) {
	var (
		decision Decision
		haveKW   bool
		code     string
	)
	for _, tok := range strings.Fields(r.Text) {
		tok = strings.Trim(tok, ".,!:;\"'")
		if strings.HasPrefix(tok, "#") {
			if !strings.EqualFold(tok[1:], p.ShortCode()) {
				return "", false
			}
			continue
		}
		if isCode(tok) {
			code = tok
			continue
		}
		if d, ok := ParseAnswer(tok); ok && !haveKW {
			decision, haveKW = d, true
		}
	}
	if !haveKW || !c.Verifier.Validate(code, now) {
		return "", false
	}
	return decision, true
}

func isCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
