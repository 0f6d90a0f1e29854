package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrNoChannel is returned by Gate.Request when no channel is configured.
var ErrNoChannel = errors.New("no approval channel configured")

// Channel delivers a Pending to whoever decides it. Implementations
// resolve p exactly once, either before returning or later from another
// goroutine; returning an error denies the request.
type Channel interface {
	RequestDecision(ctx context.Context, p *Pending) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, p *Pending) error

// RequestDecision calls f.
func (f ChannelFunc) RequestDecision(ctx context.Context, p *Pending) error {
	return f(ctx, p)
}

// AutoChannel resolves every request with a fixed decision.
type AutoChannel Decision

// RequestDecision resolves p immediately.
func (c AutoChannel) RequestDecision(_ context.Context, p *Pending) error {
	p.ResolveBy(Decision(c), "auto")
	return nil
}

// Notify wraps channel so fn observes every request before delivery.
func Notify(channel Channel, fn func(*Pending)) Channel {
	return ChannelFunc(func(ctx context.Context, p *Pending) error {
		if fn != nil {
			fn(p)
		}
		if channel == nil {
			return nil
		}
		return channel.RequestDecision(ctx, p)
	})
}

// TerminalChannel prompts on Out. With In set it reads one answer line
// itself; without it the prompt is left for an interactive loop that
// resolves Gate.Current when the user answers.
type TerminalChannel struct {
	In  io.Reader
	Out io.Writer

	// MaxArgRunes bounds how much of the arguments is echoed. Default: 400.
	MaxArgRunes int
}

// RequestDecision writes the prompt and, when In is set, waits for y/n.
func (c *TerminalChannel) RequestDecision(ctx context.Context, p *Pending) error {
	if c.Out != nil {
		fmt.Fprintf(c.Out, "\napproval required: %s\n  arguments: %s\n  allow? [y/N] ", p.ToolName, c.preview(string(p.Arguments)))
	}
	if c.In == nil {
		return nil
	}

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.In).ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		d, ok := ParseAnswer(line)
		if !ok {
			d = Denied
		}
		p.ResolveBy(d, "terminal")
		return nil
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TerminalChannel) preview(args string) string {
	limit := c.MaxArgRunes
	if limit <= 0 {
		limit = 400
	}
	if utf8.RuneCountInString(args) <= limit {
		return args
	}
	return string([]rune(args)[:limit]) + "..."
}

// ParseAnswer interprets a typed answer. The second result is false when
// the text is neither an approval nor a denial.
func ParseAnswer(text string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "y", "yes", "approve", "approved", "allow", "ok", "是", "同意", "批准":
		return Approved, true
	case "n", "no", "deny", "denied", "reject", "否", "拒绝":
		return Denied, true
	}
	return "", false
}
