// Package approval implements the human-in-the-loop gate in front of
// sensitive tool calls. A Gate serializes requests; each request is a
// Pending that resolves exactly once, through a Channel (terminal, remote
// chat, automatic) or by force-deny when the run is stopped.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of an approval request.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
)

// Approved reports whether d allows the call.
func (d Decision) Approved() bool { return d == Approved }

// Pending is one outstanding approval request. Only the first Resolve
// counts.
type Pending struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	decision Decision
	by       string
}

func newPending(toolName string, args json.RawMessage) *Pending {
	return &Pending{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Arguments: append(json.RawMessage(nil), args...),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Resolve records decision if the request is still open and reports
// whether it did.
func (p *Pending) Resolve(decision Decision) bool {
	return p.ResolveBy(decision, "")
}

// ResolveBy is Resolve with the name of whoever decided, for logs.
func (p *Pending) ResolveBy(decision Decision, by string) bool {
	won := false
	p.once.Do(func() {
		p.mu.Lock()
		p.decision = decision
		p.by = by
		p.mu.Unlock()
		close(p.done)
		won = true
	})
	return won
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Decision returns the decision and whether one has been made.
func (p *Pending) Decision() (Decision, bool) {
	select {
	case <-p.done:
	default:
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decision, true
}

// DecidedBy returns who resolved the request, if recorded.
func (p *Pending) DecidedBy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.by
}

// ShortCode is a short human-typable form of the request id.
func (p *Pending) ShortCode() string {
	if len(p.ID) < 6 {
		return p.ID
	}
	return p.ID[:6]
}

// Gate serializes approval requests: at most one Pending exists at a time.
type Gate struct {
	slot chan struct{}

	mu      sync.Mutex
	current *Pending
}

// NewGate creates an idle gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Request asks channel for a decision and waits for it. A second caller
// waits until the first request is resolved. Cancellation of ctx and
// channel failures resolve the request as Denied; the returned error
// reports why.
func (g *Gate) Request(ctx context.Context, toolName string, args json.RawMessage, channel Channel) (Decision, error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return Denied, ctx.Err()
	}
	defer func() { <-g.slot }()

	p := newPending(toolName, args)
	g.mu.Lock()
	g.current = p
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.current = nil
		g.mu.Unlock()
	}()

	chErr := make(chan error, 1)
	go func() {
		if channel == nil {
			chErr <- ErrNoChannel
			return
		}
		chErr <- channel.RequestDecision(ctx, p)
	}()

	for {
		select {
		case <-p.Done():
			d, _ := p.Decision()
			return d, nil
		case err := <-chErr:
			chErr = nil
			if err != nil {
				p.Resolve(Denied)
				d, _ := p.Decision()
				return d, err
			}
		case <-ctx.Done():
			p.Resolve(Denied)
			d, _ := p.Decision()
			return d, ctx.Err()
		}
	}
}

// Current returns the outstanding request, or nil when idle.
func (g *Gate) Current() *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// ForceDeny resolves the outstanding request, if any, as Denied. It
// reports whether a request was open.
func (g *Gate) ForceDeny() bool {
	g.mu.Lock()
	p := g.current
	g.mu.Unlock()
	if p == nil {
		return false
	}
	return p.ResolveBy(Denied, "stop")
}
