package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/partner/internal/agent"
)

// ErrTapeExhausted indicates the tape has no more turns to replay.
var ErrTapeExhausted = errors.New("tape exhausted: no more turns to replay")

// ReplayMode controls how strictly the replayer matches requests.
type ReplayMode int

const (
	// ReplayLoose returns recorded responses regardless of the request.
	ReplayLoose ReplayMode = iota

	// ReplayStrict records a Mismatch whenever a request differs in
	// model, message count or offered tools.
	ReplayStrict
)

// Mismatch records a difference between a recorded and an actual request.
type Mismatch struct {
	TurnIndex int    `json:"turn_index"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// Replayer is an agent.LLMProvider serving turns from a tape in order.
type Replayer struct {
	tape *Tape
	mode ReplayMode

	mu         sync.Mutex
	next       int
	mismatches []Mismatch
}

// NewReplayer creates a replayer over a copy of tape.
func NewReplayer(tape *Tape) *Replayer {
	return &Replayer{tape: tape.Clone(), mode: ReplayLoose}
}

// WithMode sets the replay mode.
func (r *Replayer) WithMode(mode ReplayMode) *Replayer {
	r.mode = mode
	return r
}

// Complete replays the next turn. A turn recorded with an error fails the
// same way.
func (r *Replayer) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	r.mu.Lock()
	if r.next >= len(r.tape.Turns) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	turn := r.tape.Turns[r.next]
	r.next++
	if r.mode == ReplayStrict && turn.Request != nil && req != nil {
		r.compare(turn.Index, turn.Request, req)
	}
	r.mu.Unlock()

	if turn.Error != "" && len(turn.Chunks) == 0 {
		return nil, errors.New(turn.Error)
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		for i := range turn.Chunks {
			chunk := turn.Chunks[i]
			select {
			case <-ctx.Done():
				return
			case out <- &chunk:
			}
		}
		if turn.Error != "" {
			select {
			case <-ctx.Done():
			case out <- &agent.CompletionChunk{Error: errors.New(turn.Error)}:
			}
		}
	}()
	return out, nil
}

func (r *Replayer) compare(index int, expected, actual *agent.CompletionRequest) {
	add := func(field, want, got string) {
		if want != got {
			r.mismatches = append(r.mismatches, Mismatch{TurnIndex: index, Field: field, Expected: want, Actual: got})
		}
	}
	if expected.Model != "" {
		add("model", expected.Model, actual.Model)
	}
	add("message_count", fmt.Sprint(len(expected.Messages)), fmt.Sprint(len(actual.Messages)))
	add("tools", toolNames(expected), toolNames(actual))
}

func toolNames(req *agent.CompletionRequest) string {
	names := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		names[i] = t.Name
	}
	return fmt.Sprint(names)
}

func (r *Replayer) Name() string {
	if r.tape.Provider != "" {
		return "replay:" + r.tape.Provider
	}
	return "replay"
}

func (r *Replayer) Models() []agent.Model {
	return []agent.Model{{ID: "replay", Name: "Tape Replay", ContextSize: 200000}}
}

func (r *Replayer) SupportsTools() bool {
	return true
}

// Mismatches returns the differences found in strict mode.
func (r *Replayer) Mismatches() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.mismatches...)
}

// Remaining returns the number of turns not yet replayed.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Turns) - r.next
}

// Reset rewinds to the first turn.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.mismatches = nil
}
