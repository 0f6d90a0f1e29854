package tape

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
)

// Recorder wraps a provider and records every call onto a tape.
type Recorder struct {
	provider agent.LLMProvider

	mu   sync.Mutex
	tape *Tape
}

// NewRecorder creates a recorder in front of provider.
func NewRecorder(provider agent.LLMProvider) *Recorder {
	tape := New()
	tape.Provider = provider.Name()
	return &Recorder{provider: provider, tape: tape}
}

// Complete forwards to the wrapped provider and records the request with
// the chunks it produced. The turn is added once the stream closes.
func (r *Recorder) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	start := time.Now()
	snapshot := cloneRequest(req)

	upstream, err := r.provider.Complete(ctx, req)
	if err != nil {
		r.add(Turn{Request: snapshot, Error: err.Error(), Duration: time.Since(start)})
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		turn := Turn{Request: snapshot, Chunks: []agent.CompletionChunk{}}
		var text strings.Builder
		for chunk := range upstream {
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				turn.Error = chunk.Error.Error()
			} else {
				turn.Chunks = append(turn.Chunks, *chunk)
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				turn.ToolCalls = append(turn.ToolCalls, *chunk.ToolCall)
			}
			out <- chunk
		}
		turn.Text = text.String()
		turn.Duration = time.Since(start)
		r.add(turn)
	}()
	return out, nil
}

func (r *Recorder) add(turn Turn) {
	r.mu.Lock()
	r.tape.AddTurn(turn)
	r.mu.Unlock()
}

func (r *Recorder) Name() string {
	return "recorder:" + r.provider.Name()
}

func (r *Recorder) Models() []agent.Model {
	return r.provider.Models()
}

func (r *Recorder) SupportsTools() bool {
	return r.provider.SupportsTools()
}

// WrapHandler returns a handler that records each execution of h under
// tool.
func (r *Recorder) WrapHandler(tool string, h agent.Handler) agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, args json.RawMessage) (*agent.ToolResult, error) {
		start := time.Now()
		result, err := h.Execute(ctx, args)
		run := ToolRun{
			Tool:      tool,
			Arguments: append(json.RawMessage(nil), args...),
			Result:    result,
			Duration:  time.Since(start),
		}
		if err != nil {
			run.Error = err.Error()
		}
		r.mu.Lock()
		r.tape.AddToolRun(run)
		r.mu.Unlock()
		return result, err
	})
}

// Tape returns a copy of the recording so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Reset discards the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tape = New()
	r.tape.Provider = r.provider.Name()
}

func cloneRequest(req *agent.CompletionRequest) *agent.CompletionRequest {
	if req == nil {
		return nil
	}
	clone := *req
	clone.Messages = append([]agent.CompletionMessage(nil), req.Messages...)
	clone.Tools = append(clone.Tools[:0:0], req.Tools...)
	return &clone
}
