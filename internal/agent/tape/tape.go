// Package tape records model and tool traffic of a session and replays it.
// A replayed tape drives the controller without a live backend, which makes
// transcripts reproducible in tests and in `partner run --replay`.
package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/pkg/models"
)

// Version of the tape format.
const Version = "1"

// Tape is a recorded session.
type Tape struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Provider is the name of the recorded backend.
	Provider string `json:"provider,omitempty"`

	// Turns holds every model call in order, including side calls such as
	// titles and tool selection.
	Turns []Turn `json:"turns"`

	// ToolRuns holds every tool execution in order.
	ToolRuns []ToolRun `json:"tool_runs"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Turn is one model call.
type Turn struct {
	Index   int                      `json:"index"`
	Request *agent.CompletionRequest `json:"request"`
	Chunks  []agent.CompletionChunk  `json:"chunks"`

	// Error is the stream or transport error, if the call failed.
	Error string `json:"error,omitempty"`

	// Text and ToolCalls summarize the chunks.
	Text      string            `json:"text,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	Duration time.Duration `json:"duration"`
}

// ToolRun is one tool execution.
type ToolRun struct {
	Tool      string            `json:"tool"`
	Arguments json.RawMessage   `json:"arguments,omitempty"`
	Result    *agent.ToolResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// New creates an empty tape.
func New() *Tape {
	return &Tape{
		Version:   Version,
		CreatedAt: time.Now(),
		Turns:     []Turn{},
		ToolRuns:  []ToolRun{},
		Metadata:  make(map[string]any),
	}
}

// AddTurn appends turn and assigns its index.
func (t *Tape) AddTurn(turn Turn) {
	turn.Index = len(t.Turns)
	t.Turns = append(t.Turns, turn)
}

func (t *Tape) AddToolRun(run ToolRun) {
	t.ToolRuns = append(t.ToolRuns, run)
}

// Turn returns the turn at index.
func (t *Tape) Turn(index int) (*Turn, bool) {
	if index < 0 || index >= len(t.Turns) {
		return nil, false
	}
	return &t.Turns[index], true
}

// RunsFor returns the recorded executions of tool.
func (t *Tape) RunsFor(tool string) []ToolRun {
	var runs []ToolRun
	for _, run := range t.ToolRuns {
		if run.Tool == tool {
			runs = append(runs, run)
		}
	}
	return runs
}

func (t *Tape) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Unmarshal decodes a tape and checks its version.
func Unmarshal(data []byte) (*Tape, error) {
	var tape Tape
	if err := json.Unmarshal(data, &tape); err != nil {
		return nil, err
	}
	if tape.Version != Version {
		return nil, fmt.Errorf("unsupported tape version %q", tape.Version)
	}
	return &tape, nil
}

// Clone returns a deep copy.
func (t *Tape) Clone() *Tape {
	data, err := t.Marshal()
	if err == nil {
		if clone, err := Unmarshal(data); err == nil {
			return clone
		}
	}
	clone := *t
	clone.Turns = append([]Turn(nil), t.Turns...)
	clone.ToolRuns = append([]ToolRun(nil), t.ToolRuns...)
	return &clone
}

// WriteFile stores the tape at path.
func (t *Tape) WriteFile(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadFile loads a tape from path.
func ReadFile(path string) (*Tape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Summary is a brief overview of a tape.
type Summary struct {
	Provider     string `json:"provider,omitempty"`
	TurnCount    int    `json:"turn_count"`
	ToolRunCount int    `json:"tool_run_count"`
	ErrorCount   int    `json:"error_count"`
	TotalTextLen int    `json:"total_text_len"`
}

func (t *Tape) Summary() Summary {
	s := Summary{Provider: t.Provider, TurnCount: len(t.Turns), ToolRunCount: len(t.ToolRuns)}
	for _, turn := range t.Turns {
		s.TotalTextLen += len(turn.Text)
		if turn.Error != "" {
			s.ErrorCount++
		}
	}
	return s
}
