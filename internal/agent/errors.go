package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for controller operations.
var (
	// ErrMaxIterations indicates a run hit the iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrStale indicates a run was stopped or superseded while it was
	// suspended; its pending work is discarded.
	ErrStale = errors.New("run is stale")

	// ErrNoAsker indicates askQuestions has no UI to ask through.
	ErrNoAsker = errors.New("no question asker configured")
)

// ToolErrorType categorizes tool failures.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
)

// ToolError is a classified tool failure. Its message becomes the "error"
// field of the ok:false result handed back to the model.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.ToolName == "" {
		return fmt.Sprintf("[tool:%s] %s", e.Type, msg)
	}
	return fmt.Sprintf("[tool:%s] %s %s", e.Type, e.ToolName, msg)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause and infers its type.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorExecution}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// WithType overrides the inferred type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call the error belongs to.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage replaces the message shown to the model.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

// classifyToolError infers a type from sentinels, then from the message.
func classifyToolError(err error) ToolErrorType {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	msg := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("timeout", "timed out", "deadline exceeded"):
		return ToolErrorTimeout
	case has("connection", "network", "dns", "refused", "unreachable", "no such host"):
		return ToolErrorNetwork
	case has("permission", "forbidden", "unauthorized", "access denied", "outside the workspace"):
		return ToolErrorPermission
	case has("invalid", "validation", "required", "missing"):
		return ToolErrorInvalidInput
	case has("not found", "no such file"):
		return ToolErrorNotFound
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopError is a run failure with the phase and iteration it happened in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	RunID     uint64
	Cause     error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase names a step of the run loop.
type LoopPhase string

const (
	PhaseCompact  LoopPhase = "compact"
	PhaseSelect   LoopPhase = "select"
	PhaseModel    LoopPhase = "model"
	PhaseTools    LoopPhase = "tools"
	PhaseComplete LoopPhase = "complete"
)
