package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 2 * time.Minute

// Dispatcher routes tool calls to handlers by name. Handlers are
// registered once at startup; lookups are concurrent-safe.
type Dispatcher struct {
	registry *catalog.Registry

	mu       sync.RWMutex
	handlers map[string]Handler
	timeouts map[string]time.Duration
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher validating arguments against reg.
// timeout <= 0 uses DefaultToolTimeout.
func NewDispatcher(reg *catalog.Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Dispatcher{
		registry: reg,
		handlers: map[string]Handler{},
		timeouts: map[string]time.Duration{},
		timeout:  timeout,
	}
}

// Register binds h to a tool known to the registry.
func (d *Dispatcher) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	if d.registry != nil {
		if _, ok := d.registry.Get(name); !ok {
			return fmt.Errorf("register %s: %w", name, ErrToolNotFound)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
	return nil
}

// SetTimeout overrides the timeout of one tool.
func (d *Dispatcher) SetTimeout(name string, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timeout <= 0 {
		delete(d.timeouts, name)
		return
	}
	d.timeouts[name] = timeout
}

// Clone returns a dispatcher sharing the registry and holding copies of
// the handler and timeout tables. Handlers added to the clone do not
// leak into d.
func (d *Dispatcher) Clone() *Dispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := &Dispatcher{
		registry: d.registry,
		handlers: make(map[string]Handler, len(d.handlers)),
		timeouts: make(map[string]time.Duration, len(d.timeouts)),
		timeout:  d.timeout,
	}
	for k, v := range d.handlers {
		c.handlers[k] = v
	}
	for k, v := range d.timeouts {
		c.timeouts[k] = v
	}
	return c
}

// Has reports whether a handler is registered for name.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Dispatch executes call. The returned result is never nil: unknown
// tools, invalid arguments, handler errors, timeouts and panics all turn
// into ok:false results. The error, when set, is the classified ToolError
// behind such a result.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall) (*ToolResult, error) {
	d.mu.RLock()
	h, ok := d.handlers[call.Name]
	timeout := d.timeout
	if t, set := d.timeouts[call.Name]; set {
		timeout = t
	}
	d.mu.RUnlock()

	if !ok {
		err := NewToolError(call.Name, ErrToolNotFound).WithToolCallID(call.ID)
		return Fail("unknown tool: " + call.Name), err
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if d.registry != nil {
		if err := d.registry.Validate(call.Name, args); err != nil {
			toolErr := NewToolError(call.Name, err).WithType(ToolErrorInvalidInput).WithToolCallID(call.ID)
			return Fail(err.Error()), toolErr
		}
	}

	res, err := d.execute(ctx, h, call, args, timeout)
	if err != nil {
		toolErr, ok := GetToolError(err)
		if !ok {
			toolErr = NewToolError(call.Name, err).WithToolCallID(call.ID)
		}
		return Fail(toolErr.Message), toolErr
	}
	if res == nil {
		res = OK(nil)
	}
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, h Handler, call models.ToolCall, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage(fmt.Sprintf("tool panicked: %v", r))
				resultCh <- execResult{err: err}
			}
		}()
		res, err := h.Execute(execCtx, args)
		resultCh <- execResult{result: res, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(call, timeout)
		}
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("cancelled")
		}
		return nil, timeoutError(call, timeout)
	}
}

func timeoutError(call models.ToolCall, timeout time.Duration) *ToolError {
	return NewToolError(call.Name, ErrToolTimeout).
		WithType(ToolErrorTimeout).
		WithToolCallID(call.ID).
		WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
}
