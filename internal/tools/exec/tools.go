package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

const defaultAwaitTimeout = 30 * time.Second

// Tools binds the terminal tools to a Manager.
type Tools struct {
	manager *Manager
}

// NewTools creates the terminal tools.
func NewTools(manager *Manager) *Tools {
	return &Tools{manager: manager}
}

// Handlers returns the handlers keyed by tool name.
func (t *Tools) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		catalog.ToolRunTerminalCommand:   agent.HandlerFunc(t.runTerminalCommand),
		catalog.ToolAwaitTerminalCommand: agent.HandlerFunc(t.awaitTerminalCommand),
		catalog.ToolKillTerminal:         agent.HandlerFunc(t.killTerminal),
		catalog.ToolRunShellScriptCode:   agent.HandlerFunc(t.runShellScriptCode),
	}
}

// Register binds the terminal tools on d.
func (t *Tools) Register(d *agent.Dispatcher) error {
	for name, h := range t.Handlers() {
		if err := d.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tools) runTerminalCommand(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.RunTerminalCommandArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return agent.Fail("command is required"), nil
	}
	timeout := seconds(args.TimeoutSeconds)

	if args.Background {
		id, err := t.manager.Start(command, args.Cwd, timeout)
		if err != nil {
			return agent.Fail(err.Error()), nil
		}
		return agent.OK(map[string]any{"terminalId": id, "status": "running"}), nil
	}

	res, err := t.manager.Run(ctx, command, args.Cwd, timeout)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	return report(res), nil
}

// awaitTerminalCommand waits on a background terminal, or runs a command
// to completion when no terminal id is given.
func (t *Tools) awaitTerminalCommand(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.AwaitTerminalCommandArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(args.TerminalID) == "" {
		if strings.TrimSpace(args.Command) == "" {
			return agent.Fail("terminalId or command is required"), nil
		}
		res, err := t.manager.Run(ctx, args.Command, "", seconds(args.TimeoutSeconds))
		if err != nil {
			return agent.Fail(err.Error()), nil
		}
		return report(res), nil
	}

	timeout := seconds(args.TimeoutSeconds)
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	res, err := t.manager.Wait(ctx, args.TerminalID, timeout)
	if errors.Is(err, ErrTerminalNotFound) {
		return agent.Fail("terminal not found: " + args.TerminalID), nil
	}
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	return report(res), nil
}

func (t *Tools) killTerminal(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.KillTerminalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := t.manager.Kill(strings.TrimSpace(args.TerminalID))
	if err != nil {
		return agent.Fail(fmt.Sprintf("%v: %s", err, args.TerminalID)), nil
	}
	return report(res), nil
}

func (t *Tools) runShellScriptCode(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.RunShellScriptArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := t.manager.RunScript(ctx, args.Script, seconds(args.TimeoutSeconds))
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	return report(res), nil
}

func report(res Result) *agent.ToolResult {
	fields := map[string]any{
		"status":      res.Status,
		"command":     res.Command,
		"cwd":         res.Cwd,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.TerminalID != "" {
		fields["terminalId"] = res.TerminalID
	}
	if res.TimedOut {
		fields["timed_out"] = true
	}
	if res.Error != "" && res.ExitCode == -1 {
		fields["error"] = res.Error
	}
	return agent.OK(fields)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
