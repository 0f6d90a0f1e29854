// Package exec implements the terminal tools. Commands run through the
// host shell inside the workspace; background commands are tracked as
// terminals that can be awaited or killed.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/partner/internal/tools/files"
)

const (
	defaultMaxOutput = 64000
	defaultTimeout   = 2 * time.Minute
	waitDelay        = 2 * time.Second
)

// ErrTerminalNotFound is returned for unknown terminal ids.
var ErrTerminalNotFound = errors.New("terminal not found")

// Config configures a Manager.
type Config struct {
	Workspace string

	// Shell overrides the interpreter. Commands run as Shell -c command.
	// Default: /bin/sh, or cmd on Windows.
	Shell string

	// MaxOutput caps captured stdout and stderr, each. Default: 64000 bytes
	MaxOutput int

	// Timeout applies to commands that set none. Default: 2 minutes
	Timeout time.Duration

	Logger *slog.Logger
}

// Manager runs commands and tracks background terminals. Background
// terminals outlive the tool call that started them and stop on Close.
type Manager struct {
	resolver  files.Resolver
	shell     string
	maxOutput int
	timeout   time.Duration
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	terminals map[string]*terminal
}

// NewManager creates a manager scoped to cfg.Workspace.
func NewManager(cfg Config) *Manager {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		resolver:  files.Resolver{Root: cfg.Workspace},
		shell:     cfg.Shell,
		maxOutput: cfg.MaxOutput,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.With("component", "terminal"),
		baseCtx:   ctx,
		cancel:    cancel,
		terminals: map[string]*terminal{},
	}
}

// Result summarizes a command run.
type Result struct {
	TerminalID string        `json:"terminal_id,omitempty"`
	Command    string        `json:"command"`
	Cwd        string        `json:"cwd"`
	Status     string        `json:"status"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Run executes command and waits for it. timeout <= 0 uses the default.
func (m *Manager) Run(ctx context.Context, command, cwd string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, stdout, stderr, err := m.buildCommand(runCtx, command, cwd)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	err = cmd.Run()
	result := Result{
		Command:  command,
		Cwd:      m.resolver.Rel(cmd.Dir),
		Status:   "exited",
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start).Round(time.Millisecond),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

// RunScript writes script to a temporary file and runs it with the shell.
func (m *Manager) RunScript(ctx context.Context, script string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(script) == "" {
		return Result{}, fmt.Errorf("script is required")
	}
	pattern := "partner-*.sh"
	if runtime.GOOS == "windows" && m.shell == "" {
		pattern = "partner-*.bat"
	}
	file, err := os.CreateTemp("", pattern)
	if err != nil {
		return Result{}, fmt.Errorf("create script: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return Result{}, fmt.Errorf("write script: %w", err)
	}
	if err := file.Close(); err != nil {
		return Result{}, fmt.Errorf("write script: %w", err)
	}

	command := quoteArg(file.Name())
	if runtime.GOOS != "windows" || m.shell != "" {
		command = m.shellName() + " " + command
	}
	result, err := m.Run(ctx, command, "", timeout)
	result.Command = "script"
	return result, err
}

// Start launches command in the background and returns its terminal id.
func (m *Manager) Start(command, cwd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = m.timeout
	}
	runCtx, cancel := context.WithTimeout(m.baseCtx, timeout)
	cmd, stdout, stderr, err := m.buildCommand(runCtx, command, cwd)
	if err != nil {
		cancel()
		return "", err
	}

	term := &terminal{
		id:      uuid.NewString(),
		command: command,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		started: time.Now(),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start command: %w", err)
	}

	go func() {
		err := cmd.Wait()
		term.finish(err, errors.Is(runCtx.Err(), context.DeadlineExceeded))
		cancel()
	}()

	m.mu.Lock()
	m.terminals[term.id] = term
	m.mu.Unlock()
	m.logger.Debug("terminal started", "terminal_id", term.id, "command", command)
	return term.id, nil
}

// Wait blocks until the terminal exits, timeout elapses or ctx ends, and
// reports its state. Output read so far is included while running.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	term, ok := m.get(id)
	if !ok {
		return Result{}, ErrTerminalNotFound
	}
	if timeout <= 0 {
		timeout = m.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-term.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	return term.result(m.resolver), nil
}

// Kill stops a terminal and forgets it.
func (m *Manager) Kill(id string) (Result, error) {
	m.mu.Lock()
	term, ok := m.terminals[id]
	delete(m.terminals, id)
	m.mu.Unlock()
	if !ok {
		return Result{}, ErrTerminalNotFound
	}
	term.cancel()
	<-term.done
	res := term.result(m.resolver)
	res.Status = "killed"
	return res, nil
}

// List returns the tracked terminals, oldest first.
func (m *Manager) List() []Result {
	m.mu.Lock()
	terms := make([]*terminal, 0, len(m.terminals))
	for _, term := range m.terminals {
		terms = append(terms, term)
	}
	m.mu.Unlock()
	sort.Slice(terms, func(i, j int) bool { return terms[i].started.Before(terms[j].started) })

	out := make([]Result, 0, len(terms))
	for _, term := range terms {
		out = append(out, term.result(m.resolver))
	}
	return out
}

// Close kills every background terminal.
func (m *Manager) Close() error {
	m.cancel()
	m.mu.Lock()
	terms := m.terminals
	m.terminals = map[string]*terminal{}
	m.mu.Unlock()
	for _, term := range terms {
		<-term.done
	}
	return nil
}

func (m *Manager) get(id string) (*terminal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	term, ok := m.terminals[strings.TrimSpace(id)]
	return term, ok
}

func (m *Manager) shellName() string {
	if m.shell != "" {
		return m.shell
	}
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func (m *Manager) buildCommand(ctx context.Context, command, cwd string) (*exec.Cmd, *limitedBuffer, *limitedBuffer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil, nil, fmt.Errorf("command is required")
	}
	dir, err := m.resolver.ResolveDir(cwd)
	if err != nil {
		return nil, nil, nil, err
	}

	flag := "-c"
	if m.shell == "" && runtime.GOOS == "windows" {
		flag = "/C"
	}
	cmd := exec.CommandContext(ctx, m.shellName(), flag, command)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	stdout := newLimitedBuffer(m.maxOutput)
	stderr := newLimitedBuffer(m.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, stdout, stderr, nil
}

type terminal struct {
	id      string
	command string
	cmd     *exec.Cmd
	stdout  *limitedBuffer
	stderr  *limitedBuffer
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
	timedOut bool
	ended    time.Time
}

func (t *terminal) finish(err error, timedOut bool) {
	t.mu.Lock()
	t.exitCode = exitCode(err)
	t.err = err
	t.timedOut = timedOut
	t.ended = time.Now()
	t.mu.Unlock()
	close(t.done)
}

func (t *terminal) result(resolver files.Resolver) Result {
	res := Result{
		TerminalID: t.id,
		Command:    t.command,
		Cwd:        resolver.Rel(t.cmd.Dir),
		Stdout:     t.stdout.String(),
		Stderr:     t.stderr.String(),
	}
	select {
	case <-t.done:
		t.mu.Lock()
		res.Status = "exited"
		res.ExitCode = t.exitCode
		res.TimedOut = t.timedOut
		res.Duration = t.ended.Sub(t.started).Round(time.Millisecond)
		if t.err != nil {
			res.Error = t.err.Error()
		}
		t.mu.Unlock()
	default:
		res.Status = "running"
		res.Duration = time.Since(t.started).Round(time.Millisecond)
	}
	return res
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if len(p) > remaining {
		b.buf = append(b.buf, p[:max(remaining, 0)]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n...[output truncated]"
	}
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func quoteArg(s string) string {
	if runtime.GOOS == "windows" {
		return `"` + s + `"`
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
