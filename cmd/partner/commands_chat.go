package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func buildChatCmd(flags *globalFlags) *cobra.Command {
	var resume string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in this terminal",
		Long: `Start an interactive session.

While the agent works, typed lines are delivered to it as mid-run
messages. Commands: /stop, /new, /stats, /auto [on|off], /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, resume)
		},
	}
	cmd.Flags().StringVar(&resume, "resume", "", "Conversation ID to continue")
	return cmd
}

func runChat(cmd *cobra.Command, flags *globalFlags, resume string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(cfg.Observability.MetricsAddr)

	out := cmd.OutOrStdout()
	interactive := isTerminal(os.Stdin)
	asker := &lineAsker{out: out}
	ctrl, err := a.newController(controllerOptions{
		Callbacks: terminalCallbacks(out),
		Channel:   &approval.TerminalChannel{Out: out},
		Asker:     asker,
	})
	if err != nil {
		return err
	}
	if resume != "" {
		conv, err := a.store.Get(ctx, resume)
		if err != nil {
			return fmt.Errorf("resume %s: %w", resume, err)
		}
		if err := ctrl.Load(conv); err != nil {
			return err
		}
		fmt.Fprintf(out, "resumed %q (%d messages)\n", conv.Title, len(conv.Messages))
	}

	r := &repl{ctx: ctx, ctrl: ctrl, out: out, asker: asker, prompt: interactive}
	return r.run(readLines(ctx, cmd.InOrStdin()))
}

// repl routes input lines: to a pending approval or question first, then
// to slash commands, then to the agent.
type repl struct {
	ctx    context.Context
	ctrl   *agent.Controller
	out    io.Writer
	asker  *lineAsker
	prompt bool

	runs sync.WaitGroup
}

func (r *repl) run(lines <-chan string) error {
	r.showPrompt()
	for {
		select {
		case <-r.ctx.Done():
			r.ctrl.Stop()
			r.runs.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				r.drain()
				return nil
			}
			if quit := r.handle(strings.TrimSpace(line)); quit {
				r.ctrl.Stop()
				r.runs.Wait()
				return nil
			}
			r.showPrompt()
		}
	}
}

// drain waits for the running task after input ends. Prompts that can no
// longer be answered are denied or left blank.
func (r *repl) drain() {
	done := make(chan struct{})
	go func() {
		r.runs.Wait()
		close(done)
	}()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.ctrl.Gate().ForceDeny()
			r.asker.answer("")
		}
	}
}

func (r *repl) handle(line string) (quit bool) {
	if p := r.ctrl.Gate().Current(); p != nil {
		d, ok := approval.ParseAnswer(line)
		if !ok {
			fmt.Fprint(r.out, "answer y or n: ")
			return false
		}
		p.ResolveBy(d, "terminal")
		return false
	}
	if r.asker.answer(line) {
		return false
	}

	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/stop":
		r.ctrl.Stop()
		fmt.Fprintln(r.out, "stopped")
		return false
	case "/new":
		r.ctrl.Stop()
		r.runs.Wait()
		r.ctrl.NewConversation()
		fmt.Fprintln(r.out, "started a new conversation")
		return false
	case "/stats":
		s := r.ctrl.Stats()
		fmt.Fprintf(r.out, "messages: %d  tokens: ~%d (%.0f%% of budget)\n", s.Messages, s.EstimatedTokens, s.UsagePercent)
		return false
	case "/auto", "/auto on", "/auto off":
		on := line != "/auto off"
		if line == "/auto" {
			on = !r.ctrl.AutoApprove()
		}
		r.ctrl.SetAutoApprove(on)
		if on {
			fmt.Fprintln(r.out, "auto-approve on: sensitive tools run without asking")
		} else {
			fmt.Fprintln(r.out, "auto-approve off")
		}
		return false
	}

	if r.ctrl.Status() == agent.StatusWorking {
		r.ctrl.InjectHot(line)
		fmt.Fprintln(r.out, "(queued for the running task)")
		return false
	}
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		if err := r.ctrl.SendMessage(r.ctx, line, nil); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		r.showPrompt()
	}()
	return false
}

func (r *repl) showPrompt() {
	if r.prompt && r.ctrl.Status() != agent.StatusWorking {
		fmt.Fprint(r.out, "> ")
	}
}

// readLines feeds stdin lines to a channel closed at EOF.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// lineAsker answers askQuestions from the REPL input, one line per
// question.
type lineAsker struct {
	out io.Writer

	mu      sync.Mutex
	answers chan string
}

func (a *lineAsker) Ask(ctx context.Context, questions []catalog.Question) ([]string, error) {
	ch := make(chan string, 1)
	a.mu.Lock()
	a.answers = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.answers = nil
		a.mu.Unlock()
	}()

	out := make([]string, 0, len(questions))
	for _, q := range questions {
		fmt.Fprintf(a.out, "\n? %s\n", q.Question)
		for i, opt := range q.Options {
			fmt.Fprintf(a.out, "  %d) %s\n", i+1, opt)
		}
		fmt.Fprint(a.out, "answer: ")
		select {
		case ans := <-ch:
			out = append(out, pickOption(ans, q.Options))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// answer delivers line to a waiting question.
func (a *lineAsker) answer(line string) bool {
	a.mu.Lock()
	ch := a.answers
	a.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- line:
	default:
	}
	return true
}

// pickOption maps a numeric reply to the option text.
func pickOption(answer string, options []string) string {
	if n, err := strconv.Atoi(strings.TrimSpace(answer)); err == nil && n >= 1 && n <= len(options) {
		return options[n-1]
	}
	return answer
}

// terminalCallbacks prints the run to out.
func terminalCallbacks(out io.Writer) agent.Callbacks {
	return agent.Callbacks{
		OnAssistantText: func(text string) {
			fmt.Fprintf(out, "\n%s\n", strings.TrimSpace(text))
		},
		OnToolCall: func(e models.ToolEvent) {
			switch e.Stage {
			case models.ToolEventCalling:
				fmt.Fprintf(out, "  → %s %s\n", e.ToolName, preview(string(e.Input), 120))
			case models.ToolEventDenied:
				fmt.Fprintf(out, "  ✗ %s denied\n", e.ToolName)
			case models.ToolEventDone:
				if e.IsError {
					fmt.Fprintf(out, "  ✗ %s failed: %s\n", e.ToolName, preview(e.Output, 200))
				}
			}
		},
		OnTodos: func(items []models.TodoItem) {
			for _, item := range items {
				mark := " "
				if item.Done {
					mark = "x"
				}
				fmt.Fprintf(out, "  [%s] %d. %s\n", mark, item.ID, item.Text)
			}
		},
		OnTitle: func(title string) {
			fmt.Fprintf(out, "  (conversation: %s)\n", title)
		},
		OnError: func(err error) {
			fmt.Fprintf(out, "error: %v\n", err)
		},
	}
}

func preview(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}
