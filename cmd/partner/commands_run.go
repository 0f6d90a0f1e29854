package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/agent/tape"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/spf13/cobra"
)

type runFlags struct {
	record string
	replay string
	strict bool
	quiet  bool
}

func buildRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Send one message and print the final reply",
		Long: `Send one message, let the agent finish, and print its last reply.

Approvals are asked on the terminal when stdin is one and denied otherwise.
--record saves every model call and tool run to a tape; --replay serves
model calls from a tape instead of the configured provider.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, flags, rf, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&rf.record, "record", "", "Write a tape of the run to this file")
	cmd.Flags().StringVar(&rf.replay, "replay", "", "Replay model calls from this tape")
	cmd.Flags().BoolVar(&rf.strict, "strict", false, "Report requests that differ from the replayed tape")
	cmd.Flags().BoolVarP(&rf.quiet, "quiet", "q", false, "Print only the final reply")
	return cmd
}

func runOnce(cmd *cobra.Command, flags *globalFlags, rf *runFlags, message string) error {
	if rf.record != "" && rf.replay != "" {
		return errors.New("--record and --replay cannot be combined")
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := appOptions{Record: rf.record != ""}
	var replayer *tape.Replayer
	if rf.replay != "" {
		t, err := tape.ReadFile(rf.replay)
		if err != nil {
			return err
		}
		replayer = tape.NewReplayer(t)
		if rf.strict {
			replayer.WithMode(tape.ReplayStrict)
		}
		opts.Provider = replayer
	}

	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	progress := io.Writer(cmd.ErrOrStderr())
	if rf.quiet {
		progress = io.Discard
	}
	var channel approval.Channel = approval.AutoChannel(approval.Denied)
	if isTerminal(os.Stdin) {
		channel = &approval.TerminalChannel{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
	}

	var last string
	callbacks := terminalCallbacks(progress)
	callbacks.OnAssistantText = func(text string) { last = text }
	ctrl, err := a.newController(controllerOptions{Callbacks: callbacks, Channel: channel})
	if err != nil {
		return err
	}

	runErr := ctrl.SendMessage(ctx, message, nil)
	if strings.TrimSpace(last) != "" {
		fmt.Fprintln(out, strings.TrimSpace(last))
	}

	if a.recorder != nil {
		t := a.recorder.Tape()
		t.Metadata = map[string]any{"message": message, "conversation_id": ctrl.ConversationID()}
		if err := t.WriteFile(rf.record); err != nil {
			return fmt.Errorf("write tape: %w", err)
		}
		s := t.Summary()
		fmt.Fprintf(progress, "recorded %d model calls and %d tool runs to %s\n", s.TurnCount, s.ToolRunCount, rf.record)
	}
	if replayer != nil {
		for _, m := range replayer.Mismatches() {
			fmt.Fprintf(progress, "replay mismatch at turn %d: %s expected %s, got %s\n", m.TurnIndex, m.Field, m.Expected, m.Actual)
		}
		if n := len(replayer.Mismatches()); n > 0 && rf.strict {
			return fmt.Errorf("replay diverged from the tape in %d places", n)
		}
	}
	return runError(runErr)
}

// runError hides the iteration cap, which already left a notice in the
// conversation.
func runError(err error) error {
	if errors.Is(err, agent.ErrMaxIterations) {
		return nil
	}
	return err
}
