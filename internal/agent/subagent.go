package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	agentctx "github.com/haasonsaas/partner/internal/agent/context"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

const subAgentSystemPrompt = "You are a sub-agent handling one delegated task. Answer completely in a single reply. You cannot use tools or ask follow-up questions."

// SubAgent runs one delegated task with a single model call and no tools.
// It owns its ledger; only the provider is shared with the parent.
type SubAgent struct {
	provider  LLMProvider
	model     string
	maxTokens int
	ledger    *agentctx.Ledger
}

// NewSubAgent creates a sub-agent whose system prompt carries task and
// background.
func NewSubAgent(provider LLMProvider, model string, maxTokens int, task, background string) *SubAgent {
	var b strings.Builder
	b.WriteString(subAgentSystemPrompt)
	b.WriteString("\n\nTask:\n")
	b.WriteString(task)
	if strings.TrimSpace(background) != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(background)
	}
	ledger := agentctx.NewLedger(agentctx.Options{})
	ledger.SetSystemPrompt(b.String())
	return &SubAgent{provider: provider, model: model, maxTokens: maxTokens, ledger: ledger}
}

// Run performs the exchange and returns the reply text.
func (s *SubAgent) Run(ctx context.Context, task string) (string, error) {
	if s.provider == nil {
		return "", ErrNoProvider
	}
	s.ledger.AppendUser(task)
	system, messages := BuildRequestMessages(s.ledger.Messages())
	res, err := Collect(ctx, s.provider, &CompletionRequest{
		Model:     s.model,
		System:    system,
		Messages:  messages,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("sub-agent: %w", err)
	}
	if _, err := s.ledger.AppendAssistant(res.Content, nil); err != nil {
		return "", err
	}
	return res.Content, nil
}

// Ledger exposes the sub-agent's private ledger, mostly for tests.
func (s *SubAgent) Ledger() *agentctx.Ledger { return s.ledger }

func subAgentHandler(provider LLMProvider, model string, maxTokens int) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
		var args catalog.RunSubAgentArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return Fail("invalid arguments: " + err.Error()), nil
		}
		if strings.TrimSpace(args.Task) == "" {
			return Fail("task is required"), nil
		}
		out, err := NewSubAgent(provider, model, maxTokens, args.Task, args.Context).Run(ctx, args.Task)
		if err != nil {
			return Fail(err.Error()), nil
		}
		return OK(map[string]any{"result": out}), nil
	})
}
