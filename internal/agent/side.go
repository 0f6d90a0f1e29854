package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	agentctx "github.com/haasonsaas/partner/internal/agent/context"
	"github.com/haasonsaas/partner/internal/tools/selector"
	"github.com/haasonsaas/partner/pkg/models"
)

// Side-channel calls reuse the conversation provider without tools and
// without touching the ledger.

const (
	// MaxTitleRunes bounds a generated conversation title.
	MaxTitleRunes = 20

	// FallbackTitleRunes is how much of the first user message becomes the
	// title when generation fails.
	FallbackTitleRunes = 12

	sideMaxTokens = 512
)

// complete runs a one-shot call without tools and returns the reply text.
func complete(ctx context.Context, p LLMProvider, model, system, prompt string, maxTokens int) (string, error) {
	res, err := Collect(ctx, p, &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  []CompletionMessage{{Role: string(models.RoleUser), Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Content), nil
}

// ProviderPicker answers selector prompts with a side-channel call.
type ProviderPicker struct {
	Provider LLMProvider
	Model    string
}

var _ selector.Picker = (*ProviderPicker)(nil)

// Pick implements selector.Picker.
func (p *ProviderPicker) Pick(ctx context.Context, prompt string) (string, error) {
	return complete(ctx, p.Provider, p.Model, "You select tools for an agent. Reply with JSON only.", prompt, sideMaxTokens)
}

// ProviderSummarizer condenses history with a side-channel call.
type ProviderSummarizer struct {
	Provider LLMProvider
	Model    string
}

var _ agentctx.Summarizer = (*ProviderSummarizer)(nil)

// Summarize implements agentctx.Summarizer.
func (s *ProviderSummarizer) Summarize(ctx context.Context, previous string, messages []*models.Message) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, msg := range messages {
		content, _ := agentctx.TruncateRunes(msg.Content, 800)
		switch {
		case msg.Role == models.RoleTool:
			fmt.Fprintf(&b, "tool %s: %s\n", msg.ToolName, content)
		case len(msg.ToolCalls) > 0:
			names := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			fmt.Fprintf(&b, "%s: %s [calls %s]\n", msg.Role, content, strings.Join(names, ", "))
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
		}
	}
	b.WriteString("\nSummarize the conversation above in a few short lines. Keep decisions, file names, open tasks and facts the assistant will need later.")
	text, err := complete(ctx, s.Provider, s.Model, "You write compact conversation summaries.", b.String(), sideMaxTokens)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("empty summary")
	}
	return text, nil
}

// GenerateTitle asks for a short title for a conversation that started
// with firstUser and got reply as its first answer. Any failure yields
// FallbackTitle(firstUser).
func GenerateTitle(ctx context.Context, p LLMProvider, model, firstUser, reply string) string {
	prompt := fmt.Sprintf("User: %s\nAssistant: %s\n\nWrite a title of at most %d characters for this conversation. Reply with the title only.",
		firstUser, reply, MaxTitleRunes)
	title, err := complete(ctx, p, model, "You name conversations.", prompt, 64)
	if err != nil {
		return FallbackTitle(firstUser)
	}
	title = strings.Trim(strings.TrimSpace(title), "\"'“”「」")
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if title == "" {
		return FallbackTitle(firstUser)
	}
	return strings.TrimSpace(firstRunes(title, MaxTitleRunes))
}

// FallbackTitle is the first FallbackTitleRunes runes of text on one line.
func FallbackTitle(text string) string {
	return firstRunes(strings.Join(strings.Fields(text), " "), FallbackTitleRunes)
}

func firstRunes(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}
