package context

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/partner/pkg/models"
)

// Strategy names a compaction algorithm.
type Strategy string

const (
	// StrategyClearToolResults shortens old tool results in place, keeping
	// every message so tool call pairing stays intact.
	StrategyClearToolResults Strategy = "clear_tool_results"

	// StrategySummarize folds everything except the most recent messages
	// into the system message as a condensed summary.
	StrategySummarize Strategy = "summarize"
)

const (
	// ClearedToolResultRunes is how much of a tool result survives clearing.
	ClearedToolResultRunes = 100

	clearedMarker = "...[cleared]"

	// DefaultKeepLast is the tail kept by StrategySummarize when unset.
	DefaultKeepLast = 6

	summaryLineRunes = 100
)

// ErrLedgerChanged is returned when the ledger was modified while a
// summary was being produced.
var ErrLedgerChanged = errors.New("ledger changed during compaction")

// Summarizer condenses messages into a short text. Implementations usually
// make a side-channel model call.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, messages []*models.Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, previous string, messages []*models.Message) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, previous string, messages []*models.Message) (string, error) {
	return f(ctx, previous, messages)
}

// CompactOptions tunes a compaction run.
type CompactOptions struct {
	// KeepLast is the number of trailing messages left untouched.
	// StrategySummarize defaults to 6; StrategyClearToolResults to 0.
	KeepLast int

	// Summarizer produces the condensed text for StrategySummarize. When nil
	// or failing, a local extractive summary is used.
	Summarizer Summarizer
}

// CompactionReport describes the effect of a compaction.
type CompactionReport struct {
	Strategy Strategy `json:"strategy"`
	Before   Stats    `json:"before"`
	After    Stats    `json:"after"`
	Cleared  int      `json:"cleared,omitempty"`
	Removed  int      `json:"removed,omitempty"`
	Fallback bool     `json:"fallback,omitempty"`
	Err      string   `json:"error,omitempty"`
}

// Compact applies strategy to the ledger. The ledger never self-triggers;
// callers own the threshold policy.
func (l *Ledger) Compact(ctx context.Context, strategy Strategy, opts CompactOptions) (CompactionReport, error) {
	switch strategy {
	case StrategyClearToolResults:
		return l.clearToolResults(opts.KeepLast), nil
	case StrategySummarize:
		keep := opts.KeepLast
		if keep <= 0 {
			keep = DefaultKeepLast
		}
		return l.summarize(ctx, keep, opts.Summarizer)
	default:
		return CompactionReport{Strategy: strategy}, fmt.Errorf("unknown compaction strategy %q", strategy)
	}
}

func (l *Ledger) clearToolResults(keepLast int) CompactionReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	report := CompactionReport{Strategy: StrategyClearToolResults, Before: l.statsLocked()}

	limit := len(l.messages) - keepLast
	if keepLast <= 0 {
		limit = len(l.messages)
	}
	for i := 0; i < limit && i < len(l.messages); i++ {
		msg := l.messages[i]
		if msg.Role != models.RoleTool {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) <= ClearedToolResultRunes {
			continue
		}
		cleared := msg.Clone()
		cleared.Content = string(runes[:ClearedToolResultRunes]) + clearedMarker
		l.messages[i] = cleared
		report.Cleared++
	}
	report.After = l.statsLocked()
	return report
}

func (l *Ledger) summarize(ctx context.Context, keepLast int, summarizer Summarizer) (CompactionReport, error) {
	l.mu.RLock()
	report := CompactionReport{Strategy: StrategySummarize, Before: l.statsLocked()}
	offset := 0
	if len(l.messages) > 0 && l.messages[0].Role == models.RoleSystem {
		offset = 1
	}
	body := l.messages[offset:]
	cut := safeCut(body, len(body)-keepLast)
	if cut <= 0 {
		l.mu.RUnlock()
		report.After = report.Before
		return report, nil
	}
	head := make([]*models.Message, cut)
	copy(head, body[:cut])
	lastID := head[cut-1].ID
	previous := l.summary
	l.mu.RUnlock()

	var summary string
	if summarizer != nil {
		text, err := summarizer.Summarize(ctx, previous, head)
		if err != nil {
			report.Err = err.Error()
		}
		summary = strings.TrimSpace(text)
	}
	if summary == "" {
		report.Fallback = true
		summary = ExtractiveSummary(previous, head)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) < offset+cut || l.messages[offset+cut-1].ID != lastID {
		return report, ErrLedgerChanged
	}
	tail := append([]*models.Message(nil), l.messages[offset+cut:]...)
	if offset == 1 {
		l.messages = append(l.messages[:1:1], tail...)
	} else {
		l.messages = tail
	}
	l.summary = summary
	l.renderSystemLocked()
	l.calls, l.results, _ = indexPairs(l.messages)
	report.Removed = cut
	report.After = l.statsLocked()
	return report, nil
}

// safeCut moves a proposed cut point backwards until no message after it
// is a tool result whose tool call lives before it, and no message before
// it carries a tool call that is still waiting for its result.
func safeCut(messages []*models.Message, cut int) int {
	if cut <= 0 {
		return 0
	}
	if cut > len(messages) {
		cut = len(messages)
	}
	answered := map[string]bool{}
	for _, msg := range messages {
		if msg.Role == models.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	for i := 0; i < cut; i++ {
		if waiting(messages[i], answered) {
			cut = i
			break
		}
	}
	for cut > 0 {
		owner := map[string]int{}
		for i := 0; i < cut; i++ {
			for _, tc := range messages[i].ToolCalls {
				owner[tc.ID] = i
			}
		}
		moved := false
		for i := cut; i < len(messages); i++ {
			if messages[i].Role != models.RoleTool {
				continue
			}
			if idx, ok := owner[messages[i].ToolCallID]; ok && idx < cut {
				cut = idx
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}
	return cut
}

func waiting(msg *models.Message, answered map[string]bool) bool {
	for _, tc := range msg.ToolCalls {
		if !answered[tc.ID] {
			return true
		}
	}
	return false
}

// ExtractiveSummary condenses messages locally: one line per user or
// assistant message holding its first 100 runes. A previous summary is
// carried forward first.
func ExtractiveSummary(previous string, messages []*models.Message) string {
	var b strings.Builder
	if previous != "" {
		b.WriteString(previous)
		b.WriteString("\n")
	}
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		switch {
		case msg.Role == models.RoleUser && text != "":
			b.WriteString("user: ")
		case msg.Role == models.RoleAssistant && text != "":
			b.WriteString("assistant: ")
		default:
			continue
		}
		runes := []rune(strings.ReplaceAll(text, "\n", " "))
		if len(runes) > summaryLineRunes {
			runes = runes[:summaryLineRunes]
		}
		b.WriteString(string(runes))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
