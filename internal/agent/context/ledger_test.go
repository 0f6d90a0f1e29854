package context

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/partner/pkg/models"
)

func call(id, name string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

// assertPairing checks that every tool result has exactly one earlier
// assistant tool call with the same id.
func assertPairing(t *testing.T, messages []*models.Message) {
	t.Helper()
	emitted := map[string]int{}
	for i, msg := range messages {
		for _, tc := range msg.ToolCalls {
			emitted[tc.ID]++
		}
		if msg.Role == models.RoleTool {
			if emitted[msg.ToolCallID] != 1 {
				t.Fatalf("message %d: tool result %q has %d earlier calls", i, msg.ToolCallID, emitted[msg.ToolCallID])
			}
		}
	}
}

func systemCount(messages []*models.Message) int {
	n := 0
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			n++
		}
	}
	return n
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "hello", 2},          // 5 * 0.4 = 2
		{"ascii rounds up", "hi", 1},   // 0.8 -> 1
		{"cjk", "你好", 3},               // 2 * 1.5
		{"mixed", "你好ab", 4},           // 3 + 0.8 -> 3.8 -> 4
		{"fullwidth", "ＡＢ", 3},         // fullwidth forms count as wide
		{"hangul", "한국", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateMessage_CountsOverheadRoleAndToolCalls(t *testing.T) {
	plain := &models.Message{Role: models.RoleUser, Content: "hello"}
	// overhead 4 + "user" 2 + "hello" 2
	if got := EstimateMessage(plain); got != 8 {
		t.Errorf("EstimateMessage(plain) = %d, want 8", got)
	}

	withCalls := &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call("c1", "readFile")}}
	if EstimateMessage(withCalls) <= EstimateMessage(&models.Message{Role: models.RoleAssistant}) {
		t.Errorf("tool calls should add to the estimate")
	}

	invalid := &models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "x", Arguments: json.RawMessage(`{not json`)}}}
	if EstimateMessage(invalid) <= MessageOverhead {
		t.Errorf("invalid arguments should still be estimated")
	}
}

func TestLedger_SingleSystemMessage(t *testing.T) {
	l := NewLedger(Options{})
	l.AppendUser("before any prompt")
	for i := 0; i < 5; i++ {
		l.SetSystemPrompt(fmt.Sprintf("prompt %d", i))
		l.AppendUser("turn")
	}

	msgs := l.Messages()
	if got := systemCount(msgs); got != 1 {
		t.Fatalf("system messages = %d, want 1", got)
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].Content != "prompt 4" {
		t.Fatalf("index 0 = %+v, want latest system prompt", msgs[0])
	}
	if l.SystemPrompt() != "prompt 4" {
		t.Errorf("SystemPrompt() = %q", l.SystemPrompt())
	}
}

func TestLedger_ToolResultPairing(t *testing.T) {
	l := NewLedger(Options{})
	l.SetSystemPrompt("sys")
	l.AppendUser("list files")

	if _, err := l.AppendToolResult("missing", "readFile", "x"); !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("orphan result error = %v, want ErrOrphanToolResult", err)
	}

	if _, err := l.AppendAssistant("", []models.ToolCall{call("c1", "listDirectory"), call("c2", "readFile")}); err != nil {
		t.Fatalf("AppendAssistant: %v", err)
	}
	if _, err := l.AppendToolResult("c1", "listDirectory", "a.txt"); err != nil {
		t.Fatalf("AppendToolResult c1: %v", err)
	}
	if _, err := l.AppendToolResult("c1", "listDirectory", "again"); !errors.Is(err, ErrDuplicateToolResult) {
		t.Fatalf("duplicate result error = %v", err)
	}
	if _, err := l.AppendToolResult("c2", "readFile", "content"); err != nil {
		t.Fatalf("AppendToolResult c2: %v", err)
	}

	assertPairing(t, l.Snapshot())
}

func TestLedger_Unanswered(t *testing.T) {
	l := NewLedger(Options{})
	l.AppendUser("go")
	if _, err := l.AppendAssistant("", []models.ToolCall{call("c1", "readFile"), call("c2", "readFile")}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendToolResult("c1", "readFile", "ok"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendAssistant("", []models.ToolCall{call("c3", "listDirectory")}); err != nil {
		t.Fatal(err)
	}

	got := l.Unanswered()
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c3" || got[1].Name != "listDirectory" {
		t.Fatalf("Unanswered = %+v", got)
	}
	for _, tc := range got {
		if _, err := l.AppendToolResult(tc.ID, tc.Name, "interrupted"); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.Unanswered(); len(got) != 0 {
		t.Errorf("Unanswered after closing = %+v", got)
	}
	assertPairing(t, l.Snapshot())
}

func TestLedger_AppendAssistantRejectsBadCalls(t *testing.T) {
	l := NewLedger(Options{})
	if _, err := l.AppendAssistant("", []models.ToolCall{{ID: "", Name: "x"}}); !errors.Is(err, ErrInvalidToolCall) {
		t.Errorf("empty id error = %v", err)
	}
	if _, err := l.AppendAssistant("", []models.ToolCall{call("dup", "a"), call("dup", "b")}); !errors.Is(err, ErrInvalidToolCall) {
		t.Errorf("duplicate id error = %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("rejected messages must not be appended, len = %d", l.Len())
	}
}

func TestLedger_TruncatesLongToolResults(t *testing.T) {
	l := NewLedger(Options{})
	if _, err := l.AppendAssistant("", []models.ToolCall{call("c1", "readFile")}); err != nil {
		t.Fatal(err)
	}
	long := strings.Repeat("文", 3500)
	msg, err := l.AppendToolResult("c1", "readFile", long)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg.Content, strings.Repeat("文", 3000)) {
		t.Errorf("truncated content should keep the first 3000 runes")
	}
	if !strings.Contains(msg.Content, "[truncated: 500 characters omitted]") {
		t.Errorf("missing truncation marker: %q", msg.Content[len(msg.Content)-60:])
	}

	short, changed := TruncateRunes("short", 3000)
	if changed || short != "short" {
		t.Errorf("short text should be untouched")
	}
}

func TestLedger_Stats(t *testing.T) {
	l := NewLedger(Options{MaxTokens: 100})
	l.AppendUser("hello") // 8 tokens
	stats := l.Stats()
	if stats.EstimatedTokens != 8 || stats.MaxTokens != 100 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.UsagePercent < 7.99 || stats.UsagePercent > 8.01 {
		t.Errorf("UsagePercent = %v, want 8", stats.UsagePercent)
	}
	if NewLedger(Options{}).Stats().MaxTokens != DefaultMaxTokens {
		t.Errorf("default max tokens not applied")
	}
}

func TestLedger_ClearKeepsSystemPrompt(t *testing.T) {
	l := NewLedger(Options{})
	l.SetSystemPrompt("sys")
	l.AppendUser("hi")
	if _, err := l.AppendAssistant("", []models.ToolCall{call("c1", "readFile")}); err != nil {
		t.Fatal(err)
	}
	l.Clear()

	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Role != models.RoleSystem {
		t.Fatalf("after Clear = %+v", msgs)
	}
	// Call ids are forgotten with the messages.
	if _, err := l.AppendToolResult("c1", "readFile", "x"); !errors.Is(err, ErrOrphanToolResult) {
		t.Errorf("expected orphan error after Clear, got %v", err)
	}
}

func buildToolLedger(t *testing.T, n int) *Ledger {
	t.Helper()
	l := NewLedger(Options{})
	l.SetSystemPrompt("sys")
	l.AppendUser("do work")
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%d", i)
		if _, err := l.AppendAssistant("", []models.ToolCall{call(id, "readFile")}); err != nil {
			t.Fatal(err)
		}
		if _, err := l.AppendToolResult(id, "readFile", strings.Repeat("x", 500)); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func TestCompact_ClearToolResultsPreservesPairing(t *testing.T) {
	const n = 8
	l := buildToolLedger(t, n)
	before := l.Len()

	report, err := l.Compact(context.Background(), StrategyClearToolResults, CompactOptions{})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	msgs := l.Snapshot()
	if len(msgs) != before {
		t.Fatalf("message count changed: %d -> %d", before, len(msgs))
	}
	results := 0
	for _, msg := range msgs {
		if msg.Role != models.RoleTool {
			continue
		}
		results++
		if len([]rune(msg.Content)) > ClearedToolResultRunes+len(clearedMarker) {
			t.Errorf("tool result not cleared: %d runes", len([]rune(msg.Content)))
		}
	}
	if results != n || report.Cleared != n {
		t.Errorf("results = %d, cleared = %d, want %d", results, report.Cleared, n)
	}
	if report.After.EstimatedTokens >= report.Before.EstimatedTokens {
		t.Errorf("clearing should reduce the estimate: %+v", report)
	}
	assertPairing(t, msgs)
}

func TestCompact_ClearToolResultsKeepLast(t *testing.T) {
	l := buildToolLedger(t, 3)
	if _, err := l.Compact(context.Background(), StrategyClearToolResults, CompactOptions{KeepLast: 1}); err != nil {
		t.Fatal(err)
	}
	msgs := l.Messages()
	last := msgs[len(msgs)-1]
	if len(last.Content) != 500 {
		t.Errorf("last tool result should be untouched, got %d bytes", len(last.Content))
	}
}

func TestCompact_SummarizeUsesSummarizer(t *testing.T) {
	l := buildToolLedger(t, 6)
	var got []*models.Message
	summarizer := SummarizerFunc(func(ctx context.Context, previous string, messages []*models.Message) (string, error) {
		got = messages
		return "user asked for work, six files read", nil
	})

	report, err := l.Compact(context.Background(), StrategySummarize, CompactOptions{KeepLast: 4, Summarizer: summarizer})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	msgs := l.Snapshot()
	if systemCount(msgs) != 1 || msgs[0].Role != models.RoleSystem {
		t.Fatalf("expected exactly one leading system message")
	}
	if !strings.Contains(msgs[0].Content, SummaryHeader) || !strings.Contains(msgs[0].Content, "six files read") {
		t.Errorf("summary not folded into system message: %q", msgs[0].Content)
	}
	if len(msgs) != 5 {
		t.Errorf("expected system + 4 kept messages, got %d", len(msgs))
	}
	if report.Removed != len(got) || report.Fallback {
		t.Errorf("report = %+v, summarized %d", report, len(got))
	}
	assertPairing(t, msgs)

	// Regenerating the prompt keeps the summary.
	l.SetSystemPrompt("new persona")
	first := l.Messages()[0].Content
	if !strings.HasPrefix(first, "new persona") || !strings.Contains(first, "six files read") {
		t.Errorf("system prompt regeneration lost summary: %q", first)
	}
}

func TestCompact_SummarizeNeverOrphansToolResults(t *testing.T) {
	l := buildToolLedger(t, 5)
	// KeepLast 1 would start the tail on a tool result.
	if _, err := l.Compact(context.Background(), StrategySummarize, CompactOptions{KeepLast: 1}); err != nil {
		t.Fatal(err)
	}
	msgs := l.Snapshot()
	assertPairing(t, msgs)
	if msgs[1].Role != models.RoleAssistant {
		t.Errorf("tail should start with the assistant message, got %s", msgs[1].Role)
	}
}

func TestCompact_SummarizeKeepsWaitingToolCalls(t *testing.T) {
	l := buildToolLedger(t, 4)
	// The second call is still being executed, as when the model itself
	// asks for a summary in the middle of a batch.
	if _, err := l.AppendAssistant("", []models.ToolCall{call("done", "readFile"), call("live", "manageContext")}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendToolResult("done", "readFile", "x"); err != nil {
		t.Fatal(err)
	}
	l.AppendNotice("working")
	if _, err := l.Compact(context.Background(), StrategySummarize, CompactOptions{KeepLast: 1}); err != nil {
		t.Fatal(err)
	}
	msgs := l.Messages()
	if len(msgs) != 4 || len(msgs[1].ToolCalls) != 2 {
		t.Fatalf("waiting tool call was summarized away: %d messages", len(msgs))
	}
	if _, err := l.AppendToolResult("live", "manageContext", `{"ok":true}`); err != nil {
		t.Errorf("result for waiting call: %v", err)
	}
	assertPairing(t, l.Snapshot())
}

func TestCompact_SummarizeFallsBackOnError(t *testing.T) {
	l := NewLedger(Options{})
	l.SetSystemPrompt("sys")
	for i := 0; i < 10; i++ {
		l.AppendUser(fmt.Sprintf("question %d", i))
		l.AppendNotice(fmt.Sprintf("answer %d", i))
	}
	failing := SummarizerFunc(func(context.Context, string, []*models.Message) (string, error) {
		return "", errors.New("model unavailable")
	})

	report, err := l.Compact(context.Background(), StrategySummarize, CompactOptions{Summarizer: failing})
	if err != nil {
		t.Fatal(err)
	}
	if !report.Fallback || report.Err == "" {
		t.Errorf("expected fallback report, got %+v", report)
	}
	summary := l.Summary()
	if !strings.Contains(summary, "user: question 0") || !strings.Contains(summary, "assistant: answer 0") {
		t.Errorf("extractive summary = %q", summary)
	}
	if l.Len() != 1+DefaultKeepLast {
		t.Errorf("len = %d, want %d", l.Len(), 1+DefaultKeepLast)
	}
}

func TestCompact_SummarizeNothingToDo(t *testing.T) {
	l := NewLedger(Options{})
	l.AppendUser("only one")
	report, err := l.Compact(context.Background(), StrategySummarize, CompactOptions{})
	if err != nil || report.Removed != 0 {
		t.Fatalf("report = %+v, err = %v", report, err)
	}
}

func TestCompact_UnknownStrategy(t *testing.T) {
	l := NewLedger(Options{})
	if _, err := l.Compact(context.Background(), Strategy("shred"), CompactOptions{}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestExtractiveSummary_TruncatesLines(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("a", 150)},
		{Role: models.RoleTool, Content: "ignored"},
		{Role: models.RoleAssistant, Content: ""},
	}
	got := ExtractiveSummary("earlier", msgs)
	want := "earlier\nuser: " + strings.Repeat("a", 100)
	if got != want {
		t.Errorf("ExtractiveSummary = %q, want %q", got, want)
	}
}

func TestLedger_RestoreValidates(t *testing.T) {
	good := buildToolLedger(t, 2).Snapshot()

	l := NewLedger(Options{})
	if err := l.Restore(good); err != nil {
		t.Fatalf("Restore(valid): %v", err)
	}
	if l.Len() != len(good) || l.SystemPrompt() != "sys" {
		t.Errorf("restored len = %d, prompt = %q", l.Len(), l.SystemPrompt())
	}

	orphan := []*models.Message{{Role: models.RoleTool, ToolCallID: "x", Content: "r"}}
	if err := NewLedger(Options{}).Restore(orphan); !errors.Is(err, ErrOrphanToolResult) {
		t.Errorf("orphan restore error = %v", err)
	}

	twoSystems := []*models.Message{{Role: models.RoleSystem, Content: "a"}, {Role: models.RoleSystem, Content: "b"}}
	if err := NewLedger(Options{}).Restore(twoSystems); !errors.Is(err, ErrMultipleSystemMessages) {
		t.Errorf("two systems error = %v", err)
	}

	misplaced := []*models.Message{{Role: models.RoleUser, Content: "hi"}, {Role: models.RoleSystem, Content: "sys"}}
	l = NewLedger(Options{})
	if err := l.Restore(misplaced); err != nil {
		t.Fatal(err)
	}
	if l.Messages()[0].Role != models.RoleSystem {
		t.Errorf("system message should be moved to index 0")
	}
}

func TestLedger_RestoreSplitsSummary(t *testing.T) {
	saved := []*models.Message{{Role: models.RoleSystem, Content: "persona\n\n" + SummaryHeader + "\nold facts"}}
	l := NewLedger(Options{})
	if err := l.Restore(saved); err != nil {
		t.Fatal(err)
	}
	if l.SystemPrompt() != "persona" || l.Summary() != "old facts" {
		t.Errorf("prompt = %q, summary = %q", l.SystemPrompt(), l.Summary())
	}
}

func TestLedger_HotMessagesAreTagged(t *testing.T) {
	l := NewLedger(Options{})
	l.AppendUser("start")
	hot := l.AppendHot("also this")
	if !hot.Hot || hot.Role != models.RoleUser {
		t.Errorf("hot message = %+v", hot)
	}
	if l.LastUserText() != "also this" {
		t.Errorf("LastUserText = %q", l.LastUserText())
	}
}
