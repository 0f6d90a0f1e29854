// Package context holds the conversation ledger: the ordered message log of
// one conversation plus the token-budget accounting used to decide when to
// compact it.
package context

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/partner/pkg/models"
)

const (
	// DefaultMaxTokens is the context window assumed when none is configured.
	DefaultMaxTokens = 8192

	// DefaultToolResultCap bounds a single tool result, in runes.
	DefaultToolResultCap = 3000
)

var (
	// ErrOrphanToolResult is returned when a tool result references no earlier tool call.
	ErrOrphanToolResult = errors.New("tool result has no matching tool call")

	// ErrDuplicateToolResult is returned when a tool call already has a result.
	ErrDuplicateToolResult = errors.New("tool call already has a result")

	// ErrInvalidToolCall is returned for tool calls without an id or name.
	ErrInvalidToolCall = errors.New("tool call requires id and name")

	// ErrMultipleSystemMessages is returned by Restore for ledgers with more than one system message.
	ErrMultipleSystemMessages = errors.New("ledger has more than one system message")
)

// Options configures a Ledger.
type Options struct {
	// MaxTokens is the budget used for usage percentages. Default: 8192.
	MaxTokens int

	// ToolResultCap truncates tool results longer than this many runes.
	// Default: 3000.
	ToolResultCap int
}

// Stats summarizes ledger usage.
type Stats struct {
	Messages        int     `json:"messages"`
	EstimatedTokens int     `json:"estimated_tokens"`
	MaxTokens       int     `json:"max_tokens"`
	UsagePercent    float64 `json:"usage_percent"`
}

// Ledger is the ordered message log of one conversation. Index 0 is always
// the system message once one has been set.
//
// A Ledger is owned by a single controller; the mutex only makes concurrent
// reads (UI snapshots, persistence) safe against the writer.
type Ledger struct {
	mu       sync.RWMutex
	messages []*models.Message
	opts     Options

	base    string // system prompt as set by the owner
	summary string // condensed history folded into the system message

	calls   map[string]bool // tool call ids emitted by assistant messages
	results map[string]bool // tool call ids that already have a result
}

// SummaryHeader prefixes condensed history inside the system message.
const SummaryHeader = "[conversation summary]"

// NewLedger creates an empty ledger.
func NewLedger(opts Options) *Ledger {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.ToolResultCap <= 0 {
		opts.ToolResultCap = DefaultToolResultCap
	}
	return &Ledger{
		opts:    opts,
		calls:   map[string]bool{},
		results: map[string]bool{},
	}
}

// SetSystemPrompt replaces the system message, inserting it at index 0 if
// the ledger has none yet.
func (l *Ledger) SetSystemPrompt(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base = text
	l.renderSystemLocked()
}

// renderSystemLocked rebuilds the system message from the base prompt and
// the running summary. It never produces a second system message.
func (l *Ledger) renderSystemLocked() {
	content := l.base
	if l.summary != "" {
		if content != "" {
			content += "\n\n"
		}
		content += SummaryHeader + "\n" + l.summary
	}
	if content == "" && (len(l.messages) == 0 || l.messages[0].Role != models.RoleSystem) {
		return
	}
	msg := newMessage(models.RoleSystem, content)
	if len(l.messages) > 0 && l.messages[0].Role == models.RoleSystem {
		l.messages[0] = msg
		return
	}
	l.messages = append([]*models.Message{msg}, l.messages...)
}

// SystemPrompt returns the prompt last passed to SetSystemPrompt.
func (l *Ledger) SystemPrompt() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Summary returns the condensed history currently held in the system message.
func (l *Ledger) Summary() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.summary
}

// AppendUser appends a user message.
func (l *Ledger) AppendUser(text string) *models.Message {
	msg := newMessage(models.RoleUser, text)
	l.append(msg)
	return msg
}

// AppendHot appends a user message that arrived while a run was working.
func (l *Ledger) AppendHot(text string) *models.Message {
	msg := newMessage(models.RoleUser, text)
	msg.Hot = true
	l.append(msg)
	return msg
}

// AppendAssistant appends a model reply. Tool call ids must be non-empty
// and unique within the ledger.
func (l *Ledger) AppendAssistant(content string, toolCalls []models.ToolCall) (*models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := map[string]bool{}
	for _, tc := range toolCalls {
		if tc.ID == "" || tc.Name == "" {
			return nil, ErrInvalidToolCall
		}
		if l.calls[tc.ID] || seen[tc.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidToolCall, tc.ID)
		}
		seen[tc.ID] = true
	}
	msg := newMessage(models.RoleAssistant, content)
	if len(toolCalls) > 0 {
		msg.ToolCalls = append([]models.ToolCall(nil), toolCalls...)
	}
	for id := range seen {
		l.calls[id] = true
	}
	l.messages = append(l.messages, msg)
	return msg, nil
}

// AppendToolResult appends the result of an earlier tool call. Results over
// the configured cap are truncated with a visible marker before storage.
func (l *Ledger) AppendToolResult(toolCallID, toolName, text string) (*models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.calls[toolCallID] {
		return nil, fmt.Errorf("%w: %q", ErrOrphanToolResult, toolCallID)
	}
	if l.results[toolCallID] {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateToolResult, toolCallID)
	}
	content, _ := TruncateRunes(text, l.opts.ToolResultCap)
	msg := newMessage(models.RoleTool, content)
	msg.ToolCallID = toolCallID
	msg.ToolName = toolName
	l.results[toolCallID] = true
	l.messages = append(l.messages, msg)
	return msg, nil
}

// Unanswered returns the tool calls that have no result yet, in ledger order.
func (l *Ledger) Unanswered() []models.ToolCall {
	l.mu.RLock()
	defer l.mu.RUnlock()
	answered := map[string]bool{}
	for _, msg := range l.messages {
		if msg.Role == models.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	var out []models.ToolCall
	for _, msg := range l.messages {
		for _, tc := range msg.ToolCalls {
			if !answered[tc.ID] {
				out = append(out, tc)
			}
		}
	}
	return out
}

// AppendNotice appends an assistant message without tool calls, used for
// errors surfaced to the user.
func (l *Ledger) AppendNotice(text string) *models.Message {
	msg := newMessage(models.RoleAssistant, text)
	l.append(msg)
	return msg
}

func (l *Ledger) append(msg *models.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

// Messages returns a copy of the ledger. The returned messages must not be modified.
func (l *Ledger) Messages() []*models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages including the system message.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// LastUserText returns the content of the most recent user message.
func (l *Ledger) LastUserText() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Role == models.RoleUser {
			return l.messages[i].Content
		}
	}
	return ""
}

// Stats estimates the current token usage.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statsLocked()
}

func (l *Ledger) statsLocked() Stats {
	tokens := EstimateMessages(l.messages)
	return Stats{
		Messages:        len(l.messages),
		EstimatedTokens: tokens,
		MaxTokens:       l.opts.MaxTokens,
		UsagePercent:    float64(tokens) / float64(l.opts.MaxTokens) * 100,
	}
}

// Clear drops every message and the running summary. The system prompt is
// kept so that the ledger still holds exactly one system message.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.summary = ""
	l.calls = map[string]bool{}
	l.results = map[string]bool{}
	l.renderSystemLocked()
}

// Snapshot returns deep copies of every message, suitable for persistence.
func (l *Ledger) Snapshot() []*models.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Message, len(l.messages))
	for i, msg := range l.messages {
		out[i] = msg.Clone()
	}
	return out
}

// Restore replaces the ledger with saved messages after validating them.
// A single system message found away from index 0 is moved there.
func (l *Ledger) Restore(messages []*models.Message) error {
	restored := make([]*models.Message, 0, len(messages))
	var system *models.Message
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleSystem {
			if system != nil {
				return ErrMultipleSystemMessages
			}
			system = msg.Clone()
			continue
		}
		restored = append(restored, msg.Clone())
	}
	if system != nil {
		restored = append([]*models.Message{system}, restored...)
	}
	calls, results, err := indexPairs(restored)
	if err != nil {
		return err
	}

	base, summary := "", ""
	if system != nil {
		base, summary = splitSummary(system.Content)
	}

	l.mu.Lock()
	l.messages = restored
	l.base = base
	l.summary = summary
	l.calls = calls
	l.results = results
	l.mu.Unlock()
	return nil
}

func splitSummary(content string) (string, string) {
	if strings.HasPrefix(content, SummaryHeader+"\n") {
		return "", strings.TrimPrefix(content, SummaryHeader+"\n")
	}
	if idx := strings.LastIndex(content, "\n\n"+SummaryHeader+"\n"); idx >= 0 {
		return content[:idx], content[idx+len("\n\n"+SummaryHeader+"\n"):]
	}
	return content, ""
}

// indexPairs walks messages in order and verifies that every tool result
// references a tool call emitted earlier.
func indexPairs(messages []*models.Message) (map[string]bool, map[string]bool, error) {
	calls := map[string]bool{}
	results := map[string]bool{}
	for i, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				if tc.ID == "" || calls[tc.ID] {
					return nil, nil, fmt.Errorf("message %d: %w", i, ErrInvalidToolCall)
				}
				calls[tc.ID] = true
			}
		case models.RoleTool:
			if !calls[msg.ToolCallID] {
				return nil, nil, fmt.Errorf("message %d: %w: %q", i, ErrOrphanToolResult, msg.ToolCallID)
			}
			if results[msg.ToolCallID] {
				return nil, nil, fmt.Errorf("message %d: %w: %q", i, ErrDuplicateToolResult, msg.ToolCallID)
			}
			results[msg.ToolCallID] = true
		}
	}
	return calls, results, nil
}

// TruncateRunes cuts text to limit runes and appends a marker naming how
// many runes were dropped. It reports whether truncation happened.
func TruncateRunes(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text, false
	}
	omitted := len(runes) - limit
	return string(runes[:limit]) + "\n...[truncated: " + strconv.Itoa(omitted) + " characters omitted]", true
}

func newMessage(role models.Role, content string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}
