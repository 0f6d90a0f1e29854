package context

import (
	"encoding/json"
	"math"

	"golang.org/x/text/width"

	"github.com/haasonsaas/partner/pkg/models"
)

// Token weights for the budget heuristic. This is not a tokenizer: it only
// needs to be stable enough to drive compaction thresholds.
const (
	TokensPerWideRune   = 1.5
	TokensPerNarrowRune = 0.4
	MessageOverhead     = 4
)

// EstimateTokens approximates the token cost of text. Wide runes (CJK
// ideographs, kana, hangul, fullwidth forms) are weighted separately from
// everything else.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	wide, narrow := 0, 0
	for _, r := range text {
		if isWide(r) {
			wide++
		} else {
			narrow++
		}
	}
	return int(math.Ceil(float64(wide)*TokensPerWideRune + float64(narrow)*TokensPerNarrowRune))
}

func isWide(r rune) bool {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return true
	default:
		return false
	}
}

// EstimateMessage approximates the cost of one message including its role,
// serialized tool calls and a fixed per-message overhead.
func EstimateMessage(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	tokens := MessageOverhead
	tokens += EstimateTokens(string(msg.Role))
	tokens += EstimateTokens(msg.Content)
	if len(msg.ToolCalls) > 0 {
		if payload, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += EstimateTokens(string(payload))
		} else {
			// Raw arguments that are not valid JSON cannot be marshaled.
			for _, tc := range msg.ToolCalls {
				tokens += EstimateTokens(tc.ID + tc.Name + string(tc.Arguments))
			}
		}
	}
	return tokens
}

// EstimateMessages sums EstimateMessage over a slice.
func EstimateMessages(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateMessage(msg)
	}
	return total
}
