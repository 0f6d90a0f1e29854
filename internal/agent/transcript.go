package agent

import "github.com/haasonsaas/partner/pkg/models"

// interruptedResult answers tool calls left without a result, for example
// when a run was stopped between two calls of one batch.
const interruptedResult = `{"ok":false,"error":"tool call was interrupted"}`

// BuildRequestMessages converts ledger messages into a system prompt and
// request messages. Consecutive tool results are grouped into one "tool"
// message, and tool calls that never received a result are answered with
// a synthetic interrupted result so providers see complete pairs. The
// ledger itself is not modified.
func BuildRequestMessages(messages []*models.Message) (string, []CompletionMessage) {
	var system string
	out := make([]CompletionMessage, 0, len(messages))

	var pending []string
	answered := map[string]bool{}
	flush := func() {
		var missing []models.ToolResult
		for _, id := range pending {
			if !answered[id] {
				missing = append(missing, models.ToolResult{ToolCallID: id, Content: interruptedResult, IsError: true})
			}
		}
		pending = nil
		if len(missing) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == string(models.RoleTool) {
			out[n-1].ToolResults = append(out[n-1].ToolResults, missing...)
			return
		}
		out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: missing})
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleSystem:
			system = msg.Content
		case models.RoleTool:
			answered[msg.ToolCallID] = true
			res := models.ToolResult{ToolCallID: msg.ToolCallID, Content: msg.Content}
			if n := len(out); n > 0 && out[n-1].Role == string(models.RoleTool) {
				out[n-1].ToolResults = append(out[n-1].ToolResults, res)
				continue
			}
			out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: []models.ToolResult{res}})
		default:
			flush()
			out = append(out, CompletionMessage{
				Role:      string(msg.Role),
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
			for _, tc := range msg.ToolCalls {
				pending = append(pending, tc.ID)
			}
		}
	}
	flush()
	return system, out
}
