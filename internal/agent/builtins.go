package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	agentctx "github.com/haasonsaas/partner/internal/agent/context"
	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

// QuestionAsker collects answers from the user for askQuestions. Answers
// are returned in question order.
type QuestionAsker interface {
	Ask(ctx context.Context, questions []catalog.Question) ([]string, error)
}

// SkillLister lists installed skills for listSkills.
type SkillLister interface {
	List() []models.Skill
}

// registerBuiltins binds the tools whose state lives in the controller.
// Registration of a tool missing from the registry is skipped so a
// registry without them still works.
func (c *Controller) registerBuiltins() {
	builtins := map[string]Handler{
		catalog.ToolManageContext: HandlerFunc(c.manageContext),
		catalog.ToolTodoList:      HandlerFunc(c.todoList),
		catalog.ToolAskQuestions:  HandlerFunc(c.askQuestions),
		catalog.ToolRunSubAgent:   subAgentHandler(c.provider, c.opts.Model, c.opts.MaxTokens),
		catalog.ToolListSkills:    HandlerFunc(c.listSkills),
	}
	for name, h := range builtins {
		if c.dispatcher.Has(name) {
			continue
		}
		if err := c.dispatcher.Register(name, h); err != nil {
			c.logger.Debug("builtin tool not registered", "tool", name, "error", err)
		}
	}
}

func (c *Controller) manageContext(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
	var args catalog.ManageContextArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Fail("invalid arguments: " + err.Error()), nil
	}
	switch args.Action {
	case "stats":
		s := c.ledger.Stats()
		return OK(map[string]any{
			"messages":         s.Messages,
			"estimated_tokens": s.EstimatedTokens,
			"max_tokens":       s.MaxTokens,
			"usage_percent":    round1(s.UsagePercent),
		}), nil
	case string(agentctx.StrategyClearToolResults), string(agentctx.StrategySummarize):
		report, err := c.compact(ctx, agentctx.Strategy(args.Action), args.KeepLast)
		if err != nil {
			return Fail(err.Error()), nil
		}
		fields := map[string]any{
			"strategy":      string(report.Strategy),
			"tokens_before": report.Before.EstimatedTokens,
			"tokens_after":  report.After.EstimatedTokens,
		}
		if report.Strategy == agentctx.StrategySummarize {
			fields["removed"] = report.Removed
			fields["fallback"] = report.Fallback
		} else {
			fields["cleared"] = report.Cleared
		}
		return OK(fields), nil
	default:
		return Fail(fmt.Sprintf("unknown action %q", args.Action)), nil
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func (c *Controller) todoList(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
	var args catalog.TodoListArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Fail("invalid arguments: " + err.Error()), nil
	}

	c.mu.Lock()
	switch args.Action {
	case "add":
		text := strings.TrimSpace(args.Text)
		if text == "" {
			c.mu.Unlock()
			return Fail("text is required"), nil
		}
		c.nextTodo++
		c.todos = append(c.todos, models.TodoItem{ID: c.nextTodo, Text: text})
	case "remove", "toggle":
		idx := -1
		for i, item := range c.todos {
			if item.ID == args.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			c.mu.Unlock()
			return Fail(fmt.Sprintf("no todo with id %d", args.ID)), nil
		}
		if args.Action == "remove" {
			c.todos = append(c.todos[:idx], c.todos[idx+1:]...)
		} else {
			c.todos[idx].Done = !c.todos[idx].Done
		}
	case "list":
	default:
		c.mu.Unlock()
		return Fail(fmt.Sprintf("unknown action %q", args.Action)), nil
	}
	items := append([]models.TodoItem(nil), c.todos...)
	c.mu.Unlock()

	if args.Action != "list" {
		c.opts.Callbacks.todos(items)
	}
	return OK(map[string]any{"todos": items}), nil
}

func (c *Controller) askQuestions(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
	var args catalog.AskQuestionsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return Fail("invalid arguments: " + err.Error()), nil
	}
	if c.opts.Asker == nil {
		return Fail(ErrNoAsker.Error()), nil
	}
	if len(args.Questions) == 0 {
		return Fail("at least one question is required"), nil
	}
	answers, err := c.opts.Asker.Ask(ctx, args.Questions)
	if err != nil {
		return Fail(err.Error()), nil
	}
	out := make([]map[string]string, len(args.Questions))
	for i, q := range args.Questions {
		answer := ""
		if i < len(answers) {
			answer = answers[i]
		}
		out[i] = map[string]string{"question": q.Question, "answer": answer}
	}
	return OK(map[string]any{"answers": out}), nil
}

func (c *Controller) listSkills(ctx context.Context, raw json.RawMessage) (*ToolResult, error) {
	skills := []models.Skill{}
	if c.opts.Skills != nil {
		skills = c.opts.Skills.List()
	}
	return OK(map[string]any{"skills": skills}), nil
}
