package agent

import (
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/pkg/models"
)

// Status is the controller's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Callbacks are UI hooks. Every hook is optional and fires synchronously
// from the goroutine running the loop, so hooks must not block on the
// controller.
type Callbacks struct {
	OnStatus          func(Status)
	OnToolCall        func(models.ToolEvent)
	OnAssistantText   func(text string)
	OnApprovalRequest func(*approval.Pending)
	OnTodos           func([]models.TodoItem)
	OnError           func(error)
	OnTitle           func(title string)
	OnSelection       func(*models.ToolSelection)
}

func (c Callbacks) status(s Status) {
	if c.OnStatus != nil {
		c.OnStatus(s)
	}
}

func (c Callbacks) toolCall(e models.ToolEvent) {
	if c.OnToolCall != nil {
		c.OnToolCall(e)
	}
}

func (c Callbacks) assistantText(text string) {
	if c.OnAssistantText != nil && text != "" {
		c.OnAssistantText(text)
	}
}

func (c Callbacks) approvalRequest(p *approval.Pending) {
	if c.OnApprovalRequest != nil {
		c.OnApprovalRequest(p)
	}
}

func (c Callbacks) todos(items []models.TodoItem) {
	if c.OnTodos != nil {
		c.OnTodos(items)
	}
}

func (c Callbacks) error(err error) {
	if c.OnError != nil && err != nil {
		c.OnError(err)
	}
}

func (c Callbacks) title(t string) {
	if c.OnTitle != nil {
		c.OnTitle(t)
	}
}

func (c Callbacks) selection(s *models.ToolSelection) {
	if c.OnSelection != nil {
		c.OnSelection(s)
	}
}
