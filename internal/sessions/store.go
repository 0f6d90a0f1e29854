// Package sessions persists conversations so a controller can be resumed.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/partner/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Store is the interface for conversation persistence.
type Store interface {
	// Save inserts or replaces a conversation.
	Save(ctx context.Context, conv *models.Conversation) error

	// Get returns a conversation with its messages.
	Get(ctx context.Context, id string) (*models.Conversation, error)

	// List returns summaries, most recently updated first.
	List(ctx context.Context, opts ListOptions) ([]models.ConversationSummary, error)

	Delete(ctx context.Context, id string) error

	Close() error
}

// ListOptions configures listing. A zero Limit means no limit.
type ListOptions struct {
	Limit  int
	Offset int
}

func validate(conv *models.Conversation) error {
	if conv == nil {
		return errors.New("conversation is required")
	}
	if conv.ID == "" {
		return errors.New("conversation ID is required")
	}
	return nil
}
