package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/partner/pkg/models"
)

// MemoryStore keeps conversations in process memory. Values are deep
// copied on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: map[string]*models.Conversation{},
		now:   time.Now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, conv *models.Conversation) error {
	if err := validate(conv); err != nil {
		return err
	}
	clone, err := cloneConversation(conv)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.convs[clone.ID]; ok && clone.CreatedAt.IsZero() {
		clone.CreatedAt = existing.CreatedAt
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = now
	}
	m.convs[clone.ID] = clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv)
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]models.ConversationSummary, error) {
	m.mu.RLock()
	out := make([]models.ConversationSummary, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, summarize(conv))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return paginate(out, opts), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[id]; !ok {
		return ErrNotFound
	}
	delete(m.convs, id)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func summarize(conv *models.Conversation) models.ConversationSummary {
	return models.ConversationSummary{
		ID:           conv.ID,
		Title:        conv.Title,
		MessageCount: len(conv.Messages),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
}

func paginate(items []models.ConversationSummary, opts ListOptions) []models.ConversationSummary {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []models.ConversationSummary{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func cloneConversation(conv *models.Conversation) (*models.Conversation, error) {
	data, err := json.Marshal(conv)
	if err != nil {
		return nil, err
	}
	var clone models.Conversation
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
