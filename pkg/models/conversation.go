package models

import "time"

// Conversation is the persisted form of a controller: its ledger plus
// metadata needed to resume without re-deriving state.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Messages  []*Message     `json:"messages"`
	Selection *ToolSelection `json:"selection,omitempty"`
	Todos     []TodoItem     `json:"todos,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ConversationSummary is a listing entry without messages.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToolSelection is the narrowed set of tools exposed to the model.
// A nil selection means every enabled tool is exposed.
type ToolSelection struct {
	Names     []string  `json:"names"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contains reports whether name is part of the selection.
func (s *ToolSelection) Contains(name string) bool {
	if s == nil {
		return true
	}
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

// TodoItem is an entry of the agent-maintained task list.
type TodoItem struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}
