package agent

import (
	"strings"
	"sync"
)

// HotPrefix marks user messages that arrived while a run was working.
const HotPrefix = "[mid-run message] "

// HotQueue holds user messages sent while a run is in progress. They are
// drained into the ledger at the start of the next iteration, in arrival
// order. It is safe for concurrent use.
type HotQueue struct {
	mu    sync.Mutex
	items []string
}

// NewHotQueue creates an empty queue.
func NewHotQueue() *HotQueue {
	return &HotQueue{}
}

// Push queues text. Blank text is ignored and reported as not queued.
func (q *HotQueue) Push(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, text)
	return true
}

// Drain removes and returns every queued message.
func (q *HotQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of queued messages.
func (q *HotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued message.
func (q *HotQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// FormatHot renders a queued message as it is stored in the ledger.
func FormatHot(text string) string {
	return HotPrefix + text
}
