// Package selector narrows the enabled tools down to the handful that are
// relevant to a conversation, so tool schemas do not crowd out the context
// window.
package selector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/partner/internal/tools/catalog"
	"github.com/haasonsaas/partner/pkg/models"
)

const (
	// DefaultTimeout bounds a whole Select call.
	DefaultTimeout = 8 * time.Second

	// MinTools and MaxTools clamp the selection size.
	MinTools = 6
	MaxTools = 16

	// Ratio of enabled tools kept before clamping.
	Ratio = 0.3
)

var (
	// ErrNoPicker is reported when model-assisted selection is not configured.
	ErrNoPicker = errors.New("no picker configured")

	// ErrBadReply is reported when the picker reply has no usable JSON.
	ErrBadReply = errors.New("unparsable picker reply")
)

// Picker runs a side-channel completion without tools and returns the
// model's raw text.
type Picker interface {
	Pick(ctx context.Context, prompt string) (string, error)
}

// PickerFunc adapts a function to Picker.
type PickerFunc func(ctx context.Context, prompt string) (string, error)

// Pick calls f.
func (f PickerFunc) Pick(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Options configures a Selector.
type Options struct {
	// Picker enables model-assisted selection. Nil means heuristic only.
	Picker Picker

	// Timeout bounds Select. Default: 8s.
	Timeout time.Duration

	// Now is used for ToolSelection.UpdatedAt. Default: time.Now.
	Now func() time.Time
}

// Selector picks the active tool set for a conversation.
type Selector struct {
	picker  Picker
	timeout time.Duration
	now     func() time.Time
}

// New creates a Selector.
func New(opts Options) *Selector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Selector{picker: opts.Picker, timeout: opts.Timeout, now: opts.Now}
}

// Limit returns the selection cap for n enabled tools.
func Limit(n int) int {
	limit := int(math.Ceil(float64(n) * Ratio))
	if limit < MinTools {
		limit = MinTools
	}
	if limit > MaxTools {
		limit = MaxTools
	}
	if limit > n {
		limit = n
	}
	return limit
}

type pickReply struct {
	Tools  []string `json:"tools"`
	Reason string   `json:"reason"`
}

// Select returns the tools to offer for userText. The selection is always
// usable: when the picker is missing, fails, times out or replies with
// garbage, the heuristic result is returned together with the error that
// caused the fallback.
func (s *Selector) Select(ctx context.Context, enabled []catalog.Descriptor, userText string) (*models.ToolSelection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sc := newScorer(userText)
	scores := make(map[string]int, len(enabled))
	index := make(map[string]int, len(enabled))
	for i, desc := range enabled {
		index[desc.Name] = i
		scores[desc.Name] = sc.score(desc)
	}

	var suggested []string
	reason := ""
	var fallback error
	if s.picker == nil {
		fallback = ErrNoPicker
	} else {
		reply, err := s.pick(ctx, buildPrompt(enabled, userText))
		if err != nil {
			fallback = err
		} else {
			for _, name := range reply.Tools {
				if _, ok := index[name]; ok {
					suggested = append(suggested, name)
				}
			}
			reason = strings.TrimSpace(reply.Reason)
		}
	}

	names := merge(enabled, scores, suggested)
	names = capNames(names, Limit(len(enabled)))
	names = ensureRetrieval(names, enabled, scores, Limit(len(enabled)))

	switch {
	case fallback != nil && !errors.Is(fallback, ErrNoPicker):
		reason = "heuristic fallback: " + fallback.Error()
	case reason == "" && len(suggested) > 0:
		reason = "model selection"
	case reason == "":
		reason = fmt.Sprintf("heuristic: %d of %d tools", len(names), len(enabled))
	}
	return &models.ToolSelection{Names: names, Reason: reason, UpdatedAt: s.now()}, fallback
}

// pick runs the picker and parses its reply. It returns as soon as ctx is
// done even if the picker ignores cancellation.
func (s *Selector) pick(ctx context.Context, prompt string) (*pickReply, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := s.picker.Pick(ctx, prompt)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return parseReply(res.text)
	}
}

// parseReply extracts the outermost JSON object from text, tolerating
// surrounding prose and code fences.
func parseReply(text string) (*pickReply, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrBadReply
	}
	var reply pickReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	return &reply, nil
}

func buildPrompt(enabled []catalog.Descriptor, userText string) string {
	var b strings.Builder
	b.WriteString("Choose the tools needed for the user's request.\n")
	fmt.Fprintf(&b, "Pick at most %d tools. ", Limit(len(enabled)))
	b.WriteString("If you pick a search tool you must also pick a tool that retrieves the content it finds.\n")
	b.WriteString("Reply with JSON only: {\"tools\":[\"name\",...],\"reason\":\"short reason\"}\n\n")
	b.WriteString("Tools:\n")
	for _, desc := range enabled {
		if catalog.IsCore(desc.Name) {
			continue
		}
		fmt.Fprintf(&b, "- %s [%s", desc.Name, desc.Category)
		if desc.Kind != catalog.KindNone {
			fmt.Fprintf(&b, ", %s", desc.Kind)
		}
		fmt.Fprintf(&b, "]: %s\n", desc.Description)
	}
	b.WriteString("\nUser request:\n")
	b.WriteString(userText)
	return b.String()
}

// merge orders names as core tools, then model suggestions, then heuristic
// matches by descending score with ties in registry order.
func merge(enabled []catalog.Descriptor, scores map[string]int, suggested []string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, desc := range enabled {
		if catalog.IsCore(desc.Name) {
			add(desc.Name)
		}
	}
	for _, name := range suggested {
		add(name)
	}

	ranked := make([]catalog.Descriptor, 0, len(enabled))
	for _, desc := range enabled {
		if scores[desc.Name] > 0 && !seen[desc.Name] {
			ranked = append(ranked, desc)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i].Name] > scores[ranked[j].Name]
	})
	for _, desc := range ranked {
		add(desc.Name)
	}
	return out
}

// capNames truncates to limit while always keeping core tools.
func capNames(names []string, limit int) []string {
	if len(names) <= limit {
		return names
	}
	out := make([]string, 0, limit)
	for _, name := range names {
		if catalog.IsCore(name) {
			out = append(out, name)
		}
	}
	for _, name := range names {
		if len(out) >= limit {
			break
		}
		if !catalog.IsCore(name) {
			out = append(out, name)
		}
	}
	return out
}

// ensureRetrieval inserts the best retrieval tool right after the core
// tools when the selection has a search tool but nothing to retrieve its
// results with. To stay within limit the last non-core, non-search entry
// is dropped.
func ensureRetrieval(names []string, enabled []catalog.Descriptor, scores map[string]int, limit int) []string {
	byName := make(map[string]catalog.Descriptor, len(enabled))
	for _, desc := range enabled {
		byName[desc.Name] = desc
	}
	searchCategories := map[catalog.Category]bool{}
	for _, name := range names {
		switch byName[name].Kind {
		case catalog.KindRetrieval:
			return names
		case catalog.KindSearch:
			searchCategories[byName[name].Category] = true
		}
	}
	if len(searchCategories) == 0 {
		return names
	}

	var best *catalog.Descriptor
	better := func(a, b catalog.Descriptor) bool {
		sameA, sameB := searchCategories[a.Category], searchCategories[b.Category]
		if sameA != sameB {
			return sameA
		}
		return scores[a.Name] > scores[b.Name]
	}
	for i := range enabled {
		desc := enabled[i]
		if desc.Kind != catalog.KindRetrieval {
			continue
		}
		if best == nil || better(desc, *best) {
			best = &enabled[i]
		}
	}
	if best == nil {
		return names
	}

	if len(names) >= limit {
		for i := len(names) - 1; i >= 0; i-- {
			d := byName[names[i]]
			if !catalog.IsCore(d.Name) && d.Kind != catalog.KindSearch {
				names = append(names[:i:i], names[i+1:]...)
				break
			}
		}
	}
	pos := 0
	for pos < len(names) && catalog.IsCore(names[pos]) {
		pos++
	}
	out := make([]string, 0, len(names)+1)
	out = append(out, names[:pos]...)
	out = append(out, best.Name)
	out = append(out, names[pos:]...)
	return out
}
