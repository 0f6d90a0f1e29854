package policy

import (
	"strings"

	"github.com/haasonsaas/partner/internal/tools/catalog"
)

// Resolver expands tool references into concrete tool names. A reference
// is one of:
//   - a tool name: "readFile"
//   - a category group: "group:terminal"
//   - all tools of an MCP server: "mcp:github.*"
//   - every MCP tool: "mcp:*"
type Resolver struct {
	registry *catalog.Registry
	groups   map[string][]string
}

// NewResolver creates a resolver over the tools in registry.
func NewResolver(registry *catalog.Registry) *Resolver {
	return &Resolver{registry: registry, groups: map[string][]string{}}
}

// AddGroup defines a custom named group.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.groups[name] = tools
}

// Expand resolves references to tool names, deduplicated, in input order.
// Unknown plain names are passed through.
func (r *Resolver) Expand(refs []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if tools, ok := r.groups[ref]; ok {
			for _, name := range tools {
				add(name)
			}
			continue
		}
		matched, isPattern := r.match(ref)
		if !isPattern {
			add(ref)
			continue
		}
		for _, name := range matched {
			add(name)
		}
	}
	return out
}

func (r *Resolver) match(ref string) ([]string, bool) {
	var pred func(catalog.Descriptor) bool
	switch {
	case strings.HasPrefix(ref, "group:"):
		category := catalog.Category(strings.TrimPrefix(ref, "group:"))
		pred = func(d catalog.Descriptor) bool { return d.Category == category }
	case ref == "mcp:*":
		pred = func(d catalog.Descriptor) bool { return d.Category.IsMCP() }
	case strings.HasPrefix(ref, "mcp:") && strings.HasSuffix(ref, ".*"):
		category := catalog.Category(strings.TrimSuffix(ref, ".*"))
		pred = func(d catalog.Descriptor) bool { return d.Category == category }
	default:
		return nil, false
	}
	if r.registry == nil {
		return nil, true
	}
	var names []string
	for _, desc := range r.registry.List() {
		if pred(desc) {
			names = append(names, desc.Name)
		}
	}
	return names, true
}

// Disabled expands refs into a set suitable for catalog.Registry.Enabled.
func (r *Resolver) Disabled(refs []string) map[string]bool {
	set := map[string]bool{}
	for _, name := range r.Expand(refs) {
		set[name] = true
	}
	return set
}
