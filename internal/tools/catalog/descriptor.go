// Package catalog describes the tools an agent can call: their names,
// categories, sensitivity and argument schemas. It knows nothing about how
// tools are executed.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

// Category groups tools for selection and policy.
type Category string

const (
	CategoryFile         Category = "file"
	CategoryNetwork      Category = "network"
	CategoryTerminal     Category = "terminal"
	CategoryAgent        Category = "agent"
	CategoryInteraction  Category = "interaction"
	CategoryProductivity Category = "productivity"
	CategorySkill        Category = "skill"
	CategorySystem       Category = "system"
)

const mcpCategoryPrefix = "mcp:"

// MCPCategory returns the category of tools served by an MCP server.
func MCPCategory(server string) Category {
	return Category(mcpCategoryPrefix + server)
}

// IsMCP reports whether c is an MCP server category.
func (c Category) IsMCP() bool {
	return strings.HasPrefix(string(c), mcpCategoryPrefix)
}

// Kind marks tools that take part in the search-needs-retrieval rule.
type Kind string

const (
	KindNone      Kind = ""
	KindSearch    Kind = "search"
	KindRetrieval Kind = "retrieval"
)

// Descriptor is the static description of one tool. Descriptors are
// immutable once registered.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    Category        `json:"category"`
	Sensitive   bool            `json:"sensitive"`
	Kind        Kind            `json:"kind,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// IsTerminal reports whether the tool executes shell commands.
func (d Descriptor) IsTerminal() bool {
	switch d.Name {
	case ToolRunTerminalCommand, ToolAwaitTerminalCommand, ToolRunShellScriptCode:
		return true
	}
	return false
}

// MaxNameLength bounds tool names for provider compatibility.
const MaxNameLength = 64

var (
	validName    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	unsafeInName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

// MCPToolName builds the model-facing name of a dynamic MCP tool,
// mcp__<server>__<tool>. Characters the model APIs reject are replaced and
// overlong names are shortened with a hash suffix.
func MCPToolName(server, tool string) string {
	name := "mcp__" + sanitize(server) + "__" + sanitize(tool)
	if len(name) <= MaxNameLength {
		return name
	}
	sum := sha256.Sum256([]byte(server + ":" + tool))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return name[:MaxNameLength-len(suffix)] + suffix
}

func sanitize(part string) string {
	safe := strings.Trim(unsafeInName.ReplaceAllString(part, "_"), "_")
	if safe == "" {
		return "tool"
	}
	return safe
}
