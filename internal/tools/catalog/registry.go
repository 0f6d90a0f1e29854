package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidDescriptor is returned for descriptors with a bad name or schema.
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")

	// ErrUnknownTool is returned by Validate for unregistered names.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments wraps schema validation failures.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry holds tool descriptors in registration order. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a descriptor. The schema is compiled up front so argument
// validation never fails on a broken schema at call time.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" || len(desc.Name) > MaxNameLength || !validName.MatchString(desc.Name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidDescriptor, desc.Name)
	}
	if len(bytes.TrimSpace(desc.Schema)) == 0 {
		desc.Schema = emptyObjectSchema
	}
	compiled, err := jsonschema.CompileString("tool:"+desc.Name, string(desc.Schema))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, desc.Name, err)
	}
	desc.Schema = append(json.RawMessage(nil), desc.Schema...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = &entry{desc: desc, schema: compiled}
	r.order = append(r.order, desc.Name)
	return nil
}

// RegisterMCP adds a tool discovered on an MCP server. MCP tools are never
// sensitive and carry their server in the description so the model can
// tell them apart from built-ins.
func (r *Registry) RegisterMCP(server, tool, description string, schema json.RawMessage) (Descriptor, error) {
	if description == "" {
		description = tool
	}
	desc := Descriptor{
		Name:        MCPToolName(server, tool),
		Description: "[MCP:" + server + "] " + description,
		Category:    MCPCategory(server),
		Schema:      schema,
	}
	if err := r.Register(desc); err != nil {
		return Descriptor{}, err
	}
	stored, _ := r.Get(desc.Name)
	return stored, nil
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns every descriptor in registration order.
func (r *Registry) List() []Descriptor {
	return r.Enabled(nil)
}

// Enabled returns the descriptors whose names are not in disabled, in
// registration order.
func (r *Registry) Enabled(disabled map[string]bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		if disabled[name] {
			continue
		}
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Validate checks args against the tool's schema. Empty arguments are
// validated as an empty object.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	var value any = map[string]any{}
	if len(bytes.TrimSpace(args)) > 0 {
		if err := json.Unmarshal(args, &value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	if err := e.schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
