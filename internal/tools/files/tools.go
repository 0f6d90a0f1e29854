// Package files implements the workspace file tools: reading, creating,
// editing, moving and deleting files, directory listing and local search.
// Every path is resolved against the workspace root and may not leave it.
package files

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

const (
	defaultMaxReadBytes  = 200000
	defaultMaxResults    = 200
	maxContentMatchBytes = 1 << 20
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

// Tools serves the file tools for one workspace.
type Tools struct {
	resolver   Resolver
	maxReadLen int
}

// New creates the file tools scoped to cfg.Workspace.
func New(cfg Config) *Tools {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &Tools{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: limit,
	}
}

// Handlers returns the handlers keyed by tool name.
func (t *Tools) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		catalog.ToolReadFile:      agent.HandlerFunc(t.readFile),
		catalog.ToolCreateFile:    agent.HandlerFunc(t.createFile),
		catalog.ToolEditFile:      agent.HandlerFunc(t.editFile),
		catalog.ToolDeleteFile:    agent.HandlerFunc(t.deleteFile),
		catalog.ToolMoveFile:      agent.HandlerFunc(t.moveFile),
		catalog.ToolListDirectory: agent.HandlerFunc(t.listDirectory),
		catalog.ToolMakeDirectory: agent.HandlerFunc(t.makeDirectory),
		catalog.ToolLocalSearch:   agent.HandlerFunc(t.localSearch),
	}
}

// Register binds the file tools on d.
func (t *Tools) Register(d *agent.Dispatcher) error {
	for name, h := range t.Handlers() {
		if err := d.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func decode[T any](raw json.RawMessage) (T, *agent.ToolResult) {
	var args T
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, agent.Fail(fmt.Sprintf("invalid arguments: %v", err))
	}
	return args, nil
}
