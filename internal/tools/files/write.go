package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

func (t *Tools) createFile(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.CreateFileArgs](raw)
	if bad != nil {
		return bad, nil
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return agent.Fail(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !args.Overwrite {
		flags = os.O_CREATE | os.O_WRONLY | os.O_EXCL
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return agent.Fail("file already exists; set overwrite or use editFile"), nil
	}
	if err != nil {
		return agent.Fail(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(args.Content)
	if err != nil {
		return agent.Fail(fmt.Sprintf("write file: %v", err)), nil
	}
	return agent.OK(map[string]any{
		"path":          t.resolver.Rel(resolved),
		"bytes_written": n,
	}), nil
}

// editFile either replaces the whole content or substitutes old_text.
func (t *Tools) editFile(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.EditFileArgs](raw)
	if bad != nil {
		return bad, nil
	}
	if args.Content == nil && args.OldText == "" {
		return agent.Fail("either content or old_text is required"), nil
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return agent.Fail(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	switch {
	case args.Content != nil:
		content = *args.Content
	case !strings.Contains(content, args.OldText):
		return agent.Fail("old_text not found"), nil
	case args.ReplaceAll:
		replacements = strings.Count(content, args.OldText)
		content = strings.ReplaceAll(content, args.OldText, args.NewText)
	default:
		if n := strings.Count(content, args.OldText); n > 1 {
			return agent.Fail(fmt.Sprintf("old_text matches %d times; add context or set replace_all", n)), nil
		}
		content = strings.Replace(content, args.OldText, args.NewText, 1)
		replacements = 1
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return agent.Fail(fmt.Sprintf("write file: %v", err)), nil
	}
	return agent.OK(map[string]any{
		"path":         t.resolver.Rel(resolved),
		"replacements": replacements,
		"bytes":        len(content),
	}), nil
}

func (t *Tools) makeDirectory(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.MakeDirectoryArgs](raw)
	if bad != nil {
		return bad, nil
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return agent.Fail(fmt.Sprintf("create directory: %v", err)), nil
	}
	return agent.OK(map[string]any{"path": t.resolver.Rel(resolved)}), nil
}

func (t *Tools) deleteFile(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.DeleteFileArgs](raw)
	if bad != nil {
		return bad, nil
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	if root, err := t.resolver.RootAbs(); err == nil && resolved == root {
		return agent.Fail("refusing to delete the workspace root"), nil
	}
	if err := os.Remove(resolved); err != nil {
		return agent.Fail(fmt.Sprintf("delete: %v", err)), nil
	}
	return agent.OK(map[string]any{"path": t.resolver.Rel(resolved)}), nil
}

func (t *Tools) moveFile(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.MoveFileArgs](raw)
	if bad != nil {
		return bad, nil
	}
	src, err := t.resolver.Resolve(args.Source)
	if err != nil {
		return agent.Fail("source: " + err.Error()), nil
	}
	dst, err := t.resolver.Resolve(args.Destination)
	if err != nil {
		return agent.Fail("destination: " + err.Error()), nil
	}
	if _, err := os.Stat(dst); err == nil {
		return agent.Fail("destination already exists"), nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return agent.Fail(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := os.Rename(src, dst); err != nil {
		return agent.Fail(fmt.Sprintf("move: %v", err)), nil
	}
	return agent.OK(map[string]any{
		"source":      t.resolver.Rel(src),
		"destination": t.resolver.Rel(dst),
	}), nil
}
