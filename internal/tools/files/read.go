package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

// readFile returns a window of lines. offset is 1-based; the output is
// also capped at maxReadLen bytes.
func (t *Tools) readFile(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.ReadFileArgs](raw)
	if bad != nil {
		return bad, nil
	}
	if args.Offset < 0 || args.Limit < 0 {
		return agent.Fail("offset and limit must be >= 0"), nil
	}
	resolved, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return agent.Fail(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return agent.Fail("path is a directory; use listDirectory"), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return agent.Fail(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	start := args.Offset
	if start == 0 {
		start = 1
	}

	var b strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), t.maxReadLen+1)
	line, returned, truncated := 0, 0, false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		if line < start {
			continue
		}
		if args.Limit > 0 && returned >= args.Limit {
			truncated = true
			break
		}
		text := scanner.Text()
		if b.Len()+len(text)+1 > t.maxReadLen {
			truncated = true
			break
		}
		b.WriteString(text)
		b.WriteByte('\n')
		returned++
	}
	if err := scanner.Err(); err != nil {
		return agent.Fail(fmt.Sprintf("read file: %v", err)), nil
	}

	content := b.String()
	if !utf8.ValidString(content) {
		return agent.Fail("file is not valid UTF-8 text"), nil
	}
	return agent.OK(map[string]any{
		"path":       t.resolver.Rel(resolved),
		"content":    content,
		"start_line": start,
		"lines":      returned,
		"size":       info.Size(),
		"truncated":  truncated,
	}), nil
}
