package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

type entry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Size  int64  `json:"size,omitempty"`
	Path  string `json:"path,omitempty"`
	Line  int    `json:"line,omitempty"`
	Match string `json:"match,omitempty"`
}

func (t *Tools) listDirectory(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.ListDirectoryArgs](raw)
	if bad != nil {
		return bad, nil
	}
	resolved, err := t.resolver.ResolveDir(args.Path)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return agent.Fail(fmt.Sprintf("read directory: %v", err)), nil
	}

	out := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		e := entry{Name: de.Name(), Type: "file"}
		if de.IsDir() {
			e.Type = "directory"
		} else if info, err := de.Info(); err == nil {
			e.Size = info.Size()
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == "directory"
		}
		return out[i].Name < out[j].Name
	})
	return agent.OK(map[string]any{
		"path":    t.resolver.Rel(resolved),
		"entries": out,
	}), nil
}

// localSearch walks the directory matching names (glob or regex) or file
// contents (substring or regex). Hidden directories are skipped.
func (t *Tools) localSearch(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	args, bad := decode[catalog.LocalSearchArgs](raw)
	if bad != nil {
		return bad, nil
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return agent.Fail("pattern is required"), nil
	}
	root, err := t.resolver.ResolveDir(args.Directory)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}
	limit := args.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}

	match, err := compileMatcher(args)
	if err != nil {
		return agent.Fail(err.Error()), nil
	}

	var results []entry
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}
		rel := t.resolver.Rel(path)
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if args.Depth > 0 && strings.Count(rel, "/")+1 >= args.Depth {
				if !args.Content && match.name(d.Name()) {
					results = append(results, entry{Name: d.Name(), Type: "directory", Path: rel})
				}
				return filepath.SkipDir
			}
		}
		if len(results) >= limit {
			truncated = true
			return filepath.SkipAll
		}

		if !args.Content {
			if match.name(d.Name()) {
				e := entry{Name: d.Name(), Type: "file", Path: rel}
				if d.IsDir() {
					e.Type = "directory"
				}
				results = append(results, e)
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		for _, hit := range match.content(path, limit-len(results)) {
			hit.Path = rel
			hit.Name = d.Name()
			results = append(results, hit)
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if results == nil {
		results = []entry{}
	}
	return agent.OK(map[string]any{
		"directory": t.resolver.Rel(root),
		"results":   results,
		"count":     len(results),
		"truncated": truncated,
	}), nil
}

type matcher struct {
	name    func(string) bool
	content func(path string, max int) []entry
}

func compileMatcher(args catalog.LocalSearchArgs) (matcher, error) {
	var re *regexp.Regexp
	if args.Regex {
		compiled, err := regexp.Compile(args.Pattern)
		if err != nil {
			return matcher{}, fmt.Errorf("invalid regex: %v", err)
		}
		re = compiled
	} else if !args.Content {
		if _, err := filepath.Match(args.Pattern, ""); err != nil {
			return matcher{}, fmt.Errorf("invalid glob: %v", err)
		}
	}

	lowered := strings.ToLower(args.Pattern)
	return matcher{
		name: func(name string) bool {
			if re != nil {
				return re.MatchString(name)
			}
			if ok, _ := filepath.Match(args.Pattern, name); ok {
				return true
			}
			return !strings.ContainsAny(args.Pattern, "*?[") && strings.Contains(strings.ToLower(name), lowered)
		},
		content: func(path string, max int) []entry {
			data, err := os.ReadFile(path)
			if err != nil || len(data) > maxContentMatchBytes || bytes.IndexByte(data, 0) >= 0 {
				return nil
			}
			var hits []entry
			for i, line := range strings.Split(string(data), "\n") {
				if len(hits) >= max {
					break
				}
				ok := false
				if re != nil {
					ok = re.MatchString(line)
				} else {
					ok = strings.Contains(strings.ToLower(line), lowered)
				}
				if ok {
					hits = append(hits, entry{Type: "match", Line: i + 1, Match: clip(strings.TrimSpace(line), 200)})
				}
			}
			return hits
		},
	}, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
