package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// RootAbs returns the absolute workspace root.
func (r Resolver) RootAbs() (string, error) {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// Resolve returns an absolute, cleaned path within the workspace root.
// Symlinks on the existing part of the path are followed so a link cannot
// point outside the workspace.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	return r.resolve(clean)
}

// ResolveDir is Resolve with an empty path meaning the workspace root.
func (r Resolver) ResolveDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return r.RootAbs()
	}
	return r.Resolve(path)
}

func (r Resolver) resolve(clean string) (string, error) {
	rootAbs, err := r.RootAbs()
	if err != nil {
		return "", err
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	if !within(rootAbs, target) {
		return "", fmt.Errorf("path escapes workspace")
	}

	realRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return target, nil
	}
	if real, ok := evalExisting(target); ok && !within(realRoot, real) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return target, nil
}

// Rel returns path relative to the workspace root for display.
func (r Resolver) Rel(path string) string {
	rootAbs, err := r.RootAbs()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// evalExisting resolves symlinks on the longest existing prefix of path.
func evalExisting(path string) (string, bool) {
	suffix := ""
	for current := path; ; {
		if real, err := filepath.EvalSymlinks(current); err == nil {
			return filepath.Join(real, suffix), true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
