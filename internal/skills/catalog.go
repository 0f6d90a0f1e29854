package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/haasonsaas/partner/pkg/models"
)

const defaultDebounce = 250 * time.Millisecond

// Catalog holds the skills found in one directory. Both layouts are
// recognized: dir/<name>.md and dir/<name>/SKILL.md. When two files
// declare the same name the first in path order wins.
type Catalog struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.RWMutex
	skills []models.Skill

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCatalog creates a catalog over dir. Call Load to read it.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:      dir,
		logger:   logger.With("component", "skills"),
		debounce: defaultDebounce,
	}
}

// Dir returns the scanned directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// List returns the loaded skills sorted by name.
func (c *Catalog) List() []models.Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Skill(nil), c.skills...)
}

// Load rescans the directory. A missing directory yields no skills;
// unparsable files are logged and skipped.
func (c *Catalog) Load(ctx context.Context) error {
	found, err := c.discover(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.skills = found
	c.mu.Unlock()
	c.logger.Debug("loaded skills", "count", len(found), "dir", c.dir)
	return nil
}

func (c *Catalog) discover(ctx context.Context) ([]models.Skill, error) {
	if c.dir == "" {
		return nil, nil
	}
	info, err := os.Stat(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", c.dir)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	seen := map[string]bool{}
	var out []models.Skill
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var path string
		switch {
		case entry.IsDir():
			path = filepath.Join(c.dir, entry.Name(), SkillFilename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
		case strings.EqualFold(filepath.Ext(entry.Name()), ".md"):
			path = filepath.Join(c.dir, entry.Name())
		default:
			continue
		}

		skill, err := ParseFile(path)
		if err != nil {
			c.logger.Warn("skipping invalid skill", "path", path, "error", err)
			continue
		}
		if seen[skill.Name] {
			c.logger.Warn("duplicate skill name", "name", skill.Name, "path", path)
			continue
		}
		seen[skill.Name] = true
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Watch reloads the catalog when files under the directory change and
// calls onChange with the new list. Events are debounced. Watch returns
// once the watcher is installed; Close stops it.
func (c *Catalog) Watch(ctx context.Context, onChange func([]models.Skill)) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create skills directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := c.addTree(watcher); err != nil {
		watcher.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.watcher = watcher
	c.cancel = cancel
	c.wg.Add(1)
	go c.watchLoop(watchCtx, watcher, onChange)
	return nil
}

// addTree watches the directory and its immediate skill directories.
func (c *Catalog) addTree(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(c.dir, entry.Name()))
		}
	}
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func([]models.Skill)) {
	defer c.wg.Done()

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			if err := c.Load(ctx); err != nil {
				c.logger.Warn("skill reload failed", "error", err)
				continue
			}
			if onChange != nil {
				onChange(c.List())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("skill watch error", "error", err)
		}
	}
}

// Close stops watching.
func (c *Catalog) Close() error {
	c.watchMu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	c.wg.Wait()
	return err
}
