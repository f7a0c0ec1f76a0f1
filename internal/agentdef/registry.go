package agentdef

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

const (
	definitionExt = ".md"
	reloadDelay   = 100 * time.Millisecond
)

// Registry resolves agent types to definitions. Built-ins are always
// present; user definitions load from a directory of markdown files
// and reload when the directory changes.
type Registry struct {
	log *logger.Logger
	dir string

	mu   sync.RWMutex
	user map[string]Definition

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

func NewRegistry(dir string, log *logger.Logger) *Registry {
	return &Registry{
		log:  log.WithComponent("agentdef"),
		dir:  dir,
		user: make(map[string]Definition),
	}
}

// Load scans the definitions directory. Files that do not parse are
// skipped with a warning; a missing directory just means no user
// definitions.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read agent definitions dir: %w", err)
	}

	defs := make(map[string]Definition)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), definitionExt) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.log.Warn("agent definition unreadable", zap.String("file", path), zap.Error(err))
			continue
		}
		def, err := parseDefinition(entry.Name(), data)
		if err != nil {
			r.log.Warn("skipping malformed agent definition",
				zap.String("file", path), zap.Error(err))
			continue
		}
		if _, dup := defs[def.Name]; dup {
			r.log.Warn("duplicate agent definition name, keeping the first",
				zap.String("name", def.Name), zap.String("file", path))
			continue
		}
		defs[def.Name] = def
	}

	r.replace(defs)
	r.log.Info("agent definitions loaded", zap.Int("user", len(defs)), zap.String("dir", r.dir))
	return nil
}

func (r *Registry) replace(defs map[string]Definition) {
	if defs == nil {
		defs = make(map[string]Definition)
	}
	r.mu.Lock()
	r.user = defs
	r.mu.Unlock()
}

// Get resolves an agent type. User definitions shadow built-ins of the
// same name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	def, ok := r.user[name]
	r.mu.RUnlock()
	if ok {
		return def, true
	}
	def, ok = builtins()[name]
	return def, ok
}

// List returns every known definition, built-ins first, each group
// sorted by name. Shadowed built-ins are omitted.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	user := make([]Definition, 0, len(r.user))
	for _, def := range r.user {
		user = append(user, def)
	}
	r.mu.RUnlock()

	builtin := make([]Definition, 0, 5)
	for name, def := range builtins() {
		if _, shadowed := r.userHas(name); shadowed {
			continue
		}
		builtin = append(builtin, def)
	}
	sort.Slice(builtin, func(i, j int) bool { return builtin[i].Name < builtin[j].Name })
	sort.Slice(user, func(i, j int) bool { return user[i].Name < user[j].Name })
	return append(builtin, user...)
}

func (r *Registry) userHas(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.user[name]
	return def, ok
}

// Watch reloads the registry whenever a definition file changes.
// Events are debounced so an editor's write burst reloads once.
func (r *Registry) Watch(ctx context.Context) error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.closed {
		return fmt.Errorf("registry is closed")
	}
	if r.watcher != nil {
		return nil
	}

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("create agent definitions dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go r.watchLoop(ctx, watcher)
	r.log.Debug("watching agent definitions", zap.String("dir", r.dir))
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, definitionExt) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDelay, func() {
				if err := r.Load(); err != nil {
					r.log.Warn("agent definition reload failed", zap.Error(err))
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("agent definition watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	r.closed = true
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

type definitionHeader struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools"`
	Model       string   `yaml:"model"`
}

// parseDefinition splits a definition file into its YAML front matter
// and body prompt. The name falls back to the file stem.
func parseDefinition(filename string, data []byte) (Definition, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	rest, ok := strings.CutPrefix(text, "---\n")
	if !ok {
		return Definition{}, fmt.Errorf("missing front matter")
	}
	header, body, ok := strings.Cut(rest, "\n---\n")
	if !ok {
		if header, ok = strings.CutSuffix(rest, "\n---"); !ok {
			return Definition{}, fmt.Errorf("unterminated front matter")
		}
		body = ""
	}

	var h definitionHeader
	if err := yaml.Unmarshal([]byte(header), &h); err != nil {
		return Definition{}, fmt.Errorf("front matter: %w", err)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return Definition{}, fmt.Errorf("definition body is empty")
	}
	name := h.Name
	if name == "" {
		name = strings.TrimSuffix(filename, definitionExt)
	}

	return Definition{
		Name:        name,
		Description: h.Description,
		Prompt:      body,
		Tools:       h.Tools,
		Model:       h.Model,
	}, nil
}
