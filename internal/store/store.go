// Package store owns the on-disk state layout. All durable runtime
// state (project memory, network snapshots, permission settings) lives
// under a single root directory:
//
//	<root>/projects/<enc>/memory.json
//	<root>/projects/<enc>/networks/<networkID>.json
//	<root>/projects/<enc>/settings.local.json
//	<root>/settings.json
//
// where <enc> is the URL path escape of the absolute project path.
package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Root is a handle to the state root directory. It hands out
// per-project locks so writers to the same project serialize.
type Root struct {
	dir    string
	logger *logger.Logger

	mu       sync.Mutex
	projects map[string]*sync.Mutex
}

// Open prepares the state root, creating it if needed.
func Open(dir string, log *logger.Logger) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("state root directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "projects"), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create state root: %w", err)
	}
	return &Root{
		dir:      dir,
		logger:   log.WithComponent("store"),
		projects: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the root directory.
func (r *Root) Dir() string {
	return r.dir
}

// EncodeProjectPath converts an absolute project path into its
// directory-safe encoded form.
func EncodeProjectPath(abs string) string {
	return url.PathEscape(abs)
}

// DecodeProjectPath reverses EncodeProjectPath.
func DecodeProjectPath(enc string) (string, error) {
	return url.PathUnescape(enc)
}

// CanonicalProjectPath resolves a project path to the absolute,
// symlink-resolved form used as the project identity. The path does
// not have to exist; symlinks are resolved best-effort.
func CanonicalProjectPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project path %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// ProjectDir returns (and creates) the state directory for a project.
func (r *Root) ProjectDir(projectPath string) (string, error) {
	canonical, err := CanonicalProjectPath(projectPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(r.dir, "projects", EncodeProjectPath(canonical))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create project dir: %w", err)
	}
	return dir, nil
}

// NetworksDir returns (and creates) the network snapshot directory for
// a project.
func (r *Root) NetworksDir(projectPath string) (string, error) {
	projectDir, err := r.ProjectDir(projectPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(projectDir, "networks")
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create networks dir: %w", err)
	}
	return dir, nil
}

// MemoryPath returns the memory file path for a project.
func (r *Root) MemoryPath(projectPath string) (string, error) {
	projectDir, err := r.ProjectDir(projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(projectDir, "memory.json"), nil
}

// SettingsPath returns the per-project settings file path.
func (r *Root) SettingsPath(projectPath string) (string, error) {
	projectDir, err := r.ProjectDir(projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(projectDir, "settings.local.json"), nil
}

// GlobalSettingsPath returns the root-level settings file path.
func (r *Root) GlobalSettingsPath() string {
	return filepath.Join(r.dir, "settings.json")
}

// ProjectLock returns the mutex serializing writes to one project's
// state. The same canonical path always yields the same mutex.
func (r *Root) ProjectLock(projectPath string) *sync.Mutex {
	canonical, err := CanonicalProjectPath(projectPath)
	if err != nil {
		canonical = projectPath
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.projects[canonical]
	if !ok {
		lock = &sync.Mutex{}
		r.projects[canonical] = lock
	}
	return lock
}

// ListProjects returns the decoded project paths that have state.
func (r *Root) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var projects []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path, err := DecodeProjectPath(entry.Name())
		if err != nil {
			r.logger.Warn("Skipping project dir with undecodable name: " + entry.Name())
			continue
		}
		projects = append(projects, path)
	}
	return projects, nil
}
