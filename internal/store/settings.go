package store

import (
	"errors"
	"fmt"
)

// Permissions holds allow and deny pattern lists.
type Permissions struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Settings is the persisted permission configuration.
type Settings struct {
	Permissions Permissions `json:"permissions"`
}

// LoadSettings returns the merged settings for a project: global
// patterns first, then project patterns, duplicates removed. Project
// patterns therefore sit after global ones but both are consulted by
// callers in list order.
func (r *Root) LoadSettings(projectPath string) (*Settings, error) {
	merged := &Settings{}

	var global Settings
	if _, err := ReadJSON(r.GlobalSettingsPath(), &global); err != nil {
		if !isCorrupt(err) {
			return nil, fmt.Errorf("failed to load global settings: %w", err)
		}
		r.logger.Warn("Quarantined corrupt global settings: " + err.Error())
	}

	path, err := r.SettingsPath(projectPath)
	if err != nil {
		return nil, err
	}
	var project Settings
	if _, err := ReadJSON(path, &project); err != nil {
		if !isCorrupt(err) {
			return nil, fmt.Errorf("failed to load project settings: %w", err)
		}
		r.logger.Warn("Quarantined corrupt project settings: " + err.Error())
	}

	merged.Permissions.Allow = dedupe(global.Permissions.Allow, project.Permissions.Allow)
	merged.Permissions.Deny = dedupe(global.Permissions.Deny, project.Permissions.Deny)
	return merged, nil
}

// LoadProjectSettings returns only the project-level settings.
func (r *Root) LoadProjectSettings(projectPath string) (*Settings, error) {
	path, err := r.SettingsPath(projectPath)
	if err != nil {
		return nil, err
	}
	var s Settings
	if _, err := ReadJSON(path, &s); err != nil && !isCorrupt(err) {
		return nil, err
	}
	return &s, nil
}

// SaveProjectSettings writes project-level settings atomically.
func (r *Root) SaveProjectSettings(projectPath string, s *Settings) error {
	lock := r.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	path, err := r.SettingsPath(projectPath)
	if err != nil {
		return err
	}
	return WriteJSONAtomic(path, s)
}

// AppendAllowPattern adds an allow pattern to the project settings if
// not already present.
func (r *Root) AppendAllowPattern(projectPath, pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}

	lock := r.ProjectLock(projectPath)
	lock.Lock()
	defer lock.Unlock()

	path, err := r.SettingsPath(projectPath)
	if err != nil {
		return err
	}

	var s Settings
	if _, err := ReadJSON(path, &s); err != nil && !isCorrupt(err) {
		return err
	}
	for _, existing := range s.Permissions.Allow {
		if existing == pattern {
			return nil
		}
	}
	s.Permissions.Allow = append(s.Permissions.Allow, pattern)
	return WriteJSONAtomic(path, &s)
}

func isCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

func dedupe(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, item := range list {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
