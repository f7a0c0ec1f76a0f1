package permission

import (
	"os"
	"path/filepath"
	"strings"
)

// fileTools are the tools whose primary argument is a filesystem path.
var fileTools = map[string]struct{}{
	"Read":         {},
	"Write":        {},
	"Edit":         {},
	"MultiEdit":    {},
	"NotebookRead": {},
	"NotebookEdit": {},
	"Glob":         {},
	"Grep":         {},
	"LS":           {},
}

func isFileTool(toolName string) bool {
	_, ok := fileTools[toolName]
	return ok
}

// pathKeys are the input fields that may carry a path argument,
// probed in order.
var pathKeys = []string{"file_path", "notebook_path", "path"}

func pathArgument(input map[string]any) string {
	for _, key := range pathKeys {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func commandArgument(input map[string]any) string {
	v, _ := input["command"].(string)
	return v
}

func urlArgument(input map[string]any) string {
	v, _ := input["url"].(string)
	return v
}

// pathTarget is a normalized path in absolute and
// working-directory-relative form. rel is empty when the path lies
// outside the working directory tree; the working directory itself is
// ".".
type pathTarget struct {
	abs string
	rel string
}

// normalizePath expands a leading ~, resolves path against workDir and
// follows symlinks when the path exists, so escapes through links are
// visible to the subtree check.
func normalizePath(path, workDir string) pathTarget {
	p := expandHome(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}

	target := pathTarget{abs: filepath.ToSlash(p)}

	base := workDir
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	if rel, err := filepath.Rel(base, p); err == nil {
		rel = filepath.ToSlash(rel)
		if rel != ".." && !strings.HasPrefix(rel, "../") {
			target.rel = rel
		}
	}
	return target
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
