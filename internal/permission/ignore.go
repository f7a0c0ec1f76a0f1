package permission

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFile is the per-project ignore list consulted before any file
// tool touches a path.
const IgnoreFile = ".troupeignore"

type ignoreRule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// IgnoreList holds parsed ignore rules. Rules apply in order with the
// last match winning, gitignore-style.
type IgnoreList struct {
	rules []ignoreRule
}

// ParseIgnore reads ignore rules line by line. Blank lines and #
// comments are skipped; a leading ! negates, a trailing / restricts
// the rule to directories, and a leading / or any inner / anchors the
// pattern at the list root.
func ParseIgnore(r io.Reader) *IgnoreList {
	list := &IgnoreList{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule := ignoreRule{}
		if strings.HasPrefix(line, "!") {
			rule.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			rule.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			rule.anchored = true
			line = line[1:]
		} else if strings.Contains(line, "/") {
			rule.anchored = true
		}
		if line == "" {
			continue
		}
		rule.pattern = line
		list.rules = append(list.rules, rule)
	}
	return list
}

// LoadIgnore parses <dir>/.troupeignore. A missing file yields an
// empty list and no error.
func LoadIgnore(dir string) (*IgnoreList, error) {
	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &IgnoreList{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseIgnore(f), nil
}

// Match reports whether the slash-separated path, relative to the list
// root, is ignored. isDir describes the final component; intermediate
// components are always directories, and an ignored directory covers
// everything beneath it.
func (l *IgnoreList) Match(rel string, isDir bool) bool {
	if l == nil || len(l.rules) == 0 || rel == "" || rel == "." {
		return false
	}
	segments := strings.Split(rel, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		prefixIsDir := i < len(segments)-1 || isDir
		matched := false
		for _, rule := range l.rules {
			if rule.dirOnly && !prefixIsDir {
				continue
			}
			if rule.matches(prefix) {
				matched = !rule.negate
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func (r ignoreRule) matches(path string) bool {
	if r.anchored {
		return GlobMatch(r.pattern, path)
	}
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	return GlobMatch(r.pattern, base)
}
