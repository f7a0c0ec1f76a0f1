// Package permission evaluates tool invocations against layered
// policy: traversal and ignore checks, a destructive-command
// blocklist, settings-driven allow/deny patterns, safe command
// analysis, a session approval cache, and user escalation.
package permission

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/troupe-dev/troupe/internal/shellparse"
)

// Pattern is a parsed permission pattern. The textual forms are:
//
//	Tool                     matches any invocation of Tool
//	Bash(exact command)      exact command match
//	Bash(prefix:*)           command prefix match on token boundaries
//	Read(src/**)             path glob (* ? and ** across segments)
//	WebFetch(domain:x.com)   hostname suffix match
type Pattern struct {
	Tool string
	Arg  string // empty for the bare form
	raw  string
}

// ParsePattern parses the textual pattern form.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if strings.ContainsAny(s, ") \t") {
			return Pattern{}, fmt.Errorf("invalid pattern %q", s)
		}
		return Pattern{Tool: s, raw: s}, nil
	}

	if !strings.HasSuffix(s, ")") {
		return Pattern{}, fmt.Errorf("invalid pattern %q: missing closing parenthesis", s)
	}
	tool := s[:open]
	arg := s[open+1 : len(s)-1]
	if tool == "" {
		return Pattern{}, fmt.Errorf("invalid pattern %q: missing tool name", s)
	}
	if arg == "" {
		return Pattern{}, fmt.Errorf("invalid pattern %q: empty argument", s)
	}
	return Pattern{Tool: tool, Arg: arg, raw: s}, nil
}

// String returns the textual form.
func (p Pattern) String() string {
	if p.raw != "" {
		return p.raw
	}
	if p.Arg == "" {
		return p.Tool
	}
	return p.Tool + "(" + p.Arg + ")"
}

// Match reports whether the pattern matches a tool invocation.
// Relative path globs are evaluated against the invocation's path made
// relative to workDir; absolute globs against the absolute path.
func (p Pattern) Match(toolName string, input map[string]any, workDir string) bool {
	if p.Tool != toolName {
		return false
	}
	if p.Arg == "" {
		return true
	}

	switch {
	case toolName == "Bash":
		return p.matchCommand(commandArgument(input))
	case toolName == "WebFetch":
		return p.matchDomain(urlArgument(input))
	case isFileTool(toolName):
		return p.matchPath(pathArgument(input), workDir)
	default:
		// Unknown tools only support the bare form
		return false
	}
}

// matchCommand handles Bash(...) arguments: "prefix:*" matches the
// command or any extension of it on a word boundary, anything else is
// an exact match.
func (p Pattern) matchCommand(command string) bool {
	if command == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(p.Arg, ":*"); ok {
		return command == prefix || strings.HasPrefix(command, prefix+" ")
	}
	return command == p.Arg
}

// matchDomain handles WebFetch(domain:...) arguments with hostname
// suffix semantics: example.com matches docs.example.com.
func (p Pattern) matchDomain(rawURL string) bool {
	domain, ok := strings.CutPrefix(p.Arg, "domain:")
	if !ok || rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// matchPath handles file tool globs.
func (p Pattern) matchPath(path, workDir string) bool {
	if path == "" {
		return false
	}
	target := normalizePath(path, workDir)
	if strings.HasPrefix(p.Arg, "/") {
		return GlobMatch(p.Arg, target.abs)
	}
	if target.rel == "" {
		return false
	}
	return GlobMatch(p.Arg, target.rel)
}

// GlobMatch matches path globs where * spans within one segment,
// ? matches a single rune, and ** matches any number of segments
// (including none).
func GlobMatch(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}
	if pattern[0] == "**" {
		// A trailing ** means everything inside, not the directory
		// itself; elsewhere it absorbs zero or more segments.
		if len(pattern) == 1 {
			return len(path) > 0
		}
		for skip := 0; skip <= len(path); skip++ {
			if matchSegments(pattern[1:], path[skip:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	if !matchSegment(pattern[0], path[0]) {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}

// matchSegment matches one path segment with * and ? wildcards.
func matchSegment(pattern, segment string) bool {
	p := []rune(pattern)
	s := []rune(segment)
	return matchRunes(p, s)
}

func matchRunes(p, s []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '*':
		for skip := 0; skip <= len(s); skip++ {
			if matchRunes(p[1:], s[skip:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return matchRunes(p[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return matchRunes(p[1:], s[1:])
	}
}

// Infer returns the narrowest reusable pattern for a tool invocation,
// used both for the session approval cache and as the suggestion
// attached to user escalations.
func Infer(toolName string, input map[string]any, workDir string) string {
	switch {
	case toolName == "Bash":
		return inferCommand(commandArgument(input))
	case toolName == "WebFetch":
		if u, err := url.Parse(urlArgument(input)); err == nil && u.Hostname() != "" {
			return "WebFetch(domain:" + strings.ToLower(u.Hostname()) + ")"
		}
		return "WebFetch"
	case isFileTool(toolName):
		return inferPath(toolName, pathArgument(input), workDir)
	default:
		return toolName
	}
}

// inferCommand builds a Bash pattern from at most the first two
// command tokens. Compound commands stay exact: a pattern spanning
// separators would be broader than what the user saw.
func inferCommand(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return "Bash"
	}

	parts, err := shellparse.Split(command)
	if err != nil || len(parts) != 1 {
		return "Bash(" + command + ")"
	}

	tokens := parts[0].Tokens
	switch {
	case len(tokens) <= 2:
		return "Bash(" + strings.Join(tokens, " ") + ")"
	default:
		return "Bash(" + tokens[0] + " " + tokens[1] + ":*)"
	}
}

// inferPath suggests the containing directory for file tools. Files at
// the working directory root stay exact.
func inferPath(toolName, path, workDir string) string {
	if path == "" {
		return toolName
	}
	target := normalizePath(path, workDir)

	if target.rel != "" {
		dir := parentDir(target.rel)
		if dir == "" {
			return toolName + "(" + target.rel + ")"
		}
		return toolName + "(" + dir + "/**)"
	}
	dir := parentDir(target.abs)
	if dir == "" || dir == "/" {
		return toolName + "(" + target.abs + ")"
	}
	return toolName + "(" + dir + "/**)"
}

func parentDir(p string) string {
	idx := strings.LastIndexByte(p, '/')
	if idx <= 0 {
		return ""
	}
	return p[:idx]
}
