// Package permission decides whether an agent may run a tool call.
// Evaluation walks a fixed rule ladder where the first matching rule
// wins; anything unmatched escalates to the user together with a
// suggested settings pattern.
package permission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/shellparse"
	"github.com/troupe-dev/troupe/internal/store"
)

// Behavior is the outcome class of an evaluation.
type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
	Ask   Behavior = "ask"
)

// Request describes one tool invocation to evaluate.
type Request struct {
	SessionID string
	ToolName  string
	Input     map[string]any
	WorkDir   string
}

// Decision is the evaluation result. Pattern carries the inferred
// settings pattern when the decision escalates to the user or came
// from the session cache.
type Decision struct {
	Behavior Behavior
	Reason   string
	Pattern  string
}

// Engine evaluates tool invocations in order: path traversal, ignore
// list, destructive blocklist, internal tools, read-only tools,
// configured deny patterns, safe compound commands, session approvals,
// configured allow patterns, then ask.
type Engine struct {
	root *store.Root
	log  *logger.Logger

	mu       sync.Mutex
	sessions map[string]map[string]struct{}
	ignores  map[string]*ignoreEntry
}

type ignoreEntry struct {
	list    *IgnoreList
	modTime time.Time
}

func NewEngine(root *store.Root, log *logger.Logger) *Engine {
	return &Engine{
		root:     root,
		log:      log.WithComponent("permission"),
		sessions: make(map[string]map[string]struct{}),
		ignores:  make(map[string]*ignoreEntry),
	}
}

// Evaluate runs the rule ladder for one tool invocation.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	dec := e.evaluate(req)
	e.log.Debug("tool call evaluated",
		zap.String("session_id", req.SessionID),
		zap.String("tool", req.ToolName),
		zap.String("behavior", string(dec.Behavior)),
		zap.String("reason", dec.Reason))
	return dec
}

func (e *Engine) evaluate(req Request) Decision {
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}

	// File tools resolve their path argument first: escapes and
	// ignored paths are denied before any other rule can allow them.
	if isFileTool(req.ToolName) {
		if dec, blocked := e.checkFileAccess(input, req.WorkDir); blocked {
			return dec
		}
	}

	if req.ToolName == "Bash" {
		if reason, blocked := destructiveCommand(commandArgument(input)); blocked {
			return Decision{Behavior: Deny, Reason: reason}
		}
	}

	if isInternalTool(req.ToolName) {
		return Decision{Behavior: Allow, Reason: "internal tool"}
	}

	if _, ok := readOnlyTools[req.ToolName]; ok {
		return Decision{Behavior: Allow, Reason: "read-only tool"}
	}

	settings := e.loadSettings(req.WorkDir)
	denyPatterns := e.parsePatterns(settings.Permissions.Deny)
	if p, ok := matchAny(denyPatterns, req.ToolName, input, req.WorkDir); ok {
		return Decision{Behavior: Deny, Reason: fmt.Sprintf("denied by pattern %s", p)}
	}

	allowPatterns := e.parsePatterns(settings.Permissions.Allow)
	if req.ToolName == "Bash" && e.safeCompound(commandArgument(input), req.WorkDir, allowPatterns) {
		return Decision{Behavior: Allow, Reason: "read-only command"}
	}

	inferred := Infer(req.ToolName, input, req.WorkDir)
	if e.approved(req.SessionID, inferred) {
		return Decision{Behavior: Allow, Reason: "approved earlier this session", Pattern: inferred}
	}

	if p, ok := matchAny(allowPatterns, req.ToolName, input, req.WorkDir); ok {
		return Decision{Behavior: Allow, Reason: fmt.Sprintf("allowed by pattern %s", p)}
	}

	return Decision{Behavior: Ask, Reason: "no rule matched", Pattern: inferred}
}

// checkFileAccess applies the traversal and ignore rules to the path
// argument of a file tool. Tools invoked without a path pass through.
func (e *Engine) checkFileAccess(input map[string]any, workDir string) (Decision, bool) {
	path := pathArgument(input)
	if path == "" || workDir == "" {
		return Decision{}, false
	}
	target := normalizePath(path, workDir)
	if target.rel == "" {
		return Decision{
			Behavior: Deny,
			Reason:   fmt.Sprintf("%s resolves outside the working directory", path),
		}, true
	}
	isDir := false
	if info, err := os.Stat(target.abs); err == nil {
		isDir = info.IsDir()
	}
	if e.ignoreList(workDir).Match(target.rel, isDir) {
		return Decision{
			Behavior: Deny,
			Reason:   fmt.Sprintf("%s is excluded by %s", target.rel, IgnoreFile),
		}, true
	}
	return Decision{}, false
}

// destructiveCommands are denied regardless of settings.
var destructiveCommands = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"init":     {},
}

// protectedBranches may not be force-pushed.
var protectedBranches = map[string]struct{}{"main": {}, "master": {}}

// destructiveCommand scans every pipeline part for blocklisted
// commands and force pushes to protected branches.
func destructiveCommand(cmd string) (string, bool) {
	if cmd == "" {
		return "", false
	}
	parts, err := shellparse.Split(cmd)
	if err != nil {
		return "", false
	}
	for _, part := range parts {
		base := shellparse.BaseCommand(part)
		if _, ok := destructiveCommands[base]; ok {
			return fmt.Sprintf("%s is blocked", base), true
		}
		if strings.HasPrefix(base, "mkfs") {
			return fmt.Sprintf("%s is blocked", base), true
		}
		if base == "git" && forcePushProtected(shellparse.Arguments(part)) {
			return "force push to a protected branch is blocked", true
		}
	}
	return "", false
}

func forcePushProtected(args []string) bool {
	push, force := false, false
	var refs []string
	for _, arg := range args {
		switch {
		case arg == "push":
			push = true
		case arg == "-f" || arg == "--force" || strings.HasPrefix(arg, "--force-with-lease"):
			force = true
		case push && !strings.HasPrefix(arg, "-"):
			refs = append(refs, arg)
		}
	}
	if !push || !force {
		return false
	}
	for _, ref := range refs {
		name := ref
		if idx := strings.LastIndexByte(ref, ':'); idx >= 0 {
			name = ref[idx+1:]
		}
		if _, ok := protectedBranches[name]; ok {
			return true
		}
	}
	return false
}

// Tools served by the runtime's own tool servers never prompt.
const internalToolPrefix = "mcp__troupe-"

func isInternalTool(name string) bool {
	return strings.HasPrefix(name, internalToolPrefix)
}

// readOnlyTools never modify state and are allowed once the path
// checks pass.
var readOnlyTools = map[string]struct{}{
	"Read":         {},
	"Glob":         {},
	"Grep":         {},
	"LS":           {},
	"NotebookRead": {},
	"TodoRead":     {},
	"TodoWrite":    {},
	"WebSearch":    {},
}

func (e *Engine) loadSettings(workDir string) *store.Settings {
	settings, err := e.root.LoadSettings(workDir)
	if err != nil {
		e.log.Warn("settings load failed", zap.String("project", workDir), zap.Error(err))
		return &store.Settings{}
	}
	return settings
}

func (e *Engine) parsePatterns(raw []string) []Pattern {
	patterns := make([]Pattern, 0, len(raw))
	for _, s := range raw {
		p, err := ParsePattern(s)
		if err != nil {
			e.log.Warn("skipping unparseable pattern", zap.String("pattern", s), zap.Error(err))
			continue
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func matchAny(patterns []Pattern, toolName string, input map[string]any, workDir string) (string, bool) {
	for _, p := range patterns {
		if p.Match(toolName, input, workDir) {
			return p.String(), true
		}
	}
	return "", false
}

// safeCompound reports whether every pipeline part of a Bash command
// is a read-only filter, a cd staying inside the working directory, or
// a command covered by an allow pattern.
func (e *Engine) safeCompound(cmd, workDir string, allow []Pattern) bool {
	if cmd == "" {
		return false
	}
	parts, err := shellparse.Split(cmd)
	if err != nil {
		return false
	}
	dirs := shellparse.EffectiveDirs(parts, workDir)
	for i, part := range parts {
		if part.HasSubstitution {
			return false
		}
		if target, ok := shellparse.CDTarget(part); ok {
			if !cdInsideTree(target, dirs[i], workDir) {
				return false
			}
			continue
		}
		if shellparse.IsSafeFilter(part) {
			continue
		}
		if _, ok := matchAny(allow, "Bash", map[string]any{"command": part.Raw}, workDir); ok {
			continue
		}
		return false
	}
	return true
}

func cdInsideTree(target, current, workDir string) bool {
	if target == "~" || strings.HasPrefix(target, "~/") {
		target = expandHome(target)
		if strings.HasPrefix(target, "~") {
			return false
		}
	}
	if !filepath.IsAbs(target) {
		// A preceding home-relative cd left the effective directory
		// unresolved, so relative targets cannot be verified.
		if strings.HasPrefix(current, "~") {
			return false
		}
		target = filepath.Join(current, target)
	}
	return normalizePath(target, workDir).rel != ""
}

func (e *Engine) approved(sessionID, pattern string) bool {
	if sessionID == "" || pattern == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID][pattern]
	return ok
}

// Approve records a pattern as allowed for the rest of the session.
// When persist is set the pattern is also appended to the project's
// allow list.
func (e *Engine) Approve(sessionID, workDir, pattern string, persist bool) error {
	if pattern == "" {
		return nil
	}
	e.mu.Lock()
	approvals, ok := e.sessions[sessionID]
	if !ok {
		approvals = make(map[string]struct{})
		e.sessions[sessionID] = approvals
	}
	approvals[pattern] = struct{}{}
	e.mu.Unlock()
	if !persist {
		return nil
	}
	return e.root.AppendAllowPattern(workDir, pattern)
}

// ForgetSession drops a session's cached approvals.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// ignoreList returns the project's parsed ignore list, reloading it
// when the file changes.
func (e *Engine) ignoreList(workDir string) *IgnoreList {
	path := filepath.Join(workDir, IgnoreFile)
	var modTime time.Time
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime()
	}

	e.mu.Lock()
	if entry, ok := e.ignores[workDir]; ok && entry.modTime.Equal(modTime) {
		list := entry.list
		e.mu.Unlock()
		return list
	}
	e.mu.Unlock()

	list, err := LoadIgnore(workDir)
	if err != nil {
		e.log.Warn("ignore list unreadable", zap.String("path", path), zap.Error(err))
		list = &IgnoreList{}
	}
	e.mu.Lock()
	e.ignores[workDir] = &ignoreEntry{list: list, modTime: modTime}
	e.mu.Unlock()
	return list
}
