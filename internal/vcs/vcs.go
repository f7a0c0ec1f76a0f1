// Package vcs wraps the git command line for agent-driven version
// control. Everything shells out to git; no in-process git
// implementation is involved.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

// GitError carries the failing arguments and the combined output of a
// git invocation.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// Client runs git commands inside one working tree.
type Client struct {
	workDir string
	log     *logger.Logger
}

func NewClient(workDir string, log *logger.Logger) *Client {
	return &Client{
		workDir: workDir,
		log:     log.WithComponent("vcs"),
	}
}

// WorkDir returns the tree this client operates on.
func (c *Client) WorkDir() string {
	return c.workDir
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workDir

	output, err := cmd.CombinedOutput()
	out := strings.TrimRight(string(output), "\n")
	if err != nil {
		c.log.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("output", out),
			zap.Error(err))
		return out, &GitError{Args: args, Output: out, Err: err}
	}
	return out, nil
}

// IsRepo reports whether dir sits inside a git working tree.
func IsRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	return err == nil && strings.TrimSpace(string(output)) == "true"
}

// Status returns the working tree status, short form unless detailed.
func (c *Client) Status(ctx context.Context, detailed bool) (string, error) {
	if detailed {
		return c.run(ctx, "status")
	}
	return c.run(ctx, "status", "--short", "--branch")
}

// Add stages the given paths, or everything when none are given.
func (c *Client) Add(ctx context.Context, paths ...string) (string, error) {
	if len(paths) == 0 {
		return c.run(ctx, "add", "-A")
	}
	args := append([]string{"add", "--"}, paths...)
	return c.run(ctx, args...)
}

// CommitOpts shape a commit invocation.
type CommitOpts struct {
	Message string
	All     bool
	Amend   bool
}

func (c *Client) Commit(ctx context.Context, opts CommitOpts) (string, error) {
	args := []string{"commit"}
	if opts.All {
		args = append(args, "-a")
	}
	if opts.Amend {
		args = append(args, "--amend")
		if opts.Message == "" {
			args = append(args, "--no-edit")
		}
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	return c.run(ctx, args...)
}

// DiffOpts shape a diff invocation.
type DiffOpts struct {
	Staged bool
	Paths  []string
}

func (c *Client) Diff(ctx context.Context, opts DiffOpts) (string, error) {
	args := []string{"diff"}
	if opts.Staged {
		args = append(args, "--staged")
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}
	return c.run(ctx, args...)
}

// LogOpts shape a log invocation.
type LogOpts struct {
	MaxCount int
	Oneline  bool
}

func (c *Client) Log(ctx context.Context, opts LogOpts) (string, error) {
	args := []string{"log"}
	if opts.MaxCount > 0 {
		args = append(args, "-n", strconv.Itoa(opts.MaxCount))
	}
	if opts.Oneline {
		args = append(args, "--oneline")
	}
	return c.run(ctx, args...)
}

func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListBranches returns local branch names, or every branch including
// remote-tracking ones when all is set.
func (c *Client) ListBranches(ctx context.Context, all bool) ([]string, error) {
	args := []string{"branch", "--format=%(refname:short)"}
	if all {
		args = append(args, "--all")
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// CreateBranch makes a branch, optionally switching to it.
func (c *Client) CreateBranch(ctx context.Context, name string, checkout bool) (string, error) {
	if checkout {
		return c.run(ctx, "checkout", "-b", name)
	}
	return c.run(ctx, "branch", name)
}

// DeleteBranch removes a branch; force discards unmerged commits.
func (c *Client) DeleteBranch(ctx context.Context, name string, force bool) (string, error) {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return c.run(ctx, "branch", flag, name)
}

func (c *Client) Checkout(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "checkout", ref)
}

// CheckoutFiles restores the given paths from HEAD, discarding local
// edits to them.
func (c *Client) CheckoutFiles(ctx context.Context, paths ...string) (string, error) {
	args := append([]string{"checkout", "--"}, paths...)
	return c.run(ctx, args...)
}

func (c *Client) StashPush(ctx context.Context, message string) (string, error) {
	args := []string{"stash", "push"}
	if message != "" {
		args = append(args, "-m", message)
	}
	return c.run(ctx, args...)
}

func (c *Client) StashPop(ctx context.Context) (string, error) {
	return c.run(ctx, "stash", "pop")
}

// StashApply reapplies the latest stash without dropping it.
func (c *Client) StashApply(ctx context.Context) (string, error) {
	return c.run(ctx, "stash", "apply")
}

func (c *Client) StashDrop(ctx context.Context) (string, error) {
	return c.run(ctx, "stash", "drop")
}

func (c *Client) StashClear(ctx context.Context) (string, error) {
	return c.run(ctx, "stash", "clear")
}

func (c *Client) StashList(ctx context.Context) (string, error) {
	return c.run(ctx, "stash", "list")
}

// WorktreeAdd creates a worktree at path, on a new branch when branch
// is non-empty.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch string) (string, error) {
	args := []string{"worktree", "add"}
	if branch != "" {
		args = append(args, "-b", branch)
	}
	args = append(args, path)
	return c.run(ctx, args...)
}

func (c *Client) WorktreeRemove(ctx context.Context, path string) (string, error) {
	return c.run(ctx, "worktree", "remove", "--force", path)
}

// WorktreeLock pins a worktree so prune and remove leave it alone,
// recording reason when given.
func (c *Client) WorktreeLock(ctx context.Context, path, reason string) (string, error) {
	args := []string{"worktree", "lock"}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	args = append(args, path)
	return c.run(ctx, args...)
}

func (c *Client) WorktreeUnlock(ctx context.Context, path string) (string, error) {
	return c.run(ctx, "worktree", "unlock", path)
}

func (c *Client) WorktreeList(ctx context.Context) (string, error) {
	return c.run(ctx, "worktree", "list", "--porcelain")
}

func (c *Client) Fetch(ctx context.Context) (string, error) {
	return c.run(ctx, "fetch", "--all", "--prune")
}

func (c *Client) Pull(ctx context.Context, rebase bool) (string, error) {
	if rebase {
		return c.run(ctx, "pull", "--rebase")
	}
	return c.run(ctx, "pull")
}

func (c *Client) Merge(ctx context.Context, ref string) (string, error) {
	return c.run(ctx, "merge", ref)
}

func (c *Client) MergeAbort(ctx context.Context) (string, error) {
	return c.run(ctx, "merge", "--abort")
}

func (c *Client) Rebase(ctx context.Context, onto string) (string, error) {
	return c.run(ctx, "rebase", onto)
}

// RebaseContinue resumes after conflict resolution. GIT_EDITOR is
// forced to true so git never blocks on an editor prompt.
func (c *Client) RebaseContinue(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rebase", "--continue")
	cmd.Dir = c.workDir
	cmd.Env = append(cmd.Environ(), "GIT_EDITOR=true")

	output, err := cmd.CombinedOutput()
	out := strings.TrimRight(string(output), "\n")
	if err != nil {
		return out, &GitError{Args: []string{"rebase", "--continue"}, Output: out, Err: err}
	}
	return out, nil
}

func (c *Client) RebaseSkip(ctx context.Context) (string, error) {
	return c.run(ctx, "rebase", "--skip")
}

func (c *Client) RebaseAbort(ctx context.Context) (string, error) {
	return c.run(ctx, "rebase", "--abort")
}
