package toolserver

import (
	"context"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/vcs"
)

// VCSServer exposes git operations against the calling agent's working
// directory. Git failures come back as error results carrying the git
// output so the agent can react to them.
type VCSServer struct {
	log *logger.Logger
}

func NewVCSServer(log *logger.Logger) *VCSServer {
	return &VCSServer{log: log.WithComponent("toolserver-vcs")}
}

func (s *VCSServer) Name() string { return "troupe-vcs" }

func (s *VCSServer) Instructions() string {
	return "Git operations in your working directory. Commit early and often; " +
		"use worktrees when parallel agents need isolated checkouts."
}

func (s *VCSServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("git_status",
			mcp.WithDescription("Show the working tree status."),
			mcp.WithBoolean("detailed",
				mcp.Description("Full status output instead of the short form"),
			),
		),
		mcp.NewTool("git_add",
			mcp.WithDescription("Stage files. With no paths, stages everything."),
			mcp.WithArray("paths",
				mcp.Description("Paths to stage (optional)"),
			),
		),
		mcp.NewTool("git_commit",
			mcp.WithDescription("Create a commit from the staged changes."),
			mcp.WithString("message",
				mcp.Description("Commit message (required unless amending)"),
			),
			mcp.WithBoolean("all",
				mcp.Description("Also stage modified and deleted files first"),
			),
			mcp.WithBoolean("amend",
				mcp.Description("Amend the previous commit; empty message keeps it"),
			),
		),
		mcp.NewTool("git_diff",
			mcp.WithDescription("Show changes as a unified diff."),
			mcp.WithBoolean("staged",
				mcp.Description("Diff the staged changes instead of the working tree"),
			),
			mcp.WithArray("paths",
				mcp.Description("Limit the diff to these paths (optional)"),
			),
		),
		mcp.NewTool("git_log",
			mcp.WithDescription("Show recent commits."),
			mcp.WithNumber("max_count",
				mcp.Description("Maximum number of commits (default 20)"),
			),
			mcp.WithBoolean("oneline",
				mcp.Description("One line per commit"),
			),
		),
		mcp.NewTool("git_branch",
			mcp.WithDescription("List branches, create one, or delete one."),
			mcp.WithString("name",
				mcp.Description("Branch to create (optional)"),
			),
			mcp.WithBoolean("checkout",
				mcp.Description("Check out the new branch after creating it"),
			),
			mcp.WithString("delete",
				mcp.Description("Branch to delete instead (optional)"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Delete even when the branch is unmerged"),
			),
			mcp.WithBoolean("all",
				mcp.Description("Include remote-tracking branches in the listing"),
			),
		),
		mcp.NewTool("git_checkout",
			mcp.WithDescription("Check out a ref, or restore files from HEAD."),
			mcp.WithString("ref",
				mcp.Description("The ref to check out"),
			),
			mcp.WithArray("paths",
				mcp.Description("Restore these paths instead of switching refs"),
			),
		),
		mcp.NewTool("git_stash",
			mcp.WithDescription("Stash operations on the working tree."),
			mcp.WithString("action",
				mcp.Description("One of push, pop, apply, drop, clear, list (default push)"),
			),
			mcp.WithString("message",
				mcp.Description("Stash message for push (optional)"),
			),
		),
		mcp.NewTool("git_worktree",
			mcp.WithDescription("Worktree operations: add, remove, lock, unlock, or list."),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("One of add, remove, lock, unlock, list"),
			),
			mcp.WithString("path",
				mcp.Description("Worktree path (required except for list)"),
			),
			mcp.WithString("branch",
				mcp.Description("New branch name for add (optional)"),
			),
			mcp.WithString("reason",
				mcp.Description("Reason recorded with lock (optional)"),
			),
		),
		mcp.NewTool("git_fetch",
			mcp.WithDescription("Fetch all remotes and prune deleted refs."),
		),
		mcp.NewTool("git_pull",
			mcp.WithDescription("Pull the current branch."),
			mcp.WithBoolean("rebase",
				mcp.Description("Rebase onto the upstream instead of merging"),
			),
		),
		mcp.NewTool("git_merge",
			mcp.WithDescription("Merge a ref into the current branch, or abort a conflicted merge."),
			mcp.WithString("ref",
				mcp.Description("The ref to merge"),
			),
			mcp.WithBoolean("abort",
				mcp.Description("Abort the merge in progress instead"),
			),
		),
		mcp.NewTool("git_rebase",
			mcp.WithDescription("Rebase the current branch onto a ref, or drive an in-progress rebase."),
			mcp.WithString("onto",
				mcp.Description("The ref to rebase onto"),
			),
			mcp.WithString("action",
				mcp.Description("One of continue, skip, abort for a rebase in progress"),
			),
		),
	}
}

func (s *VCSServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	caller := CallerFrom(ctx)
	if caller.WorkDir == "" {
		return mcp.NewToolResultError("no working directory associated with this call"), nil
	}
	client := vcs.NewClient(caller.WorkDir, s.log)

	out, err := s.invoke(ctx, client, name, args)
	if err != nil {
		var gitErr *vcs.GitError
		if errors.As(err, &gitErr) {
			s.log.Debug("git tool failed",
				zap.String("tool", name),
				zap.Strings("args", gitErr.Args))
			return mcp.NewToolResultError(gitErr.Error()), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(out) == "" {
		out = "OK"
	}
	return mcp.NewToolResultText(out), nil
}

func (s *VCSServer) invoke(ctx context.Context, client *vcs.Client, name string, args map[string]any) (string, error) {
	switch name {
	case "git_status":
		return client.Status(ctx, optionalBool(args, "detailed", false))

	case "git_add":
		return client.Add(ctx, optionalStringSlice(args, "paths")...)

	case "git_commit":
		opts := vcs.CommitOpts{
			Message: optionalString(args, "message", ""),
			All:     optionalBool(args, "all", false),
			Amend:   optionalBool(args, "amend", false),
		}
		if opts.Message == "" && !opts.Amend {
			return "", errors.New("message is required unless amending")
		}
		return client.Commit(ctx, opts)

	case "git_diff":
		return client.Diff(ctx, vcs.DiffOpts{
			Staged: optionalBool(args, "staged", false),
			Paths:  optionalStringSlice(args, "paths"),
		})

	case "git_log":
		return client.Log(ctx, vcs.LogOpts{
			MaxCount: optionalInt(args, "max_count", 20),
			Oneline:  optionalBool(args, "oneline", false),
		})

	case "git_branch":
		if victim := optionalString(args, "delete", ""); victim != "" {
			return client.DeleteBranch(ctx, victim, optionalBool(args, "force", false))
		}
		if branch := optionalString(args, "name", ""); branch != "" {
			return client.CreateBranch(ctx, branch, optionalBool(args, "checkout", false))
		}
		branches, err := client.ListBranches(ctx, optionalBool(args, "all", false))
		if err != nil {
			return "", err
		}
		return strings.Join(branches, "\n"), nil

	case "git_checkout":
		if paths := optionalStringSlice(args, "paths"); len(paths) > 0 {
			return client.CheckoutFiles(ctx, paths...)
		}
		ref, err := requireString(args, "ref")
		if err != nil {
			return "", err
		}
		return client.Checkout(ctx, ref)

	case "git_stash":
		switch action := optionalString(args, "action", "push"); action {
		case "push":
			return client.StashPush(ctx, optionalString(args, "message", ""))
		case "pop":
			return client.StashPop(ctx)
		case "apply":
			return client.StashApply(ctx)
		case "drop":
			return client.StashDrop(ctx)
		case "clear":
			return client.StashClear(ctx)
		case "list":
			return client.StashList(ctx)
		default:
			return "", errors.New("action must be one of push, pop, apply, drop, clear, list")
		}

	case "git_worktree":
		action, err := requireString(args, "action")
		if err != nil {
			return "", err
		}
		if action == "list" {
			return client.WorktreeList(ctx)
		}
		path, err := requireString(args, "path")
		if err != nil {
			return "", err
		}
		switch action {
		case "add":
			return client.WorktreeAdd(ctx, path, optionalString(args, "branch", ""))
		case "remove":
			return client.WorktreeRemove(ctx, path)
		case "lock":
			return client.WorktreeLock(ctx, path, optionalString(args, "reason", ""))
		case "unlock":
			return client.WorktreeUnlock(ctx, path)
		default:
			return "", errors.New("action must be one of add, remove, lock, unlock, list")
		}

	case "git_fetch":
		return client.Fetch(ctx)

	case "git_pull":
		return client.Pull(ctx, optionalBool(args, "rebase", false))

	case "git_merge":
		if optionalBool(args, "abort", false) {
			return client.MergeAbort(ctx)
		}
		ref, err := requireString(args, "ref")
		if err != nil {
			return "", err
		}
		return client.Merge(ctx, ref)

	case "git_rebase":
		switch action := optionalString(args, "action", ""); action {
		case "":
			onto, err := requireString(args, "onto")
			if err != nil {
				return "", err
			}
			return client.Rebase(ctx, onto)
		case "continue":
			return client.RebaseContinue(ctx)
		case "skip":
			return client.RebaseSkip(ctx)
		case "abort":
			return client.RebaseAbort(ctx)
		default:
			return "", errors.New("action must be one of continue, skip, abort")
		}

	default:
		return "", errors.New("unknown tool: " + name)
	}
}
