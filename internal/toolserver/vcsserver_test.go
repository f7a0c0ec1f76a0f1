package toolserver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

func newVCSServer(t *testing.T) (*VCSServer, context.Context) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	ctx := WithCaller(context.Background(), Caller{
		NetworkID: "net1",
		AgentID:   "ag1",
		WorkDir:   dir,
	})
	return NewVCSServer(log), ctx
}

func TestVCSServerStatusAddCommit(t *testing.T) {
	s, ctx := newVCSServer(t)
	dir := CallerFrom(ctx).WorkDir

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	text, isErr := resultText(t, s, ctx, "git_status", nil)
	if isErr {
		t.Fatalf("git_status errored: %s", text)
	}
	if !strings.Contains(text, "main.go") {
		t.Errorf("status = %q, want the untracked file", text)
	}

	if text, isErr = resultText(t, s, ctx, "git_add", nil); isErr {
		t.Fatalf("git_add errored: %s", text)
	}

	text, isErr = resultText(t, s, ctx, "git_commit", map[string]any{"message": "add main"})
	if isErr {
		t.Fatalf("git_commit errored: %s", text)
	}

	text, isErr = resultText(t, s, ctx, "git_log", map[string]any{"oneline": true})
	if isErr {
		t.Fatalf("git_log errored: %s", text)
	}
	if !strings.Contains(text, "add main") {
		t.Errorf("log = %q", text)
	}
}

func TestVCSServerCommitRequiresMessage(t *testing.T) {
	s, ctx := newVCSServer(t)

	text, isErr := resultText(t, s, ctx, "git_commit", nil)
	if !isErr {
		t.Error("git_commit without a message should error")
	}
	if !strings.Contains(text, "message") {
		t.Errorf("error text = %q", text)
	}
}

func TestVCSServerGitFailureIsResult(t *testing.T) {
	s, ctx := newVCSServer(t)

	text, isErr := resultText(t, s, ctx, "git_checkout", map[string]any{"ref": "no-such-branch"})
	if !isErr {
		t.Error("checkout of a missing ref should be an error result")
	}
	if !strings.Contains(text, "no-such-branch") {
		t.Errorf("error text = %q, want the git output", text)
	}
}

func TestVCSServerNoWorkDir(t *testing.T) {
	s, _ := newVCSServer(t)

	_, isErr := resultText(t, s, context.Background(), "git_status", nil)
	if !isErr {
		t.Error("call without a working directory should error")
	}
}

func TestVCSServerStashActionValidation(t *testing.T) {
	s, ctx := newVCSServer(t)

	text, isErr := resultText(t, s, ctx, "git_stash", map[string]any{"action": "shelve"})
	if !isErr {
		t.Error("unknown stash action should error")
	}
	if !strings.Contains(text, "push, pop, apply, drop, clear, list") {
		t.Errorf("error text = %q", text)
	}
}

func TestVCSServerBranchDelete(t *testing.T) {
	s, ctx := newVCSServer(t)
	dir := CallerFrom(ctx).WorkDir

	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, isErr := resultText(t, s, ctx, "git_add", nil); isErr {
		t.Fatal("git_add errored")
	}
	if _, isErr := resultText(t, s, ctx, "git_commit", map[string]any{"message": "init"}); isErr {
		t.Fatal("git_commit errored")
	}

	if text, isErr := resultText(t, s, ctx, "git_branch", map[string]any{"name": "scratch"}); isErr {
		t.Fatalf("branch create errored: %s", text)
	}
	if text, isErr := resultText(t, s, ctx, "git_branch", map[string]any{"delete": "scratch"}); isErr {
		t.Fatalf("branch delete errored: %s", text)
	}
	text, isErr := resultText(t, s, ctx, "git_branch", nil)
	if isErr {
		t.Fatalf("branch list errored: %s", text)
	}
	if strings.Contains(text, "scratch") {
		t.Errorf("deleted branch still listed: %q", text)
	}
}
