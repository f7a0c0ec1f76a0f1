package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Root, string) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	root, err := store.Open(filepath.Join(t.TempDir(), "state"), log)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	workDir := canonicalTempDir(t)
	return NewEngine(root, log), root, workDir
}

func evalTool(t *testing.T, e *Engine, workDir, tool string, input map[string]any) Decision {
	t.Helper()
	return e.Evaluate(context.Background(), Request{
		SessionID: "sess-1",
		ToolName:  tool,
		Input:     input,
		WorkDir:   workDir,
	})
}

func TestEvaluateTraversalDeny(t *testing.T) {
	e, _, workDir := newTestEngine(t)

	tests := []struct {
		name string
		tool string
		path string
		want Behavior
	}{
		{"relative escape", "Read", "../../etc/passwd", Deny},
		{"absolute outside", "Edit", "/etc/hosts", Deny},
		{"inside tree", "Read", "main.go", Allow},
		{"dot dot within tree", "Read", "sub/../main.go", Allow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := evalTool(t, e, workDir, tt.tool, map[string]any{"file_path": tt.path})
			if dec.Behavior != tt.want {
				t.Errorf("Evaluate(%s %q) = %s (%s), want %s",
					tt.tool, tt.path, dec.Behavior, dec.Reason, tt.want)
			}
		})
	}
}

func TestEvaluateSymlinkEscape(t *testing.T) {
	e, _, workDir := newTestEngine(t)
	outside := canonicalTempDir(t)

	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(workDir, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	dec := evalTool(t, e, workDir, "Read", map[string]any{"file_path": "link.txt"})
	if dec.Behavior != Deny {
		t.Errorf("Evaluate(Read link.txt) = %s (%s), want deny", dec.Behavior, dec.Reason)
	}
}

func TestEvaluateIgnoreDeny(t *testing.T) {
	e, _, workDir := newTestEngine(t)
	ignore := "secrets/\n*.pem\n"
	if err := os.WriteFile(filepath.Join(workDir, IgnoreFile), []byte(ignore), 0o644); err != nil {
		t.Fatal(err)
	}

	dec := evalTool(t, e, workDir, "Edit", map[string]any{"file_path": "secrets/api-key.txt"})
	if dec.Behavior != Deny {
		t.Errorf("ignored dir: got %s (%s), want deny", dec.Behavior, dec.Reason)
	}
	dec = evalTool(t, e, workDir, "Read", map[string]any{"file_path": "cert.pem"})
	if dec.Behavior != Deny {
		t.Errorf("ignored glob: got %s (%s), want deny", dec.Behavior, dec.Reason)
	}
	dec = evalTool(t, e, workDir, "Read", map[string]any{"file_path": "main.go"})
	if dec.Behavior != Allow {
		t.Errorf("plain file: got %s (%s), want allow", dec.Behavior, dec.Reason)
	}
}

func TestEvaluateDestructiveBlocklist(t *testing.T) {
	e, _, workDir := newTestEngine(t)

	tests := []struct {
		name    string
		command string
		want    Behavior
	}{
		{"rm", "rm -rf build", Deny},
		{"sudo rm", "sudo rm file.txt", Deny},
		{"mkfs variant", "mkfs.ext4 /dev/sda1", Deny},
		{"blocked in compound", "ls && rm -rf build", Deny},
		{"force push protected", "git push --force origin main", Deny},
		{"force push with lease", "git push --force-with-lease origin master", Deny},
		{"plain push", "git push origin main", Ask},
		{"force push feature branch", "git push -f origin feature/x", Ask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := evalTool(t, e, workDir, "Bash", map[string]any{"command": tt.command})
			if dec.Behavior != tt.want {
				t.Errorf("Evaluate(%q) = %s (%s), want %s",
					tt.command, dec.Behavior, dec.Reason, tt.want)
			}
		})
	}
}

func TestEvaluateInternalAndReadOnly(t *testing.T) {
	e, _, workDir := newTestEngine(t)

	dec := evalTool(t, e, workDir, "mcp__troupe-memory__memory_save",
		map[string]any{"key": "k", "value": "v"})
	if dec.Behavior != Allow {
		t.Errorf("internal tool: got %s, want allow", dec.Behavior)
	}

	dec = evalTool(t, e, workDir, "Grep", map[string]any{"pattern": "TODO"})
	if dec.Behavior != Allow {
		t.Errorf("read-only tool: got %s, want allow", dec.Behavior)
	}

	dec = evalTool(t, e, workDir, "WebSearch", map[string]any{"query": "golang"})
	if dec.Behavior != Allow {
		t.Errorf("WebSearch: got %s, want allow", dec.Behavior)
	}
}

func TestEvaluateSettingsPatterns(t *testing.T) {
	e, root, workDir := newTestEngine(t)

	settings := &store.Settings{Permissions: store.Permissions{
		Allow: []string{"Bash(go test:*)", "WebFetch(domain:pkg.go.dev)"},
		Deny:  []string{"Bash(git push:*)", "WebFetch(domain:internal.corp)"},
	}}
	if err := root.SaveProjectSettings(workDir, settings); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  Behavior
	}{
		{"deny pattern", "Bash", map[string]any{"command": "git push origin main"}, Deny},
		{"allow pattern", "Bash", map[string]any{"command": "go test ./..."}, Allow},
		{"allowed domain", "WebFetch", map[string]any{"url": "https://pkg.go.dev/errors"}, Allow},
		{"denied domain", "WebFetch", map[string]any{"url": "https://internal.corp/x"}, Deny},
		{"unmatched", "Bash", map[string]any{"command": "go build ./..."}, Ask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := evalTool(t, e, workDir, tt.tool, tt.input)
			if dec.Behavior != tt.want {
				t.Errorf("got %s (%s), want %s", dec.Behavior, dec.Reason, tt.want)
			}
		})
	}
}

func TestEvaluateSafeCompound(t *testing.T) {
	e, _, workDir := newTestEngine(t)

	tests := []struct {
		name    string
		command string
		want    Behavior
	}{
		{"filter pipeline", "cat main.go | grep TODO | head -5", Allow},
		{"cd within tree", "cd sub && cat f.txt", Allow},
		{"cd escapes tree", "cd .. && cat f.txt", Ask},
		{"output redirect", "cat a.txt > b.txt", Ask},
		{"substitution", "cat $(which ls)", Ask},
		{"sed in place", "sed -i s/a/b/ f.txt", Ask},
		{"unknown command", "make build | tee", Ask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := evalTool(t, e, workDir, "Bash", map[string]any{"command": tt.command})
			if dec.Behavior != tt.want {
				t.Errorf("Evaluate(%q) = %s (%s), want %s",
					tt.command, dec.Behavior, dec.Reason, tt.want)
			}
		})
	}
}

func TestEvaluateSessionCache(t *testing.T) {
	e, _, workDir := newTestEngine(t)
	input := map[string]any{"command": "go build ./..."}

	dec := evalTool(t, e, workDir, "Bash", input)
	if dec.Behavior != Ask {
		t.Fatalf("first evaluation: got %s, want ask", dec.Behavior)
	}
	if dec.Pattern != "Bash(go build:*)" {
		t.Fatalf("inferred pattern = %q", dec.Pattern)
	}

	if err := e.Approve("sess-1", workDir, dec.Pattern, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	dec = evalTool(t, e, workDir, "Bash", input)
	if dec.Behavior != Allow {
		t.Errorf("after approval: got %s (%s), want allow", dec.Behavior, dec.Reason)
	}

	other := e.Evaluate(context.Background(), Request{
		SessionID: "sess-2", ToolName: "Bash", Input: input, WorkDir: workDir,
	})
	if other.Behavior != Ask {
		t.Errorf("other session: got %s, want ask", other.Behavior)
	}

	e.ForgetSession("sess-1")
	dec = evalTool(t, e, workDir, "Bash", input)
	if dec.Behavior != Ask {
		t.Errorf("after forget: got %s, want ask", dec.Behavior)
	}
}

func TestApprovePersist(t *testing.T) {
	e, root, workDir := newTestEngine(t)

	if err := e.Approve("sess-1", workDir, "Bash(go generate:*)", true); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	s, err := root.LoadProjectSettings(workDir)
	if err != nil {
		t.Fatalf("LoadProjectSettings: %v", err)
	}
	if len(s.Permissions.Allow) != 1 || s.Permissions.Allow[0] != "Bash(go generate:*)" {
		t.Fatalf("persisted allow = %v", s.Permissions.Allow)
	}

	// A fresh engine backed by the same root sees the persisted pattern.
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatal(err)
	}
	fresh := NewEngine(root, log)
	dec := fresh.Evaluate(context.Background(), Request{
		SessionID: "sess-9",
		ToolName:  "Bash",
		Input:     map[string]any{"command": "go generate ./..."},
		WorkDir:   workDir,
	})
	if dec.Behavior != Allow {
		t.Errorf("fresh engine: got %s (%s), want allow", dec.Behavior, dec.Reason)
	}
}

func TestEvaluateAskCarriesPattern(t *testing.T) {
	e, _, workDir := newTestEngine(t)

	dec := evalTool(t, e, workDir, "FrobTool", map[string]any{"x": 1})
	if dec.Behavior != Ask {
		t.Fatalf("got %s, want ask", dec.Behavior)
	}
	if dec.Pattern != "FrobTool" {
		t.Errorf("pattern = %q, want FrobTool", dec.Pattern)
	}
}
