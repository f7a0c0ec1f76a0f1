package agentdef

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/troupe-dev/troupe/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func writeDefinition(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write definition: %v", err)
	}
}

const reviewerDef = `---
name: reviewer
description: Reviews diffs for style issues
tools: [troupe-memory, troupe-vcs]
model: haiku
---
You are a meticulous code reviewer. Point at lines, not vibes.
`

func TestParseDefinition(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
		check   func(t *testing.T, def Definition)
	}{
		{
			name:    "full header",
			file:    "reviewer.md",
			content: reviewerDef,
			check: func(t *testing.T, def Definition) {
				if def.Name != "reviewer" || def.Model != "haiku" {
					t.Errorf("def = %+v", def)
				}
				if len(def.Tools) != 2 || def.Tools[0] != "troupe-memory" {
					t.Errorf("tools = %v", def.Tools)
				}
				if !strings.Contains(def.Prompt, "meticulous") {
					t.Errorf("prompt = %q", def.Prompt)
				}
				if def.BuiltIn {
					t.Error("user definitions must not be marked built-in")
				}
			},
		},
		{
			name:    "name falls back to file stem",
			file:    "scout.md",
			content: "---\ndescription: looks around\n---\nExplore the tree.\n",
			check: func(t *testing.T, def Definition) {
				if def.Name != "scout" {
					t.Errorf("name = %q, want scout", def.Name)
				}
			},
		},
		{
			name:    "missing front matter",
			file:    "bare.md",
			content: "Just a prompt with no header.\n",
			wantErr: true,
		},
		{
			name:    "unterminated front matter",
			file:    "broken.md",
			content: "---\nname: broken\n",
			wantErr: true,
		},
		{
			name:    "bad yaml",
			file:    "bad.md",
			content: "---\nname: [unclosed\n---\nbody\n",
			wantErr: true,
		},
		{
			name:    "empty body",
			file:    "empty.md",
			content: "---\nname: empty\n---\n\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := parseDefinition(tt.file, []byte(tt.content))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDefinition() error = %v", err)
			}
			tt.check(t, def)
		})
	}
}

func TestRegistryBuiltins(t *testing.T) {
	reg := NewRegistry(t.TempDir(), newTestLogger(t))

	for _, name := range []string{TypeMain, TypeImplementation, TypeContext, TypePlanning, TypeTester} {
		def, ok := reg.Get(name)
		if !ok {
			t.Fatalf("builtin %q missing", name)
		}
		if !def.BuiltIn || def.Prompt == "" || len(def.Tools) == 0 {
			t.Errorf("builtin %q = %+v", name, def)
		}
	}
	if _, ok := reg.Get("no-such-type"); ok {
		t.Error("unknown type should not resolve")
	}

	main, _ := reg.Get(TypeMain)
	found := false
	for _, tool := range main.Tools {
		if tool == "troupe-agent" {
			found = true
		}
	}
	if !found {
		t.Error("main agent should hold the agent tools grant")
	}
}

func TestRegistryLoadSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "reviewer.md", reviewerDef)
	writeDefinition(t, dir, "broken.md", "no front matter here")
	writeDefinition(t, dir, "notes.txt", "not a definition")

	reg := NewRegistry(dir, newTestLogger(t))
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, ok := reg.Get("reviewer"); !ok {
		t.Error("reviewer should have loaded")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Error("malformed definition should be skipped")
	}

	list := reg.List()
	if len(list) != 6 {
		t.Fatalf("List() = %d definitions, want 5 builtins + 1 user", len(list))
	}
	if list[len(list)-1].Name != "reviewer" {
		t.Errorf("user definitions should sort after builtins: %v", list)
	}
}

func TestRegistryUserShadowsBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "main.md", "---\nname: main\n---\nCustom coordinator prompt.\n")

	reg := NewRegistry(dir, newTestLogger(t))
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def, ok := reg.Get(TypeMain)
	if !ok {
		t.Fatal("main should resolve")
	}
	if def.BuiltIn || def.Prompt != "Custom coordinator prompt." {
		t.Errorf("def = %+v, want the user override", def)
	}
	if got := len(reg.List()); got != 5 {
		t.Errorf("List() = %d, want 5 with the builtin shadowed", got)
	}
}

func TestRegistryMissingDir(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "nope"), newTestLogger(t))
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := reg.Get(TypeMain); !ok {
		t.Error("builtins should survive a missing directory")
	}
}

func TestRegistryWatchReloads(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir, newTestLogger(t))
	if err := reg.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer reg.Close()

	writeDefinition(t, dir, "reviewer.md", reviewerDef)
	waitFor(t, 3*time.Second, func() bool {
		_, ok := reg.Get("reviewer")
		return ok
	})

	if err := os.Remove(filepath.Join(dir, "reviewer.md")); err != nil {
		t.Fatalf("remove definition: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, ok := reg.Get("reviewer")
		return !ok
	})
}

func TestCompose(t *testing.T) {
	def := Definition{Prompt: "Do the thing.\n"}
	got := Compose(def, "net-1", "ag-1", "ship the feature")
	if !strings.Contains(got, "Do the thing.") ||
		!strings.Contains(got, "net-1") ||
		!strings.Contains(got, "ag-1") ||
		!strings.Contains(got, "ship the feature") {
		t.Errorf("Compose() = %q", got)
	}

	if got := Compose(def, "net-1", "ag-1", ""); !strings.Contains(got, "(not set yet)") {
		t.Errorf("empty goal should render a placeholder: %q", got)
	}
}
