package permission

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIgnoreListMatch(t *testing.T) {
	list := ParseIgnore(strings.NewReader(`
# build artifacts
*.log
build/
/secret.txt
docs/**
!docs/README.md
node_modules
`))

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"app.log", false, true},
		{"nested/deep/app.log", false, true},
		{"app.log.bak", false, false},
		{"build", true, true},
		{"build", false, false},
		{"build/obj/a.o", false, true},
		{"secret.txt", false, true},
		{"sub/secret.txt", false, false},
		{"docs/guide.md", false, true},
		{"docs/README.md", false, false},
		{"docs", true, false},
		{"node_modules", true, true},
		{"pkg/node_modules", true, true},
		{"pkg/node_modules/x.js", false, true},
		{".", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := list.Match(tt.path, tt.isDir); got != tt.want {
				t.Errorf("Match(%q, %v) = %v, want %v", tt.path, tt.isDir, got, tt.want)
			}
		})
	}
}

func TestLoadIgnoreMissing(t *testing.T) {
	list, err := LoadIgnore(t.TempDir())
	if err != nil {
		t.Fatalf("LoadIgnore: %v", err)
	}
	if list.Match("anything.txt", false) {
		t.Error("empty list should match nothing")
	}
}

func TestLoadIgnoreReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := "vendor/\n*.tmp\n"
	if err := os.WriteFile(filepath.Join(dir, IgnoreFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := LoadIgnore(dir)
	if err != nil {
		t.Fatalf("LoadIgnore: %v", err)
	}
	if !list.Match("vendor/modules.txt", false) {
		t.Error("vendor/modules.txt should be ignored")
	}
	if !list.Match("scratch.tmp", false) {
		t.Error("scratch.tmp should be ignored")
	}
	if list.Match("main.go", false) {
		t.Error("main.go should not be ignored")
	}
}
