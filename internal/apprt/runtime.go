// Package apprt runs the application under development for a network,
// either as a local process tree or as a Docker container.
package apprt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

var (
	// ErrAppNotRunning is returned for operations on an app that was
	// never started or already exited.
	ErrAppNotRunning = errors.New("app not running")
	// ErrAppAlreadyRunning is returned when starting an app that is
	// still up.
	ErrAppAlreadyRunning = errors.New("app already running")
)

// StartSpec describes how to launch an app.
type StartSpec struct {
	// Command is the shell command for the process backend, or the
	// container command for the docker backend.
	Command string
	// Image is the container image; docker backend only.
	Image string
	// Dir is the working directory, bind-mounted for containers.
	Dir string
	// Env entries in KEY=VALUE form.
	Env []string
}

// Status is a point-in-time view of one app.
type Status struct {
	Running     bool      `json:"running"`
	Backend     string    `json:"backend"`
	Command     string    `json:"command,omitempty"`
	PID         int       `json:"pid,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Runtime manages at most one app per id. The network id is the usual
// key.
type Runtime interface {
	Start(ctx context.Context, id string, spec StartSpec) (Status, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) (Status, error)
	Reload(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (Status, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Shutdown(ctx context.Context) error
}

// New selects the backend from configuration.
func New(cfg config.AppsConfig, log *logger.Logger) (Runtime, error) {
	switch cfg.Backend {
	case "", "process":
		return NewProcessRuntime(cfg, log), nil
	case "docker":
		return NewDockerRuntime(cfg, log)
	default:
		return nil, fmt.Errorf("unknown app backend: %s", cfg.Backend)
	}
}

// outputChunk is one captured piece of app output.
type outputChunk struct {
	stream string
	data   string
	at     time.Time
}

// ringBuffer keeps the most recent output under a byte cap so a chatty
// app cannot grow memory without bound.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int
	size     int
	chunks   []outputChunk
}

func newRingBuffer(maxBytes int) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk outputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk.data)
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0].data)
		b.chunks = b.chunks[1:]
	}
}

// tailLines joins the buffered output and returns its last n lines,
// or everything when n <= 0.
func (b *ringBuffer) tailLines(n int) string {
	b.mu.Lock()
	var sb strings.Builder
	for _, c := range b.chunks {
		sb.WriteString(c.data)
	}
	b.mu.Unlock()

	out := sb.String()
	if n <= 0 {
		return out
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) <= n {
		return out
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
