package apprt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

// ProcessRuntime runs apps as local process trees under "sh -lc", so
// shell profiles, pipes and variable expansion all work.
type ProcessRuntime struct {
	log        *logger.Logger
	bufferMax  int
	stopGrace  time.Duration
	defaultCmd string

	mu   sync.Mutex
	apps map[string]*appProcess
}

type appProcess struct {
	mu        sync.Mutex
	spec      StartSpec
	cmd       *exec.Cmd
	buffer    *ringBuffer
	running   bool
	pid       int
	exitCode  *int
	startedAt time.Time
	waitDone  chan struct{}
}

func NewProcessRuntime(cfg config.AppsConfig, log *logger.Logger) *ProcessRuntime {
	grace := cfg.StopGraceDuration()
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &ProcessRuntime{
		log:        log.WithComponent("apprt-process"),
		bufferMax:  cfg.LogBufferBytes,
		stopGrace:  grace,
		defaultCmd: cfg.DefaultCommand,
		apps:       make(map[string]*appProcess),
	}
}

func (r *ProcessRuntime) Start(ctx context.Context, id string, spec StartSpec) (Status, error) {
	command := spec.Command
	if command == "" {
		command = r.defaultCmd
	}
	if command == "" {
		return Status{}, fmt.Errorf("no app command given and no default configured")
	}
	spec.Command = command

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.apps[id]; ok && existing.isRunning() {
		return Status{}, ErrAppAlreadyRunning
	}

	cmd := exec.Command("sh", "-lc", command)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Status{}, fmt.Errorf("attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Status{}, fmt.Errorf("attach stderr: %w", err)
	}

	proc := &appProcess{
		spec:     spec,
		cmd:      cmd,
		buffer:   newRingBuffer(r.bufferMax),
		waitDone: make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return Status{}, fmt.Errorf("start app: %w", err)
	}
	proc.running = true
	proc.pid = cmd.Process.Pid
	proc.startedAt = time.Now()
	r.apps[id] = proc

	r.log.Info("app started",
		zap.String("app_id", id),
		zap.Int("pid", proc.pid),
		zap.String("command", command))

	go readOutput(proc.buffer, stdout, "stdout")
	go readOutput(proc.buffer, stderr, "stderr")
	go r.wait(id, proc)

	return proc.status(), nil
}

func readOutput(buffer *ringBuffer, pipe io.Reader, stream string) {
	buf := make([]byte, 32*1024)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			buffer.append(outputChunk{
				stream: stream,
				data:   string(buf[:n]),
				at:     time.Now(),
			})
		}
		if err != nil {
			return
		}
	}
}

func (r *ProcessRuntime) wait(id string, proc *appProcess) {
	err := proc.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	proc.mu.Lock()
	proc.running = false
	proc.exitCode = &code
	proc.mu.Unlock()
	close(proc.waitDone)

	r.log.Info("app exited",
		zap.String("app_id", id),
		zap.Int("exit_code", code))
}

func (r *ProcessRuntime) get(id string) *appProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apps[id]
}

func (r *ProcessRuntime) Stop(ctx context.Context, id string) error {
	proc := r.get(id)
	if proc == nil || !proc.isRunning() {
		return ErrAppNotRunning
	}

	_ = terminateProcessGroup(proc.pid)

	select {
	case <-proc.waitDone:
		return nil
	case <-time.After(r.stopGrace):
	case <-ctx.Done():
	}

	_ = killProcessGroup(proc.pid)
	select {
	case <-proc.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ProcessRuntime) Restart(ctx context.Context, id string) (Status, error) {
	proc := r.get(id)
	if proc == nil {
		return Status{}, ErrAppNotRunning
	}
	if proc.isRunning() {
		if err := r.Stop(ctx, id); err != nil {
			return Status{}, err
		}
	}
	return r.Start(ctx, id, proc.spec)
}

func (r *ProcessRuntime) Reload(ctx context.Context, id string) error {
	proc := r.get(id)
	if proc == nil || !proc.isRunning() {
		return ErrAppNotRunning
	}
	return hangupProcessGroup(proc.pid)
}

func (r *ProcessRuntime) Status(ctx context.Context, id string) (Status, error) {
	proc := r.get(id)
	if proc == nil {
		return Status{Backend: "process"}, nil
	}
	return proc.status(), nil
}

func (r *ProcessRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	proc := r.get(id)
	if proc == nil {
		return "", ErrAppNotRunning
	}
	return proc.buffer.tailLines(tail), nil
}

func (r *ProcessRuntime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.apps))
	for id := range r.apps {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrAppNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *appProcess) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *appProcess) status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:   p.running,
		Backend:   "process",
		Command:   p.spec.Command,
		PID:       p.pid,
		ExitCode:  p.exitCode,
		StartedAt: p.startedAt,
	}
}
