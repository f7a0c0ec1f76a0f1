package apprt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
)

// DockerRuntime runs each app in a container. The app's working
// directory is bind-mounted at /workspace.
type DockerRuntime struct {
	cli       *client.Client
	log       *logger.Logger
	stopGrace time.Duration

	mu   sync.Mutex
	apps map[string]*dockerApp
}

type dockerApp struct {
	spec        StartSpec
	containerID string
	startedAt   time.Time
}

func NewDockerRuntime(cfg config.AppsConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	if cfg.DockerAPI != "" {
		opts = append(opts, client.WithVersion(cfg.DockerAPI))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	grace := cfg.StopGraceDuration()
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &DockerRuntime{
		cli:       cli,
		log:       log.WithComponent("apprt-docker"),
		stopGrace: grace,
		apps:      make(map[string]*dockerApp),
	}, nil
}

func (r *DockerRuntime) Start(ctx context.Context, id string, spec StartSpec) (Status, error) {
	if spec.Image == "" {
		return Status{}, fmt.Errorf("docker backend requires an image")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if app, ok := r.apps[id]; ok && app.containerID != "" {
		if inspect, err := r.cli.ContainerInspect(ctx, app.containerID); err == nil && inspect.State.Running {
			return Status{}, ErrAppAlreadyRunning
		}
	}

	containerCfg := &container.Config{
		Image:      spec.Image,
		Env:        spec.Env,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"troupe.app": id},
	}
	if spec.Command != "" {
		containerCfg.Cmd = []string{"sh", "-lc", spec.Command}
	}

	hostCfg := &container.HostConfig{}
	if spec.Dir != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Dir,
			Target: "/workspace",
		}}
	}

	name := "troupe-app-" + id
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Status{}, fmt.Errorf("create container: %w", err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Status{}, fmt.Errorf("start container: %w", err)
	}

	app := &dockerApp{spec: spec, containerID: resp.ID, startedAt: time.Now()}
	r.apps[id] = app

	r.log.Info("app container started",
		zap.String("app_id", id),
		zap.String("container_id", resp.ID),
		zap.String("image", spec.Image))

	return Status{
		Running:     true,
		Backend:     "docker",
		Command:     spec.Command,
		ContainerID: resp.ID,
		StartedAt:   app.startedAt,
	}, nil
}

func (r *DockerRuntime) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	app, ok := r.apps[id]
	if !ok || app.containerID == "" {
		r.mu.Unlock()
		return ErrAppNotRunning
	}
	containerID := app.containerID
	app.containerID = ""
	r.mu.Unlock()

	grace := int(r.stopGrace.Seconds())
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		r.log.Warn("container stop failed, removing by force",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Restart(ctx context.Context, id string) (Status, error) {
	r.mu.Lock()
	app, ok := r.apps[id]
	if !ok {
		r.mu.Unlock()
		return Status{}, ErrAppNotRunning
	}
	spec := app.spec
	running := app.containerID != ""
	r.mu.Unlock()

	if running {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrAppNotRunning) {
			return Status{}, err
		}
	}
	return r.Start(ctx, id, spec)
}

// Reload restarts the container in place. Containers have no useful
// SIGHUP convention, unlike the process backend.
func (r *DockerRuntime) Reload(ctx context.Context, id string) error {
	containerID := r.containerFor(id)
	if containerID == "" {
		return ErrAppNotRunning
	}
	grace := int(r.stopGrace.Seconds())
	if err := r.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		return fmt.Errorf("restart container: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Status(ctx context.Context, id string) (Status, error) {
	containerID := r.containerFor(id)
	if containerID == "" {
		return Status{Backend: "docker"}, nil
	}

	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{Backend: "docker"}, fmt.Errorf("inspect container: %w", err)
	}

	status := Status{
		Running:     inspect.State.Running,
		Backend:     "docker",
		ContainerID: containerID,
	}
	if !inspect.State.Running {
		code := inspect.State.ExitCode
		status.ExitCode = &code
	}
	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			status.StartedAt = startedAt
		}
	}
	return status, nil
}

func (r *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	containerID := r.containerFor(id)
	if containerID == "" {
		return "", ErrAppNotRunning
	}

	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}
	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	return demultiplexLogs(reader), nil
}

// demultiplexLogs strips Docker's 8-byte stream framing: byte 0 is
// the stream type, bytes 4-7 the big-endian frame length.
func demultiplexLogs(reader io.Reader) string {
	var sb strings.Builder
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return sb.String()
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return sb.String()
		}
		sb.Write(data)
	}
}

func (r *DockerRuntime) containerFor(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if app, ok := r.apps[id]; ok {
		return app.containerID
	}
	return ""
}

func (r *DockerRuntime) Shutdown(ctx context.Context) error {
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
	if err := r.cli.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
