package toolserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/troupe-dev/troupe/internal/apprt"
)

// AppServer runs the application under development. Each network gets
// at most one app, keyed by the caller's network id.
type AppServer struct {
	runtime apprt.Runtime
}

func NewAppServer(runtime apprt.Runtime) *AppServer {
	return &AppServer{runtime: runtime}
}

func (s *AppServer) Name() string { return "troupe-app" }

func (s *AppServer) Instructions() string {
	return "Run the application you are working on. One app per network; check " +
		"its logs after starting to confirm it came up."
}

func (s *AppServer) Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("app_start",
			mcp.WithDescription("Start the network's app. Fails if it is already running."),
			mcp.WithString("command",
				mcp.Description("Shell command to run (optional when a default is configured)"),
			),
			mcp.WithString("image",
				mcp.Description("Container image, docker backend only"),
			),
			mcp.WithString("dir",
				mcp.Description("Working directory (defaults to yours)"),
			),
			mcp.WithArray("env",
				mcp.Description("Extra environment entries, KEY=VALUE"),
			),
		),
		mcp.NewTool("app_stop",
			mcp.WithDescription("Stop the network's app."),
		),
		mcp.NewTool("app_restart",
			mcp.WithDescription("Restart the network's app with its original settings."),
		),
		mcp.NewTool("app_reload",
			mcp.WithDescription("Reload the app in place: SIGHUP for processes, container restart for docker."),
		),
		mcp.NewTool("app_status",
			mcp.WithDescription("Show whether the app is running, its PID or container, and exit code."),
		),
		mcp.NewTool("app_logs",
			mcp.WithDescription("Show the app's recent output."),
			mcp.WithNumber("tail",
				mcp.Description("Number of trailing lines (default 100, 0 for everything buffered)"),
			),
		),
	}
}

func (s *AppServer) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	caller := CallerFrom(ctx)
	if caller.NetworkID == "" {
		return mcp.NewToolResultError("no network associated with this call"), nil
	}
	appID := caller.NetworkID

	switch name {
	case "app_start":
		spec := apprt.StartSpec{
			Command: optionalString(args, "command", ""),
			Image:   optionalString(args, "image", ""),
			Dir:     optionalString(args, "dir", caller.WorkDir),
			Env:     optionalStringSlice(args, "env"),
		}
		status, err := s.runtime.Start(ctx, appID, spec)
		if err != nil {
			if errors.Is(err, apprt.ErrAppAlreadyRunning) {
				return mcp.NewToolResultError("app is already running; use app_restart to replace it"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatAppStatus(status)), nil

	case "app_stop":
		if err := s.runtime.Stop(ctx, appID); err != nil {
			if errors.Is(err, apprt.ErrAppNotRunning) {
				return mcp.NewToolResultError("app is not running"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
		}
		return mcp.NewToolResultText("App stopped."), nil

	case "app_restart":
		status, err := s.runtime.Restart(ctx, appID)
		if err != nil {
			if errors.Is(err, apprt.ErrAppNotRunning) {
				return mcp.NewToolResultError("app was never started; use app_start first"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("restart failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatAppStatus(status)), nil

	case "app_reload":
		if err := s.runtime.Reload(ctx, appID); err != nil {
			if errors.Is(err, apprt.ErrAppNotRunning) {
				return mcp.NewToolResultError("app is not running"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("reload failed: %v", err)), nil
		}
		return mcp.NewToolResultText("App reloaded."), nil

	case "app_status":
		status, err := s.runtime.Status(ctx, appID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
		}
		return mcp.NewToolResultText(formatAppStatus(status)), nil

	case "app_logs":
		logs, err := s.runtime.Logs(ctx, appID, optionalInt(args, "tail", 100))
		if err != nil {
			if errors.Is(err, apprt.ErrAppNotRunning) {
				return mcp.NewToolResultError("app was never started"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("logs failed: %v", err)), nil
		}
		if strings.TrimSpace(logs) == "" {
			return mcp.NewToolResultText("No output captured yet."), nil
		}
		return mcp.NewToolResultText(logs), nil

	default:
		return mcp.NewToolResultError("unknown tool: " + name), nil
	}
}

func formatAppStatus(status apprt.Status) string {
	var sb strings.Builder
	if status.Running {
		sb.WriteString("running")
	} else {
		sb.WriteString("not running")
	}
	fmt.Fprintf(&sb, " (backend: %s", status.Backend)
	if status.PID > 0 {
		fmt.Fprintf(&sb, ", pid: %d", status.PID)
	}
	if status.ContainerID != "" {
		fmt.Fprintf(&sb, ", container: %.12s", status.ContainerID)
	}
	if status.ExitCode != nil {
		fmt.Fprintf(&sb, ", exit code: %d", *status.ExitCode)
	}
	sb.WriteString(")")
	if status.Command != "" {
		fmt.Fprintf(&sb, "\ncommand: %s", status.Command)
	}
	return sb.String()
}
