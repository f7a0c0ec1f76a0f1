// Package main is the troupe orchestration server: a single binary
// hosting the network manager, the in-process tool servers, the stream
// hub, and the HTTP/WebSocket gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/troupe-dev/troupe/internal/agentdef"
	"github.com/troupe-dev/troupe/internal/apprt"
	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/gateway"
	"github.com/troupe-dev/troupe/internal/history"
	"github.com/troupe-dev/troupe/internal/memory"
	"github.com/troupe-dev/troupe/internal/network"
	"github.com/troupe-dev/troupe/internal/permission"
	"github.com/troupe-dev/troupe/internal/store"
	"github.com/troupe-dev/troupe/internal/stream"
	"github.com/troupe-dev/troupe/internal/telemetry"
	"github.com/troupe-dev/troupe/internal/toolserver"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting troupe", zap.String("version", version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Telemetry. Must come before the gateway is built: the tracing
	// middleware picks up the tracer at construction time.
	if err := telemetry.Init(ctx, cfg.Telemetry, log); err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise.
	eventBus, err := events.NewBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}

	// 5. State root and runtime collaborators.
	rootDir := cfg.Runtime.RootDirExpanded()
	root, err := store.Open(rootDir, log)
	if err != nil {
		log.Fatal("failed to open state root", zap.Error(err))
	}
	log.Info("state root ready", zap.String("dir", rootDir))

	engine := permission.NewEngine(root, log)
	askers := askuser.NewCoordinator(log)
	hub := stream.NewHub(log)

	defs := agentdef.NewRegistry(cfg.Runtime.AgentsDirExpanded(), log)
	if err := defs.Load(); err != nil {
		log.Fatal("failed to load agent definitions", zap.Error(err))
	}
	if err := defs.Watch(ctx); err != nil {
		log.Warn("agent definition hot reload unavailable", zap.Error(err))
	}

	apps, err := apprt.New(cfg.Apps, log)
	if err != nil {
		log.Fatal("failed to initialize app runtime", zap.Error(err))
	}

	// 6. Network manager and tool servers. The registry is handed to the
	// manager first so sessions can dispatch; the servers close the loop
	// back onto the manager's orchestrator surface.
	tools := toolserver.NewRegistry(log)
	mgr := network.NewManager(cfg, root, defs, tools, engine, askers, hub, eventBus, log)
	tools.Register(toolserver.NewAgentServer(mgr))
	tools.Register(toolserver.NewTaskServer(mgr))
	tools.Register(toolserver.NewMemoryServer(memory.NewStore(root, log)))
	tools.Register(toolserver.NewVCSServer(log))
	tools.Register(toolserver.NewAppServer(apps))

	if err := mgr.LoadAll(ctx); err != nil {
		log.Warn("failed to restore network snapshots", zap.Error(err))
	}

	// 7. Transcript archive (optional).
	var archive *history.Archive
	var recorder *history.Recorder
	if cfg.History.Enabled {
		archive, err = history.Open(cfg.History, rootDir, log)
		if err != nil {
			log.Fatal("failed to open transcript archive", zap.Error(err))
		}
		recorder, err = history.NewRecorder(archive, hub, eventBus, cfg.History.RetentionDuration(), log)
		if err != nil {
			log.Fatal("failed to start transcript recorder", zap.Error(err))
		}
		log.Info("transcript archive enabled",
			zap.String("driver", cfg.History.Driver),
			zap.Int("retention_days", cfg.History.RetentionDays))
	}

	// 8. Gateway and HTTP server.
	gw, err := gateway.New(cfg, mgr, askers, hub, archive, eventBus, version, log)
	if err != nil {
		log.Fatal("failed to build gateway", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      gw.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 9. Run until a signal arrives or the server fails.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	// 10. Graceful shutdown: stop accepting HTTP, resolve open asks,
	// terminate sessions, drain the archive, flush the fanout, then
	// close the bus and telemetry.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}
	gw.Close()
	cancel()

	askers.Close()
	mgr.Shutdown(shutdownCtx)
	if recorder != nil {
		recorder.Close()
	}
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Error("transcript archive close error", zap.Error(err))
		}
	}
	if err := apps.Shutdown(shutdownCtx); err != nil {
		log.Error("app runtime shutdown error", zap.Error(err))
	}
	if err := defs.Close(); err != nil {
		log.Warn("definition watcher close error", zap.Error(err))
	}
	hub.Close()
	eventBus.Close()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", zap.Error(err))
	}

	log.Info("troupe stopped")
}
