// Package main is the entry point for the soulstream execution server.
// It wires the runner pool, task manager, credential store and HTTP API
// together and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/api"
	"github.com/soulstream/soulstream/internal/bus"
	"github.com/soulstream/soulstream/internal/common/config"
	"github.com/soulstream/soulstream/internal/common/logger"
	"github.com/soulstream/soulstream/internal/credentials"
	"github.com/soulstream/soulstream/internal/engine"
	"github.com/soulstream/soulstream/internal/eventlog"
	"github.com/soulstream/soulstream/internal/resource"
	"github.com/soulstream/soulstream/internal/runner"
	"github.com/soulstream/soulstream/internal/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting soulstream...",
		zap.String("environment", cfg.Server.Environment),
		zap.String("workspace", cfg.Execution.WorkspaceDir))

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := cfg.Execution.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatal("Failed to create data directory", zap.Error(err))
	}

	// 4. Durable event log
	events, err := eventlog.NewStore(filepath.Join(dataDir, "events"), log)
	if err != nil {
		log.Fatal("Failed to open event log", zap.Error(err))
	}

	// 5. Credential profiles and rate-limit tracking
	profilesDir := filepath.Join(dataDir, "profiles")
	store, err := credentials.NewStore(profilesDir, log)
	if err != nil {
		log.Fatal("Failed to open credential store", zap.Error(err))
	}
	swapper := credentials.NewSwapper(store, cfg.Credentials.CredentialsPath, log)
	tracker := credentials.NewRateLimitTracker(store,
		filepath.Join(profilesDir, "_rate_limits.json"), log)

	// 6. Admission control and the runner pool
	resources := resource.NewManager(cfg.Execution.MaxConcurrentSessions, log)

	factory := func() runner.Agent {
		return runner.NewRunner(runner.Options{
			WorkspaceDir:   cfg.Execution.WorkspaceDir,
			Binary:         cfg.Agent.Binary,
			PermissionMode: cfg.Agent.PermissionMode,
			MCPConfigPath:  filepath.Join(cfg.Execution.WorkspaceDir, "mcp_config.json"),
			Env:            os.Environ(),
		}, log)
	}
	pool := runner.NewPool(factory, runner.PoolConfig{
		MaxSize:             cfg.Pool.MaxSize,
		IdleTTL:             cfg.Pool.IdleTTL(),
		MinGeneric:          cfg.Pool.MinGeneric,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval(),
	}, log)
	if warmed := pool.PreWarm(ctx, cfg.Pool.PreWarm); warmed > 0 {
		log.Info("Pre-warmed runners", zap.Int("count", warmed))
	}
	pool.StartMaintenance(ctx)

	// 7. Engine adapter over the pool
	adapter := engine.NewAdapter(engine.AdapterConfig{
		WorkspaceDir: cfg.Execution.WorkspaceDir,
		Binary:       cfg.Agent.Binary,
		Env:          os.Environ(),
		Pool:         pool,
		Tracker:      tracker,
	}, log)

	// 8. Lifecycle notifier (NATS when configured, no-op otherwise)
	notifier, err := bus.NewNotifier(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}

	// 9. Task manager with persistence
	storage := task.NewStorage(filepath.Join(dataDir, "tasks.json"), log)
	manager := task.NewManager(task.ManagerConfig{
		Storage:  storage,
		Events:   events,
		Notifier: notifier,
	}, log)
	if loaded, err := manager.Load(); err != nil {
		log.Warn("Failed to load persisted tasks", zap.Error(err))
	} else if loaded > 0 {
		log.Info("Restored persisted tasks", zap.Int("count", loaded))
	}

	// 10. HTTP API
	server := api.NewServer(cfg.Server, api.Deps{
		Manager:   manager,
		Adapter:   adapter,
		Resources: resources,
		Pool:      pool,
		Store:     store,
		Swapper:   swapper,
		Tracker:   tracker,
		BaseCtx:   ctx,
	}, log)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// 11. Periodic task cleanup
	go func() {
		ticker := time.NewTicker(cfg.Execution.CleanupInterval())
		defer ticker.Stop()
		maxAge := time.Duration(cfg.Execution.TaskMaxAgeHours) * time.Hour
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := manager.CleanupOldTasks(maxAge); removed > 0 {
					log.Info("Cleaned up old tasks", zap.Int("removed", removed))
				}
			}
		}
	}()

	select {
	case err := <-serverErr:
		log.Error("HTTP server failed", zap.Error(err))
		stop()
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	// 12. Graceful shutdown: cancel running work, persist state, then
	// close the pool and the listener.
	cancelled := manager.CancelRunningTasks(cfg.Execution.ShutdownTimeout())
	if cancelled > 0 {
		log.Info("Cancelled running tasks", zap.Int("count", cancelled))
	}
	if err := manager.Save(); err != nil {
		log.Warn("Failed to persist tasks on shutdown", zap.Error(err))
	}
	pool.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	notifier.Close()

	log.Info("Shutdown complete")
}
