// Package main is the entry point for the Kagan core: the headless
// orchestration service a UI or CLI drives over the websocket IPC
// endpoint. One process per repository, enforced by the instance lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-dev/kagan/internal/automation"
	"github.com/kagan-dev/kagan/internal/common/config"
	"github.com/kagan-dev/kagan/internal/common/logger"
	"github.com/kagan-dev/kagan/internal/db"
	"github.com/kagan-dev/kagan/internal/events"
	"github.com/kagan-dev/kagan/internal/execution"
	"github.com/kagan-dev/kagan/internal/gitrunner"
	"github.com/kagan-dev/kagan/internal/host"
	"github.com/kagan-dev/kagan/internal/instancelock"
	"github.com/kagan-dev/kagan/internal/jobs"
	"github.com/kagan-dev/kagan/internal/mcpserver"
	"github.com/kagan-dev/kagan/internal/merge"
	"github.com/kagan-dev/kagan/internal/plugin"
	"github.com/kagan-dev/kagan/internal/procrun"
	"github.com/kagan-dev/kagan/internal/session"
	"github.com/kagan-dev/kagan/internal/task/repository"
	taskservice "github.com/kagan-dev/kagan/internal/task/service"
	"github.com/kagan-dev/kagan/internal/tracing"
	"github.com/kagan-dev/kagan/internal/workspace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	if err := run(cfg, log); err != nil {
		log.Error("kagan core exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting kagan core")

	// The OTel exporter reads its endpoint from the environment; the
	// config file is just a second way to set it.
	if cfg.Tracing.Enabled && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	lock, err := instancelock.Acquire(repoRoot)
	if err != nil {
		var held *instancelock.HeldError
		if errors.As(err, &held) {
			return fmt.Errorf("%s; stop it or remove a stale lock", held.Error())
		}
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() { _ = lock.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, closeBus, err := events.Provide(cfg.Events, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeBus() }()

	factory, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = factory.Close() }()

	taskStore, err := repository.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	wsStore, err := workspace.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init workspace store: %w", err)
	}
	sessStore, err := session.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	execStore, err := execution.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init execution store: %w", err)
	}
	mergeStore, err := merge.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init merge store: %w", err)
	}
	jobStore, err := jobs.NewStore(factory)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}

	gitRunner := gitrunner.NewRunner(log)
	procRunner := procrun.NewRunner(log)

	strategy, err := gitrunner.ParseBaseRefStrategy(cfg.General.WorktreeBaseRefStrategy)
	if err != nil {
		return err
	}

	workspaceSvc := workspace.NewService(wsStore, gitRunner, eventBus, strategy, log)

	taskSvc := taskservice.NewService(taskStore, eventBus, log)
	taskSvc.SetRepoPreparer(func(ctx context.Context, repoPath string) error {
		return workspace.PrepareRepo(ctx, gitRunner, repoPath, log)
	})

	coreEndpoint := fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	backends := []session.Backend{
		session.NewTmuxBackend(procRunner),
		session.NewVSCodeBackend(procRunner),
		session.NewCursorBackend(procRunner),
	}
	sessionSvc := session.NewService(sessStore, wsStore, taskStore, backends,
		cfg.General, coreEndpoint, eventBus, log)

	autoSvc := automation.NewService(cfg.General, taskSvc,
		automation.NewWorkspaceAdapter(workspaceSvc, taskStore, gitRunner),
		sessStore, execStore, automation.NewCLILauncher(procRunner), eventBus, log)

	mergeSvc := merge.NewService(cfg.General, mergeStore, taskSvc,
		merge.NewWorkspaceAdapter(workspaceSvc, taskStore),
		gitRunner, taskStore, eventBus, log)

	jobsSvc := jobs.NewService(jobStore,
		newJobExecutor(autoSvc, mergeSvc, workspaceSvc), eventBus, log)

	// Recovery must finish before the host accepts requests: interrupted
	// executions and jobs are failed durably, then submissions reopen.
	if err := autoSvc.Recover(ctx); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if err := jobsSvc.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	plugins := plugin.NewRegistry(log)
	for _, manifest := range discoverPluginManifests(cfg.Plugins.Dir, log) {
		if err := plugins.RecordManifest(*manifest); err != nil {
			log.Warn("skipping plugin manifest", zap.String("plugin_id", manifest.ID), zap.Error(err))
		}
	}

	// An idle core exits on its own once every client session is gone
	// for the configured window. Zero disables the timer.
	registry := host.NewSessionRegistry(cfg.General.IdleTimeout(), func() {
		log.Info("idle timeout reached, shutting down")
		cancel()
	}, log)

	dispatcher := host.NewDispatcher(registry, plugins, taskStore, log)
	host.RegisterBuiltins(dispatcher, host.Services{
		Projects:   taskSvc,
		Tasks:      taskSvc,
		Scratch:    taskStore,
		Sessions:   sessionSvc,
		Workspaces: workspaceSvc,
		Automation: autoSvc,
		Merge:      mergeSvc,
		Jobs:       jobsSvc,
		Planner:    taskStore,
	}, cfg.General)

	hostServer := host.NewServer(dispatcher, registry, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- hostServer.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	}()

	_, stopMCP, err := mcpserver.Provide(ctx, mcpserver.Config{
		Port:                 mcpserver.DefaultConfig().Port,
		ScratchpadLimitBytes: cfg.General.ScratchpadLimitBytes,
	}, mcpserver.Deps{
		Tasks:    taskSvc,
		Scratch:  taskStore,
		Sessions: sessionSvc,
	}, log)
	if err != nil {
		return fmt.Errorf("start mcp server: %w", err)
	}

	log.Info("kagan core ready",
		zap.String("endpoint", coreEndpoint),
		zap.String("repo", repoRoot))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	return shutdown(hostServer, stopMCP, autoSvc, jobsSvc, log)
}

// shutdown drains in dependency order: no new requests, then workers,
// then the exporters. Each step gets the remainder of one shared
// timeout.
func shutdown(hostServer *host.Server, stopMCP func() error, autoSvc *automation.Service, jobsSvc *jobs.Service, log *logger.Logger) error {
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := hostServer.Shutdown(ctx); err != nil {
		log.Warn("host shutdown incomplete", zap.Error(err))
	}
	if err := stopMCP(); err != nil {
		log.Warn("mcp shutdown incomplete", zap.Error(err))
	}
	if err := autoSvc.Shutdown(ctx); err != nil {
		log.Warn("automation shutdown incomplete", zap.Error(err))
	}
	if err := jobsSvc.Shutdown(ctx); err != nil {
		log.Warn("job shutdown incomplete", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Warn("tracing shutdown incomplete", zap.Error(err))
	}

	log.Info("kagan core stopped")
	return nil
}

// openDatabase builds the session factory for the configured driver.
// SQLite gets a dedicated serialized writer and a read pool; postgres
// pools through a single pgx connection set.
func openDatabase(cfg config.DatabaseConfig) (*db.Factory, error) {
	switch cfg.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), 10, 2)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db.NewFactory(db.NewSinglePool(conn)), nil
	default:
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		return db.NewFactory(db.NewPool(writer, reader)), nil
	}
}
