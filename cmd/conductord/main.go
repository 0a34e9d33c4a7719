// Conductor server binary. Wires storage, the agent registry, the
// orchestrator, queue workers and the HTTP API, then runs until signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/conductor-runtime/conductor/pkg/agent"
	"github.com/conductor-runtime/conductor/pkg/agent/oracle"
	"github.com/conductor-runtime/conductor/pkg/api"
	"github.com/conductor-runtime/conductor/pkg/breaker"
	"github.com/conductor-runtime/conductor/pkg/checkpoint"
	"github.com/conductor-runtime/conductor/pkg/cleanup"
	"github.com/conductor-runtime/conductor/pkg/config"
	"github.com/conductor-runtime/conductor/pkg/dlq"
	"github.com/conductor-runtime/conductor/pkg/events"
	"github.com/conductor-runtime/conductor/pkg/orchestrator"
	"github.com/conductor-runtime/conductor/pkg/queue"
	"github.com/conductor-runtime/conductor/pkg/storage"
	"github.com/conductor-runtime/conductor/pkg/tools"
	"github.com/conductor-runtime/conductor/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONDUCTOR_CONFIG", "./conductor.yaml"),
		"Path to the conductor.yaml configuration file")
	workDir := flag.String("workdir",
		getEnv("CONDUCTOR_WORKDIR", "."),
		"Working directory agents operate in")
	testCmd := flag.String("test-cmd",
		getEnv("CONDUCTOR_TEST_CMD", "go test"),
		"Command prefix the tester agent runs test targets with")
	flag.Parse()

	// Load .env from the config file's directory, for API keys and DSNs.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting conductor", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Configuration. A missing file falls back to built-in defaults so a
	// bare `conductord` still starts with sqlite storage.
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			slog.Error("Failed to initialize configuration", "error", err)
			os.Exit(1)
		}
		slog.Warn("Config file not found, using defaults", "path", *configPath)
		cfg = config.Default()
	}

	// 2. Storage, with the postgres -> sqlite -> memory degradation chain.
	store, err := storage.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.SQLitePath)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()

	// 3. Shared infrastructure.
	bus := events.NewBus()
	defer bus.Close()

	breakerCfg := breaker.DefaultConfig()
	if cfg.Circuit.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Circuit.FailureThreshold
	}
	if cfg.Circuit.Cooldown() > 0 {
		breakerCfg.Cooldown = cfg.Circuit.Cooldown()
	}
	breakers := breaker.NewManager(breakerCfg)

	scheduler := checkpoint.NewScheduler(store, bus, checkpoint.Config{
		Interval:          cfg.Checkpoint.Interval(),
		ProgressThreshold: cfg.Checkpoint.ProgressThreshold,
		TokenThreshold:    cfg.Checkpoint.TokenThreshold,
		TTL:               cfg.Retention.CheckpointMaxAge(),
	})
	defer scheduler.Stop()

	deadQ := dlq.New(store, bus, cfg.Retention.DLQMaxAge())
	retrier := dlq.NewRetrier(deadQ, dlq.GateFunc(func(kind string) bool {
		return breakers.Get(kind).IsAllowed()
	}), dlq.DefaultRetrierConfig())
	retrier.Start()
	defer retrier.Stop()

	// 4. Agent registry with OS-backed capabilities.
	fs, err := agent.NewOSFS(*workDir)
	if err != nil {
		slog.Error("Failed to resolve working directory", "workdir", *workDir, "error", err)
		os.Exit(1)
	}
	shell := &agent.ExecShell{Dir: *workDir}
	procs := agent.NewExecProcessManager(*workDir)
	defer procs.StopAll()

	oracleClient := oracle.NewClient(cfg.Oracle)

	registry := agent.NewRegistry()
	err = agent.RegisterDefaults(registry, agent.Deps{
		Oracle:        oracleClient,
		FS:            fs,
		Shell:         shell,
		Procs:         procs,
		Tests:         &agent.ShellTestRunner{Command: *testCmd, Shell: shell},
		Analyzer:      agent.HeuristicAnalyzer{},
		Guard:         tools.NewModeGuard(cfg.ExecutionMode, nil),
		DryRun:        tools.NewDryRun(cfg.DryRun),
		MaxSteps:      cfg.Agent.MaxSteps,
		MaxMessages:   cfg.Agent.MaxMessages,
		FixerRollback: true,
	})
	if err != nil {
		slog.Error("Failed to register agents", "error", err)
		os.Exit(1)
	}
	slog.Info("Agents registered", "count", len(registry.AgentsInfo()), "workdir", *workDir)

	// 5. Orchestrator and worker pool. Workers start before the HTTP server
	// so queued tasks resume processing ahead of new traffic.
	orch := orchestrator.New(oracleClient, registry, store, bus, breakers, scheduler,
		orchestrator.Options{
			MaxConcurrency: cfg.MaxConcurrency,
			TaskTimeout:    cfg.TaskTimeout(),
		})

	pool := queue.NewPool(store, &cfg.Queue, orch, deadQ, bus)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6. Retention.
	cleaner := cleanup.NewService(&cfg.Retention, store)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// 7. HTTP API.
	server := api.NewServer(cfg.Server, api.Deps{
		Store:        store,
		DLQ:          deadQ,
		Pool:         pool,
		Orchestrator: orch,
		Breakers:     breakers,
		Bus:          bus,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Conductor started",
		"workers", cfg.Queue.WorkerCount,
		"execution_mode", cfg.ExecutionMode,
		"oracle_model", cfg.Oracle.Model)

	// 8. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. The pool drains first so in-flight tasks reach
	// a terminal state before the API stops answering.
	pool.Stop()

	httpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
