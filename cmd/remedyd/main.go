package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kestrelops/remedy/internal/audit"
	"github.com/kestrelops/remedy/internal/engine"
	"github.com/kestrelops/remedy/internal/ingress"
	"github.com/kestrelops/remedy/internal/journal"
	"github.com/kestrelops/remedy/internal/logging"
	"github.com/kestrelops/remedy/internal/peer"
	"github.com/kestrelops/remedy/internal/rules"
	"github.com/kestrelops/remedy/internal/scheduler"
	"github.com/kestrelops/remedy/internal/server"
	"github.com/kestrelops/remedy/internal/store"
	"github.com/kestrelops/remedy/internal/streaming"
	"github.com/kestrelops/remedy/pkg/mcp"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var inner slog.Handler
	if cfg.LogFormat == "text" {
		inner = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("remedyd starting", "version", version, "addr", cfg.ListenAddr)

	st := store.NewMemoryStore()
	registry := peer.NewRegistry(cfg.Registry)

	// Coordinator stack: raw HTTP calls, then retry + fallback on top.
	httpCoord := peer.NewHTTPCoordinator(registry, &http.Client{}, logger)
	coordinator := peer.NewFallbackCoordinator(httpCoord, cfg.retryPolicy(), nil, logger)

	// Durable incident journal.
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	jrnl, err := journal.NewLibSQLJournal(ctx, "file:"+cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open incident journal: %w", err)
	}
	defer func() { _ = jrnl.Close() }()

	hub := streaming.NewMemoryHub()

	// Audit fan-out: journal, live event hub, and the remote audit
	// collaborator. The collaborator sink calls through the coordinator, so
	// the fallback layer gets its audit logger in a second phase.
	recorder := audit.Multi{
		audit.NewJournalSink(jrnl, logger),
		audit.NewHubSink(hub),
		audit.NewCollaboratorSink(coordinator, 0, logger),
	}
	coordinator.SetAudit(recorder)

	admission, err := rules.NewGate(cfg.SignalFilterDialect, cfg.SignalFilter)
	if err != nil {
		return fmt.Errorf("compile signal filter: %w", err)
	}
	guard, err := rules.NewGate(cfg.ExecutionGuardDialect, cfg.ExecutionGuard)
	if err != nil {
		return fmt.Errorf("compile execution guard: %w", err)
	}

	var orchOpts []engine.OrchestratorOption
	if guard != nil {
		orchOpts = append(orchOpts, engine.WithExecutionGuard(guard))
	}
	orch := engine.NewOrchestrator(st, coordinator, recorder, logger, orchOpts...)

	supervisor := engine.NewSupervisor(st, recorder, logger,
		engine.WithSweepInterval(duration(cfg.SweepInterval, 30*time.Second)),
		engine.WithWorkflowTimeout(duration(cfg.WorkflowTimeout, 30*time.Minute)),
		engine.WithRetention(duration(cfg.Retention, 5*time.Minute)),
	)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	adapter, err := ingress.NewAdapter(orch, admission, recorder, logger)
	if err != nil {
		return fmt.Errorf("build ingress adapter: %w", err)
	}

	drills, err := scheduler.NewDrillScheduler(orch, recorder, cfg.Drills, logger)
	if err != nil {
		return fmt.Errorf("build drill scheduler: %w", err)
	}
	if err := drills.Start(ctx); err != nil {
		return fmt.Errorf("start drill scheduler: %w", err)
	}
	defer drills.Stop()

	// Optional MCP surface over stdio.
	if cfg.MCP {
		mcpSrv := mcp.NewRemedyServer(mcp.RemedyServerDeps{
			Ingress:  adapter,
			Store:    st,
			Journal:  jrnl,
			Canceler: orch,
			Logger:   logger,
		})
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil {
				logger.Error("mcp server stopped", "error", err)
			}
		}()
		logger.Info("mcp server listening on stdio")
	}

	srv := server.New(server.Deps{
		Store:        st,
		Ingress:      adapter,
		Orchestrator: orch,
		Supervisor:   supervisor,
		Registry:     registry,
		Journal:      jrnl,
		Hub:          hub,
		Logger:       logger,
		Version:      version,
	})

	err = srv.ListenAndServe(ctx, cfg.ListenAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	// Graceful shutdown: stop sweeping and injecting first, then fail the
	// active workflows and drain their pipelines.
	logger.Info("remedyd shutting down")
	drills.Stop()
	supervisor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown incomplete", "error", err)
	}

	logger.Info("remedyd stopped")
	return nil
}
