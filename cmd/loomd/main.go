// Package main is the entry point for loomd, the Loom orchestration daemon.
// It supervises one agent worker per thread, persists the conversation, and
// publishes lifecycle events for downstream consumers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/agent/worker"
	"github.com/loomworks/loom/internal/common/config"
	"github.com/loomworks/loom/internal/common/logger"
	"github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/db/dialect"
	"github.com/loomworks/loom/internal/events/bus"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/thread/models"
	"github.com/loomworks/loom/internal/thread/store"
	"github.com/loomworks/loom/internal/tracing"
)

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

	log.Info("Starting loomd...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.NewSQLStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	factoryCfg := worker.CLIFactoryConfig{
		Binary:                cfg.Agent.Binary,
		DefaultModel:          cfg.Agent.DefaultModel,
		DefaultPermissionMode: cfg.Agent.DefaultPermissionMode,
	}
	if cfg.Agent.ToolProfilesPath != "" {
		profiles, err := worker.LoadToolProfiles(cfg.Agent.ToolProfilesPath)
		if err != nil {
			log.Fatal("Failed to load tool profiles", zap.Error(err))
		}
		factoryCfg.Profile = profiles.Get("")
		log.Info("Loaded tool profiles", zap.String("path", cfg.Agent.ToolProfilesPath))
	}
	factory := worker.NewCLIFactory(factoryCfg, log)

	orch := orchestrator.New(st, factory, eventBus, log, orchestrator.Config{
		HandshakeTimeout: cfg.Agent.HandshakeTimeoutDuration(),
	})

	// Threads still marked active belonged to a previous process; their
	// workers died with it.
	if err := orch.ReconcileOnStartup(ctx); err != nil {
		log.Fatal("Startup reconciliation failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return drainFollowUps(ctx, orch, eventBus, log)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Trace flush failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("loomd stopped")
}

// openDatabase opens the configured backend. SQLite gets a single-writer
// pool with a read-only companion; Postgres shares one pool for both roles.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case dialect.SQLite3:
		writer, err := db.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.SQLitePath)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return db.NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		), nil

	case dialect.PGX:
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		return db.NewPool(shared, shared), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// drainFollowUps watches status events and starts the next queued follow-up
// whenever a thread's run resolves.
func drainFollowUps(ctx context.Context, orch *orchestrator.Orchestrator, eventBus bus.EventBus, log *logger.Logger) error {
	sub, err := eventBus.Subscribe(orchestrator.SubjectThreadStatus, func(_ context.Context, event *bus.Event) error {
		threadID, _ := event.Data["threadId"].(string)
		status, _ := event.Data["status"].(string)
		if threadID == "" || !models.ThreadStatus(status).IsTerminal() {
			return nil
		}
		if orch.IsAgentRunning(threadID) {
			return nil
		}
		msg, ok := orch.NextFollowUp(ctx, threadID)
		if !ok {
			return nil
		}

		// Start outside the event callback so a synchronous bus does not
		// nest run resolution inside run startup. The queued message was
		// persisted at enqueue time, so the replay path skips the insert.
		go func() {
			log.WithThreadID(threadID).Info("Starting queued follow-up")
			if err := orch.StartFollowUp(ctx, msg); err != nil {
				log.WithThreadID(threadID).WithError(err).Error("Failed to start queued follow-up")
			}
		}()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}
