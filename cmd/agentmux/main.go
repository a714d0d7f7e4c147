// Package main is the entry point for the agentmux daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentmux/internal/agent/registry"
	"github.com/kandev/agentmux/internal/common/config"
	"github.com/kandev/agentmux/internal/common/logger"
	"github.com/kandev/agentmux/internal/events"
	"github.com/kandev/agentmux/internal/orchestrator"
	"github.com/kandev/agentmux/internal/persistence"
	"github.com/kandev/agentmux/internal/session"
	taskrepo "github.com/kandev/agentmux/internal/task/repository"
	wfrepo "github.com/kandev/agentmux/internal/workflow/repository"
)

const shutdownTimeout = 30 * time.Second

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

	log.Info("Starting agentmux...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the database and build the repositories
	pool, dbCleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbCleanup()

	taskRepo, taskCleanup, err := taskrepo.Provide(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize task repository", zap.Error(err))
	}
	defer taskCleanup()

	workflowRepo, wfCleanup, err := wfrepo.Provide(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize workflow repository", zap.Error(err))
	}
	defer wfCleanup()

	// 5. Connect the event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.Bus.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Build the session adapter
	adapter, sessionCleanup, err := session.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize session adapter", zap.Error(err))
	}
	defer sessionCleanup()

	// 7. Build the agent registry from embedded defaults plus configuration
	reg, _, err := registry.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize agent registry", zap.Error(err))
	}
	log.Info("Agent registry loaded", zap.Int("agents", len(reg.List())))

	// 8. Create and start the orchestrator service
	svc := orchestrator.NewService(cfg, provided.Bus, provided.Subjects, adapter, reg, taskRepo, workflowRepo, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("agentmux started")

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentmux...")
	cancel()

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}

	log.Info("agentmux stopped")
}
