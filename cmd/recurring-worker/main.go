package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bilancio/internal/amqp"
	"bilancio/internal/config"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting recurring-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// Initialize AMQP client for publishing transaction events. The
	// notify-worker consumes these.
	var publisher services.EventPublisher
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing in SQLite-only mode", "error", err)
		} else {
			defer amqpClient.Close()
			publisher = amqpClient
			logger.Info("AMQP client initialized - transaction events will be published")
		}
	} else {
		logger.Info("AMQP disabled - transaction events will not be published")
	}

	factory := services.NewTransactionService(repo, publisher)
	processor := services.NewCatchUpProcessor(repo, factory, cfg.CatchUpWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Catch-up processor configured",
		"interval", cfg.CatchUpInterval,
		"workers", cfg.CatchUpWorkers,
		"sqlite_db", cfg.SQLiteDBPath)

	ticker := time.NewTicker(cfg.CatchUpInterval)
	defer ticker.Stop()

	// Run initial catch-up on startup to cover downtime.
	logger.Info("Running initial catch-up...")
	if report, err := processor.RunCatchUp(ctx, time.Now()); err != nil {
		logger.Error("Initial catch-up failed", "error", err)
	} else {
		logger.Info("Initial catch-up complete",
			"rules_checked", report.RulesChecked,
			"transactions_created", report.TransactionsCreated,
			"failures", len(report.Failures))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				report, err := processor.RunCatchUp(ctx, now)
				if err != nil {
					logger.Error("Periodic catch-up failed", "error", err)
					continue
				}
				logger.Info("Periodic catch-up complete",
					"rules_checked", report.RulesChecked,
					"transactions_created", report.TransactionsCreated,
					"failures", len(report.Failures),
					"next_check", now.Add(cfg.CatchUpInterval).Format("15:04:05"))
			}
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down recurring-worker...")
	cancel()

	// Give in-flight rule loops a moment to persist their bookkeeping.
	time.Sleep(2 * time.Second)
	logger.Info("Recurring-worker shutdown complete")
}
