package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/txprompt/service/config"
	"github.com/brojonat/txprompt/service/db"
	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/llm"
	"github.com/brojonat/txprompt/service/metrics"
	natspkg "github.com/brojonat/txprompt/service/nats"
	"github.com/brojonat/txprompt/service/server"
	"github.com/brojonat/txprompt/service/session"
	"github.com/brojonat/txprompt/service/temporal"
	"github.com/brojonat/txprompt/service/transfer"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"submit_mode", cfg.SubmitMode,
		"chain_id", cfg.EVMChainID,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Language model bridge
	generator, err := llm.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.LLMTimeout)
	if err != nil {
		logger.Error("failed to create gemini client", "error", err)
		os.Exit(1)
	}
	bridge := llm.NewBridge(generator, metricsCollector, logger)
	logger.Info("initialized language model bridge", "model", generator.Model())

	walletCfg := evm.WalletConfig{
		RPCURL:     cfg.EVMRPCURL,
		ChainID:    cfg.EVMChainID,
		RPCTimeout: cfg.RPCTimeout,
	}

	// Transfer submitter: sign in-process, or hand off to a Temporal worker
	var (
		submitter     session.Submitter
		resolver      server.TransferResolver
		walletAddress string
	)
	switch cfg.SubmitMode {
	case config.SubmitModeTemporal:
		watch, err := evm.NewWatchWallet(walletCfg, cfg.WalletAddress, metricsCollector, logger)
		if err != nil {
			logger.Error("invalid wallet address", "error", err)
			os.Exit(1)
		}
		defer watch.Close()
		if err := watch.Connect(ctx); err != nil {
			logger.Warn("rpc endpoint not reachable at startup, will reconnect on first token lookup", "error", err)
		}
		walletAddress = watch.CurrentAddress()
		// Signing happens on the worker; the watch wallet only reads token contracts.
		resolver = transfer.NewSubmitter(metricsCollector, logger).Bind(watch)

		temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		submitter = temporal.NewRemoteSubmitter(temporalClient, metricsCollector, logger)
		logger.Info("transfers will run on temporal workers",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)

	default:
		wallet, err := evm.NewKeyedWallet(walletCfg, cfg.WalletPrivateKey, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to load wallet", "error", err)
			os.Exit(1)
		}
		defer wallet.Close()
		if err := wallet.Connect(ctx); err != nil {
			logger.Warn("rpc endpoint not reachable at startup, will reconnect on submit", "error", err)
		}
		walletAddress = wallet.CurrentAddress()
		bound := transfer.NewSubmitter(metricsCollector, logger).Bind(wallet)
		submitter, resolver = bound, bound
	}
	logger.Info("wallet ready", "address", walletAddress)

	// Optional transfer history
	var (
		history    session.HistoryStore
		historyAPI server.HistoryReader
	)
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to apply database schema", "error", err)
			os.Exit(1)
		}
		history, historyAPI = store, store
		logger.Info("connected to database, transfer history enabled")
	} else {
		logger.Info("DATABASE_URL not set, transfer history disabled")
	}

	// Optional conversation events
	var (
		publisher natspkg.Publisher
		events    server.EventSource
	)
	if cfg.NATSURL != "" {
		natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer natsPublisher.Close()

		ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		publisher, events = natsPublisher, ssePublisher
		logger.Info("connected to NATS, conversation streaming enabled", "url", cfg.NATSURL)
	} else {
		logger.Info("NATS_URL not set, conversation streaming disabled")
	}

	sessions := session.NewManager(walletAddress, session.Config{
		ExplorerBaseURL: cfg.ExplorerBaseURL,
	}, session.Deps{
		Parser:    bridge,
		Submitter: submitter,
		History:   history,
		Publisher: publisher,
		Metrics:   metricsCollector,
		Logger:    logger,
	})

	// Initialize HTTP server
	httpServer := server.New(cfg.ServerAddr, cfg, bridge, sessions, historyAPI, events, metricsCollector, logger).
		WithResolver(resolver)
	if err := httpServer.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
