package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/idosale/service/chain"
	"github.com/brojonat/idosale/service/config"
	"github.com/brojonat/idosale/service/metrics"
	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/brojonat/idosale/service/purchase"
	"github.com/brojonat/idosale/service/server"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"sale_contract", cfg.SaleAddress,
		"token_contract", cfg.TokenAddress,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// The server has no terminal, so a keystore must be unlocked with
	// WALLET_PASSPHRASE.
	detector := &chain.Detector{
		RPCURL:    cfg.RPCURL,
		Contracts: cfg.Contracts(),
		Keys:      cfg.Keys(nil),
		Metrics:   m,
		Logger:    logger,
	}

	mgr := wallet.NewManager(detector, cfg.Scale(), m, logger)
	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgr.Init(initCtx); err != nil {
		// The session stays disconnected; POST /api/v1/session/connect retries.
		logger.Warn("wallet not ready at startup", "error", err)
	}
	initCancel()

	sse := server.NewSSEBroadcaster(logger)
	publishers := []natspkg.Publisher{sse}
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, m, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err, "url", cfg.NATSURL)
			os.Exit(1)
		}
		publishers = append(publishers, publisher)
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		logger.Warn("NATS_URL not set, purchase events go to SSE clients only")
	}
	events := natspkg.NewFanout(publishers...)
	defer events.Close()

	flow := purchase.NewController(mgr, events, cfg.PurchaseOptions(), m, logger)

	httpServer := server.New(cfg.ServerAddr, mgr, flow, server.Options{
		Formatter:       cfg.Formatter(),
		PurchaseTimeout: cfg.PurchaseTimeout,
	}, sse, m, logger)

	session := mgr.Session()
	logger.Info("server initialized, all dependencies ready",
		"connected", session.Connected,
		"nats_enabled", cfg.NATSURL != "",
	)

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

		if flow.InFlight() {
			logger.Warn("shutting down with a purchase awaiting confirmation")
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
