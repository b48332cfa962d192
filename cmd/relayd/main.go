package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamhouse/sessionrelay/internal/config"
	"github.com/streamhouse/sessionrelay/internal/eventlog"
	filelog "github.com/streamhouse/sessionrelay/internal/eventlog/file"
	memlog "github.com/streamhouse/sessionrelay/internal/eventlog/memory"
	sqlitelog "github.com/streamhouse/sessionrelay/internal/eventlog/sqlite"
	"github.com/streamhouse/sessionrelay/internal/hub"
	"github.com/streamhouse/sessionrelay/internal/relay"
	"github.com/streamhouse/sessionrelay/internal/server"
	"github.com/streamhouse/sessionrelay/internal/telemetry"
	"github.com/streamhouse/sessionrelay/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("session-relay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	defer store.Close()

	manager := upstream.NewManager(
		upstream.NewClient(cfg.Upstream.BaseURL),
		logger,
		upstream.WithBackoff(cfg.Upstream.Reconnect.BaseInterval, cfg.Upstream.Reconnect.MaxInterval),
	)

	rly := relay.New(store, hub.New(logger), manager, logger,
		relay.WithKeepaliveInterval(cfg.Keepalive.Interval))

	srv := server.New(cfg.Server.Port, logger, rly)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := rly.Run(ctx); err != nil {
			logger.Error("relay loop exited", slog.String("error", err.Error()))
		}
	}()
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	logger.Info("session relay started",
		slog.Int("port", cfg.Server.Port),
		slog.String("upstream", cfg.Upstream.BaseURL),
		slog.String("storage", cfg.Storage.Type),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping relay")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("relay shutdown complete")
}

func openStore(cfg *config.Config, logger *slog.Logger) (eventlog.Store, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return sqlitelog.New(cfg.Storage.SQLite.Path, logger)
	case "memory":
		return memlog.New(), nil
	default:
		return filelog.New(cfg.Storage.File.Dir, logger), nil
	}
}
