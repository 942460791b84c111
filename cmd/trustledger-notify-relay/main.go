package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/internhub/trustledger/internal/app"
	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/notify-relay.yaml", "path to relay config")
	flag.Parse()

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stdout, logging.ParseLevel(cfg.Logging.Level)).With(
		slog.String("service", cfg.Logging.Service),
		slog.String("version", cfg.Logging.Version),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	relay, err := app.BuildRelay(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build notification relay", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Error("relay close failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("notification relay started",
		slog.String("publisher", cfg.Notify.Publisher),
		slog.Int("batch_size", cfg.Notify.BatchSize),
		slog.Duration("poll_interval", relay.PollInterval),
	)
	if err := relay.Run(ctx); err != nil {
		logger.Error("notification relay stopped with error", slog.String("error", err.Error()))
		return
	}
	logger.Info("notification relay stopped")
}
