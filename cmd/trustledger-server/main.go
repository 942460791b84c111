package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/internhub/trustledger/internal/app"
	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/trustledger.yaml", "path to ledger config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLoggerTo(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	application, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	application.StartRelay()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trust ledger listening",
			slog.String("addr", cfg.Server.Listen),
			slog.String("storage", cfg.Storage.Driver),
			slog.String("kid", application.Ledger.KeyID()),
			slog.Bool("embedded_relay", *cfg.Notify.EmbeddedRelay),
		)
		if err := application.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
