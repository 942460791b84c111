package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/notify"
	"github.com/internhub/trustledger/internal/service"
	"github.com/internhub/trustledger/internal/storage"
)

// RelayApplication is the standalone outbox drainer.
type RelayApplication struct {
	Relay        *service.NotificationRelay
	Store        storage.Store
	Publisher    notify.Publisher
	PollInterval time.Duration
}

func BuildRelay(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) (*RelayApplication, error) {
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	publisher, err := BuildPublisher(cfg.Notify, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	relay := service.NewNotificationRelay(service.RelayParams{
		Outbox:     store,
		Publisher:  publisher,
		BatchSize:  cfg.Notify.BatchSize,
		MaxBackoff: time.Duration(cfg.Notify.MaxBackoffSeconds) * time.Second,
		Logger:     logger,
	})
	return &RelayApplication{
		Relay:        relay,
		Store:        store,
		Publisher:    publisher,
		PollInterval: time.Duration(cfg.Notify.PollIntervalSeconds) * time.Second,
	}, nil
}

func (a *RelayApplication) Run(ctx context.Context) error {
	return a.Relay.Run(ctx, a.PollInterval)
}

func (a *RelayApplication) Close() error {
	defer a.Store.Close()
	return a.Publisher.Close()
}
