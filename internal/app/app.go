package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/internhub/trustledger/internal/api"
	"github.com/internhub/trustledger/internal/config"
	ledgercrypto "github.com/internhub/trustledger/internal/crypto"
	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/notify"
	"github.com/internhub/trustledger/internal/service"
	"github.com/internhub/trustledger/internal/storage"
	"github.com/internhub/trustledger/internal/tier"
)

type Application struct {
	Server *http.Server
	Store  storage.Store
	Ledger *service.LedgerService

	relay        *service.NotificationRelay
	publisher    notify.Publisher
	pollInterval time.Duration
	logger       *slog.Logger
	stopRelay    context.CancelFunc
	relayDone    chan struct{}
}

// BuildLedger opens storage and assembles the ledger service. The caller
// owns the returned store.
func BuildLedger(ctx context.Context, cfg *config.LedgerConfig, logger *slog.Logger) (*service.LedgerService, storage.Store, error) {
	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	registry, err := loadRegistry(cfg.Ledger.RequirementsPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.NewLedger(service.LedgerParams{
		Store:              store,
		Registry:           registry,
		Signer:             signer,
		Logger:             logger,
		ProfileCacheSize:   cfg.Ledger.ProfileCacheSize,
		AppendMaxAttempts:  cfg.Ledger.AppendMaxAttempts,
		AppendRetryBackoff: time.Duration(cfg.Ledger.AppendRetryBackoffMS) * time.Millisecond,
		HistoryMaxPageSize: cfg.Ledger.HistoryMaxPageSize,
		VerifyPageSize:     cfg.Ledger.VerifyPageSize,
		Service:            cfg.Logging.Service,
		Version:            cfg.Logging.Version,
		StorageDriver:      cfg.Storage.Driver,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build ledger service: %w", err)
	}
	return svc, store, nil
}

func New(ctx context.Context, cfg *config.LedgerConfig, logger *slog.Logger) (*Application, error) {
	svc, store, err := BuildLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	collaborators := make(map[string]string, len(cfg.Security.Collaborators))
	for _, c := range cfg.Security.Collaborators {
		collaborators[c.Name] = c.Token
	}
	handler := api.NewHandler(svc, api.NewAuthorizer(collaborators, cfg.Security.ReadToken), 0)
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	env := logging.Environment{
		Service:  cfg.Logging.Service,
		Version:  cfg.Logging.Version,
		Commit:   cfg.Logging.Commit,
		Region:   cfg.Logging.Region,
		Instance: cfg.Logging.Instance,
	}
	root := logging.Middleware(logger, env)(router)

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	application := &Application{Server: server, Store: store, Ledger: svc, logger: logger}
	if *cfg.Notify.EmbeddedRelay {
		publisher, err := BuildPublisher(cfg.Notify, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		application.publisher = publisher
		application.pollInterval = time.Duration(cfg.Notify.PollIntervalSeconds) * time.Second
		application.relay = service.NewNotificationRelay(service.RelayParams{
			Outbox:     store,
			Publisher:  publisher,
			BatchSize:  cfg.Notify.BatchSize,
			MaxBackoff: time.Duration(cfg.Notify.MaxBackoffSeconds) * time.Second,
			Logger:     logger,
		})
	}
	return application, nil
}

// StartRelay runs the embedded notification relay in the background. It is
// a no-op when the relay is disabled.
func (a *Application) StartRelay() {
	if a.relay == nil || a.stopRelay != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopRelay = cancel
	a.relayDone = make(chan struct{})
	go func() {
		defer close(a.relayDone)
		if err := a.relay.Run(ctx, a.pollInterval); err != nil {
			a.logger.Error("embedded relay stopped with error", slog.String("error", err.Error()))
		}
	}()
}

func (a *Application) Shutdown(ctx context.Context) error {
	defer a.Store.Close()
	err := a.Server.Shutdown(ctx)
	if a.stopRelay != nil {
		a.stopRelay()
		select {
		case <-a.relayDone:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	if a.publisher != nil {
		err = errors.Join(err, a.publisher.Close())
	}
	return err
}

func loadSigner(cfg *config.LedgerConfig, logger *slog.Logger) (*ledgercrypto.Signer, error) {
	if cfg.Keys.SigningPrivateKeyPath == "" {
		signer, err := ledgercrypto.GenerateSigner()
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("using ephemeral signing key", slog.String("kid", signer.KeyID))
		return signer, nil
	}
	signer, err := ledgercrypto.LoadSigner(cfg.Keys.SigningPrivateKeyPath, cfg.Keys.SigningPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	return signer, nil
}

func loadRegistry(path string) (*tier.Registry, error) {
	if path == "" {
		return tier.DefaultRegistry(), nil
	}
	registry, err := tier.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load requirement registry: %w", err)
	}
	return registry, nil
}
