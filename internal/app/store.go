package app

import (
	"context"
	"fmt"

	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/storage"
	"github.com/internhub/trustledger/internal/storage/ledgerpostgres"
	"github.com/internhub/trustledger/internal/storage/memory"
)

func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		store, err := ledgerpostgres.Open(ctx, cfg.PostgresDSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
