package repo

import (
	"context"

	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
)

// Open builds a repository for the configured driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Repository, error) {
	switch cfg.Driver {
	case "mongo":
		return NewMongoRepository(ctx, cfg)
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, errs.New(errs.KindConfiguration, "unsupported store driver").
			With("driver", cfg.Driver)
	}
}
