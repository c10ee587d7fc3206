package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/domain/promo"
	"github.com/xenking/trip-promo/internal/storage/memory"
	"github.com/xenking/trip-promo/internal/storage/postgres"
)

// backend bundles the stores of one storage driver.
type backend struct {
	codes       promo.Repository
	ledger      promo.Ledger
	coordinator promo.Coordinator
	stats       promo.StatsSource
	apiKeys     auth.Repository
	// ping is nil when there is nothing remote to probe.
	ping  func(ctx context.Context) error
	close func()
}

func openBackend(ctx context.Context, cfg *Config, hasher *auth.Hasher) (*backend, error) {
	switch cfg.Storage.Driver {
	case DriverMemory:
		return openMemory(ctx, cfg, hasher)
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openMemory(ctx context.Context, cfg *Config, hasher *auth.Hasher) (*backend, error) {
	store := memory.New()
	keys := memory.NewAPIKeys()

	lg := zctx.From(ctx)
	lg.Warn("Using in-memory storage, data is lost on restart")
	if cfg.DevAPIKey != "" {
		if err := keys.Create(ctx, &auth.APIKeyInfo{
			ID:      "dev",
			KeyHash: hasher.Hash(cfg.DevAPIKey),
			Name:    "development",
			Scopes:  []string{auth.ScopeRedeem, auth.ScopeAdmin},
		}); err != nil {
			return nil, errors.Wrap(err, "seed dev api key")
		}
		lg.Info("Dev API key enabled", zap.Strings("scopes", []string{auth.ScopeRedeem, auth.ScopeAdmin}))
	}

	return &backend{
		codes:       store,
		ledger:      store,
		coordinator: store,
		stats:       store,
		apiKeys:     keys,
		close:       func() {},
	}, nil
}

func openPostgres(ctx context.Context, cfg *Config) (*backend, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &backend{
		codes:  postgres.NewPromoRepository(pool),
		ledger: postgres.NewLedgerRepository(pool),
		coordinator: postgres.NewCoordinator(pool, postgres.CoordinatorConfig{
			LockTimeout:    cfg.Redemption.LockTimeout,
			MaxRetries:     cfg.Redemption.MaxRetries,
			RetryBaseDelay: cfg.Redemption.RetryBaseDelay,
		}),
		stats:   postgres.NewStatsRepository(pool),
		apiKeys: postgres.NewAPIKeyRepository(pool),
		ping:    pool.Ping,
		close:   pool.Close,
	}, nil
}
