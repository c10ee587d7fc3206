// Command seed-db applies migrations and seeds demo promo codes and API keys.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
	"github.com/xenking/trip-promo/internal/storage/postgres"
)

var demoCodes = []promo.CreateParams{
	{
		Code:        "SAVE20",
		Description: "20% off any trip",
		Discount:    promo.PercentDiscount(2000),
	},
	{
		Code:            "MIN50",
		Description:     "10.00 off purchases of 50.00 or more",
		Discount:        promo.FixedDiscount(money.FromMinor(1000)),
		MinimumPurchase: money.FromMinor(5000),
	},
	{
		Code:        "WELCOME10",
		Description: "10% off, first 1000 customers",
		Discount:    promo.PercentDiscount(1000),
		MaxUses:     1000,
	},
}

func main() {
	var (
		databaseURL  string
		adminKey     string
		checkoutKey  string
		apiKeyPepper string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&adminKey, "admin-key", "", "admin API key to seed (or PROMO_SEED_ADMIN_KEY env)")
	flag.StringVar(&checkoutKey, "checkout-key", "", "checkout API key to seed (or PROMO_SEED_CHECKOUT_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	databaseURL = orEnv(databaseURL, "DATABASE_URL")
	adminKey = orEnv(adminKey, "PROMO_SEED_ADMIN_KEY")
	checkoutKey = orEnv(checkoutKey, "PROMO_SEED_CHECKOUT_KEY")
	apiKeyPepper = orEnv(apiKeyPepper, "PROMO_API_KEY_PEPPER")
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if adminKey == "" && checkoutKey == "" {
		lg.Fatal("At least one of --admin-key or --checkout-key is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	keys := []*auth.APIKeyInfo{}
	hasher := auth.NewHasher([]byte(apiKeyPepper))
	if adminKey != "" {
		keys = append(keys, &auth.APIKeyInfo{ID: "admin", KeyHash: hasher.Hash(adminKey), Name: "Seeded admin key", Scopes: []string{auth.ScopeAdmin}})
	}
	if checkoutKey != "" {
		keys = append(keys, &auth.APIKeyInfo{ID: "checkout", KeyHash: hasher.Hash(checkoutKey), Name: "Seeded checkout key", Scopes: []string{auth.ScopeRedeem}})
	}

	if err := run(ctx, databaseURL, keys); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func orEnv(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

func run(ctx context.Context, databaseURL string, keys []*auth.APIKeyInfo) error {
	lg := zctx.From(ctx)

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	codes := postgres.NewPromoRepository(pool)
	svc, err := promo.NewService(codes, postgres.NewLedgerRepository(pool), postgres.NewCoordinator(pool, postgres.CoordinatorConfig{}), nil, promo.ServiceConfig{})
	if err != nil {
		return errors.Wrap(err, "create promo service")
	}
	for _, p := range demoCodes {
		_, err := svc.CreatePromoCode(ctx, p)
		switch {
		case errors.Is(err, promo.ErrDuplicateCode):
			lg.Info("Promo code already seeded", zap.String("code", p.Code))
		case err != nil:
			return errors.Wrapf(err, "seed promo code %s", p.Code)
		}
	}

	apiKeys := postgres.NewAPIKeyRepository(pool)
	for _, k := range keys {
		if err := apiKeys.Create(ctx, k); err != nil {
			return errors.Wrapf(err, "upsert api key %s", k.ID)
		}
		lg.Info("Upserted API key", zap.String("id", k.ID), zap.Strings("scopes", k.Scopes))
	}
	return nil
}
