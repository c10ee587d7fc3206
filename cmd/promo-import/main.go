// Command promo-import bulk-loads promo codes from gzip-compressed CSV files
// into PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/promo"
	"github.com/xenking/trip-promo/internal/importer"
	"github.com/xenking/trip-promo/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		workers     int
		expected    uint
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 8, "concurrent inserts")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected number of codes, sizes the bloom filter")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] FILE.csv.gz...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	cfg := importer.Config{Workers: workers, ExpectedCodes: expected}
	if err := run(ctx, databaseURL, flag.Args(), cfg); err != nil {
		lg.Error("Promo import failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL string, files []string, cfg importer.Config) error {
	lg := zctx.From(ctx)

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	codes := postgres.NewPromoRepository(pool)
	svc, err := promo.NewService(codes, postgres.NewLedgerRepository(pool), postgres.NewCoordinator(pool, postgres.CoordinatorConfig{}), nil, promo.ServiceConfig{})
	if err != nil {
		return errors.Wrap(err, "create promo service")
	}

	lg.Info("Importing promo codes", zap.Strings("files", files), zap.Int("workers", cfg.Workers))
	rep, err := importer.New(codes, svc, cfg).Run(ctx, files)
	lg.Info("Import finished",
		zap.Int64("read", rep.Read),
		zap.Int64("created", rep.Created),
		zap.Int64("existing", rep.Existing),
		zap.Int64("invalid", rep.Invalid),
	)
	return err
}
