// Package importer bulk-loads promo codes from gzip-compressed CSV files.
//
// Each record is CODE,TYPE,AMOUNT[,MAX_USES[,MAX_USES_PER_USER]] where TYPE
// is "percentage" or "fixed". Lines starting with '#' are comments.
package importer

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

const (
	bloomFPR      = 0.001
	listPageSize  = 1000
	progressEvery = 10_000
)

// Catalog is the read side of the promo code store.
type Catalog interface {
	FindByCode(ctx context.Context, code string) (*promo.Code, error)
	List(ctx context.Context, f promo.ListFilter) ([]promo.Code, error)
}

// Creator validates and stores new codes, e.g. *promo.Service.
type Creator interface {
	CreatePromoCode(ctx context.Context, p promo.CreateParams) (*promo.Code, error)
}

// Config tunes an import.
type Config struct {
	// Workers bounds concurrent inserts. Defaults to 8.
	Workers int
	// ExpectedCodes sizes the bloom filter. Defaults to 1M.
	ExpectedCodes uint
}

// Report counts what happened to each record.
type Report struct {
	Read     int64
	Created  int64
	Existing int64
	Invalid  int64
}

// Importer loads codes, skipping ones that already exist.
type Importer struct {
	catalog Catalog
	creator Creator
	cfg     Config
}

// New creates an Importer.
func New(catalog Catalog, creator Creator, cfg Config) *Importer {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ExpectedCodes == 0 {
		cfg.ExpectedCodes = 1_000_000
	}
	return &Importer{catalog: catalog, creator: creator, cfg: cfg}
}

// report is updated concurrently by workers.
type report struct {
	read, created, existing, invalid atomic.Int64
}

func (r *report) snapshot() Report {
	return Report{
		Read:     r.read.Load(),
		Created:  r.created.Load(),
		Existing: r.existing.Load(),
		Invalid:  r.invalid.Load(),
	}
}

// Run imports every file in order. A bloom filter of known codes lets most
// new codes go straight to insert; possible hits are confirmed by lookup.
func (im *Importer) Run(ctx context.Context, paths []string) (Report, error) {
	lg := zctx.From(ctx)
	var rep report

	known, err := im.loadKnown(ctx)
	if err != nil {
		return rep.snapshot(), err
	}
	lg.Info("Bloom filter loaded", zap.Uint("capacity", known.Cap()))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Workers)

	for _, path := range paths {
		err := streamRecords(gctx, path, func(line int, rec []string) {
			n := rep.read.Add(1)
			if n%progressEvery == 0 {
				lg.Info("Import progress", zap.Int64("read", n))
			}

			p, err := ParseRecord(rec)
			if err != nil {
				rep.invalid.Add(1)
				lg.Warn("Skipping invalid record", zap.String("file", path), zap.Int("line", line), zap.Error(err))
				return
			}
			maybeKnown := known.TestAndAddString(promo.NormalizeCode(p.Code))

			g.Go(func() error {
				return im.importOne(gctx, p, maybeKnown, &rep)
			})
		})
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return rep.snapshot(), werr
			}
			return rep.snapshot(), errors.Wrapf(err, "read %s", path)
		}
	}

	if err := g.Wait(); err != nil {
		return rep.snapshot(), err
	}
	return rep.snapshot(), nil
}

func (im *Importer) importOne(ctx context.Context, p promo.CreateParams, maybeKnown bool, rep *report) error {
	if maybeKnown {
		_, err := im.catalog.FindByCode(ctx, promo.NormalizeCode(p.Code))
		switch {
		case err == nil:
			rep.existing.Add(1)
			return nil
		case !errors.Is(err, promo.ErrNotFound):
			return errors.Wrapf(err, "lookup %s", p.Code)
		}
	}

	_, err := im.creator.CreatePromoCode(ctx, p)
	var invalid *promo.InvalidFieldError
	switch {
	case err == nil:
		rep.created.Add(1)
	case errors.Is(err, promo.ErrDuplicateCode):
		// The same code repeated within the import and raced another worker.
		rep.existing.Add(1)
	case errors.As(err, &invalid):
		rep.invalid.Add(1)
		zctx.From(ctx).Warn("Rejected code", zap.String("code", p.Code), zap.Error(err))
	default:
		return errors.Wrapf(err, "create %s", p.Code)
	}
	return nil
}

// loadKnown adds every stored code to a fresh bloom filter.
func (im *Importer) loadKnown(ctx context.Context) (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(im.cfg.ExpectedCodes, bloomFPR)
	for offset := 0; ; offset += listPageSize {
		page, err := im.catalog.List(ctx, promo.ListFilter{Limit: listPageSize, Offset: offset})
		if err != nil {
			return nil, errors.Wrap(err, "list existing codes")
		}
		for _, c := range page {
			filter.AddString(c.Code)
		}
		if len(page) < listPageSize {
			return filter, nil
		}
	}
}

// ParseRecord converts one CSV record into CreateParams.
func ParseRecord(rec []string) (promo.CreateParams, error) {
	if len(rec) < 3 || len(rec) > 5 {
		return promo.CreateParams{}, errors.Errorf("expected 3 to 5 fields, got %d", len(rec))
	}
	for i := range rec {
		rec[i] = strings.TrimSpace(rec[i])
	}

	d, err := promo.ParseDiscount(promo.DiscountType(strings.ToLower(rec[1])), rec[2])
	if err != nil {
		return promo.CreateParams{}, err
	}
	p := promo.CreateParams{Code: rec[0], Discount: d}

	if len(rec) > 3 && rec[3] != "" {
		if p.MaxUses, err = strconv.Atoi(rec[3]); err != nil {
			return promo.CreateParams{}, errors.Wrap(err, "max uses")
		}
	}
	if len(rec) > 4 && rec[4] != "" {
		if p.MaxUsesPerUser, err = strconv.Atoi(rec[4]); err != nil {
			return promo.CreateParams{}, errors.Wrap(err, "max uses per user")
		}
	}
	return p, nil
}

// streamRecords decompresses path and calls fn for each CSV record.
func streamRecords(ctx context.Context, path string, fn func(line int, rec []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "parse csv")
		}
		line, _ := r.FieldPos(0)
		fn(line, rec)
	}
}
