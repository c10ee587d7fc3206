package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

const (
	statsCodesSQL = `SELECT count(*),
		count(*) FILTER (WHERE is_active
			AND (valid_until IS NULL OR valid_until >= $1)
			AND (max_uses = 0 OR used_count < max_uses))
		FROM promo_codes`

	statsLedgerSQL = `SELECT count(*), COALESCE(SUM(discount_applied), 0) FROM promo_code_redemptions`

	statsTopSQL = `SELECT r.promo_code_id, p.code, count(*), SUM(r.discount_applied)
		FROM promo_code_redemptions r
		JOIN promo_codes p ON p.id = r.promo_code_id
		GROUP BY r.promo_code_id, p.code
		ORDER BY count(*) DESC, p.code
		LIMIT $1`
)

var _ promo.StatsSource = (*StatsRepository)(nil)

// StatsRepository aggregates reporting figures in one read-only snapshot.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// NewStatsRepository returns a StatsRepository that uses the given pool.
func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{pool: pool}
}

// Stats computes totals and the top codes as of now.
func (r *StatsRepository) Stats(ctx context.Context, now time.Time, topN int) (*promo.Stats, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("beginning stats tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zctx.From(ctx).Warn("Rollback failed", zap.Error(err))
		}
	}()

	s := &promo.Stats{GeneratedAt: now, Top: []promo.CodeStats{}}
	if err := tx.QueryRow(ctx, statsCodesSQL, now).Scan(&s.TotalCodes, &s.ActiveCodes); err != nil {
		return nil, fmt.Errorf("counting promo codes: %w", err)
	}

	var total decimal.Decimal
	if err := tx.QueryRow(ctx, statsLedgerSQL).Scan(&s.TotalRedemptions, &total); err != nil {
		return nil, fmt.Errorf("summing redemptions: %w", err)
	}
	if s.TotalDiscount, err = money.FromDecimal(total.Shift(-money.Scale)); err != nil {
		return nil, fmt.Errorf("total discount: %w", err)
	}

	rows, err := tx.Query(ctx, statsTopSQL, topN)
	if err != nil {
		return nil, fmt.Errorf("ranking promo codes: %w", err)
	}
	top, err := pgx.CollectRows(rows, scanCodeStats)
	if err != nil {
		return nil, fmt.Errorf("ranking promo codes: %w", err)
	}
	s.Top = append(s.Top, top...)

	return s, tx.Commit(ctx)
}

func scanCodeStats(row pgx.CollectableRow) (promo.CodeStats, error) {
	var (
		e   promo.CodeStats
		sum decimal.Decimal
	)
	if err := row.Scan(&e.PromoCodeID, &e.Code, &e.Redemptions, &sum); err != nil {
		return e, err
	}
	d, err := money.FromDecimal(sum.Shift(-money.Scale))
	if err != nil {
		return e, err
	}
	e.TotalDiscount = d
	return e, nil
}
