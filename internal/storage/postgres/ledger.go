package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

const (
	countUserRedemptionsSQL = `SELECT count(*) FROM promo_code_redemptions
		WHERE promo_code_id = $1 AND user_id = $2`

	listRedemptionsSQL = `SELECT id, promo_code_id, user_id, purchase_amount, discount_applied, redeemed_at
		FROM promo_code_redemptions WHERE promo_code_id = $1
		ORDER BY redeemed_at DESC, id
		LIMIT $2`

	insertRedemptionSQL = `INSERT INTO promo_code_redemptions
		(id, promo_code_id, user_id, purchase_amount, discount_applied, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ promo.Ledger = (*LedgerRepository)(nil)

// LedgerRepository reads the redemption ledger. Rows are written only by
// Coordinator.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// CountUserRedemptions counts redemptions of a code by one user.
func (r *LedgerRepository) CountUserRedemptions(ctx context.Context, promoCodeID uuid.UUID, userID string) (int, error) {
	return countUserRedemptions(ctx, r.pool, promoCodeID, userID)
}

func countUserRedemptions(ctx context.Context, q querier, promoCodeID uuid.UUID, userID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, countUserRedemptionsSQL, promoCodeID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting redemptions of %s by %q: %w", promoCodeID, userID, err)
	}
	return n, nil
}

// ListRedemptions returns the latest redemptions of a code.
func (r *LedgerRepository) ListRedemptions(ctx context.Context, promoCodeID uuid.UUID, limit int) ([]promo.Redemption, error) {
	rows, err := r.pool.Query(ctx, listRedemptionsSQL, promoCodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %s: %w", promoCodeID, err)
	}
	out, err := pgx.CollectRows(rows, scanRedemption)
	if err != nil {
		return nil, fmt.Errorf("listing redemptions of %s: %w", promoCodeID, err)
	}
	return out, nil
}

func scanRedemption(row pgx.CollectableRow) (promo.Redemption, error) {
	var (
		r        promo.Redemption
		purchase int64
		discount int64
	)
	err := row.Scan(&r.ID, &r.PromoCodeID, &r.UserID, &purchase, &discount, &r.RedeemedAt)
	r.PurchaseAmount = money.FromMinor(purchase)
	r.DiscountApplied = money.FromMinor(discount)
	return r, err
}
