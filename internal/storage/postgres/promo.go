package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

const promoColumns = `id, code, description, discount_type, discount_bp, discount_amount,
	minimum_purchase, max_uses, max_uses_per_user, used_count, valid_from, valid_until,
	scope_template_id, scope_creator_id, is_active, created_at, updated_at`

const (
	getPromoByCodeSQL = `SELECT ` + promoColumns + ` FROM promo_codes WHERE UPPER(code) = UPPER($1)`

	getPromoByIDSQL = `SELECT ` + promoColumns + ` FROM promo_codes WHERE id = $1`

	insertPromoSQL = `INSERT INTO promo_codes (` + promoColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	updatePromoSQL = `UPDATE promo_codes SET
		description = $2, minimum_purchase = $3, max_uses = $4::int, max_uses_per_user = $5,
		valid_from = $6, valid_until = $7, scope_template_id = $8, scope_creator_id = $9,
		is_active = $10, updated_at = $11
		WHERE id = $1 AND ($4::int = 0 OR $4::int >= used_count)`

	deletePromoSQL = `DELETE FROM promo_codes WHERE id = $1
		AND NOT EXISTS (SELECT 1 FROM promo_code_redemptions WHERE promo_code_id = $1)`

	promoExistsSQL = `SELECT EXISTS (SELECT 1 FROM promo_codes WHERE id = $1)`

	listPromoSQL = `SELECT ` + promoColumns + ` FROM promo_codes
		WHERE ($1::bool = FALSE OR is_active)
		ORDER BY created_at DESC, code
		LIMIT $2 OFFSET $3`
)

var _ promo.Repository = (*PromoRepository)(nil)

// PromoRepository implements promo.Repository backed by PostgreSQL.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository returns a PromoRepository that uses the given pool.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// FindByCode looks up a promo code case-insensitively.
// Returns promo.ErrNotFound when no such code exists.
func (r *PromoRepository) FindByCode(ctx context.Context, code string) (*promo.Code, error) {
	c, err := scanPromo(r.pool.QueryRow(ctx, getPromoByCodeSQL, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrNotFound
		}
		return nil, fmt.Errorf("finding promo code %q: %w", code, err)
	}
	return &c, nil
}

// FindByID looks up a promo code by id.
func (r *PromoRepository) FindByID(ctx context.Context, id uuid.UUID) (*promo.Code, error) {
	c, err := scanPromo(r.pool.QueryRow(ctx, getPromoByIDSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrNotFound
		}
		return nil, fmt.Errorf("finding promo code %s: %w", id, err)
	}
	return &c, nil
}

// Create inserts a new promo code. A case-insensitive duplicate yields
// promo.ErrDuplicateCode.
func (r *PromoRepository) Create(ctx context.Context, c *promo.Code) error {
	_, err := r.pool.Exec(ctx, insertPromoSQL,
		c.ID, c.Code, c.Description, string(c.Discount.Type), c.Discount.BasisPoints, c.Discount.Amount.Minor(),
		c.MinimumPurchase.Minor(), c.MaxUses, c.MaxUsesPerUser, c.UsedCount, c.ValidFrom, c.ValidUntil,
		c.ScopeTemplateID, c.ScopeCreatorID, c.IsActive, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgErrUniqueViolation {
			return promo.ErrDuplicateCode
		}
		return fmt.Errorf("creating promo code %q: %w", c.Code, err)
	}
	return nil
}

// Update writes the mutable fields of c. The statement refuses to lower
// max_uses below used_count.
func (r *PromoRepository) Update(ctx context.Context, c *promo.Code) error {
	tag, err := r.pool.Exec(ctx, updatePromoSQL,
		c.ID, c.Description, c.MinimumPurchase.Minor(), c.MaxUses, c.MaxUsesPerUser,
		c.ValidFrom, c.ValidUntil, c.ScopeTemplateID, c.ScopeCreatorID,
		c.IsActive, c.UpdatedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgErrCheckViolation {
			return promo.ErrMaxUsesBelowUsage
		}
		return fmt.Errorf("updating promo code %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOr(ctx, c.ID, promo.ErrMaxUsesBelowUsage)
	}
	return nil
}

// Delete removes a promo code that was never redeemed.
func (r *PromoRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, deletePromoSQL, id)
	if err != nil {
		if pgErrCode(err) == pgErrForeignKeyViolation {
			return promo.ErrHasRedemptions
		}
		return fmt.Errorf("deleting promo code %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOr(ctx, id, promo.ErrHasRedemptions)
	}
	return nil
}

// missingOr tells a missing row apart from a guarded write that matched
// nothing.
func (r *PromoRepository) missingOr(ctx context.Context, id uuid.UUID, guard error) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, promoExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking promo code %s: %w", id, err)
	}
	if !exists {
		return promo.ErrNotFound
	}
	return guard
}

// List returns promo codes, newest first.
func (r *PromoRepository) List(ctx context.Context, f promo.ListFilter) ([]promo.Code, error) {
	rows, err := r.pool.Query(ctx, listPromoSQL, f.ActiveOnly, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing promo codes: %w", err)
	}
	codes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (promo.Code, error) {
		return scanPromo(row)
	})
	if err != nil {
		return nil, fmt.Errorf("listing promo codes: %w", err)
	}
	return codes, nil
}

func scanPromo(row pgx.Row) (promo.Code, error) {
	var (
		c               promo.Code
		discountType    string
		discountAmount  int64
		minimumPurchase int64
		validFrom       *time.Time
		validUntil      *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.Discount.BasisPoints, &discountAmount,
		&minimumPurchase, &c.MaxUses, &c.MaxUsesPerUser, &c.UsedCount, &validFrom, &validUntil,
		&c.ScopeTemplateID, &c.ScopeCreatorID, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	c.Discount.Type = promo.DiscountType(discountType)
	c.Discount.Amount = money.FromMinor(discountAmount)
	c.MinimumPurchase = money.FromMinor(minimumPurchase)
	c.ValidFrom = validFrom
	c.ValidUntil = validUntil
	return c, err
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
