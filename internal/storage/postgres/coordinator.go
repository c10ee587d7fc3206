package postgres

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

const (
	lockPromoSQL = `SELECT ` + promoColumns + ` FROM promo_codes WHERE id = $1 FOR UPDATE`

	incrementUsedCountSQL = `UPDATE promo_codes SET used_count = used_count + 1 WHERE id = $1`

	setLockTimeoutSQL = `SELECT set_config('lock_timeout', $1, true)`
)

// CoordinatorConfig tunes the redemption transaction.
type CoordinatorConfig struct {
	// LockTimeout bounds the wait for the promo code row lock. Zero keeps the
	// server default.
	LockTimeout time.Duration
	// MaxRetries is the number of extra attempts after a retryable failure.
	MaxRetries int
	// RetryBaseDelay is the first backoff; each retry doubles it.
	RetryBaseDelay time.Duration
}

var _ promo.Coordinator = (*Coordinator)(nil)

// Coordinator commits redemptions in a READ COMMITTED transaction that holds
// the promo code row lock from the cap re-check to the counter increment.
type Coordinator struct {
	pool *pgxpool.Pool
	cfg  CoordinatorConfig
}

// NewCoordinator returns a Coordinator that uses the given pool.
func NewCoordinator(pool *pgxpool.Pool, cfg CoordinatorConfig) *Coordinator {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 20 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Coordinator{pool: pool, cfg: cfg}
}

// Commit re-checks req against the locked row and records the redemption.
// Serialization failures, deadlocks and lock timeouts are retried with
// exponential backoff; when retries run out promo.ErrContention is returned.
func (c *Coordinator) Commit(ctx context.Context, req promo.CommitRequest) (promo.CommitResult, error) {
	lg := zctx.From(ctx)

	for attempt := 0; ; attempt++ {
		res, err := c.commitOnce(ctx, req)
		if err == nil {
			return res, nil
		}
		if !isRetryable(err) {
			return promo.CommitResult{}, err
		}
		if attempt >= c.cfg.MaxRetries {
			lg.Warn("Redemption retries exhausted",
				zap.Stringer("promo_code_id", req.PromoCodeID),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return promo.CommitResult{}, errors.Wrapf(promo.ErrContention, "after %d attempts: %v", attempt+1, err)
		}

		wait := backoff(attempt, c.cfg.RetryBaseDelay)
		lg.Debug("Retrying redemption",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return promo.CommitResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Coordinator) commitOnce(ctx context.Context, req promo.CommitRequest) (promo.CommitResult, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return promo.CommitResult{}, fmt.Errorf("beginning redemption tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zctx.From(ctx).Warn("Rollback failed", zap.Error(err))
		}
	}()

	if c.cfg.LockTimeout > 0 {
		ms := fmt.Sprintf("%dms", c.cfg.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, setLockTimeoutSQL, ms); err != nil {
			return promo.CommitResult{}, fmt.Errorf("setting lock timeout: %w", err)
		}
	}

	code, err := scanPromo(tx.QueryRow(ctx, lockPromoSQL, req.PromoCodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return promo.CommitResult{Reason: promo.ReasonNotFound}, nil
		}
		return promo.CommitResult{}, fmt.Errorf("locking promo code %s: %w", req.PromoCodeID, err)
	}

	uses, err := countUserRedemptions(ctx, tx, code.ID, req.Purchase.UserID)
	if err != nil {
		return promo.CommitResult{}, err
	}
	if reason := req.Recheck(&code, uses); reason.Rejected() {
		return promo.CommitResult{Reason: reason}, nil
	}

	r := promo.Redemption{
		ID:              uuid.New(),
		PromoCodeID:     code.ID,
		UserID:          req.Purchase.UserID,
		PurchaseAmount:  req.Purchase.PurchaseAmount,
		DiscountApplied: req.DiscountApplied,
		RedeemedAt:      req.Now,
	}
	if _, err := tx.Exec(ctx, insertRedemptionSQL,
		r.ID, r.PromoCodeID, r.UserID, r.PurchaseAmount.Minor(), r.DiscountApplied.Minor(), r.RedeemedAt,
	); err != nil {
		return promo.CommitResult{}, fmt.Errorf("inserting redemption: %w", err)
	}
	if _, err := tx.Exec(ctx, incrementUsedCountSQL, code.ID); err != nil {
		return promo.CommitResult{}, fmt.Errorf("incrementing used count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return promo.CommitResult{}, fmt.Errorf("committing redemption: %w", err)
	}
	return promo.CommitResult{Redemption: &r}, nil
}

func isRetryable(err error) bool {
	switch pgErrCode(err) {
	case pgErrSerializationFailure, pgErrDeadlockDetected, pgErrLockNotAvailable:
		return true
	default:
		return false
	}
}

// backoff returns base*2^attempt plus up to 20% jitter.
func backoff(attempt int, base time.Duration) time.Duration {
	wait := base << attempt
	if j := int64(wait / 5); j > 0 {
		wait += time.Duration(rand.Int64N(j))
	}
	return wait
}
