package promo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Outcome is the decision of the validator. Code is the snapshot the decision
// was made on and is nil only for ReasonNotFound.
type Outcome struct {
	Reason Reason
	Code   *Code
}

// Accepted reports whether the code may be redeemed.
func (o Outcome) Accepted() bool { return !o.Reason.Rejected() }

// Validator runs the ordered rule pipeline against current state. It never
// writes; its view of UsedCount is advisory and re-checked on commit.
type Validator struct {
	codes  Repository
	ledger Ledger
}

// NewValidator creates a Validator reading codes and per-user counts from the
// given stores.
func NewValidator(codes Repository, ledger Ledger) *Validator {
	return &Validator{codes: codes, ledger: ledger}
}

// Validate checks code against the purchase at time now. The first failing
// rule determines the reason. Infrastructure failures are returned as errors,
// never as rejections.
func (v *Validator) Validate(ctx context.Context, code string, pc PurchaseContext, now time.Time) (Outcome, error) {
	c, err := v.codes.FindByCode(ctx, NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Outcome{Reason: ReasonNotFound}, nil
		}
		return Outcome{}, errors.Wrap(err, "lookup promo code")
	}

	if r := CheckAvailability(c, now); r.Rejected() {
		return Outcome{Reason: r, Code: c}, nil
	}

	uses, err := v.ledger.CountUserRedemptions(ctx, c.ID, pc.UserID)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "count user redemptions")
	}
	if r := CheckUserCap(c, uses); r.Rejected() {
		return Outcome{Reason: r, Code: c}, nil
	}

	return Outcome{Reason: CheckPurchase(c, pc), Code: c}, nil
}

// CheckAvailability applies the code-level rules: active flag, validity
// window (both bounds inclusive) and the global cap.
func CheckAvailability(c *Code, now time.Time) Reason {
	switch {
	case !c.IsActive:
		return ReasonInactive
	case c.IsNotYetValid(now):
		return ReasonNotYetValid
	case c.IsExpired(now):
		return ReasonExpired
	case c.IsMaxedOut():
		return ReasonMaxUsesReached
	}
	return ReasonNone
}

// CheckUserCap rejects when the user already redeemed the code the maximum
// number of times.
func CheckUserCap(c *Code, uses int) Reason {
	limit := c.MaxUsesPerUser
	if limit <= 0 {
		limit = DefaultMaxUsesPerUser
	}
	if uses >= limit {
		return ReasonUserMaxUsesReached
	}
	return ReasonNone
}

// CheckPurchase applies the purchase-level rules: minimum amount and scope.
func CheckPurchase(c *Code, pc PurchaseContext) Reason {
	if pc.PurchaseAmount < c.MinimumPurchase {
		return ReasonMinimumPurchaseNotMet
	}
	if c.ScopeTemplateID != "" && c.ScopeTemplateID != pc.TemplateID {
		return ReasonScopeMismatch
	}
	if c.ScopeCreatorID != "" && c.ScopeCreatorID != pc.CreatorID {
		return ReasonScopeMismatch
	}
	return ReasonNone
}
