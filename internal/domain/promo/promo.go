// Package promo implements promo-code validation, discount computation and
// concurrency-safe redemption on top of pluggable storage.
package promo

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/trip-promo/internal/domain/money"
)

// DiscountType enumerates the supported discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a share of the purchase amount, expressed in
	// basis points (1% = 100bp).
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, capped at the purchase amount.
	DiscountFixed DiscountType = "fixed"
)

// MaxBasisPoints is 100%.
const MaxBasisPoints = 10_000

// DefaultMaxUsesPerUser applies when a code is created without a per-user cap.
const DefaultMaxUsesPerUser = 1

var (
	// ErrNotFound is returned when a promo code does not exist.
	ErrNotFound = errors.New("promo code not found")
	// ErrDuplicateCode is returned when creating a code that already exists
	// (case-insensitively).
	ErrDuplicateCode = errors.New("promo code already exists")
	// ErrHasRedemptions is returned when deleting a code that has been redeemed.
	ErrHasRedemptions = errors.New("promo code has redemptions")
	// ErrMaxUsesBelowUsage is returned when lowering max uses below the
	// number of redemptions already committed.
	ErrMaxUsesBelowUsage = errors.New("max uses below current usage")
	// ErrContention is returned when a redemption could not be committed
	// because of concurrent access. Callers may retry.
	ErrContention = errors.New("promo code redemption contention")
)

// InvalidFieldError reports malformed admin or purchase input.
type InvalidFieldError struct {
	Field   string
	Message string
}

func (e *InvalidFieldError) Error() string {
	return e.Field + ": " + e.Message
}

func invalidField(field, msg string) error {
	return &InvalidFieldError{Field: field, Message: msg}
}

var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,31}$`)

// NormalizeCode upper-cases and trims a code for case-insensitive lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Discount is the frozen financial part of a promo code.
type Discount struct {
	Type DiscountType
	// BasisPoints is set for DiscountPercentage.
	BasisPoints int64
	// Amount is set for DiscountFixed.
	Amount money.Money
}

// PercentDiscount returns a percentage discount of the given basis points.
func PercentDiscount(bp int64) Discount {
	return Discount{Type: DiscountPercentage, BasisPoints: bp}
}

// FixedDiscount returns a fixed discount of the given amount.
func FixedDiscount(amount money.Money) Discount {
	return Discount{Type: DiscountFixed, Amount: amount}
}

// Validate checks the discount is well-formed.
func (d Discount) Validate() error {
	switch d.Type {
	case DiscountPercentage:
		if d.BasisPoints <= 0 || d.BasisPoints > MaxBasisPoints {
			return invalidField("discountAmount", "percentage must be greater than 0 and at most 100")
		}
	case DiscountFixed:
		if d.Amount <= 0 {
			return invalidField("discountAmount", "fixed amount must be greater than 0")
		}
	default:
		return invalidField("discountType", "must be percentage or fixed")
	}
	return nil
}

// Value returns the discount value as the admin sees it: percent for
// percentage codes, major units for fixed ones.
func (d Discount) Value() decimal.Decimal {
	if d.Type == DiscountPercentage {
		return decimal.New(d.BasisPoints, -2)
	}
	return d.Amount.Decimal()
}

var hundred = decimal.NewFromInt(100)

// ParsePercent converts a percent string ("20", "12.5", "33.33") into basis
// points. More than two fractional digits are rejected.
func ParsePercent(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, invalidField("discountAmount", "malformed percentage")
	}
	bp := d.Mul(hundred)
	if !bp.Equal(bp.Truncate(0)) {
		return 0, invalidField("discountAmount", "percentage supports at most 2 fractional digits")
	}
	if bp.Sign() <= 0 || bp.GreaterThan(decimal.NewFromInt(MaxBasisPoints)) {
		return 0, invalidField("discountAmount", "percentage must be greater than 0 and at most 100")
	}
	return bp.IntPart(), nil
}

// ParseDiscount parses the boundary representation of a discount.
func ParseDiscount(typ DiscountType, amount string) (Discount, error) {
	switch typ {
	case DiscountPercentage:
		bp, err := ParsePercent(amount)
		if err != nil {
			return Discount{}, err
		}
		return PercentDiscount(bp), nil
	case DiscountFixed:
		m, err := money.Parse(amount)
		if err != nil {
			return Discount{}, invalidField("discountAmount", err.Error())
		}
		d := FixedDiscount(m)
		return d, d.Validate()
	default:
		return Discount{}, invalidField("discountType", "must be percentage or fixed")
	}
}

// Code is a discount policy identified by a unique, case-insensitive string.
type Code struct {
	ID          uuid.UUID
	Code        string
	Description string
	Discount    Discount

	// MinimumPurchase of zero means no minimum.
	MinimumPurchase money.Money
	// MaxUses of zero means unlimited.
	MaxUses        int
	MaxUsesPerUser int

	ValidFrom  *time.Time
	ValidUntil *time.Time

	ScopeTemplateID string
	ScopeCreatorID  string

	IsActive  bool
	UsedCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsExpired reports whether now is past ValidUntil. ValidUntil itself is
// still valid.
func (c *Code) IsExpired(now time.Time) bool {
	return c.ValidUntil != nil && now.After(*c.ValidUntil)
}

// IsNotYetValid reports whether now is before ValidFrom.
func (c *Code) IsNotYetValid(now time.Time) bool {
	return c.ValidFrom != nil && now.Before(*c.ValidFrom)
}

// IsMaxedOut reports whether the global cap has been reached.
func (c *Code) IsMaxedOut() bool {
	return c.MaxUses > 0 && c.UsedCount >= c.MaxUses
}

// IsLive reports whether the code counts as active for reporting.
func (c *Code) IsLive(now time.Time) bool {
	return c.IsActive && !c.IsExpired(now) && !c.IsMaxedOut()
}

// Redemption is one committed application of a code to a purchase. Rows are
// append-only.
type Redemption struct {
	ID              uuid.UUID
	PromoCodeID     uuid.UUID
	UserID          string
	PurchaseAmount  money.Money
	DiscountApplied money.Money
	RedeemedAt      time.Time
}

// PurchaseContext is the already-validated purchase a code is applied to.
type PurchaseContext struct {
	UserID         string
	PurchaseAmount money.Money
	TemplateID     string
	CreatorID      string
	// RequestedAt of zero means "now" from the service clock.
	RequestedAt time.Time
}

func (p PurchaseContext) validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return invalidField("userId", "required")
	}
	if p.PurchaseAmount.IsNegative() {
		return invalidField("purchaseAmount", "must not be negative")
	}
	return nil
}

// ListFilter narrows ListPromoCodes results.
type ListFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Repository persists promo codes. Implementations never touch UsedCount
// outside Coordinator.Commit.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Code, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Code, error)
	Create(ctx context.Context, c *Code) error
	// Update writes the mutable fields of c. It fails with
	// ErrMaxUsesBelowUsage when MaxUses would drop below UsedCount.
	Update(ctx context.Context, c *Code) error
	// Delete removes a code with no redemptions.
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]Code, error)
}

// Ledger is the read side of the redemption ledger.
type Ledger interface {
	CountUserRedemptions(ctx context.Context, promoCodeID uuid.UUID, userID string) (int, error)
	ListRedemptions(ctx context.Context, promoCodeID uuid.UUID, limit int) ([]Redemption, error)
}

// CommitRequest is a redemption the coordinator should make durable.
type CommitRequest struct {
	PromoCodeID     uuid.UUID
	Purchase        PurchaseContext
	DiscountApplied money.Money
	Now             time.Time
}

// Recheck repeats every rule of the validator against the locked state of c.
func (r CommitRequest) Recheck(c *Code, userUses int) Reason {
	if reason := CheckAvailability(c, r.Now); reason.Rejected() {
		return reason
	}
	if reason := CheckUserCap(c, userUses); reason.Rejected() {
		return reason
	}
	return CheckPurchase(c, r.Purchase)
}

// CommitResult holds either the committed redemption or the reason it was
// refused.
type CommitResult struct {
	Redemption *Redemption
	Reason     Reason
}

// Coordinator atomically checks caps, appends to the ledger and increments
// the usage counter.
type Coordinator interface {
	Commit(ctx context.Context, req CommitRequest) (CommitResult, error)
}
