package promo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/money"
)

const instrumentationName = "github.com/xenking/trip-promo/internal/domain/promo"

// DefaultCommitTimeout bounds a single RedeemPromoCode commit.
const DefaultCommitTimeout = 5 * time.Second

// Publisher announces committed redemptions to other systems.
type Publisher interface {
	PublishRedeemed(ctx context.Context, code *Code, r *Redemption) error
}

// ServiceConfig holds the optional collaborators and tunables of Service.
type ServiceConfig struct {
	// CommitTimeout bounds the coordinator commit. Zero means DefaultCommitTimeout.
	CommitTimeout time.Duration
	// Publisher receives committed redemptions. Nil disables publishing.
	Publisher      Publisher
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Validation is the answer to ValidatePromoCode. Discount is the amount the
// code would grant and is zero when rejected.
type Validation struct {
	Outcome
	Discount money.Money
}

// RedemptionResult is the answer to RedeemPromoCode. Exactly one of Reason
// (rejected) or Redemption (committed) is set.
type RedemptionResult struct {
	Reason     Reason
	Redemption *Redemption
	Code       *Code
}

// Accepted reports whether the redemption was committed.
func (r RedemptionResult) Accepted() bool { return r.Redemption != nil }

// Service is the entry point of the promo engine.
type Service struct {
	codes       Repository
	ledger      Ledger
	coordinator Coordinator
	validator   *Validator
	stats       *StatsAggregator
	publisher   Publisher

	commitTimeout time.Duration
	now           func() time.Time
	tracer        trace.Tracer

	validations metric.Int64Counter
	redemptions metric.Int64Counter
	contention  metric.Int64Counter
	discounts   metric.Int64Counter
}

// NewService creates a Service over the given stores.
func NewService(
	codes Repository,
	ledger Ledger,
	coordinator Coordinator,
	stats *StatsAggregator,
	cfg ServiceConfig,
) (*Service, error) {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = metricnoop.NewMeterProvider()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = tracenoop.NewTracerProvider()
	}

	s := &Service{
		codes:         codes,
		ledger:        ledger,
		coordinator:   coordinator,
		validator:     NewValidator(codes, ledger),
		stats:         stats,
		publisher:     cfg.Publisher,
		commitTimeout: cfg.CommitTimeout,
		now:           time.Now,
		tracer:        cfg.TracerProvider.Tracer(instrumentationName),
	}

	meter := cfg.MeterProvider.Meter(instrumentationName)
	var err error
	if s.validations, err = meter.Int64Counter("promo.validations",
		metric.WithDescription("Promo code validations by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "validations counter")
	}
	if s.redemptions, err = meter.Int64Counter("promo.redemptions",
		metric.WithDescription("Promo code redemption attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "redemptions counter")
	}
	if s.contention, err = meter.Int64Counter("promo.contention",
		metric.WithDescription("Redemptions that failed with contention"),
	); err != nil {
		return nil, errors.Wrap(err, "contention counter")
	}
	if s.discounts, err = meter.Int64Counter("promo.discount_applied",
		metric.WithDescription("Total discount committed, in minor units"),
	); err != nil {
		return nil, errors.Wrap(err, "discount counter")
	}

	return s, nil
}

func (s *Service) requestTime(pc PurchaseContext) time.Time {
	if pc.RequestedAt.IsZero() {
		return s.now()
	}
	return pc.RequestedAt
}

func outcomeAttr(r Reason) metric.MeasurementOption {
	outcome := string(r)
	if !r.Rejected() {
		outcome = "accepted"
	}
	return metric.WithAttributes(attribute.String("outcome", outcome))
}

// ValidatePromoCode reports whether code can be redeemed for pc and, if so,
// the discount it would grant. It has no side effects.
func (s *Service) ValidatePromoCode(ctx context.Context, code string, pc PurchaseContext) (Validation, error) {
	if err := pc.validate(); err != nil {
		return Validation{}, err
	}

	out, err := s.validator.Validate(ctx, code, pc, s.requestTime(pc))
	if err != nil {
		return Validation{}, err
	}
	s.validations.Add(ctx, 1, outcomeAttr(out.Reason))

	v := Validation{Outcome: out}
	if out.Accepted() {
		v.Discount = ComputeDiscount(out.Code, pc.PurchaseAmount)
	}
	return v, nil
}

// RedeemPromoCode validates code, computes the discount and commits the
// redemption atomically. Rejections are returned in the result. ErrContention
// is returned when the commit could not complete in time.
func (s *Service) RedeemPromoCode(ctx context.Context, code string, pc PurchaseContext) (_ RedemptionResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "promo.Redeem",
		trace.WithAttributes(attribute.String("promo.code", NormalizeCode(code))),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	lg := zctx.From(ctx).With(zap.String("code", NormalizeCode(code)), zap.String("user_id", pc.UserID))

	v, err := s.ValidatePromoCode(ctx, code, pc)
	if err != nil {
		return RedemptionResult{}, err
	}
	if !v.Accepted() {
		s.redemptions.Add(ctx, 1, outcomeAttr(v.Reason))
		span.SetAttributes(attribute.String("promo.reason", string(v.Reason)))
		return RedemptionResult{Reason: v.Reason, Code: v.Code}, nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	res, err := s.coordinator.Commit(commitCtx, CommitRequest{
		PromoCodeID:     v.Code.ID,
		Purchase:        pc,
		DiscountApplied: v.Discount,
		Now:             s.requestTime(pc),
	})
	if err != nil {
		if ctx.Err() != nil {
			return RedemptionResult{}, errors.Wrap(ctx.Err(), "commit redemption")
		}
		if errors.Is(err, ErrContention) || errors.Is(err, context.DeadlineExceeded) {
			s.contention.Add(ctx, 1)
			lg.Warn("Redemption contention", zap.Error(err))
			return RedemptionResult{}, errors.Wrap(ErrContention, "commit redemption")
		}
		return RedemptionResult{}, errors.Wrap(err, "commit redemption")
	}

	s.redemptions.Add(ctx, 1, outcomeAttr(res.Reason))
	if res.Reason.Rejected() {
		span.SetAttributes(attribute.String("promo.reason", string(res.Reason)))
		lg.Debug("Redemption rejected on commit", zap.String("reason", string(res.Reason)))
		return RedemptionResult{Reason: res.Reason, Code: v.Code}, nil
	}

	s.discounts.Add(ctx, res.Redemption.DiscountApplied.Minor())
	lg.Info("Promo code redeemed",
		zap.Stringer("redemption_id", res.Redemption.ID),
		zap.Int64("discount_applied", res.Redemption.DiscountApplied.Minor()),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishRedeemed(ctx, v.Code, res.Redemption); err != nil {
			lg.Error("Publish redemption event", zap.Error(err))
		}
	}

	return RedemptionResult{Redemption: res.Redemption, Code: v.Code}, nil
}

// GetStats returns reporting figures with the top topN codes.
func (s *Service) GetStats(ctx context.Context, topN int) (*Stats, error) {
	if s.stats == nil {
		return nil, errors.New("stats are not configured")
	}
	return s.stats.Get(ctx, topN)
}

// CreateParams describes a new promo code. Discount and Code are frozen once
// created.
type CreateParams struct {
	Code            string
	Description     string
	Discount        Discount
	MinimumPurchase money.Money
	MaxUses         int
	MaxUsesPerUser  int
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	ScopeTemplateID string
	ScopeCreatorID  string
}

// CreatePromoCode validates p and stores a new active code with no usage.
func (s *Service) CreatePromoCode(ctx context.Context, p CreateParams) (*Code, error) {
	code := NormalizeCode(p.Code)
	if !codePattern.MatchString(code) {
		return nil, invalidField("code", "must be 3-32 characters of A-Z, 0-9, '_' or '-'")
	}
	if err := p.Discount.Validate(); err != nil {
		return nil, err
	}
	if p.MaxUsesPerUser == 0 {
		p.MaxUsesPerUser = DefaultMaxUsesPerUser
	}

	now := s.now()
	c := &Code{
		ID:              uuid.New(),
		Code:            code,
		Description:     p.Description,
		Discount:        p.Discount,
		MinimumPurchase: p.MinimumPurchase,
		MaxUses:         p.MaxUses,
		MaxUsesPerUser:  p.MaxUsesPerUser,
		ValidFrom:       p.ValidFrom,
		ValidUntil:      p.ValidUntil,
		ScopeTemplateID: p.ScopeTemplateID,
		ScopeCreatorID:  p.ScopeCreatorID,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := validateLimits(c); err != nil {
		return nil, err
	}

	if err := s.codes.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create promo code")
	}
	zctx.From(ctx).Info("Promo code created",
		zap.String("code", c.Code),
		zap.String("discount_type", string(c.Discount.Type)),
	)
	return c, nil
}

func validateLimits(c *Code) error {
	switch {
	case c.MinimumPurchase.IsNegative():
		return invalidField("minimumPurchase", "must not be negative")
	case c.MaxUses < 0:
		return invalidField("maxUses", "must not be negative")
	case c.MaxUsesPerUser < 1:
		return invalidField("maxUsesPerUser", "must be at least 1")
	case c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom):
		return invalidField("validUntil", "must not be before validFrom")
	}
	return nil
}

// Field is an optional patch value. Set distinguishes "absent" from the zero
// value, so a nil pointer can clear ValidFrom or ValidUntil.
type Field[T any] struct {
	Set   bool
	Value T
}

// SetField returns a Field holding v.
func SetField[T any](v T) Field[T] { return Field[T]{Set: true, Value: v} }

func (f Field[T]) apply(dst *T) {
	if f.Set {
		*dst = f.Value
	}
}

// UpdateParams lists the fields administrators may change after creation.
type UpdateParams struct {
	Description     Field[string]
	MinimumPurchase Field[money.Money]
	MaxUses         Field[int]
	MaxUsesPerUser  Field[int]
	ValidFrom       Field[*time.Time]
	ValidUntil      Field[*time.Time]
	ScopeTemplateID Field[string]
	ScopeCreatorID  Field[string]
	IsActive        Field[bool]
}

// UpdatePromoCode applies p to the code with the given id.
func (s *Service) UpdatePromoCode(ctx context.Context, id uuid.UUID, p UpdateParams) (*Code, error) {
	c, err := s.codes.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	p.Description.apply(&c.Description)
	p.MinimumPurchase.apply(&c.MinimumPurchase)
	p.MaxUses.apply(&c.MaxUses)
	p.MaxUsesPerUser.apply(&c.MaxUsesPerUser)
	p.ValidFrom.apply(&c.ValidFrom)
	p.ValidUntil.apply(&c.ValidUntil)
	p.ScopeTemplateID.apply(&c.ScopeTemplateID)
	p.ScopeCreatorID.apply(&c.ScopeCreatorID)
	p.IsActive.apply(&c.IsActive)

	if err := validateLimits(c); err != nil {
		return nil, err
	}
	if c.MaxUses > 0 && c.MaxUses < c.UsedCount {
		return nil, ErrMaxUsesBelowUsage
	}
	c.UpdatedAt = s.now()

	if err := s.codes.Update(ctx, c); err != nil {
		return nil, errors.Wrap(err, "update promo code")
	}
	zctx.From(ctx).Info("Promo code updated", zap.String("code", c.Code), zap.Bool("active", c.IsActive))

	// Re-read so UsedCount reflects redemptions committed meanwhile.
	return s.codes.FindByID(ctx, id)
}

// SetActive enables or disables a code.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*Code, error) {
	return s.UpdatePromoCode(ctx, id, UpdateParams{IsActive: SetField(active)})
}

// DeletePromoCode removes a code that was never redeemed.
func (s *Service) DeletePromoCode(ctx context.Context, id uuid.UUID) error {
	if err := s.codes.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete promo code")
	}
	zctx.From(ctx).Info("Promo code deleted", zap.Stringer("id", id))
	return nil
}

// GetPromoCode returns a code by id.
func (s *Service) GetPromoCode(ctx context.Context, id uuid.UUID) (*Code, error) {
	return s.codes.FindByID(ctx, id)
}

// ListPromoCodes returns codes matching f.
func (s *Service) ListPromoCodes(ctx context.Context, f ListFilter) ([]Code, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.codes.List(ctx, f)
}

// ListRedemptions returns the latest ledger entries of a code.
func (s *Service) ListRedemptions(ctx context.Context, id uuid.UUID, limit int) ([]Redemption, error) {
	if _, err := s.codes.FindByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return s.ledger.ListRedemptions(ctx, id, limit)
}
