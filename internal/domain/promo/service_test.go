package promo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
	"github.com/xenking/trip-promo/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []promo.Redemption
	err    error
}

func (p *recordingPublisher) PublishRedeemed(_ context.Context, _ *promo.Code, r *promo.Redemption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *r)
	return p.err
}

// stuckCoordinator never commits and waits for the deadline.
type stuckCoordinator struct{}

func (stuckCoordinator) Commit(ctx context.Context, _ promo.CommitRequest) (promo.CommitResult, error) {
	<-ctx.Done()
	return promo.CommitResult{}, ctx.Err()
}

func newService(t *testing.T, cfg promo.ServiceConfig) (*promo.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := promo.NewService(store, store, store, promo.NewStatsAggregator(store, nil), cfg)
	require.NoError(t, err)
	return svc, store
}

func mustCreate(t *testing.T, svc *promo.Service, p promo.CreateParams) *promo.Code {
	t.Helper()
	c, err := svc.CreatePromoCode(context.Background(), p)
	require.NoError(t, err)
	return c
}

func pc(user string, amount int64) promo.PurchaseContext {
	return promo.PurchaseContext{UserID: user, PurchaseAmount: money.FromMinor(amount)}
}

func TestService_Save20Scenario(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newService(t, promo.ServiceConfig{Publisher: pub})
	ctx := context.Background()

	created := mustCreate(t, svc, promo.CreateParams{
		Code:     "save20",
		Discount: promo.PercentDiscount(2000),
		MaxUses:  100,
	})
	assert.Equal(t, "SAVE20", created.Code)
	assert.True(t, created.IsActive)
	assert.Equal(t, promo.DefaultMaxUsesPerUser, created.MaxUsesPerUser)

	v, err := svc.ValidatePromoCode(ctx, "SAVE20", pc("user-1", 10000))
	require.NoError(t, err)
	assert.True(t, v.Accepted())
	assert.Equal(t, money.FromMinor(2000), v.Discount)

	res, err := svc.RedeemPromoCode(ctx, "save20", pc("user-1", 10000))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, money.FromMinor(2000), res.Redemption.DiscountApplied)
	assert.Equal(t, money.FromMinor(10000), res.Redemption.PurchaseAmount)
	assert.Equal(t, created.ID, res.Redemption.PromoCodeID)

	again, err := svc.RedeemPromoCode(ctx, "SAVE20", pc("user-1", 10000))
	require.NoError(t, err)
	assert.False(t, again.Accepted())
	assert.Equal(t, promo.ReasonUserMaxUsesReached, again.Reason)

	got, err := svc.GetPromoCode(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)

	require.Len(t, pub.events, 1)
	assert.Equal(t, res.Redemption.ID, pub.events[0].ID)
}

func TestService_Min50Scenario(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()

	mustCreate(t, svc, promo.CreateParams{
		Code:            "MIN50",
		Discount:        promo.FixedDiscount(1000),
		MinimumPurchase: 5000,
	})

	res, err := svc.RedeemPromoCode(ctx, "MIN50", pc("user-1", 4999))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonMinimumPurchaseNotMet, res.Reason)

	res, err = svc.RedeemPromoCode(ctx, "MIN50", pc("user-1", 5000))
	require.NoError(t, err)
	require.True(t, res.Accepted())
	assert.Equal(t, money.FromMinor(1000), res.Redemption.DiscountApplied)
}

func TestService_ValidateHasNoSideEffects(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	c := mustCreate(t, svc, promo.CreateParams{Code: "ONCE", Discount: promo.FixedDiscount(100), MaxUses: 1})

	for range 5 {
		v, err := svc.ValidatePromoCode(ctx, "ONCE", pc("user-1", 1000))
		require.NoError(t, err)
		assert.True(t, v.Accepted())
	}

	got, err := svc.GetPromoCode(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsedCount)
}

func TestService_ExpiryBoundary(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	until := time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC)
	mustCreate(t, svc, promo.CreateParams{
		Code:       "SUMMER",
		Discount:   promo.PercentDiscount(1000),
		ValidUntil: &until,
	})

	atBoundary := pc("user-1", 1000)
	atBoundary.RequestedAt = until
	v, err := svc.ValidatePromoCode(ctx, "SUMMER", atBoundary)
	require.NoError(t, err)
	assert.True(t, v.Accepted())

	after := pc("user-1", 1000)
	after.RequestedAt = until.Add(time.Nanosecond)
	res, err := svc.RedeemPromoCode(ctx, "SUMMER", after)
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonExpired, res.Reason)
}

func TestService_InvalidPurchase(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})

	_, err := svc.RedeemPromoCode(context.Background(), "X", pc("", 100))
	var fe *promo.InvalidFieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "userId", fe.Field)

	_, err = svc.ValidatePromoCode(context.Background(), "X", pc("u", -1))
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "purchaseAmount", fe.Field)
}

func TestService_ConcurrentGlobalCap(t *testing.T) {
	const (
		maxUses  = 10
		attempts = 64
	)
	svc, store := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	c := mustCreate(t, svc, promo.CreateParams{
		Code:     "RUSH",
		Discount: promo.FixedDiscount(500),
		MaxUses:  maxUses,
	})

	var (
		mu       sync.Mutex
		accepted int
		reasons  = map[promo.Reason]int{}
	)
	var g errgroup.Group
	for i := range attempts {
		g.Go(func() error {
			res, err := svc.RedeemPromoCode(ctx, "RUSH", pc(fmt.Sprintf("user-%d", i), 1000))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Accepted() {
				accepted++
			} else {
				reasons[res.Reason]++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, maxUses, accepted)
	assert.Equal(t, map[promo.Reason]int{promo.ReasonMaxUsesReached: attempts - maxUses}, reasons)

	got, err := store.FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, maxUses, got.UsedCount)

	ledger, err := store.ListRedemptions(ctx, c.ID, attempts)
	require.NoError(t, err)
	assert.Len(t, ledger, maxUses)
}

func TestService_ConcurrentPerUserCap(t *testing.T) {
	svc, store := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	c := mustCreate(t, svc, promo.CreateParams{
		Code:           "TWICE",
		Discount:       promo.PercentDiscount(500),
		MaxUsesPerUser: 2,
	})

	var g errgroup.Group
	for range 20 {
		g.Go(func() error {
			_, err := svc.RedeemPromoCode(ctx, "TWICE", pc("same-user", 1000))
			return err
		})
	}
	require.NoError(t, g.Wait())

	n, err := store.CountUserRedemptions(ctx, c.ID, "same-user")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestService_CommitTimeoutIsContention(t *testing.T) {
	store := memory.New()
	svc, err := promo.NewService(store, store, stuckCoordinator{}, nil, promo.ServiceConfig{
		CommitTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	mustCreate(t, svc, promo.CreateParams{Code: "SLOW", Discount: promo.FixedDiscount(100)})

	_, err = svc.RedeemPromoCode(context.Background(), "SLOW", pc("user-1", 1000))
	require.ErrorIs(t, err, promo.ErrContention)
}

func TestService_CanceledCallerIsNotContention(t *testing.T) {
	store := memory.New()
	svc, err := promo.NewService(store, store, stuckCoordinator{}, nil, promo.ServiceConfig{CommitTimeout: time.Minute})
	require.NoError(t, err)
	mustCreate(t, svc, promo.CreateParams{Code: "SLOW", Discount: promo.FixedDiscount(100)})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = svc.RedeemPromoCode(ctx, "SLOW", pc("user-1", 1000))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, promo.ErrContention)
}

func TestService_PublishFailureKeepsRedemption(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	svc, _ := newService(t, promo.ServiceConfig{Publisher: pub})
	mustCreate(t, svc, promo.CreateParams{Code: "EVENT", Discount: promo.FixedDiscount(100)})

	res, err := svc.RedeemPromoCode(context.Background(), "EVENT", pc("user-1", 1000))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
	assert.Len(t, pub.events, 1)
}

func TestService_CreateValidation(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	until := from.Add(-time.Hour)

	tests := []struct {
		name  string
		p     promo.CreateParams
		field string
	}{
		{"short code", promo.CreateParams{Code: "AB", Discount: promo.FixedDiscount(1)}, "code"},
		{"bad characters", promo.CreateParams{Code: "NO SPACE", Discount: promo.FixedDiscount(1)}, "code"},
		{"zero percent", promo.CreateParams{Code: "ZERO", Discount: promo.PercentDiscount(0)}, "discountAmount"},
		{"over 100 percent", promo.CreateParams{Code: "HUGE", Discount: promo.PercentDiscount(10001)}, "discountAmount"},
		{"negative max uses", promo.CreateParams{Code: "NEG", Discount: promo.FixedDiscount(1), MaxUses: -1}, "maxUses"},
		{"negative minimum", promo.CreateParams{Code: "NEG", Discount: promo.FixedDiscount(1), MinimumPurchase: -1}, "minimumPurchase"},
		{"inverted window", promo.CreateParams{Code: "WIN", Discount: promo.FixedDiscount(1), ValidFrom: &from, ValidUntil: &until}, "validUntil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePromoCode(ctx, tt.p)
			var fe *promo.InvalidFieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestService_CreateDuplicateIgnoresCase(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	mustCreate(t, svc, promo.CreateParams{Code: "DUP", Discount: promo.FixedDiscount(1)})

	_, err := svc.CreatePromoCode(context.Background(), promo.CreateParams{Code: "dup", Discount: promo.FixedDiscount(2)})
	require.ErrorIs(t, err, promo.ErrDuplicateCode)
}

func TestService_UpdateAndSetActive(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	c := mustCreate(t, svc, promo.CreateParams{Code: "EDIT", Discount: promo.FixedDiscount(100), MaxUses: 5})

	_, err := svc.RedeemPromoCode(ctx, "EDIT", pc("user-1", 1000))
	require.NoError(t, err)
	_, err = svc.RedeemPromoCode(ctx, "EDIT", pc("user-2", 1000))
	require.NoError(t, err)

	_, err = svc.UpdatePromoCode(ctx, c.ID, promo.UpdateParams{MaxUses: promo.SetField(1)})
	require.ErrorIs(t, err, promo.ErrMaxUsesBelowUsage)

	updated, err := svc.UpdatePromoCode(ctx, c.ID, promo.UpdateParams{
		MaxUses:     promo.SetField(2),
		Description: promo.SetField("two only"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MaxUses)
	assert.Equal(t, "two only", updated.Description)
	assert.Equal(t, 2, updated.UsedCount)
	assert.Equal(t, promo.FixedDiscount(100), updated.Discount)

	res, err := svc.RedeemPromoCode(ctx, "EDIT", pc("user-3", 1000))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonMaxUsesReached, res.Reason)

	_, err = svc.UpdatePromoCode(ctx, c.ID, promo.UpdateParams{MaxUses: promo.SetField(0)})
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, c.ID, false)
	require.NoError(t, err)

	res, err = svc.RedeemPromoCode(ctx, "EDIT", pc("user-3", 1000))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonInactive, res.Reason)

	_, err = svc.UpdatePromoCode(ctx, uuid.New(), promo.UpdateParams{})
	require.ErrorIs(t, err, promo.ErrNotFound)
}

func TestService_ClearValidUntil(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c := mustCreate(t, svc, promo.CreateParams{Code: "OLD", Discount: promo.FixedDiscount(1), ValidUntil: &past})

	res, err := svc.ValidatePromoCode(ctx, "OLD", pc("user-1", 100))
	require.NoError(t, err)
	assert.Equal(t, promo.ReasonExpired, res.Reason)

	_, err = svc.UpdatePromoCode(ctx, c.ID, promo.UpdateParams{ValidUntil: promo.SetField[*time.Time](nil)})
	require.NoError(t, err)

	res, err = svc.ValidatePromoCode(ctx, "OLD", pc("user-1", 100))
	require.NoError(t, err)
	assert.True(t, res.Accepted())
}

func TestService_DeleteGuardsRedeemedCodes(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	used := mustCreate(t, svc, promo.CreateParams{Code: "USED", Discount: promo.FixedDiscount(1)})
	unused := mustCreate(t, svc, promo.CreateParams{Code: "UNUSED", Discount: promo.FixedDiscount(1)})

	_, err := svc.RedeemPromoCode(ctx, "USED", pc("user-1", 100))
	require.NoError(t, err)

	require.ErrorIs(t, svc.DeletePromoCode(ctx, used.ID), promo.ErrHasRedemptions)
	require.NoError(t, svc.DeletePromoCode(ctx, unused.ID))

	_, err = svc.GetPromoCode(ctx, unused.ID)
	require.ErrorIs(t, err, promo.ErrNotFound)
	require.ErrorIs(t, svc.DeletePromoCode(ctx, unused.ID), promo.ErrNotFound)
}

func TestService_ListAndRedemptions(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	a := mustCreate(t, svc, promo.CreateParams{Code: "AAA", Discount: promo.FixedDiscount(1)})
	b := mustCreate(t, svc, promo.CreateParams{Code: "BBB", Discount: promo.FixedDiscount(1)})
	_, err := svc.SetActive(ctx, b.ID, false)
	require.NoError(t, err)

	all, err := svc.ListPromoCodes(ctx, promo.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := svc.ListPromoCodes(ctx, promo.ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	_, err = svc.RedeemPromoCode(ctx, "AAA", pc("user-1", 100))
	require.NoError(t, err)
	rs, err := svc.ListRedemptions(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "user-1", rs[0].UserID)

	_, err = svc.ListRedemptions(ctx, uuid.New(), 10)
	require.ErrorIs(t, err, promo.ErrNotFound)
}

func TestService_GetStats(t *testing.T) {
	svc, _ := newService(t, promo.ServiceConfig{})
	ctx := context.Background()
	mustCreate(t, svc, promo.CreateParams{Code: "POPULAR", Discount: promo.FixedDiscount(100)})
	mustCreate(t, svc, promo.CreateParams{Code: "NICHE", Discount: promo.PercentDiscount(5000)})
	idle := mustCreate(t, svc, promo.CreateParams{Code: "IDLE", Discount: promo.FixedDiscount(1)})
	_, err := svc.SetActive(ctx, idle.ID, false)
	require.NoError(t, err)

	for i := range 3 {
		_, err := svc.RedeemPromoCode(ctx, "POPULAR", pc(fmt.Sprintf("u%d", i), 1000))
		require.NoError(t, err)
	}
	_, err = svc.RedeemPromoCode(ctx, "NICHE", pc("u1", 1000))
	require.NoError(t, err)

	st, err := svc.GetStats(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalCodes)
	assert.Equal(t, 2, st.ActiveCodes)
	assert.Equal(t, 4, st.TotalRedemptions)
	assert.Equal(t, money.FromMinor(800), st.TotalDiscount)
	require.Len(t, st.Top, 1)
	assert.Equal(t, "POPULAR", st.Top[0].Code)
	assert.Equal(t, money.FromMinor(300), st.Top[0].TotalDiscount)
}
