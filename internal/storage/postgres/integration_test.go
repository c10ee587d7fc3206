//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo",
			},
			Cmd: []string{"postgres", "-c", "fsync=off", "-c", "max_connections=200"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://promo:promo@%s:%s/promo?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Migrations are idempotent.
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations rerun: %v", err)
	}

	return m.Run()
}

func createCode(t *testing.T, code string, mutate ...func(*promo.Code)) *promo.Code {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &promo.Code{
		ID:             uuid.New(),
		Code:           code,
		Discount:       promo.PercentDiscount(2000),
		MaxUsesPerUser: 1,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, fn := range mutate {
		fn(c)
	}
	require.NoError(t, NewPromoRepository(testPool).Create(context.Background(), c))
	return c
}

func uniqueCode(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

func TestPromoRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPromoRepository(testPool)
	until := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	c := createCode(t, uniqueCode("RT"), func(c *promo.Code) {
		c.Discount = promo.FixedDiscount(1050)
		c.MinimumPurchase = 5000
		c.ValidUntil = &until
		c.ScopeTemplateID = "tpl-1"
	})

	got, err := repo.FindByCode(ctx, c.Code)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, promo.FixedDiscount(1050), got.Discount)
	assert.Equal(t, money.FromMinor(5000), got.MinimumPurchase)
	require.NotNil(t, got.ValidUntil)
	assert.True(t, until.Equal(*got.ValidUntil))
	assert.Nil(t, got.ValidFrom)
	assert.Equal(t, "tpl-1", got.ScopeTemplateID)

	_, err = repo.FindByCode(ctx, "NOPE-"+c.Code)
	require.ErrorIs(t, err, promo.ErrNotFound)

	dup := *c
	dup.ID = uuid.New()
	require.ErrorIs(t, repo.Create(ctx, &dup), promo.ErrDuplicateCode)
}

func TestCoordinator_ConcurrentCap(t *testing.T) {
	const (
		maxUses  = 10
		attempts = 50
	)
	ctx := context.Background()
	c := createCode(t, uniqueCode("CAP"), func(c *promo.Code) { c.MaxUses = maxUses })
	coord := NewCoordinator(testPool, CoordinatorConfig{
		LockTimeout:    2 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 10 * time.Millisecond,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[promo.Reason]int{}
	)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := coord.Commit(ctx, promo.CommitRequest{
				PromoCodeID:     c.ID,
				Purchase:        promo.PurchaseContext{UserID: fmt.Sprintf("user-%d", i), PurchaseAmount: 1000},
				DiscountApplied: 200,
				Now:             time.Now(),
			})
			assert.NoError(t, err)
			mu.Lock()
			results[res.Reason]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, maxUses, results[promo.ReasonNone])
	assert.Equal(t, attempts-maxUses, results[promo.ReasonMaxUsesReached])

	got, err := NewPromoRepository(testPool).FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, maxUses, got.UsedCount)

	rs, err := NewLedgerRepository(testPool).ListRedemptions(ctx, c.ID, attempts)
	require.NoError(t, err)
	assert.Len(t, rs, maxUses)
}

func TestCoordinator_PerUserCap(t *testing.T) {
	ctx := context.Background()
	c := createCode(t, uniqueCode("USR"), func(c *promo.Code) { c.MaxUsesPerUser = 2 })
	coord := NewCoordinator(testPool, CoordinatorConfig{MaxRetries: 3})
	ledger := NewLedgerRepository(testPool)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Commit(ctx, promo.CommitRequest{
				PromoCodeID:     c.ID,
				Purchase:        promo.PurchaseContext{UserID: "same", PurchaseAmount: 1000},
				DiscountApplied: 200,
				Now:             time.Now(),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := ledger.CountUserRedemptions(ctx, c.ID, "same")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPromoRepository_Guards(t *testing.T) {
	ctx := context.Background()
	repo := NewPromoRepository(testPool)
	c := createCode(t, uniqueCode("GRD"), func(c *promo.Code) { c.MaxUses = 5 })
	unused := createCode(t, uniqueCode("DEL"))

	_, err := NewCoordinator(testPool, CoordinatorConfig{}).Commit(ctx, promo.CommitRequest{
		PromoCodeID:     c.ID,
		Purchase:        promo.PurchaseContext{UserID: "u1", PurchaseAmount: 1000},
		DiscountApplied: 200,
		Now:             time.Now(),
	})
	require.NoError(t, err)

	lowered := *c
	lowered.MaxUses = 0
	require.NoError(t, repo.Update(ctx, &lowered))

	require.ErrorIs(t, repo.Delete(ctx, c.ID), promo.ErrHasRedemptions)
	require.NoError(t, repo.Delete(ctx, unused.ID))
	require.ErrorIs(t, repo.Delete(ctx, unused.ID), promo.ErrNotFound)
	require.ErrorIs(t, repo.Update(ctx, unused), promo.ErrNotFound)
}

func TestStatsRepository(t *testing.T) {
	ctx := context.Background()
	c := createCode(t, uniqueCode("STAT"), func(c *promo.Code) { c.MaxUsesPerUser = 5 })
	coord := NewCoordinator(testPool, CoordinatorConfig{})
	for range 3 {
		_, err := coord.Commit(ctx, promo.CommitRequest{
			PromoCodeID:     c.ID,
			Purchase:        promo.PurchaseContext{UserID: "stats-user", PurchaseAmount: 999},
			DiscountApplied: 329,
			Now:             time.Now(),
		})
		require.NoError(t, err)
	}

	st, err := NewStatsRepository(testPool).Stats(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.TotalRedemptions, 3)

	var found *promo.CodeStats
	for i := range st.Top {
		if st.Top[i].PromoCodeID == c.ID {
			found = &st.Top[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 3, found.Redemptions)
	assert.Equal(t, money.FromMinor(987), found.TotalDiscount)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)
	h := auth.NewHasher([]byte("pepper"))

	require.NoError(t, repo.Create(ctx, &auth.APIKeyInfo{
		ID: "itest", KeyHash: h.Hash("secret"), Name: "itest", Scopes: []string{auth.ScopeRedeem},
	}))

	info, err := auth.NewAuthenticator(repo, h).Authenticate(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, []string{auth.ScopeRedeem}, info.Scopes)

	_, err = repo.FindByHash(ctx, h.Hash("other"))
	require.ErrorIs(t, err, auth.ErrKeyNotFound)
}
