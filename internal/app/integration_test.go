//go:build integration

package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/storage/postgres"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("terminate %s: %v", req.Image, err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// postgresConfig starts PostgreSQL and Redis and seeds devKey with every
// scope.
func postgresConfig(t *testing.T) *Config {
	t.Helper()
	pgAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "promo",
			"POSTGRES_PASSWORD": "promo",
			"POSTGRES_DB":       "promo",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}, "5432/tcp")
	redisAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379/tcp")

	cfg := testConfig(t)
	cfg.Storage.Driver = DriverPostgres
	cfg.DatabaseURL = fmt.Sprintf("postgres://promo:promo@%s/promo?sslmode=disable", pgAddr)
	cfg.Redis.Addr = redisAddr
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, postgres.RunMigrations(ctx, pool))

	hasher := auth.NewHasher([]byte(cfg.APIKeyPepper))
	require.NoError(t, postgres.NewAPIKeyRepository(pool).Create(ctx, &auth.APIKeyInfo{
		ID:      "itest",
		KeyHash: hasher.Hash(devKey),
		Name:    "integration",
		Scopes:  []string{auth.ScopeRedeem, auth.ScopeAdmin},
	}))
	return cfg
}

func TestIntegration_ConcurrentRedemptions(t *testing.T) {
	const (
		maxUses = 5
		users   = 40
	)
	s := startServer(t, postgresConfig(t))

	created := s.do(http.MethodPost, "/api/admin/promo-codes", devKey,
		fmt.Sprintf(`{"code":"RUSH","discountType":"fixed","discountAmount":"5.00","maxUses":%d}`, maxUses))
	require.Equal(t, http.StatusCreated, created.status, string(created.body))
	id := created.field(t, "id")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.do(http.MethodPost, "/api/promo/redeem", devKey,
				fmt.Sprintf(`{"code":"RUSH","userId":"user-%d","purchaseAmount":"20.00"}`, i))
			mu.Lock()
			statuses[resp.status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, maxUses, statuses[http.StatusOK])
	assert.Equal(t, users-maxUses, statuses[http.StatusUnprocessableEntity]+statuses[http.StatusServiceUnavailable])

	code := s.do(http.MethodGet, "/api/admin/promo-codes/"+id, devKey, "")
	require.Equal(t, http.StatusOK, code.status)
	assert.Equal(t, fmt.Sprint(maxUses), code.field(t, "usedCount"))

	deleted := s.do(http.MethodDelete, "/api/admin/promo-codes/"+id, devKey, "")
	assert.Equal(t, http.StatusConflict, deleted.status)
}

func TestIntegration_StatsCachedInRedis(t *testing.T) {
	s := startServer(t, postgresConfig(t))

	created := s.do(http.MethodPost, "/api/admin/promo-codes", devKey,
		`{"code":"CACHED","discountType":"percentage","discountAmount":"10"}`)
	require.Equal(t, http.StatusCreated, created.status, string(created.body))

	first := s.do(http.MethodGet, "/api/admin/promo-stats?top=3", devKey, "")
	require.Equal(t, http.StatusOK, first.status, string(first.body))

	redeemed := s.do(http.MethodPost, "/api/promo/redeem", devKey,
		`{"code":"CACHED","userId":"u1","purchaseAmount":"50.00"}`)
	require.Equal(t, http.StatusOK, redeemed.status, string(redeemed.body))

	// The cached snapshot is served until its TTL expires.
	second := s.do(http.MethodGet, "/api/admin/promo-stats?top=3", devKey, "")
	require.Equal(t, http.StatusOK, second.status)
	assert.Equal(t, first.field(t, "generatedAt"), second.field(t, "generatedAt"))
	assert.Equal(t, first.field(t, "totalRedemptions"), second.field(t, "totalRedemptions"))

	ready := s.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, ready.status, string(ready.body))
}
