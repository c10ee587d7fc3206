package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRateLimiter(rdb, 2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	d, err := l.Allow(ctx, "key:a", now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), d.ResetAt)

	d, _ = l.Allow(ctx, "key:a", now)
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "key:a", now)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)

	d, _ = l.Allow(ctx, "key:b", now)
	assert.True(t, d.Allowed, "keys are independent")

	d, _ = l.Allow(ctx, "key:a", now.Add(time.Minute))
	assert.True(t, d.Allowed, "next window starts fresh")

	ttl := mr.TTL("promo:ratelimit:key:a:" + "1772359200")
	assert.Equal(t, time.Minute, ttl)

	mr.Close()
	_, err = l.Allow(ctx, "key:a", now)
	require.Error(t, err)
}
