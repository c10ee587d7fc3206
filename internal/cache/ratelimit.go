package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-redis/redis/v8"

	"github.com/xenking/trip-promo/pkg/httpmiddleware"
)

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window limiter shared by every API replica.
type RateLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
}

// NewRateLimiter allows limit requests per key per window.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, max: limit, window: window}
}

// Allow increments the counter of the window now falls into.
func (l *RateLimiter) Allow(ctx context.Context, key string, now time.Time) (httpmiddleware.Decision, error) {
	start := now.Truncate(l.window)
	k := "promo:ratelimit:" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "rate limit counter")
	}

	n := int(incr.Val())
	return httpmiddleware.Decision{
		Allowed:   n <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-n, 0),
		ResetAt:   start.Add(l.window),
	}, nil
}
