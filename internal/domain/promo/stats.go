package promo

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/money"
)

// DefaultTopN is the number of top codes reported when the caller asks for
// none.
const DefaultTopN = 5

// Stats is the administrative summary over codes and the ledger.
type Stats struct {
	TotalCodes       int
	ActiveCodes      int
	TotalRedemptions int
	TotalDiscount    money.Money
	Top              []CodeStats
	GeneratedAt      time.Time
}

// CodeStats is one ranked entry of Stats.Top.
type CodeStats struct {
	PromoCodeID   uuid.UUID
	Code          string
	Redemptions   int
	TotalDiscount money.Money
}

// StatsSource computes Stats from authoritative storage.
type StatsSource interface {
	Stats(ctx context.Context, now time.Time, topN int) (*Stats, error)
}

// StatsCache stores computed Stats for a short time. Misses are reported as
// (nil, nil).
type StatsCache interface {
	Get(ctx context.Context, topN int) (*Stats, error)
	Set(ctx context.Context, topN int, s *Stats) error
}

// StatsAggregator serves Stats, optionally through a cache.
type StatsAggregator struct {
	source StatsSource
	cache  StatsCache
	now    func() time.Time
}

// NewStatsAggregator creates an aggregator. cache may be nil.
func NewStatsAggregator(source StatsSource, cache StatsCache) *StatsAggregator {
	return &StatsAggregator{source: source, cache: cache, now: time.Now}
}

// Get returns stats with the top topN codes. Cache failures are logged and
// fall through to the source.
func (a *StatsAggregator) Get(ctx context.Context, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}

	if a.cache != nil {
		cached, err := a.cache.Get(ctx, topN)
		if err != nil {
			zctx.From(ctx).Warn("Stats cache read failed", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	return a.Refresh(ctx, topN)
}

// Refresh recomputes stats from the source and stores them in the cache.
func (a *StatsAggregator) Refresh(ctx context.Context, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}

	s, err := a.source.Stats(ctx, a.now(), topN)
	if err != nil {
		return nil, errors.Wrap(err, "compute stats")
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, topN, s); err != nil {
			zctx.From(ctx).Warn("Stats cache write failed", zap.Error(err))
		}
	}
	return s, nil
}

// RankCodes sorts entries by redemption count (descending), then by code, and
// keeps the first topN. Storage backends without ORDER BY use it.
func RankCodes(entries []CodeStats, topN int) []CodeStats {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Redemptions != entries[j].Redemptions {
			return entries[i].Redemptions > entries[j].Redemptions
		}
		return entries[i].Code < entries[j].Code
	})
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	return entries
}
