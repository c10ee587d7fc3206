package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

// statsWarmer refreshes cached stats on a cron schedule so admin reads hit
// the cache.
type statsWarmer struct {
	agg     *promo.StatsAggregator
	topN    int
	timeout time.Duration
}

// run blocks until ctx is done. Refreshes never overlap.
func (w *statsWarmer) run(ctx context.Context, schedule string) error {
	lg := zctx.From(ctx).Named("stats-warmer")
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { w.refresh(ctx, lg) }); err != nil {
		return errors.Wrapf(err, "parse stats schedule %q", schedule)
	}

	c.Start()
	lg.Info("Stats warm-up scheduled", zap.String("schedule", schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (w *statsWarmer) refresh(ctx context.Context, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	s, err := w.agg.Refresh(ctx, w.topN)
	if err != nil {
		lg.Warn("Stats refresh failed", zap.Error(err))
		return
	}
	lg.Debug("Stats refreshed",
		zap.Int("total_redemptions", s.TotalRedemptions),
		zap.Duration("took", time.Since(start)),
	)
}
