// Package app wires the promo service together and runs its HTTP server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/trip-promo/internal/cache"
	"github.com/xenking/trip-promo/internal/domain/auth"
	"github.com/xenking/trip-promo/internal/domain/promo"
	"github.com/xenking/trip-promo/internal/events"
	"github.com/xenking/trip-promo/internal/handler"
	"github.com/xenking/trip-promo/pkg/health"
	"github.com/xenking/trip-promo/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
//
// m is usually the *app.Telemetry handed out by go-faster/sdk.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.TelemetryProvider, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Driver),
	)
	ctx = zctx.Base(ctx, lg)

	hasher := auth.NewHasher([]byte(cfg.APIKeyPepper))
	be, err := openBackend(ctx, cfg, hasher)
	if err != nil {
		return err
	}
	defer be.close()

	healthSvc := health.New()
	healthSvc.Add(health.Check{
		Name:    "goroutines",
		Kind:    health.Liveness,
		Timeout: time.Second,
		Func:    health.GoroutineCountCheck(10000),
	})
	if be.ping != nil {
		healthSvc.Add(health.Check{
			Name:    cfg.Storage.Driver,
			Kind:    health.Readiness,
			Timeout: 5 * time.Second,
			Func:    health.DependencyCheck(cfg.Storage.Driver, be.ping),
		})
	}

	// Redis backs the stats cache and the shared rate limiter.
	var (
		statsCache promo.StatsCache
		limiter    httpmiddleware.Limiter
		memLimiter *httpmiddleware.MemoryLimiter
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		statsCache = cache.NewStatsCache(rdb, cfg.Stats.CacheTTL)
		limiter = cache.NewRateLimiter(rdb, cfg.RateLimit.Max, cfg.RateLimit.Window)
		healthSvc.Add(health.Check{
			Name:    "redis",
			Kind:    health.Readiness,
			Timeout: 2 * time.Second,
			Func: health.DependencyCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		})
	} else {
		memLimiter = httpmiddleware.NewMemoryLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
		limiter = memLimiter
	}

	svcCfg := promo.ServiceConfig{
		CommitTimeout:  cfg.Redemption.CommitTimeout,
		MeterProvider:  m.MeterProvider(),
		TracerProvider: m.TracerProvider(),
	}
	if len(cfg.Events.Brokers) > 0 {
		pub, err := events.Dial(cfg.Events.Brokers, cfg.Events.Topic)
		if err != nil {
			return errors.Wrap(err, "dial kafka")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Close kafka producer", zap.Error(err))
			}
		}()
		svcCfg.Publisher = pub
		healthSvc.Add(health.Check{
			Name:             "kafka",
			Kind:             health.Readiness,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
			Func: func(context.Context) error {
				return events.Ping(cfg.Events.Brokers)
			},
		})
	}

	agg := promo.NewStatsAggregator(be.stats, statsCache)
	svc, err := promo.NewService(be.codes, be.ledger, be.coordinator, agg, svcCfg)
	if err != nil {
		return errors.Wrap(err, "create promo service")
	}

	h := handler.New(handler.Config{DefaultTop: cfg.Stats.DefaultTop}, svc, auth.NewAuthenticator(be.apiKeys, hasher))

	root := chi.NewRouter()
	root.Get("/livez", healthSvc.LiveEndpoint)
	root.Get("/readyz", healthSvc.ReadyEndpoint)
	root.Mount("/api", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(root,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.RouteContext(),
			httpmiddleware.Instrument("promo-api", m),
			httpmiddleware.Labeler(),
			httpmiddleware.LogRequests(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{"Content-Type", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
				MaxAge:       86400,
			}),
			httpmiddleware.RateLimit(limiter, httpmiddleware.HeaderOrIP(handler.APIKeyHeader, hasher.Hash)),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthSvc.Run(gctx, 10*time.Second) })
	if memLimiter != nil {
		g.Go(func() error { return memLimiter.Run(gctx) })
	}
	if cfg.Stats.WarmSchedule != "" {
		w := &statsWarmer{agg: agg, topN: cfg.Stats.DefaultTop, timeout: 30 * time.Second}
		g.Go(func() error { return w.run(gctx, cfg.Stats.WarmSchedule) })
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
