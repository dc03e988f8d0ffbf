// Package gateway assembles the acquisition core from configuration and
// exposes the synchronous boundary the analysis engine calls.
package gateway

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafeed/internal/cache"
	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/config"
	"github.com/sells-group/datafeed/internal/cost"
	"github.com/sells-group/datafeed/internal/executor"
	"github.com/sells-group/datafeed/internal/model"
	"github.com/sells-group/datafeed/internal/monitoring"
	"github.com/sells-group/datafeed/internal/provider"
	"github.com/sells-group/datafeed/internal/ratelimit"
	"github.com/sells-group/datafeed/internal/resilience"
	"github.com/sells-group/datafeed/internal/resolver"
	"github.com/sells-group/datafeed/internal/router"
)

// Gateway is the top-level entry point: one instance per process, shared by
// all callers.
type Gateway struct {
	cfg       *config.Config
	cat       *catalog.Catalog
	store     *cache.Store
	limiter   *ratelimit.Limiter
	registry  *provider.Registry
	exec      *executor.Executor
	collector *monitoring.Collector
	sweeper   *cache.Sweeper

	requestTimeout time.Duration
	stopWatch      func()
	stopChecker    context.CancelFunc
}

// New builds a gateway from configuration. The adapter registry is supplied
// by the caller: concrete provider clients live outside the core.
func New(ctx context.Context, cfg *config.Config, registry *provider.Registry) (*Gateway, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	durable, err := openDurable(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	store := cache.NewStore(cacheStoreConfig(cfg.Cache), durable)

	limiter := ratelimit.New()
	if err := registerBuckets(limiter, cat); err != nil {
		store.Close()
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.CircuitConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Circuit.ResetTimeoutSecs) * time.Second,
	})
	costs := cost.NewTracker(cfg.Budgets)
	res := resolver.New(resolverPolicies(cfg.Resolver))

	exec := executor.New(executor.Config{
		ProviderTimeout:  time.Duration(cfg.Executor.ProviderTimeoutSecs) * time.Second,
		ReliabilityAlpha: cfg.Executor.ReliabilityAlpha,
		ReconcileFactor:  cfg.Executor.ReconcileFactor,
		QualityHalfLife:  time.Duration(cfg.Executor.QualityHalfLifeDays) * 24 * time.Hour,
	}, cat, registry, limiter, store, res, breakers, costs)

	g := &Gateway{
		cfg:            cfg,
		cat:            cat,
		store:          store,
		limiter:        limiter,
		registry:       registry,
		exec:           exec,
		collector:      monitoring.NewCollector(cat, limiter, store, breakers, costs),
		requestTimeout: time.Duration(cfg.Executor.RequestTimeoutSecs) * time.Second,
	}

	if cfg.Cache.SweepSpec != "" {
		sweeper, err := cache.NewSweeper(store, cfg.Cache.SweepSpec)
		if err != nil {
			g.Close()
			return nil, eris.Wrap(err, "gateway: sweep schedule")
		}
		g.sweeper = sweeper
		sweeper.Start()
	}

	if cfg.Catalog.Watch {
		stop, err := cat.Watch(cfg.Catalog.Path, func(c *catalog.Catalog) {
			if err := registerBuckets(limiter, c); err != nil {
				zap.L().Error("rate-limit re-registration failed", zap.Error(err))
			}
		})
		if err != nil {
			zap.L().Warn("catalog watch unavailable", zap.Error(err))
		} else {
			g.stopWatch = stop
		}
	}

	if cfg.Monitoring.WebhookURL != "" {
		alerter := monitoring.NewAlerter(cfg.Monitoring, costs.Budgets())
		checker := monitoring.NewChecker(g.collector, alerter, cfg.Monitoring)
		checkCtx, cancel := context.WithCancel(context.Background())
		g.stopChecker = cancel
		go checker.Run(checkCtx)
	}

	zap.L().Info("gateway ready",
		zap.Int("providers", cat.Len()),
		zap.String("store_driver", cfg.Store.Driver),
	)
	return g, nil
}

// Fetch answers one semantic data request, applying the configured overall
// deadline when the caller's context has none.
func (g *Gateway) Fetch(ctx context.Context, req model.DataRequest) (*model.Result, error) {
	if _, ok := ctx.Deadline(); !ok && g.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
	}
	return g.exec.Execute(ctx, req)
}

// Validate checks a request for routability without side effects.
func (g *Gateway) Validate(req model.DataRequest) router.Report {
	return router.Validate(req, g.cat)
}

// Health returns the read-only diagnostic snapshot.
func (g *Gateway) Health() monitoring.HealthSnapshot {
	return g.collector.Collect()
}

// Catalog exposes the live provider catalog.
func (g *Gateway) Catalog() *catalog.Catalog { return g.cat }

// Close stops the watcher and sweeper and drains the refresh pool.
func (g *Gateway) Close() {
	if g.stopWatch != nil {
		g.stopWatch()
	}
	if g.stopChecker != nil {
		g.stopChecker()
	}
	if g.sweeper != nil {
		g.sweeper.Stop()
	}
	if err := g.store.Close(); err != nil {
		zap.L().Warn("cache close failed", zap.Error(err))
	}
}

func openDurable(ctx context.Context, cfg config.StoreConfig) (cache.Durable, error) {
	switch cfg.Driver {
	case "postgres":
		return cache.NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		return cache.NewSQLite(cfg.Path)
	default:
		return nil, eris.Errorf("gateway: unknown store driver %q", cfg.Driver)
	}
}

func registerBuckets(limiter *ratelimit.Limiter, cat *catalog.Catalog) error {
	for _, d := range cat.Providers() {
		if d.RateLimit == (ratelimit.Config{}) {
			continue
		}
		if err := limiter.Register(d.ID, d.RateLimit); err != nil {
			return eris.Wrapf(err, "gateway: provider %s", d.ID)
		}
	}
	return nil
}

func cacheStoreConfig(c config.CacheConfig) cache.StoreConfig {
	ttls := make(map[model.DataType]time.Duration, len(c.TTLSecs))
	for dt, secs := range c.TTLSecs {
		ttls[model.DataType(dt)] = time.Duration(secs) * time.Second
	}
	return cache.StoreConfig{
		FastCapacity:     c.FastCapacity,
		TTLByType:        ttls,
		DefaultTTL:       time.Duration(c.DefaultTTLSecs) * time.Second,
		RefreshThreshold: c.RefreshThreshold,
		CompressMinBytes: c.CompressMinBytes,
		Retention:        time.Duration(c.RetentionHours) * time.Hour,
		RefreshWorkers:   c.RefreshWorkers,
		RefreshQueueSize: c.RefreshQueueSize,
		AnomalySigma:     c.AnomalySigma,
		HistorySize:      c.HistorySize,
	}
}

func resolverPolicies(rc config.ResolverConfig) map[model.DataType]resolver.Policy {
	policies := make(map[model.DataType]resolver.Policy, len(rc.Policies))
	for dt, p := range rc.Policies {
		policies[model.DataType(dt)] = resolver.Policy{
			Strategy:     resolver.Strategy(p.Strategy),
			TolerancePct: p.TolerancePct,
		}
	}
	return policies
}
