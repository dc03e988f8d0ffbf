// Package executor walks a routing decision for one request: cache first,
// then rate-limited provider calls in priority order, reconciling against
// competing cached values and degrading to stale data before ever surfacing
// an error. The walk guarantees a request never calls more providers than
// necessary, never violates a rate limit, and always prefers usable data
// over failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/datafeed/internal/cache"
	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/cost"
	"github.com/sells-group/datafeed/internal/faults"
	"github.com/sells-group/datafeed/internal/model"
	"github.com/sells-group/datafeed/internal/provider"
	"github.com/sells-group/datafeed/internal/ratelimit"
	"github.com/sells-group/datafeed/internal/resilience"
	"github.com/sells-group/datafeed/internal/resolver"
	"github.com/sells-group/datafeed/internal/router"
)

// Config tunes the executor.
type Config struct {
	// ProviderTimeout bounds each individual provider call.
	ProviderTimeout time.Duration
	// ReliabilityAlpha is the EMA weight for reliability updates.
	ReliabilityAlpha float64
	// ReconcileFactor extends the window in which a stale cached value from
	// a different source still participates in reconciliation, as a
	// multiple of the entry TTL.
	ReconcileFactor float64
	// QualityHalfLife drives the freshness decay applied when a provider
	// reports how old its data is.
	QualityHalfLife time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 8 * time.Second
	}
	if c.ReliabilityAlpha <= 0 || c.ReliabilityAlpha > 1 {
		c.ReliabilityAlpha = 0.2
	}
	if c.ReconcileFactor <= 0 {
		c.ReconcileFactor = 3
	}
	if c.QualityHalfLife <= 0 {
		c.QualityHalfLife = 30 * 24 * time.Hour
	}
	return c
}

// Executor coordinates router, rate limiter, cache, adapters, and resolver
// for every inbound request.
type Executor struct {
	cfg      Config
	cat      *catalog.Catalog
	registry *provider.Registry
	limiter  *ratelimit.Limiter
	store    *cache.Store
	resolver *resolver.Resolver
	breakers *resilience.Breakers
	costs    *cost.Tracker

	sf singleflight.Group
}

// New creates an executor over the shared components.
func New(cfg Config, cat *catalog.Catalog, reg *provider.Registry, lim *ratelimit.Limiter, store *cache.Store, res *resolver.Resolver, brk *resilience.Breakers, costs *cost.Tracker) *Executor {
	return &Executor{
		cfg:      cfg.withDefaults(),
		cat:      cat,
		registry: reg,
		limiter:  lim,
		store:    store,
		resolver: res,
		breakers: brk,
		costs:    costs,
	}
}

// Execute answers one DataRequest. Concurrent requests for the same key are
// deduplicated: the first caller performs the fetch and the rest share its
// result.
func (e *Executor) Execute(ctx context.Context, req model.DataRequest) (*model.Result, error) {
	v, err, _ := e.sf.Do(req.Key(), func() (any, error) {
		return e.run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Result), nil
}

func (e *Executor) run(ctx context.Context, req model.DataRequest) (*model.Result, error) {
	key := req.Key()
	now := e.store.Now()

	// ROUTING
	decision := router.Route(req, e.cat)
	if decision.Empty() {
		return nil, faults.New(faults.Unroutable,
			fmt.Sprintf("no provider competent for data_type=%s entities=%d", req.DataType, len(req.EntityKeys)))
	}

	// CACHE_CHECK
	entry, cached, err := e.store.Get(ctx, key)
	if err != nil {
		zap.L().Warn("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		cached = false
	}
	if cached && e.acceptablyFresh(entry, req, now) {
		if entry.NeedsRefresh(now) {
			e.scheduleRefresh(req)
		}
		return &model.Result{
			Payload: model.Payload{Raw: entry.Value, Numeric: entry.Numeric},
			Metadata: model.Metadata{
				SourceID:   entry.SourceID,
				CacheState: model.CacheFresh,
				Confidence: entry.Quality,
				FetchedAt:  entry.FetchedAt,
			},
		}, nil
	}

	// RATE_CHECK / FETCHING loop over candidates.
	result, attempts := e.walkCandidates(ctx, req, key, entry, cached, decision)
	if result != nil {
		return result, nil
	}

	// DEGRADED: any cached value, regardless of freshness, beats an error.
	if cached {
		zap.L().Info("serving stale cache after provider exhaustion",
			zap.String("key", key),
			zap.Strings("tried", decision.ProviderIDs()),
		)
		return &model.Result{
			Payload: model.Payload{Raw: entry.Value, Numeric: entry.Numeric},
			Metadata: model.Metadata{
				SourceID:   entry.SourceID,
				CacheState: model.CacheStale,
				Confidence: entry.Quality,
				FetchedAt:  entry.FetchedAt,
			},
		}, nil
	}

	// FAILED
	if ctx.Err() != nil {
		return nil, &faults.Fault{Kind: faults.Timeout, Err: ctx.Err(), Attempts: attempts}
	}
	return nil, &faults.Fault{
		Kind:     faults.Unavailable,
		Err:      errors.New("all candidates exhausted and no usable cache"),
		Attempts: attempts,
	}
}

// walkCandidates tries each candidate in order; a nil result with the
// attempt trail means exhaustion.
func (e *Executor) walkCandidates(ctx context.Context, req model.DataRequest, key string, entry cache.Entry, cached bool, decision router.Decision) (*model.Result, []faults.Attempt) {
	var attempts []faults.Attempt

	for _, cand := range decision.Candidates {
		// Caller-supplied overall deadline: abandon remaining candidates.
		if ctx.Err() != nil {
			break
		}
		d := cand.Descriptor

		if e.costs != nil && e.costs.Exhausted(d.ID, d.CostPerRequest) {
			attempts = append(attempts, faults.Attempt{ProviderID: d.ID, Kind: faults.Unavailable, Detail: "budget exhausted"})
			continue
		}

		breaker := e.breakers.Get(d.ID)
		if !breaker.Allow() {
			attempts = append(attempts, faults.Attempt{ProviderID: d.ID, Kind: faults.Unavailable, Detail: "circuit open"})
			continue
		}

		adm := e.limiter.TryAcquire(d.ID)
		if !adm.Granted {
			// Admission denial is routine, not a provider failure: no
			// reliability penalty, no breaker count.
			attempts = append(attempts, faults.Attempt{
				ProviderID: d.ID,
				Kind:       faults.RateLimited,
				Detail:     fmt.Sprintf("retry after %s", adm.RetryAfter.Round(time.Millisecond)),
			})
			continue
		}

		adapter := e.registry.Get(d.ID)
		if adapter == nil {
			attempts = append(attempts, faults.Attempt{ProviderID: d.ID, Kind: faults.Unavailable, Detail: "no adapter registered"})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		payload, err := adapter.Fetch(callCtx, req)
		cancel()

		if err != nil {
			kind := e.classifyCallError(err)
			e.recordOutcome(d, breaker, kind)
			attempts = append(attempts, faults.Attempt{ProviderID: d.ID, Kind: kind, Detail: err.Error()})
			zap.L().Warn("provider call failed, advancing",
				zap.String("provider", d.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			continue
		}

		d.ObserveOutcome(1, e.cfg.ReliabilityAlpha)
		breaker.Record(true)
		e.costs.Record(d.ID, d.CostPerRequest)

		return e.reconcileAndStore(ctx, req, key, d, payload, entry, cached), attempts
	}

	return nil, attempts
}

// RECONCILING: if a usable cached value from a different source competes
// with the fresh fetch, resolve the conflict; then write through and return.
func (e *Executor) reconcileAndStore(ctx context.Context, req model.DataRequest, key string, d *catalog.Descriptor, payload *model.Payload, entry cache.Entry, cached bool) *model.Result {
	now := e.store.Now()
	quality := e.assessQuality(payload, now)

	final := *payload
	sourceID := d.ID
	confidence := quality
	var strategy resolver.Strategy
	var reviewFlag bool

	if cached && entry.SourceID != d.ID && e.withinReconcileWindow(entry, now) {
		prevReliability := 0.0
		if prev := e.cat.Get(entry.SourceID); prev != nil {
			prevReliability = prev.CurrentReliability()
		}
		res, err := e.resolver.Resolve(req.DataType, []resolver.Candidate{
			{Payload: *payload, SourceID: d.ID, Quality: quality, Reliability: d.CurrentReliability()},
			{Payload: model.Payload{Raw: entry.Value, Numeric: entry.Numeric}, SourceID: entry.SourceID, Quality: entry.Quality, Reliability: prevReliability},
		})
		if err == nil {
			final = res.Payload
			sourceID = res.SourceID
			confidence = res.Confidence
			strategy = res.Strategy
			reviewFlag = res.ReviewFlag
		}
	}

	stored, err := e.store.Set(ctx, key, final, sourceID, e.effectiveTTL(req), confidence)
	if err != nil {
		// The fetch still succeeded; a durable-tier write failure must not
		// fail the request.
		zap.L().Warn("cache write failed", zap.String("key", key), zap.Error(err))
		stored.Quality = confidence
		stored.FetchedAt = now
	}

	return &model.Result{
		Payload: final,
		Metadata: model.Metadata{
			SourceID:   sourceID,
			CacheState: model.CacheRefreshed,
			Confidence: stored.Quality,
			Strategy:   string(strategy),
			ReviewFlag: reviewFlag,
			FetchedAt:  stored.FetchedAt,
		},
	}
}

func (e *Executor) scheduleRefresh(req model.DataRequest) {
	key := req.Key()
	e.store.ScheduleRefresh(key, func(ctx context.Context) {
		decision := router.Route(req, e.cat)
		if decision.Empty() {
			return
		}
		entry, cached, _ := e.store.Get(ctx, key)
		if result, _ := e.walkCandidates(ctx, req, key, entry, cached, decision); result == nil {
			zap.L().Debug("background refresh failed", zap.String("key", key))
		}
	})
}

func (e *Executor) acceptablyFresh(entry cache.Entry, req model.DataRequest, now time.Time) bool {
	if !entry.IsFresh(now) {
		return false
	}
	if req.MaxStaleness > 0 && entry.Age(now) > req.MaxStaleness {
		return false
	}
	return true
}

func (e *Executor) withinReconcileWindow(entry cache.Entry, now time.Time) bool {
	window := time.Duration(float64(entry.TTL) * e.cfg.ReconcileFactor)
	return entry.Age(now) < window
}

func (e *Executor) effectiveTTL(req model.DataRequest) time.Duration {
	ttl := e.store.TTLFor(req.DataType)
	if req.MaxStaleness > 0 && req.MaxStaleness < ttl {
		ttl = req.MaxStaleness
	}
	return ttl
}

// assessQuality scores a fetched payload: completeness first, then a
// half-life decay when the provider reports data age.
func (e *Executor) assessQuality(p *model.Payload, now time.Time) float64 {
	quality := 0.95
	if len(p.Raw) == 0 {
		quality = 0.4
	}
	if p.AsOf != nil && now.After(*p.AsOf) {
		ageDays := now.Sub(*p.AsOf).Hours() / 24
		halfLifeDays := e.cfg.QualityHalfLife.Hours() / 24
		decayed := quality * math.Pow(2, -ageDays/halfLifeDays)
		if decayed < 0.3 {
			decayed = 0.3
		}
		quality = decayed
	}
	return quality
}

func (e *Executor) classifyCallError(err error) faults.Kind {
	if kind := faults.KindOf(err); kind != "" {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout
	}
	return faults.Unavailable
}

// recordOutcome applies the differentiated reliability and breaker policy
// for a failed call. A rate-limit rejection from the provider says little
// about its health; malformed data says a lot.
func (e *Executor) recordOutcome(d *catalog.Descriptor, breaker *resilience.Breaker, kind faults.Kind) {
	var outcome float64
	softFailure := false
	switch kind {
	case faults.RateLimited:
		outcome = 0.9
		softFailure = true
	case faults.NotFound:
		outcome = 0.8
		softFailure = true
	default:
		outcome = 0
	}
	d.ObserveOutcome(outcome, e.cfg.ReliabilityAlpha)
	breaker.Record(softFailure)
}
