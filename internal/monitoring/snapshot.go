// Package monitoring aggregates read-only health snapshots from the core
// components for the diagnostic surface. It sits off the request path.
package monitoring

import (
	"time"

	"github.com/sells-group/datafeed/internal/cache"
	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/cost"
	"github.com/sells-group/datafeed/internal/ratelimit"
	"github.com/sells-group/datafeed/internal/resilience"
)

// HealthSnapshot is a point-in-time view of gateway health.
type HealthSnapshot struct {
	Providers   int                                 `json:"providers"`
	TokenLevels map[string]ratelimit.BucketSnapshot `json:"token_levels"`
	Cache       cache.Snapshot                      `json:"cache"`
	Reliability map[string]float64                  `json:"reliability"`
	Circuits    map[string]string                   `json:"circuits"`
	SpendUSD    map[string]float64                  `json:"spend_usd"`
	CollectedAt time.Time                           `json:"collected_at"`
}

// Collector gathers snapshots from the shared components.
type Collector struct {
	cat      *catalog.Catalog
	limiter  *ratelimit.Limiter
	store    *cache.Store
	breakers *resilience.Breakers
	costs    *cost.Tracker
}

// NewCollector creates a health collector.
func NewCollector(cat *catalog.Catalog, lim *ratelimit.Limiter, store *cache.Store, brk *resilience.Breakers, costs *cost.Tracker) *Collector {
	return &Collector{cat: cat, limiter: lim, store: store, breakers: brk, costs: costs}
}

// Collect builds a health snapshot.
func (c *Collector) Collect() HealthSnapshot {
	return HealthSnapshot{
		Providers:   c.cat.Len(),
		TokenLevels: c.limiter.Snapshot(),
		Cache:       c.store.Stats(),
		Reliability: c.cat.ReliabilitySnapshot(),
		Circuits:    c.breakers.States(),
		SpendUSD:    c.costs.Snapshot(),
		CollectedAt: time.Now().UTC(),
	}
}
