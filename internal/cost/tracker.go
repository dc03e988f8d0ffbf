// Package cost tracks per-provider spend against configured budgets so the
// executor can stop paying a provider once its budget is exhausted.
package cost

import (
	"sync"

	"go.uber.org/zap"
)

// Tracker accumulates spend per provider. Budgets are optional: a provider
// without one is never budget-limited.
type Tracker struct {
	mu      sync.Mutex
	spend   map[string]float64
	budgets map[string]float64
}

// NewTracker creates a tracker with per-provider budget caps in USD.
func NewTracker(budgets map[string]float64) *Tracker {
	b := make(map[string]float64, len(budgets))
	for id, v := range budgets {
		b[id] = v
	}
	return &Tracker{spend: make(map[string]float64), budgets: b}
}

// Record adds the cost of one completed call.
func (t *Tracker) Record(providerID string, costUSD float64) {
	if costUSD <= 0 {
		return
	}
	t.mu.Lock()
	t.spend[providerID] += costUSD
	spent := t.spend[providerID]
	budget, hasBudget := t.budgets[providerID]
	t.mu.Unlock()

	if hasBudget && spent > budget {
		zap.L().Warn("provider budget exceeded",
			zap.String("provider", providerID),
			zap.Float64("spent", spent),
			zap.Float64("budget", budget),
		)
	}
}

// Exhausted reports whether the provider's budget would not cover one more
// call at the given unit cost.
func (t *Tracker) Exhausted(providerID string, costPerRequest float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	budget, ok := t.budgets[providerID]
	if !ok {
		return false
	}
	return t.spend[providerID]+costPerRequest > budget
}

// Spend returns the accumulated spend for a provider.
func (t *Tracker) Spend(providerID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spend[providerID]
}

// Budgets returns the configured budget caps by provider.
func (t *Tracker) Budgets() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.budgets))
	for id, v := range t.budgets {
		out[id] = v
	}
	return out
}

// Snapshot reports spend by provider for the health surface.
func (t *Tracker) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.spend))
	for id, v := range t.spend {
		out[id] = v
	}
	return out
}
