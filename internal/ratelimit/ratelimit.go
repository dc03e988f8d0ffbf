// Package ratelimit provides per-provider admission control. Two bucket
// kinds exist: sliding-window token buckets (a primary window optionally in
// series with a short burst-protection window) and daily hard caps that
// reset at a fixed wall-clock instant. The two are distinct on purpose:
// approximating a daily cap with a refill rate gets admission wrong near the
// reset boundary.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// KindSliding and KindDaily select the bucket kind for a provider.
const (
	KindSliding = "sliding"
	KindDaily   = "daily"
)

// Config describes one provider's request budget.
type Config struct {
	Kind string `yaml:"kind" mapstructure:"kind"`

	// Sliding-window budget: Requests per WindowSecs, with Burst tokens of
	// instantaneous capacity. Burst defaults to Requests.
	Requests   int `yaml:"requests" mapstructure:"requests"`
	WindowSecs int `yaml:"window_secs" mapstructure:"window_secs"`
	Burst      int `yaml:"burst" mapstructure:"burst"`

	// Optional burst-protection window checked in series with the primary
	// (e.g. at most 3 requests per 10 seconds).
	BurstRequests   int `yaml:"burst_requests" mapstructure:"burst_requests"`
	BurstWindowSecs int `yaml:"burst_window_secs" mapstructure:"burst_window_secs"`

	// Daily hard cap. For KindDaily this is the whole budget; sliding
	// providers may additionally carry one (e.g. 25 requests/day on top of
	// 5/minute).
	DailyCap     int `yaml:"daily_cap" mapstructure:"daily_cap"`
	ResetHourUTC int `yaml:"reset_hour_utc" mapstructure:"reset_hour_utc"`
}

// Validate checks the config is self-consistent.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSliding, "":
		if c.Requests <= 0 || c.WindowSecs <= 0 {
			return eris.New("ratelimit: sliding bucket needs requests and window_secs")
		}
		if (c.BurstRequests > 0) != (c.BurstWindowSecs > 0) {
			return eris.New("ratelimit: burst_requests and burst_window_secs must be set together")
		}
	case KindDaily:
		if c.DailyCap <= 0 {
			return eris.New("ratelimit: daily bucket needs daily_cap")
		}
	default:
		return eris.Errorf("ratelimit: unknown bucket kind %q", c.Kind)
	}
	if c.ResetHourUTC < 0 || c.ResetHourUTC > 23 {
		return eris.New("ratelimit: reset_hour_utc out of range")
	}
	return nil
}

// AdmissionResult is the outcome of TryAcquire. Denial is routine
// control-flow, never an error.
type AdmissionResult struct {
	Granted    bool
	RetryAfter time.Duration
}

// dailyBucket is a finite budget that resets at a wall-clock boundary.
type dailyBucket struct {
	cap       int
	resetHour int
	count     int
	nextReset time.Time
}

func (d *dailyBucket) tryAcquire(now time.Time) (bool, time.Duration) {
	if d.nextReset.IsZero() || !now.Before(d.nextReset) {
		d.count = 0
		d.nextReset = nextBoundary(now, d.resetHour)
	}
	if d.count < d.cap {
		d.count++
		return true, 0
	}
	return false, d.nextReset.Sub(now)
}

func (d *dailyBucket) remaining(now time.Time) int {
	if d.nextReset.IsZero() || !now.Before(d.nextReset) {
		return d.cap
	}
	return d.cap - d.count
}

func nextBoundary(now time.Time, hourUTC int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t
}

// providerLimiter holds the buckets for one provider, mutated under its own
// lock so unrelated providers never contend.
type providerLimiter struct {
	mu      sync.Mutex
	primary *rate.Limiter
	burst   *rate.Limiter
	daily   *dailyBucket
}

// Limiter is the per-provider admission controller shared by all request
// tasks.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*providerLimiter

	nowFunc func() time.Time
}

// New creates an empty limiter registry.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*providerLimiter),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock source for testing.
func (l *Limiter) WithNow(fn func() time.Time) *Limiter {
	l.nowFunc = fn
	return l
}

// Register installs buckets for a provider, replacing any previous
// configuration (catalog reloads re-register).
func (l *Limiter) Register(providerID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	pl := &providerLimiter{}
	if cfg.Kind != KindDaily {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.Requests
		}
		pl.primary = rate.NewLimiter(rate.Limit(float64(cfg.Requests)/float64(cfg.WindowSecs)), burst)
		if cfg.BurstRequests > 0 {
			pl.burst = rate.NewLimiter(rate.Limit(float64(cfg.BurstRequests)/float64(cfg.BurstWindowSecs)), cfg.BurstRequests)
		}
	}
	if cfg.DailyCap > 0 || cfg.Kind == KindDaily {
		pl.daily = &dailyBucket{cap: cfg.DailyCap, resetHour: cfg.ResetHourUTC}
	}

	l.mu.Lock()
	l.buckets[providerID] = pl
	l.mu.Unlock()
	return nil
}

// TryAcquire attempts to admit one request to the provider. Every bucket
// configured for the provider must grant; on denial RetryAfter estimates when
// the tightest bucket will next admit. Unknown providers are admitted:
// absence of a budget means no budget.
func (l *Limiter) TryAcquire(providerID string) AdmissionResult {
	l.mu.RLock()
	pl, ok := l.buckets[providerID]
	l.mu.RUnlock()
	if !ok {
		return AdmissionResult{Granted: true}
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := l.nowFunc()

	var held []*rate.Reservation
	cancel := func() {
		for _, r := range held {
			r.CancelAt(now)
		}
	}

	for _, lim := range []*rate.Limiter{pl.primary, pl.burst} {
		if lim == nil {
			continue
		}
		res := lim.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			cancel()
			return AdmissionResult{RetryAfter: delay}
		}
		held = append(held, res)
	}

	if pl.daily != nil {
		granted, retryAfter := pl.daily.tryAcquire(now)
		if !granted {
			cancel()
			return AdmissionResult{RetryAfter: retryAfter}
		}
	}

	return AdmissionResult{Granted: true}
}

// BucketSnapshot is a read-only view of one provider's budget state.
type BucketSnapshot struct {
	Tokens         float64 `json:"tokens"`
	BurstTokens    float64 `json:"burst_tokens,omitempty"`
	DailyRemaining int     `json:"daily_remaining,omitempty"`
	HasDailyCap    bool    `json:"has_daily_cap,omitempty"`
}

// Snapshot reports current token levels for every registered provider.
func (l *Limiter) Snapshot() map[string]BucketSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.nowFunc()
	out := make(map[string]BucketSnapshot, len(l.buckets))
	for id, pl := range l.buckets {
		pl.mu.Lock()
		snap := BucketSnapshot{}
		if pl.primary != nil {
			snap.Tokens = pl.primary.TokensAt(now)
		}
		if pl.burst != nil {
			snap.BurstTokens = pl.burst.TokensAt(now)
		}
		if pl.daily != nil {
			snap.HasDailyCap = true
			snap.DailyRemaining = pl.daily.remaining(now)
		}
		pl.mu.Unlock()
		out[id] = snap
	}
	return out
}
