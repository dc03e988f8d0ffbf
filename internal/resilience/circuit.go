package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many consecutive failures; the provider is
	// skipped during candidate walks until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig controls breaker behavior.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe is
	// allowed.
	ResetTimeout time.Duration
}

// DefaultCircuitConfig returns sensible defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// Breaker is a circuit breaker for one provider. Unlike a wrapping breaker,
// it exposes Allow/Record so the failover executor can consult it during the
// candidate walk without giving up control of the call itself.
type Breaker struct {
	cfg CircuitConfig

	mu           sync.Mutex
	state        CircuitState
	failures     int
	lastFailure  time.Time
	probeGranted bool

	nowFunc func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg CircuitConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: CircuitClosed, nowFunc: time.Now}
}

// Allow reports whether a call may proceed. In the open state it grants a
// single probe once the reset timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.state = CircuitHalfOpen
			b.probeGranted = true
			return true
		}
		return false
	case CircuitHalfOpen:
		// One probe at a time.
		if b.probeGranted {
			return false
		}
		b.probeGranted = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of an allowed call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state != CircuitClosed {
			b.state = CircuitClosed
		}
		b.failures = 0
		b.probeGranted = false
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()
	b.probeGranted = false

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
	}
}

// State returns the current circuit state, accounting for reset timeout.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Breakers manages circuit breakers for every provider in the catalog.
type Breakers struct {
	mu  sync.RWMutex
	all map[string]*Breaker
	cfg CircuitConfig
}

// NewBreakers creates a registry of per-provider circuit breakers.
func NewBreakers(cfg CircuitConfig) *Breakers {
	return &Breakers{all: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for providerID, creating one if needed.
func (bs *Breakers) Get(providerID string) *Breaker {
	bs.mu.RLock()
	b, ok := bs.all[providerID]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.all[providerID]; ok {
		return b
	}
	b = NewBreaker(bs.cfg)
	bs.all[providerID] = b
	zap.L().Debug("circuit breaker created", zap.String("provider", providerID))
	return b
}

// States returns a snapshot of every breaker state by provider.
func (bs *Breakers) States() map[string]string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make(map[string]string, len(bs.all))
	for id, b := range bs.all {
		out[id] = b.State().String()
	}
	return out
}
