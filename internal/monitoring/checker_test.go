package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafeed/internal/cache"
	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/config"
	"github.com/sells-group/datafeed/internal/cost"
	"github.com/sells-group/datafeed/internal/ratelimit"
	"github.com/sells-group/datafeed/internal/resilience"
)

func testCollector(t *testing.T) *Collector {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
providers:
  - id: alpha
    rate_limit:
      requests: 10
      window_secs: 60
`))
	require.NoError(t, err)

	durable, err := cache.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	store := cache.NewStore(cache.StoreConfig{}, durable)
	t.Cleanup(func() { _ = store.Close() })

	limiter := ratelimit.New()
	require.NoError(t, limiter.Register("alpha", ratelimit.Config{Requests: 10, WindowSecs: 60}))

	return NewCollector(cat, limiter, store, resilience.NewBreakers(resilience.DefaultCircuitConfig()), cost.NewTracker(nil))
}

func TestCheckerRunStopsOnCancel(t *testing.T) {
	alerter := NewAlerter(config.MonitoringConfig{ReliabilityFloor: 0.3}, nil)
	checker := NewChecker(testCollector(t), alerter, config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}
