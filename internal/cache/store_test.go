package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafeed/internal/model"
)

// memDurable is an in-memory durable tier for store tests.
type memDurable struct {
	mu      sync.Mutex
	rows    map[string]storedEntry
	failPut error
}

func newMemDurable() *memDurable {
	return &memDurable{rows: make(map[string]storedEntry)}
}

func (m *memDurable) Get(_ context.Context, key string) (*storedEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[key]
	if !ok {
		return nil, false, nil
	}
	cp := e
	return &cp, true, nil
}

func (m *memDurable) Put(_ context.Context, e storedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.rows[e.Key] = e
	return nil
}

func (m *memDurable) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *memDurable) DeleteExpired(_ context.Context, retention time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-retention)
	var n int
	for k, e := range m.rows {
		if e.FetchedAt.Before(cutoff) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memDurable) Close() error { return nil }

func testStore(t *testing.T, cfg StoreConfig) (*Store, *memDurable, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	durable := newMemDurable()
	s := NewStore(cfg, durable).WithNow(func() time.Time { return now })
	t.Cleanup(func() { _ = s.Close() })
	return s, durable, &now
}

func payload(raw string) model.Payload {
	return model.Payload{Raw: []byte(raw)}
}

func numericPayload(v float64) model.Payload {
	return model.Payload{Raw: []byte("{}"), Numeric: &v}
}

func TestSetThenGet(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	_, err := s.Set(ctx, "k1", payload(`{"price":100}`), "alpha", time.Minute, 0.9)
	require.NoError(t, err)

	e, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"price":100}`), e.Value)
	assert.Equal(t, "alpha", e.SourceID)
	assert.Equal(t, 0.9, e.Quality)

	// The write landed in both tiers.
	durable.mu.Lock()
	_, inDurable := durable.rows["k1"]
	durable.mu.Unlock()
	assert.True(t, inDurable)
}

func TestGetPromotesFromDurable(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	durable.rows["cold"] = storedEntry{Entry: Entry{
		Key:       "cold",
		Value:     []byte("v"),
		SourceID:  "beta",
		FetchedAt: s.Now(),
		TTL:       time.Minute,
		Quality:   0.8,
	}}

	e, ok, err := s.Get(ctx, "cold")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "beta", e.SourceID)

	// Promotion: a second read hits the fast tier.
	if _, hit := s.fast.get("cold"); !hit {
		t.Fatal("durable hit should be promoted to the fast tier")
	}
}

func TestGetMiss(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{})

	_, ok, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFreshnessLifecycle(t *testing.T) {
	s, _, now := testStore(t, StoreConfig{RefreshThreshold: 0.7})
	ctx := context.Background()

	_, err := s.Set(ctx, "k", payload("v"), "alpha", 10*time.Second, 1.0)
	require.NoError(t, err)

	e, _, _ := s.Get(ctx, "k")
	assert.True(t, e.IsFresh(*now))
	assert.False(t, e.NeedsRefresh(*now))

	// Past the refresh threshold but inside the TTL.
	*now = now.Add(8 * time.Second)
	assert.True(t, e.IsFresh(*now))
	assert.True(t, e.NeedsRefresh(*now))

	// Past the TTL. The entry is still returned; staleness is the caller's
	// judgment.
	*now = now.Add(3 * time.Second)
	e, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, e.IsFresh(*now))
}

func TestInvalidateRemovesBothTiers(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	_, err := s.Set(ctx, "k", payload("v"), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(ctx, "k"))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, durable.rows)
}

func TestCompressionRoundTrip(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{CompressMinBytes: 64})
	ctx := context.Background()

	big := bytes.Repeat([]byte("fundamentals "), 100)
	_, err := s.Set(ctx, "big", model.Payload{Raw: big}, "alpha", time.Minute, 1.0)
	require.NoError(t, err)

	stored := durable.rows["big"]
	assert.True(t, stored.Compressed)
	assert.Less(t, len(stored.Value), len(big))

	// Evict from the fast tier to force a durable read and inflate.
	s.fast.delete("big")
	e, ok, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, e.Value)
}

func TestSmallValuesStayUncompressed(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{CompressMinBytes: 1 << 20})
	ctx := context.Background()

	_, err := s.Set(ctx, "small", payload("tiny"), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	assert.False(t, durable.rows["small"].Compressed)
}

func TestCorruptDurableRowIsAMiss(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	durable.rows["bad"] = storedEntry{
		Entry:      Entry{Key: "bad", Value: []byte("not gzip"), FetchedAt: s.Now(), TTL: time.Minute},
		Compressed: true,
	}

	_, ok, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, durable.rows, "corrupt row should be deleted")
}

func TestDurableWriteFailureStillServesFastTier(t *testing.T) {
	s, durable, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	durable.failPut = errors.New("disk full")
	_, err := s.Set(ctx, "k", payload("v"), "alpha", time.Minute, 1.0)
	require.Error(t, err)

	// The value is still usable from the fast tier.
	e, ok, getErr := s.Get(ctx, "k")
	require.NoError(t, getErr)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), e.Value)
}

func TestScheduleRefreshDedupes(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{RefreshWorkers: 1})

	release := make(chan struct{})
	started := make(chan struct{})

	ok := s.ScheduleRefresh("k", func(ctx context.Context) {
		close(started)
		<-release
	})
	require.True(t, ok)
	<-started

	// Duplicate schedules while the refresh is in flight are dropped.
	assert.False(t, s.ScheduleRefresh("k", func(ctx context.Context) {
		t.Error("duplicate refresh must not run")
	}))

	close(release)

	// Once the first completes, the key can be scheduled again.
	assert.Eventually(t, func() bool {
		return s.ScheduleRefresh("k", func(ctx context.Context) {})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleRefreshQueueFull(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{RefreshWorkers: 1, RefreshQueueSize: 1})

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	// Occupy the single worker, then fill the queue.
	require.True(t, s.ScheduleRefresh("busy", func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.True(t, s.ScheduleRefresh("queued", func(ctx context.Context) {}))

	// Queue full: the refresh is discarded and the key not left inflight.
	assert.False(t, s.ScheduleRefresh("overflow", func(ctx context.Context) {}))
	s.inflightMu.Lock()
	_, stuck := s.inflight["overflow"]
	s.inflightMu.Unlock()
	assert.False(t, stuck)
}

func TestCloseDrainsQueuedRefreshes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(StoreConfig{RefreshWorkers: 2}, newMemDurable()).
		WithNow(func() time.Time { return now })

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 8; i++ {
		s.ScheduleRefresh(string(rune('a'+i)), func(ctx context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	require.NoError(t, s.Close())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 8, ran, "queued refreshes run to completion on close")
}

func TestAnomalyDowngradesQuality(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{AnomalySigma: 3})
	ctx := context.Background()

	// Build a stable history around 100.
	for _, v := range []float64{100, 101, 99, 100.5, 99.5, 100} {
		_, err := s.Set(ctx, "series", numericPayload(v), "alpha", time.Minute, 1.0)
		require.NoError(t, err)
	}

	// A wild outlier is stored but with downgraded quality.
	e, err := s.Set(ctx, "series", numericPayload(500), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, e.Quality)

	// A normal value afterwards keeps its quality.
	e, err = s.Set(ctx, "series", numericPayload(100.2), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Quality)
}

func TestAnomalyCheckNeedsHistory(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{AnomalySigma: 3})
	ctx := context.Background()

	// Too little history: no downgrade even for a jump.
	_, err := s.Set(ctx, "new", numericPayload(100), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	e, err := s.Set(ctx, "new", numericPayload(10000), "alpha", time.Minute, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Quality)
}

func TestTTLFor(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{
		TTLByType:  map[model.DataType]time.Duration{model.DataTypeQuote: 30 * time.Second},
		DefaultTTL: 15 * time.Minute,
	})

	assert.Equal(t, 30*time.Second, s.TTLFor(model.DataTypeQuote))
	assert.Equal(t, 15*time.Minute, s.TTLFor(model.DataTypeNews))
}

func TestSweepExpired(t *testing.T) {
	s, durable, now := testStore(t, StoreConfig{Retention: time.Hour})
	ctx := context.Background()

	durable.rows["old"] = storedEntry{Entry: Entry{Key: "old", FetchedAt: now.Add(-2 * time.Hour)}}
	durable.rows["recent"] = storedEntry{Entry: Entry{Key: "recent", FetchedAt: now.Add(-time.Minute)}}

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, durable.rows, "recent")
}

func TestStats(t *testing.T) {
	s, _, _ := testStore(t, StoreConfig{})
	ctx := context.Background()

	_, err := s.Set(ctx, "k", payload("v"), "alpha", time.Minute, 1.0)
	require.NoError(t, err)

	s.Get(ctx, "k")
	s.Get(ctx, "k")
	s.Get(ctx, "missing")

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.FastEntries)
}

func TestLRUEviction(t *testing.T) {
	lru := newLRUTier(2)

	lru.put(Entry{Key: "a"})
	lru.put(Entry{Key: "b"})

	// Touch a so b is the eviction victim.
	lru.get("a")
	lru.put(Entry{Key: "c"})

	_, ok := lru.get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = lru.get("a")
	assert.True(t, ok)
	_, ok = lru.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, lru.len())
}

func TestLRUUpdateInPlace(t *testing.T) {
	lru := newLRUTier(2)

	lru.put(Entry{Key: "a", Quality: 0.5})
	lru.put(Entry{Key: "a", Quality: 0.9})

	e, ok := lru.get("a")
	require.True(t, ok)
	assert.Equal(t, 0.9, e.Quality)
	assert.Equal(t, 1, lru.len())
}
