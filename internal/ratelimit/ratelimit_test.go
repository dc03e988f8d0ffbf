package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) (*Limiter, *time.Time) {
	now := start
	l := New().WithNow(func() time.Time { return now })
	return l, &now
}

func TestSlidingWindowExhaustion(t *testing.T) {
	l, _ := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("quotes", Config{
		Requests:   5,
		WindowSecs: 10,
	}))

	for i := 0; i < 5; i++ {
		res := l.TryAcquire("quotes")
		assert.True(t, res.Granted, "call %d should be admitted", i)
	}

	res := l.TryAcquire("quotes")
	assert.False(t, res.Granted, "sixth rapid call must be denied")
	assert.Greater(t, res.RetryAfter, time.Duration(0), "denial must carry a retry hint")
	assert.LessOrEqual(t, res.RetryAfter, 10*time.Second)
}

func TestSlidingWindowRefills(t *testing.T) {
	l, now := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("quotes", Config{Requests: 5, WindowSecs: 10}))

	for i := 0; i < 5; i++ {
		l.TryAcquire("quotes")
	}
	assert.False(t, l.TryAcquire("quotes").Granted)

	// One token refills every 2 seconds at 5 per 10s.
	*now = now.Add(2100 * time.Millisecond)
	assert.True(t, l.TryAcquire("quotes").Granted)
	assert.False(t, l.TryAcquire("quotes").Granted)
}

func TestDeniedCallConsumesNothing(t *testing.T) {
	l, now := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("quotes", Config{Requests: 2, WindowSecs: 10}))

	assert.True(t, l.TryAcquire("quotes").Granted)
	assert.True(t, l.TryAcquire("quotes").Granted)

	// Hammer the empty bucket. Denials must not push the refill further out.
	for i := 0; i < 10; i++ {
		assert.False(t, l.TryAcquire("quotes").Granted)
	}

	*now = now.Add(5100 * time.Millisecond)
	assert.True(t, l.TryAcquire("quotes").Granted, "denied calls must not consume budget")
}

func TestBurstWindowInSeries(t *testing.T) {
	l, now := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("funds", Config{
		Requests:        60,
		WindowSecs:      60,
		BurstRequests:   3,
		BurstWindowSecs: 10,
	}))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire("funds").Granted)
	}

	// Primary has plenty of room but the burst window is exhausted.
	res := l.TryAcquire("funds")
	assert.False(t, res.Granted)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// The denied attempt must not have consumed a primary token.
	snap := l.Snapshot()["funds"]
	assert.InDelta(t, 57.0, snap.Tokens, 0.01)

	*now = now.Add(4 * time.Second)
	assert.True(t, l.TryAcquire("funds").Granted)
}

func TestDailyCap(t *testing.T) {
	l, now := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("premium", Config{
		Kind:         KindDaily,
		DailyCap:     3,
		ResetHourUTC: 0,
	}))

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire("premium").Granted)
	}

	res := l.TryAcquire("premium")
	assert.False(t, res.Granted)
	// Denied at 12:00 UTC with a midnight reset: 12 hours out.
	assert.Equal(t, 12*time.Hour, res.RetryAfter)

	// Crossing the boundary restores the full budget.
	*now = now.Add(12*time.Hour + time.Minute)
	assert.True(t, l.TryAcquire("premium").Granted)
	assert.Equal(t, 2, l.Snapshot()["premium"].DailyRemaining)
}

func TestSlidingWithDailyCapInSeries(t *testing.T) {
	l, now := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("mixed", Config{
		Requests:     10,
		WindowSecs:   1,
		DailyCap:     2,
		ResetHourUTC: 0,
	}))

	assert.True(t, l.TryAcquire("mixed").Granted)
	assert.True(t, l.TryAcquire("mixed").Granted)

	// Sliding window would admit, the daily cap refuses.
	res := l.TryAcquire("mixed")
	assert.False(t, res.Granted)
	assert.Equal(t, 12*time.Hour, res.RetryAfter)

	*now = now.Add(time.Second)
	assert.False(t, l.TryAcquire("mixed").Granted, "daily cap holds across window refills")
}

func TestUnknownProviderAdmitted(t *testing.T) {
	l, _ := fixedClock(time.Now())
	res := l.TryAcquire("never-registered")
	assert.True(t, res.Granted)
}

func TestRegisterReplaces(t *testing.T) {
	l, _ := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("p", Config{Requests: 1, WindowSecs: 60}))
	assert.True(t, l.TryAcquire("p").Granted)
	assert.False(t, l.TryAcquire("p").Granted)

	// Re-registering (catalog reload) installs a fresh budget.
	require.NoError(t, l.Register("p", Config{Requests: 5, WindowSecs: 60}))
	assert.True(t, l.TryAcquire("p").Granted)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Requests: 5, WindowSecs: 10}.Validate())
	assert.NoError(t, Config{Kind: KindDaily, DailyCap: 25}.Validate())

	assert.Error(t, Config{}.Validate(), "sliding bucket needs a budget")
	assert.Error(t, Config{Kind: KindDaily}.Validate(), "daily bucket needs a cap")
	assert.Error(t, Config{Kind: "hourly", Requests: 1, WindowSecs: 1}.Validate())
	assert.Error(t, Config{Requests: 5, WindowSecs: 10, BurstRequests: 3}.Validate(),
		"burst requests without a burst window")
	assert.Error(t, Config{Kind: KindDaily, DailyCap: 1, ResetHourUTC: 24}.Validate())
}

func TestNextBoundary(t *testing.T) {
	noon := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), nextBoundary(noon, 0))
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), nextBoundary(noon, 13))
	// Exactly on the boundary rolls to the next day.
	assert.Equal(t, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), nextBoundary(noon, 12))
}

func TestSnapshot(t *testing.T) {
	l, _ := fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, l.Register("a", Config{Requests: 10, WindowSecs: 10}))
	require.NoError(t, l.Register("b", Config{Kind: KindDaily, DailyCap: 5}))

	l.TryAcquire("a")
	l.TryAcquire("b")

	snaps := l.Snapshot()
	require.Len(t, snaps, 2)
	assert.InDelta(t, 9.0, snaps["a"].Tokens, 0.01)
	assert.False(t, snaps["a"].HasDailyCap)
	assert.True(t, snaps["b"].HasDailyCap)
	assert.Equal(t, 4, snaps["b"].DailyRemaining)
}
