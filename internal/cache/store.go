package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/datafeed/internal/model"
)

// StoreConfig tunes the two-tier store. TTLs are per data type and come from
// configuration, never hardcoded: quotes live seconds, fundamentals hours,
// reference data days.
type StoreConfig struct {
	FastCapacity     int
	TTLByType        map[model.DataType]time.Duration
	DefaultTTL       time.Duration
	RefreshThreshold float64
	CompressMinBytes int
	Retention        time.Duration
	RefreshWorkers   int
	RefreshQueueSize int

	// AnomalySigma is the stddev multiple beyond which a numeric value is
	// considered an outlier against the key's recent history.
	AnomalySigma float64
	HistorySize  int
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.FastCapacity <= 0 {
		c.FastCapacity = 4096
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
	if c.RefreshThreshold <= 0 || c.RefreshThreshold >= 1 {
		c.RefreshThreshold = 0.7
	}
	if c.CompressMinBytes <= 0 {
		c.CompressMinBytes = 4 << 10
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.RefreshWorkers <= 0 {
		c.RefreshWorkers = 4
	}
	if c.RefreshQueueSize <= 0 {
		c.RefreshQueueSize = 64
	}
	if c.AnomalySigma <= 0 {
		c.AnomalySigma = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 32
	}
	return c
}

// Store is the two-tier cache store shared by all request tasks.
type Store struct {
	cfg     StoreConfig
	fast    *lruTier
	durable Durable

	histMu  sync.Mutex
	history map[string][]float64

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	refreshJobs chan refreshJob
	workerWG    sync.WaitGroup
	closeOnce   sync.Once

	statsMu   sync.Mutex
	hits      int64
	misses    int64
	refreshes int64

	nowFunc func() time.Time
}

type refreshJob struct {
	key string
	fn  func(ctx context.Context)
}

// NewStore creates a two-tier store over the given durable tier and starts
// the background-refresh worker pool.
func NewStore(cfg StoreConfig, durable Durable) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:         cfg,
		fast:        newLRUTier(cfg.FastCapacity),
		durable:     durable,
		history:     make(map[string][]float64),
		inflight:    make(map[string]struct{}),
		refreshJobs: make(chan refreshJob, cfg.RefreshQueueSize),
		nowFunc:     time.Now,
	}
	for i := 0; i < cfg.RefreshWorkers; i++ {
		s.workerWG.Add(1)
		go s.refreshWorker()
	}
	return s
}

// WithNow sets a fixed clock source for testing.
func (s *Store) WithNow(fn func() time.Time) *Store {
	s.nowFunc = fn
	return s
}

// Now exposes the store's clock so callers judge freshness consistently.
func (s *Store) Now() time.Time { return s.nowFunc() }

// TTLFor returns the configured TTL for a data type.
func (s *Store) TTLFor(dt model.DataType) time.Duration {
	if ttl, ok := s.cfg.TTLByType[dt]; ok && ttl > 0 {
		return ttl
	}
	return s.cfg.DefaultTTL
}

// Get returns the cached entry for key regardless of freshness, checking the
// fast tier first and promoting durable-tier hits. Found-ness says nothing
// about freshness; callers judge that against the entry metadata.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	if e, ok := s.fast.get(key); ok {
		s.recordHit(true)
		return e, true, nil
	}

	se, ok, err := s.durable.Get(ctx, key)
	if err != nil {
		s.recordHit(false)
		return Entry{}, false, err
	}
	if !ok {
		s.recordHit(false)
		return Entry{}, false, nil
	}

	e := se.Entry
	if se.Compressed {
		val, err := inflate(se.Value)
		if err != nil {
			// A corrupt durable row is treated as a miss, not an error.
			zap.L().Warn("cache: dropping corrupt compressed entry",
				zap.String("key", key), zap.Error(err))
			_ = s.durable.Delete(ctx, key)
			s.recordHit(false)
			return Entry{}, false, nil
		}
		e.Value = val
	}

	s.fast.put(e)
	s.recordHit(true)
	return e, true, nil
}

// Set stores a value under key. The caller supplies a quality score; the
// store runs a cheap outlier check against the key's recent numeric history
// and downgrades quality rather than rejecting the write.
func (s *Store) Set(ctx context.Context, key string, payload model.Payload, sourceID string, ttl time.Duration, quality float64) (Entry, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if payload.Numeric != nil {
		quality = s.applyAnomalyCheck(key, *payload.Numeric, quality)
	}

	e := Entry{
		Key:              key,
		Value:            payload.Raw,
		Numeric:          payload.Numeric,
		SourceID:         sourceID,
		FetchedAt:        s.nowFunc().UTC(),
		TTL:              ttl,
		Quality:          quality,
		RefreshThreshold: s.cfg.RefreshThreshold,
	}

	s.fast.put(e)

	se := storedEntry{Entry: e}
	if len(e.Value) >= s.cfg.CompressMinBytes {
		compressed, err := deflate(e.Value)
		if err == nil && len(compressed) < len(e.Value) {
			se.Value = compressed
			se.Compressed = true
		}
	}
	if err := s.durable.Put(ctx, se); err != nil {
		return e, eris.Wrap(err, "cache: durable write")
	}
	return e, nil
}

// Invalidate removes key from both tiers.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.fast.delete(key)
	return s.durable.Delete(ctx, key)
}

// ScheduleRefresh queues an asynchronous refresh for key on the bounded
// worker pool. At most one refresh per key is ever in flight; duplicate
// schedules while one is pending are dropped. When the queue is full the
// refresh is discarded; the entry will refresh on its next miss instead.
func (s *Store) ScheduleRefresh(key string, fn func(ctx context.Context)) bool {
	s.inflightMu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.inflightMu.Unlock()
		return false
	}
	s.inflight[key] = struct{}{}
	s.inflightMu.Unlock()

	select {
	case s.refreshJobs <- refreshJob{key: key, fn: fn}:
		return true
	default:
		s.clearInflight(key)
		zap.L().Warn("cache: refresh queue full, discarding", zap.String("key", key))
		return false
	}
}

func (s *Store) refreshWorker() {
	defer s.workerWG.Done()
	for job := range s.refreshJobs {
		// Refresh tasks run detached from any request's critical path.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		job.fn(ctx)
		cancel()
		s.clearInflight(job.key)

		s.statsMu.Lock()
		s.refreshes++
		s.statsMu.Unlock()
	}
}

func (s *Store) clearInflight(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}

// SweepExpired removes durable-tier entries older than the retention
// ceiling. Called from the cron sweeper and the sweep CLI command.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	return s.durable.DeleteExpired(ctx, s.cfg.Retention, s.nowFunc())
}

// Close drains the refresh pool and closes the durable tier. Queued
// refreshes run to completion; nothing is leaked.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.refreshJobs)
	})
	s.workerWG.Wait()
	return s.durable.Close()
}

// applyAnomalyCheck downgrades quality when v lies outside the configured
// sigma band of the key's recent history, then folds v into the history.
func (s *Store) applyAnomalyCheck(key string, v, quality float64) float64 {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	hist := s.history[key]
	if len(hist) >= 5 {
		mean, std := stat.MeanStdDev(hist, nil)
		if std > 0 && math.Abs(v-mean) > s.cfg.AnomalySigma*std {
			quality *= 0.5
			zap.L().Warn("cache: anomalous value, downgrading quality",
				zap.String("key", key),
				zap.Float64("value", v),
				zap.Float64("mean", mean),
				zap.Float64("stddev", std),
			)
		}
	}

	hist = append(hist, v)
	if len(hist) > s.cfg.HistorySize {
		hist = hist[len(hist)-s.cfg.HistorySize:]
	}
	s.history[key] = hist
	return quality
}

func (s *Store) recordHit(hit bool) {
	s.statsMu.Lock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
	s.statsMu.Unlock()
}

// Snapshot is a read-only view of cache health.
type Snapshot struct {
	FastEntries  int     `json:"fast_entries"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Refreshes    int64   `json:"refreshes"`
	RefreshQueue int     `json:"refresh_queue"`
}

// Stats reports cache hit rate and refresh activity.
func (s *Store) Stats() Snapshot {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snap := Snapshot{
		FastEntries:  s.fast.len(),
		Hits:         s.hits,
		Misses:       s.misses,
		Refreshes:    s.refreshes,
		RefreshQueue: len(s.refreshJobs),
	}
	if total := s.hits + s.misses; total > 0 {
		snap.HitRate = float64(s.hits) / float64(total)
	}
	return snap
}

func deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(b []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
