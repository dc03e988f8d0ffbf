package cache

import (
	"context"
	"time"
)

// storedEntry is an Entry as persisted in the durable tier: the value bytes
// may be gzip-compressed.
type storedEntry struct {
	Entry
	Compressed bool
}

// Durable is the shared durable tier behind the in-process LRU. Lookups are
// keyed; expiry sweeps run independently of reads.
type Durable interface {
	Get(ctx context.Context, key string) (*storedEntry, bool, error)
	Put(ctx context.Context, e storedEntry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpired removes entries whose age exceeds the retention
	// ceiling. Entries merely past TTL are kept for degraded-mode reads.
	DeleteExpired(ctx context.Context, retention time.Duration, now time.Time) (int, error)
	Close() error
}
