// Package cache implements the two-tier cache: a bounded in-process LRU fast
// tier backed by a durable SQL tier that survives restarts and is shared
// across instances when the deployment is multi-process.
package cache

import "time"

// Entry is one cached value with its freshness and quality metadata. Value
// is always held decompressed in memory; compression is a durable-tier
// storage detail.
type Entry struct {
	Key              string        `json:"key"`
	Value            []byte        `json:"value"`
	Numeric          *float64      `json:"numeric,omitempty"`
	SourceID         string        `json:"source_id"`
	FetchedAt        time.Time     `json:"fetched_at"`
	TTL              time.Duration `json:"ttl"`
	Quality          float64       `json:"quality"`
	RefreshThreshold float64       `json:"refresh_threshold"`
}

// Age returns how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// IsFresh reports whether the entry is within its TTL.
func (e Entry) IsFresh(now time.Time) bool {
	return e.Age(now) < e.TTL
}

// NeedsRefresh reports whether the entry has aged past its refresh
// threshold: still fresh enough to serve, but a background refresh should be
// queued so the next caller sees fresh data without provider latency.
func (e Entry) NeedsRefresh(now time.Time) bool {
	if e.RefreshThreshold <= 0 || e.RefreshThreshold >= 1 {
		return false
	}
	return e.Age(now) > time.Duration(float64(e.TTL)*e.RefreshThreshold)
}
