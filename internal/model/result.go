package model

import "time"

// CacheState describes where a returned value came from.
type CacheState string

const (
	// CacheFresh means the value was served from cache within its TTL.
	CacheFresh CacheState = "fresh"
	// CacheStale means the value was served from cache past its TTL
	// (degraded mode).
	CacheStale CacheState = "stale"
	// CacheRefreshed means the value was fetched from a provider on this call.
	CacheRefreshed CacheState = "refreshed"
)

// Payload is the opaque value fetched from a provider. Numeric carries an
// optional scalar summary (e.g. last price) used for anomaly checks and
// cross-source reconciliation; adapters populate it when the data type has a
// natural scalar.
type Payload struct {
	Raw     []byte     `json:"raw"`
	Numeric *float64   `json:"numeric,omitempty"`
	AsOf    *time.Time `json:"as_of,omitempty"`
}

// Metadata describes provenance and trust for a returned value.
type Metadata struct {
	SourceID   string     `json:"source_id"`
	CacheState CacheState `json:"cache_state"`
	Confidence float64    `json:"confidence"`
	// Strategy is set when cross-source reconciliation ran for this value.
	Strategy string `json:"strategy,omitempty"`
	// ReviewFlag marks values whose candidates diverged beyond tolerance.
	ReviewFlag bool      `json:"review_flag,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Result is the gateway's answer to a DataRequest.
type Result struct {
	Payload  Payload  `json:"payload"`
	Metadata Metadata `json:"metadata"`
}
