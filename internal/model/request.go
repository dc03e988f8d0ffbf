// Package model defines the core request, payload, and result types shared
// across the acquisition gateway.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// DataType identifies the semantic category of data being requested.
type DataType string

const (
	DataTypeQuote        DataType = "quote"
	DataTypeFundamentals DataType = "fundamentals"
	DataTypeOptions      DataType = "options"
	DataTypeNews         DataType = "news"
	DataTypeEconomic     DataType = "economic_series"
	DataTypeReference    DataType = "reference"
)

// FilterCriteria narrows a request beyond its entity list. All fields are
// optional; zero values mean "no constraint".
type FilterCriteria struct {
	Sector       string    `json:"sector,omitempty"`
	StartDate    time.Time `json:"start_date,omitempty"`
	EndDate      time.Time `json:"end_date,omitempty"`
	Granularity  string    `json:"granularity,omitempty"`
	AnalysisType string    `json:"analysis_type,omitempty"`
}

// DataRequest is a semantic ask issued by the analysis engine. It carries no
// knowledge of which provider should answer.
type DataRequest struct {
	EntityKeys []string       `json:"entity_keys,omitempty"`
	DataType   DataType       `json:"data_type"`
	Filter     FilterCriteria `json:"filter,omitempty"`

	// MaxStaleness caps acceptable cache age for this call. Zero means the
	// configured TTL for the data type applies unchanged.
	MaxStaleness time.Duration `json:"max_staleness,omitempty"`
}

// Key returns the deterministic cache key for this request: a hash of the
// data type, the sorted entity list, and the granularity. Requests that
// differ only in freshness requirement share a key.
func (r DataRequest) Key() string {
	keys := make([]string, len(r.EntityKeys))
	for i, k := range r.EntityKeys {
		keys[i] = strings.ToUpper(strings.TrimSpace(k))
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(r.DataType))
	h.Write([]byte{0})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	h.Write([]byte(r.Filter.Granularity))
	h.Write([]byte{0})
	h.Write([]byte(r.Filter.Sector))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// IsScreen reports whether the request is a broad screen (no explicit entity
// list) rather than a lookup of named entities.
func (r DataRequest) IsScreen() bool {
	return len(r.EntityKeys) == 0
}
