// Package fileadapter serves providers that publish data as periodic bulk
// file drops rather than a query API: a CSV, JSON, or XLSX file (optionally
// zipped) fetched over HTTP or anonymous FTP. The whole drop is downloaded
// and indexed by entity key; individual requests are answered from the
// index, re-downloading only when the remote file changes.
package fileadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datafeed/internal/faults"
	"github.com/sells-group/datafeed/internal/model"
)

// Options configures a file-drop adapter.
type Options struct {
	ProviderID string
	// URL of the drop file; http(s) or ftp scheme.
	URL string
	// Format is "csv", "json", or "xlsx". Inferred from the URL extension
	// when empty. A ".zip" URL is unwrapped first and the format inferred
	// from the inner file name.
	Format string
	// KeyField names the record field matched against request entity keys.
	KeyField string
	// ValueField optionally names the field carrying the scalar summary.
	ValueField string
	Timeout    time.Duration
	// MaxAge bounds how long the index is trusted before the source is
	// consulted again. Defaults to 5 minutes.
	MaxAge time.Duration
}

// Adapter answers requests from an in-memory index of the provider's latest
// file drop.
type Adapter struct {
	opts Options
	src  source

	mu        sync.Mutex
	tag       string
	index     map[string]map[string]string
	loadedAt  time.Time
	refreshed time.Time
}

// New creates a file-drop adapter.
func New(opts Options) (*Adapter, error) {
	if opts.KeyField == "" {
		return nil, eris.New("fileadapter: key field is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	src, err := newSource(opts.URL, opts.Timeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{opts: opts, src: src}, nil
}

func (a *Adapter) ID() string { return a.opts.ProviderID }

// Fetch answers the request from the drop index, refreshing it first when
// it is stale or was never loaded.
func (a *Adapter) Fetch(ctx context.Context, req model.DataRequest) (*model.Payload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureIndex(ctx); err != nil {
		return nil, a.classify(err)
	}

	matched := a.selectRecords(req)
	if len(matched) == 0 {
		return nil, faults.New(faults.NotFound, "fileadapter: no records for request")
	}

	raw, err := json.Marshal(matched)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidResponse, err, "fileadapter: encode records")
	}

	asOf := a.loadedAt
	payload := &model.Payload{Raw: raw, AsOf: &asOf}
	if len(matched) == 1 && a.opts.ValueField != "" {
		if v, err := strconv.ParseFloat(matched[0][a.opts.ValueField], 64); err == nil {
			payload.Numeric = &v
		}
	}
	return payload, nil
}

// ensureIndex re-downloads and re-indexes the drop when the index is older
// than MaxAge and the source reports a change. Callers hold a.mu.
func (a *Adapter) ensureIndex(ctx context.Context) error {
	if a.index != nil && time.Since(a.refreshed) < a.opts.MaxAge {
		return nil
	}

	body, tag, changed, err := a.src.fetch(ctx, a.tag)
	if err != nil {
		return err
	}
	a.refreshed = time.Now()
	if !changed {
		return nil
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 256<<20))
	if err != nil {
		return eris.Wrap(err, "fileadapter: read drop")
	}

	name := a.opts.URL
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		data, name, err = unzip(data)
		if err != nil {
			return faults.Wrap(faults.InvalidResponse, err, "fileadapter: unzip drop")
		}
	}

	format := a.opts.Format
	if format == "" {
		format = formatFor(name)
	}
	records, err := decode(format, data)
	if err != nil {
		return faults.Wrap(faults.InvalidResponse, err, "fileadapter: parse drop")
	}

	index := make(map[string]map[string]string, len(records))
	for _, rec := range records {
		key := strings.ToUpper(strings.TrimSpace(rec[a.opts.KeyField]))
		if key == "" {
			continue
		}
		index[key] = rec
	}

	a.index = index
	a.tag = tag
	a.loadedAt = time.Now()
	zap.L().Info("fileadapter: drop indexed",
		zap.String("provider", a.opts.ProviderID),
		zap.Int("records", len(index)),
	)
	return nil
}

// selectRecords picks index rows for the request: by entity key for entity
// requests, by sector for screens.
func (a *Adapter) selectRecords(req model.DataRequest) []map[string]string {
	if len(req.EntityKeys) > 0 {
		matched := make([]map[string]string, 0, len(req.EntityKeys))
		for _, key := range req.EntityKeys {
			if rec, ok := a.index[strings.ToUpper(strings.TrimSpace(key))]; ok {
				matched = append(matched, rec)
			}
		}
		return matched
	}

	var matched []map[string]string
	for _, rec := range a.index {
		if req.Filter.Sector != "" && !strings.EqualFold(rec["sector"], req.Filter.Sector) {
			continue
		}
		matched = append(matched, rec)
	}
	return matched
}

func (a *Adapter) classify(err error) error {
	if faults.KindOf(err) != "" {
		return err
	}
	var se *statusError
	if errors.As(err, &se) {
		return faults.Wrap(faults.FromStatus(se.code), err, "fileadapter: status")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err, "fileadapter: deadline")
	}
	var netTimeout interface{ Timeout() bool }
	if errors.As(err, &netTimeout) && netTimeout.Timeout() {
		return faults.Wrap(faults.Timeout, err, "fileadapter: timeout")
	}
	return faults.Wrap(faults.Unavailable, err, "fileadapter: transport")
}
