// Package httpadapter provides a generic JSON-over-HTTP provider adapter.
// Concrete commercial clients are thin wrappers around external APIs and
// stay out of the core; this adapter is the uniform boundary used by the CLI
// and by any provider whose API fits a simple query-parameter GET.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datafeed/internal/faults"
	"github.com/sells-group/datafeed/internal/model"
	"github.com/sells-group/datafeed/internal/resilience"
)

// Options configures an Adapter.
type Options struct {
	ProviderID string
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	Retry      resilience.RetryConfig
}

// Adapter fetches payloads from a JSON HTTP endpoint. Transport-level
// transient faults get one retry; everything else is classified and handed
// to the executor for failover.
type Adapter struct {
	opts   Options
	client *http.Client
}

// New creates an HTTP adapter.
func New(opts Options) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "datafeed/1.0"
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Adapter{
		opts: opts,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}
}

func (a *Adapter) ID() string { return a.opts.ProviderID }

// response is the wire shape the generic endpoint returns.
type response struct {
	Data    json.RawMessage `json:"data"`
	Numeric *float64        `json:"numeric,omitempty"`
	AsOf    *time.Time      `json:"as_of,omitempty"`
}

// Fetch performs the provider call, classifying failures into fault kinds.
func (a *Adapter) Fetch(ctx context.Context, req model.DataRequest) (*model.Payload, error) {
	u, err := a.buildURL(req)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidResponse, err, "httpadapter: build url")
	}

	payload, err := resilience.Do(ctx, a.opts.Retry, a.opts.ProviderID, func(ctx context.Context) (*model.Payload, error) {
		return a.doFetch(ctx, u)
	})
	if err != nil {
		return nil, a.classify(err)
	}
	return payload, nil
}

func (a *Adapter) doFetch(ctx context.Context, u string) (*model.Payload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "httpadapter: new request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", a.opts.UserAgent)
	if a.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, eris.Wrap(err, "httpadapter: read body")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("httpadapter: %s returned %d", a.opts.ProviderID, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) && resp.StatusCode != 429 {
			// 429 is not retried here: the executor should advance to the
			// next candidate instead of hammering a throttled provider.
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, faults.Wrap(faults.FromStatus(resp.StatusCode), err, "httpadapter: status")
	}

	var wire response
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, faults.Wrap(faults.InvalidResponse, err, "httpadapter: decode")
	}
	if len(wire.Data) == 0 {
		return nil, faults.New(faults.InvalidResponse, "httpadapter: empty data")
	}

	return &model.Payload{Raw: wire.Data, Numeric: wire.Numeric, AsOf: wire.AsOf}, nil
}

func (a *Adapter) buildURL(req model.DataRequest) (string, error) {
	u, err := url.Parse(a.opts.BaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("type", string(req.DataType))
	if len(req.EntityKeys) > 0 {
		q.Set("symbols", strings.Join(req.EntityKeys, ","))
	}
	if req.Filter.Sector != "" {
		q.Set("sector", req.Filter.Sector)
	}
	if req.Filter.Granularity != "" {
		q.Set("granularity", req.Filter.Granularity)
	}
	if !req.Filter.StartDate.IsZero() {
		q.Set("start", req.Filter.StartDate.Format("2006-01-02"))
	}
	if !req.Filter.EndDate.IsZero() {
		q.Set("end", req.Filter.EndDate.Format("2006-01-02"))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classify folds transport errors into the fault taxonomy after retries are
// exhausted.
func (a *Adapter) classify(err error) error {
	if faults.KindOf(err) != "" {
		return err
	}

	var te *resilience.TransientError
	if errors.As(err, &te) {
		return faults.Wrap(faults.FromStatus(te.StatusCode), err, "httpadapter: transient exhausted")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err, "httpadapter: deadline")
	}
	var netTimeout interface{ Timeout() bool }
	if errors.As(err, &netTimeout) && netTimeout.Timeout() {
		return faults.Wrap(faults.Timeout, err, "httpadapter: timeout")
	}
	return faults.Wrap(faults.Unavailable, err, "httpadapter: transport")
}
