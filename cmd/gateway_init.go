package main

import (
	"context"
	"time"

	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/gateway"
	"github.com/sells-group/datafeed/internal/provider"
	"github.com/sells-group/datafeed/internal/provider/fileadapter"
	"github.com/sells-group/datafeed/internal/provider/httpadapter"
	"github.com/sells-group/datafeed/internal/resilience"
)

// initGateway builds the adapter registry from the catalog and stands up
// the gateway. Callers should defer gw.Close().
func initGateway(ctx context.Context) (*gateway.Gateway, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	timeout := time.Duration(cfg.Executor.ProviderTimeoutSecs) * time.Second
	for _, d := range cat.Providers() {
		if d.Endpoint == "" {
			continue
		}
		if d.Transport == catalog.TransportFile {
			a, err := fileadapter.New(fileadapter.Options{
				ProviderID: d.ID,
				URL:        d.Endpoint,
				Format:     d.File.Format,
				KeyField:   d.File.KeyField,
				ValueField: d.File.ValueField,
				Timeout:    timeout,
			})
			if err != nil {
				return nil, err
			}
			registry.Register(a)
			continue
		}
		registry.Register(httpadapter.New(httpadapter.Options{
			ProviderID: d.ID,
			BaseURL:    d.Endpoint,
			APIKey:     cfg.Providers[d.ID].APIKey,
			Timeout:    timeout,
			Retry:      resilience.DefaultRetryConfig(),
		}))
	}

	return gateway.New(ctx, cfg, registry)
}
