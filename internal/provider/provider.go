// Package provider defines the uniform adapter contract every external data
// source implements, and the registry the executor resolves adapters from.
package provider

import (
	"context"
	"sync"

	"github.com/sells-group/datafeed/internal/model"
)

// Adapter is the uniform boundary to one external provider. Implementations
// must respect the caller-supplied deadline and classify their failures with
// the faults package so the executor can apply differentiated failover
// policy.
type Adapter interface {
	// ID matches the provider's descriptor id in the catalog.
	ID() string
	// Fetch retrieves the payload for a request.
	Fetch(ctx context.Context, req model.DataRequest) (*model.Payload, error)
}

// Registry maps catalog provider ids to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id, or nil.
func (r *Registry) Get(id string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[id]
}

// IDs returns all registered adapter ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}
