package catalog

import (
	"os"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/datafeed/internal/ratelimit"
)

// Catalog is the live set of provider descriptors. Reads are lock-protected
// so the file watcher can swap the set without a process restart.
type Catalog struct {
	mu        sync.RWMutex
	providers []*Descriptor
	byID      map[string]*Descriptor
}

// Load reads a provider catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read %s", path)
	}
	return Parse(data)
}

// Parse builds a catalog from raw YAML.
func Parse(data []byte) (*Catalog, error) {
	var wrapper struct {
		Providers []*Descriptor `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "catalog: parse")
	}
	if len(wrapper.Providers) == 0 {
		return nil, eris.New("catalog: no providers defined")
	}

	byID := make(map[string]*Descriptor, len(wrapper.Providers))
	for _, d := range wrapper.Providers {
		if d.ID == "" {
			return nil, eris.New("catalog: provider missing id")
		}
		if _, dup := byID[d.ID]; dup {
			return nil, eris.Errorf("catalog: duplicate provider id %q", d.ID)
		}
		if d.Transport == TransportFile && d.File.KeyField == "" {
			return nil, eris.Errorf("catalog: file provider %s needs file.key_field", d.ID)
		}
		// An absent rate_limit block means the provider is unthrottled.
		if d.RateLimit != (ratelimit.Config{}) {
			if err := d.RateLimit.Validate(); err != nil {
				return nil, eris.Wrapf(err, "catalog: provider %s", d.ID)
			}
		}
		d.init()
		byID[d.ID] = d
	}

	c := &Catalog{byID: byID, providers: wrapper.Providers}
	return c, nil
}

// Providers returns the current descriptor set. The slice is shared; callers
// must not mutate it.
func (c *Catalog) Providers() []*Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers
}

// Get returns the descriptor for id, or nil.
func (c *Catalog) Get(id string) *Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// Len returns the number of providers.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.providers)
}

// ReliabilitySnapshot reports current reliability by provider for the health
// surface.
func (c *Catalog) ReliabilitySnapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.providers))
	for _, d := range c.providers {
		out[d.ID] = d.CurrentReliability()
	}
	return out
}

// replace swaps in a freshly loaded descriptor set, carrying observed
// reliability over for providers that survive the reload.
func (c *Catalog) replace(next *Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, nd := range next.byID {
		if od, ok := c.byID[id]; ok {
			nd.relMu.Lock()
			nd.reliability = od.CurrentReliability()
			nd.relMu.Unlock()
		}
	}
	c.providers = next.providers
	c.byID = next.byID
}
