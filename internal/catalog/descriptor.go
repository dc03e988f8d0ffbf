// Package catalog holds the provider catalog: static descriptors for every
// external data source, loaded from configuration and hot-reloadable at
// runtime. Activation predicates are typed functions over structured filter
// criteria, never string matching on raw filter maps.
package catalog

import (
	"sync"

	"github.com/sells-group/datafeed/internal/model"
	"github.com/sells-group/datafeed/internal/ratelimit"
)

// Provider categories and modes. Category captures the commercial model,
// Mode captures the access pattern the provider is built for.
const (
	CategoryCommercial = "commercial"
	CategoryGovernment = "government"

	ModeIndividual = "individual"
	ModeBulk       = "bulk"
)

// ActivationConfig declares a provider's competence boundary. A provider
// activates for a request only when every configured constraint holds.
type ActivationConfig struct {
	// DataTypes restricts the provider to these data types. Empty means all.
	DataTypes []model.DataType `yaml:"data_types" mapstructure:"data_types"`

	// MinEntities/MaxEntities bound the entity-list size the provider can
	// handle (e.g. 1–20 for a single-entity deep-analysis source).
	// MaxEntities zero means unbounded.
	MinEntities int `yaml:"min_entities" mapstructure:"min_entities"`
	MaxEntities int `yaml:"max_entities" mapstructure:"max_entities"`

	// ScreenOnly providers activate only for sector-wide screens, i.e.
	// requests with no explicit entity list.
	ScreenOnly bool `yaml:"screen_only" mapstructure:"screen_only"`

	// Sectors restricts activation to requests filtering on one of these
	// sectors. Empty means any sector (or none).
	Sectors []string `yaml:"sectors" mapstructure:"sectors"`
}

// PriorityConfig declares how a provider scores against a request. Higher
// wins.
type PriorityConfig struct {
	Base int `yaml:"base" mapstructure:"base"`

	// SmallBatchBonus applies when the entity list has at most
	// SmallBatchMax entries; individual-mode providers bid up on small
	// lookups.
	SmallBatchBonus int `yaml:"small_batch_bonus" mapstructure:"small_batch_bonus"`
	SmallBatchMax   int `yaml:"small_batch_max" mapstructure:"small_batch_max"`

	// ScreenBonus applies to requests with no entity list.
	ScreenBonus int `yaml:"screen_bonus" mapstructure:"screen_bonus"`
}

// Transport kinds. An "api" provider answers query requests over HTTP; a
// "file" provider publishes periodic bulk drops that are downloaded and
// indexed locally.
const (
	TransportAPI  = "api"
	TransportFile = "file"
)

// FileConfig describes a file-drop provider's format. Only meaningful when
// Transport is "file".
type FileConfig struct {
	// Format is "csv", "json", or "xlsx"; inferred from the endpoint's
	// extension when empty.
	Format string `yaml:"format" mapstructure:"format"`
	// KeyField names the record field matched against entity keys.
	KeyField string `yaml:"key_field" mapstructure:"key_field"`
	// ValueField optionally names the field carrying the scalar summary.
	ValueField string `yaml:"value_field" mapstructure:"value_field"`
}

// Descriptor is the static configuration for one external provider.
// Immutable after load except the reliability score, which is updated by the
// executor after each call outcome under the descriptor's own lock.
type Descriptor struct {
	ID             string            `yaml:"id" mapstructure:"id"`
	Category       string            `yaml:"category" mapstructure:"category"`
	Mode           string            `yaml:"mode" mapstructure:"mode"`
	Transport      string            `yaml:"transport" mapstructure:"transport"`
	Endpoint       string            `yaml:"endpoint" mapstructure:"endpoint"`
	File           FileConfig        `yaml:"file" mapstructure:"file"`
	CostPerRequest float64           `yaml:"cost_per_request" mapstructure:"cost_per_request"`
	Reliability    float64           `yaml:"reliability" mapstructure:"reliability"`
	RateLimit      ratelimit.Config  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Activation     ActivationConfig  `yaml:"activation" mapstructure:"activation"`
	Priority       PriorityConfig    `yaml:"priority" mapstructure:"priority"`

	relMu       sync.Mutex
	reliability float64
}

// Activates is the provider's activation predicate: true when the provider
// is competent for the request.
func (d *Descriptor) Activates(req model.DataRequest) bool {
	a := d.Activation

	if len(a.DataTypes) > 0 {
		ok := false
		for _, dt := range a.DataTypes {
			if dt == req.DataType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	n := len(req.EntityKeys)
	if a.ScreenOnly {
		return n == 0
	}
	if a.MinEntities > 0 && n < a.MinEntities {
		return false
	}
	if a.MaxEntities > 0 && n > a.MaxEntities {
		return false
	}

	if len(a.Sectors) > 0 {
		if req.Filter.Sector == "" {
			return false
		}
		ok := false
		for _, s := range a.Sectors {
			if s == req.Filter.Sector {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

// PriorityFor scores the provider against a request.
func (d *Descriptor) PriorityFor(req model.DataRequest) int {
	p := d.Priority.Base
	n := len(req.EntityKeys)
	if n == 0 {
		p += d.Priority.ScreenBonus
	} else if d.Priority.SmallBatchMax > 0 && n <= d.Priority.SmallBatchMax {
		p += d.Priority.SmallBatchBonus
	}
	return p
}

// CurrentReliability returns the observed reliability score (0–1).
func (d *Descriptor) CurrentReliability() float64 {
	d.relMu.Lock()
	defer d.relMu.Unlock()
	return d.reliability
}

// ObserveOutcome folds a call outcome into the reliability score as an
// exponential moving average. The outcome is 1 for success, 0 for a hard
// failure, and may be fractional for soft failures (a rate-limit denial
// says little about the provider's health).
func (d *Descriptor) ObserveOutcome(outcome, alpha float64) {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	d.relMu.Lock()
	d.reliability = alpha*outcome + (1-alpha)*d.reliability
	d.relMu.Unlock()
}

func (d *Descriptor) init() {
	if d.Reliability <= 0 || d.Reliability > 1 {
		d.Reliability = 0.8
	}
	d.reliability = d.Reliability
}
