// Package router ranks catalog providers against a semantic data request.
// Routing is pure computation over the catalog: cheap enough to recompute
// per request, with no caching of decisions.
package router

import (
	"fmt"
	"sort"

	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/model"
)

// Candidate is one ranked provider in a routing decision.
type Candidate struct {
	Descriptor *catalog.Descriptor
	Priority   int
}

// Decision is the ordered candidate list for one request. Empty means
// unroutable, which is the caller's distinction to surface, not an error at
// this layer.
type Decision struct {
	Candidates []Candidate
}

// Empty reports whether no provider activated for the request.
func (d Decision) Empty() bool { return len(d.Candidates) == 0 }

// ProviderIDs returns the ordered candidate ids, mostly for logging.
func (d Decision) ProviderIDs() []string {
	ids := make([]string, len(d.Candidates))
	for i, c := range d.Candidates {
		ids[i] = c.Descriptor.ID
	}
	return ids
}

// Route filters the catalog to providers whose activation predicate accepts
// the request, then orders them by priority descending, breaking ties by
// reliability descending and then by cost ascending.
func Route(req model.DataRequest, cat *catalog.Catalog) Decision {
	var cands []Candidate
	for _, d := range cat.Providers() {
		if !d.Activates(req) {
			continue
		}
		cands = append(cands, Candidate{Descriptor: d, Priority: d.PriorityFor(req)})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		ar, br := a.Descriptor.CurrentReliability(), b.Descriptor.CurrentReliability()
		if ar != br {
			return ar > br
		}
		return a.Descriptor.CostPerRequest < b.Descriptor.CostPerRequest
	})

	return Decision{Candidates: cands}
}

// Report is the outcome of validating a request before committing to a
// fetch. Validation has no side effects.
type Report struct {
	Valid            bool     `json:"valid"`
	Warnings         []string `json:"warnings,omitempty"`
	SuggestedFilters []string `json:"suggested_filters,omitempty"`
}

// Validate checks a request for routability and offers feedback upstream
// callers can act on before fetching.
func Validate(req model.DataRequest, cat *catalog.Catalog) Report {
	rep := Report{Valid: true}

	if req.DataType == "" {
		rep.Valid = false
		rep.Warnings = append(rep.Warnings, "data_type is required")
		return rep
	}

	decision := Route(req, cat)
	if decision.Empty() {
		rep.Valid = false
		rep.Warnings = append(rep.Warnings, fmt.Sprintf(
			"no provider activates for data_type=%s with %d entity keys", req.DataType, len(req.EntityKeys)))

		// Suggest the nearest competence boundary: would a sector screen or
		// a smaller entity list route?
		for _, d := range cat.Providers() {
			a := d.Activation
			if !typeMatches(a, req.DataType) {
				continue
			}
			if a.ScreenOnly && len(req.EntityKeys) > 0 {
				rep.SuggestedFilters = append(rep.SuggestedFilters,
					fmt.Sprintf("drop the entity list and use a sector filter (provider %s screens whole sectors)", d.ID))
			}
			if a.MaxEntities > 0 && len(req.EntityKeys) > a.MaxEntities {
				rep.SuggestedFilters = append(rep.SuggestedFilters,
					fmt.Sprintf("reduce the entity list to at most %d (provider %s)", a.MaxEntities, d.ID))
			}
		}
		return rep
	}

	if n := len(req.EntityKeys); n > 100 {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf(
			"entity list of %d will be slow on individual-mode providers; consider a sector screen", n))
	}
	return rep
}

func typeMatches(a catalog.ActivationConfig, dt model.DataType) bool {
	if len(a.DataTypes) == 0 {
		return true
	}
	for _, t := range a.DataTypes {
		if t == dt {
			return true
		}
	}
	return false
}
