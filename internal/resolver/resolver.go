// Package resolver reconciles disagreeing values from multiple providers
// into one value with a confidence score. Strategies are configured per data
// type, never inferred from the data.
package resolver

import (
	"math"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/datafeed/internal/model"
)

// Strategy selects how candidates are reconciled.
type Strategy string

const (
	// UsePrimary lets the source with the highest reliability win outright.
	UsePrimary Strategy = "use_primary"
	// UseHighestQuality lets the candidate with the highest quality score win.
	UseHighestQuality Strategy = "use_highest_quality"
	// UseAverage takes the arithmetic mean of numeric candidates, valid
	// only when they agree within the tolerance band.
	UseAverage Strategy = "use_average"
	// FlagForReview performs no automatic resolution: the highest-quality
	// candidate is returned with confidence capped low and a review flag.
	FlagForReview Strategy = "flag_for_review"
)

// reviewConfidenceCap bounds confidence on flagged resolutions.
const reviewConfidenceCap = 0.3

// Candidate is one sourced value competing for the same logical entity.
type Candidate struct {
	Payload     model.Payload `json:"payload"`
	SourceID    string        `json:"source_id"`
	Quality     float64       `json:"quality"`
	Reliability float64       `json:"reliability"`
}

// Resolution is the reconciled outcome.
type Resolution struct {
	Payload    model.Payload `json:"payload"`
	SourceID   string        `json:"source_id"`
	Confidence float64       `json:"confidence"`
	Strategy   Strategy      `json:"strategy"`
	ReviewFlag bool          `json:"review_flag"`
}

// Policy configures reconciliation for one data type.
type Policy struct {
	Strategy Strategy `yaml:"strategy" mapstructure:"strategy"`
	// TolerancePct is the relative divergence band for UseAverage, in
	// percent. Candidates further apart fall back to FlagForReview rather
	// than silently averaging outliers.
	TolerancePct float64 `yaml:"tolerance_pct" mapstructure:"tolerance_pct"`
}

// Resolver applies per-data-type reconciliation policies.
type Resolver struct {
	policies map[model.DataType]Policy
	fallback Policy
}

// New creates a resolver. Data types without an explicit policy use
// UseHighestQuality with a 1% tolerance band.
func New(policies map[model.DataType]Policy) *Resolver {
	return &Resolver{
		policies: policies,
		fallback: Policy{Strategy: UseHighestQuality, TolerancePct: 1.0},
	}
}

// PolicyFor returns the reconciliation policy for a data type.
func (r *Resolver) PolicyFor(dt model.DataType) Policy {
	if p, ok := r.policies[dt]; ok && p.Strategy != "" {
		if p.TolerancePct <= 0 {
			p.TolerancePct = r.fallback.TolerancePct
		}
		return p
	}
	return r.fallback
}

// Resolve reconciles the candidates for one logical entity. Confidence never
// exceeds the maximum candidate quality, except that exact agreement across
// all candidates may yield 1.0. An audit record is logged for every
// resolution of two or more candidates.
func (r *Resolver) Resolve(dt model.DataType, candidates []Candidate) (Resolution, error) {
	if len(candidates) == 0 {
		return Resolution{}, eris.New("resolver: no candidates")
	}

	policy := r.PolicyFor(dt)
	res := r.apply(policy, candidates)

	if agreeExactly(candidates) {
		res.Confidence = 1.0
	} else if maxQ := maxQuality(candidates); res.Confidence > maxQ {
		res.Confidence = maxQ
	}

	if len(candidates) >= 2 {
		logConflictRecord(dt, candidates, res)
	}
	return res, nil
}

func (r *Resolver) apply(policy Policy, candidates []Candidate) Resolution {
	switch policy.Strategy {
	case UsePrimary:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Reliability > best.Reliability {
				best = c
			}
		}
		return Resolution{Payload: best.Payload, SourceID: best.SourceID, Confidence: best.Quality, Strategy: UsePrimary}

	case UseAverage:
		values, ok := numericValues(candidates)
		if !ok || len(candidates) < 2 {
			return flagged(candidates)
		}
		if !withinTolerance(values, policy.TolerancePct) {
			// Silent averaging of divergent values is forbidden.
			return flagged(candidates)
		}
		mean := stat.Mean(values, nil)
		best := highestQuality(candidates)
		payload := best.Payload
		payload.Numeric = &mean
		return Resolution{Payload: payload, SourceID: best.SourceID, Confidence: meanQuality(candidates), Strategy: UseAverage}

	case FlagForReview:
		return flagged(candidates)

	default: // UseHighestQuality
		best := highestQuality(candidates)
		return Resolution{Payload: best.Payload, SourceID: best.SourceID, Confidence: best.Quality, Strategy: UseHighestQuality}
	}
}

func flagged(candidates []Candidate) Resolution {
	best := highestQuality(candidates)
	conf := best.Quality
	if conf > reviewConfidenceCap {
		conf = reviewConfidenceCap
	}
	return Resolution{Payload: best.Payload, SourceID: best.SourceID, Confidence: conf, Strategy: FlagForReview, ReviewFlag: true}
}

func highestQuality(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Quality > best.Quality {
			best = c
		}
	}
	return best
}

func maxQuality(candidates []Candidate) float64 {
	m := 0.0
	for _, c := range candidates {
		if c.Quality > m {
			m = c.Quality
		}
	}
	return m
}

func meanQuality(candidates []Candidate) float64 {
	qs := make([]float64, len(candidates))
	for i, c := range candidates {
		qs[i] = c.Quality
	}
	return stat.Mean(qs, nil)
}

func numericValues(candidates []Candidate) ([]float64, bool) {
	values := make([]float64, len(candidates))
	for i, c := range candidates {
		if c.Payload.Numeric == nil {
			return nil, false
		}
		values[i] = *c.Payload.Numeric
	}
	return values, true
}

// withinTolerance checks pairwise relative divergence against the band.
func withinTolerance(values []float64, tolerancePct float64) bool {
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			a, b := values[i], values[j]
			denom := math.Max(math.Abs(a), math.Abs(b))
			if denom == 0 {
				continue
			}
			if math.Abs(a-b)/denom*100 > tolerancePct {
				return false
			}
		}
	}
	return true
}

func agreeExactly(candidates []Candidate) bool {
	if len(candidates) < 2 {
		return false
	}
	first := candidates[0].Payload
	for _, c := range candidates[1:] {
		if first.Numeric != nil && c.Payload.Numeric != nil {
			if *first.Numeric != *c.Payload.Numeric {
				return false
			}
			continue
		}
		if string(c.Payload.Raw) != string(first.Raw) {
			return false
		}
	}
	return true
}

// logConflictRecord emits the audit trail for a multi-candidate resolution.
// Records are ephemeral: logged, not persisted.
func logConflictRecord(dt model.DataType, candidates []Candidate, res Resolution) {
	sources := make([]string, len(candidates))
	qualities := make([]float64, len(candidates))
	for i, c := range candidates {
		sources[i] = c.SourceID
		qualities[i] = c.Quality
	}
	zap.L().Info("conflict resolved",
		zap.String("record_id", uuid.NewString()),
		zap.String("data_type", string(dt)),
		zap.Strings("sources", sources),
		zap.Float64s("qualities", qualities),
		zap.String("strategy", string(res.Strategy)),
		zap.String("winner", res.SourceID),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("review_flag", res.ReviewFlag),
	)
}
