package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafeed/internal/catalog"
	"github.com/sells-group/datafeed/internal/model"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
providers:
  - id: bulk-screener
    mode: bulk
    cost_per_request: 0.002
    rate_limit:
      requests: 100
      window_secs: 60
    activation:
      data_types: [fundamentals]
      screen_only: true
    priority:
      base: 50
      screen_bonus: 30
  - id: deep-lookup
    mode: individual
    cost_per_request: 0.01
    rate_limit:
      requests: 5
      window_secs: 10
    activation:
      data_types: [quote, fundamentals]
      min_entities: 1
      max_entities: 20
    priority:
      base: 50
      small_batch_bonus: 25
      small_batch_max: 5
  - id: cheap-quotes
    mode: bulk
    cost_per_request: 0.001
    rate_limit:
      requests: 300
      window_secs: 60
    activation:
      data_types: [quote]
    priority:
      base: 40
`))
	require.NoError(t, err)
	return cat
}

func TestRouteSingleEntityPrefersIndividualProvider(t *testing.T) {
	cat := testCatalog(t)

	req := model.DataRequest{EntityKeys: []string{"AAPL"}, DataType: model.DataTypeQuote}
	decision := Route(req, cat)

	require.False(t, decision.Empty())
	// deep-lookup bids 50+25 on a one-entity request, cheap-quotes stays at 40.
	assert.Equal(t, []string{"deep-lookup", "cheap-quotes"}, decision.ProviderIDs())
}

func TestRouteScreenExcludesEntityProviders(t *testing.T) {
	cat := testCatalog(t)

	req := model.DataRequest{
		DataType: model.DataTypeFundamentals,
		Filter:   model.FilterCriteria{Sector: "technology"},
	}
	decision := Route(req, cat)

	assert.Equal(t, []string{"bulk-screener"}, decision.ProviderIDs(),
		"min_entities providers must not activate for screens")
}

func TestRouteLargeBatchLosesBonus(t *testing.T) {
	cat := testCatalog(t)

	req := model.DataRequest{EntityKeys: make([]string, 15), DataType: model.DataTypeQuote}
	decision := Route(req, cat)

	require.Len(t, decision.Candidates, 2)
	// Without the small-batch bonus deep-lookup still wins on base priority.
	assert.Equal(t, "deep-lookup", decision.Candidates[0].Descriptor.ID)
	assert.Equal(t, 50, decision.Candidates[0].Priority)
}

func TestRouteTieBreaksOnReliabilityThenCost(t *testing.T) {
	cat, err := catalog.Parse([]byte(`
providers:
  - id: flaky
    reliability: 0.5
    priority: {base: 10}
  - id: steady
    reliability: 0.95
    priority: {base: 10}
  - id: steady-cheap
    reliability: 0.95
    cost_per_request: 0.0001
    priority: {base: 10}
`))
	require.NoError(t, err)

	decision := Route(model.DataRequest{DataType: model.DataTypeNews}, cat)
	assert.Equal(t, []string{"steady-cheap", "steady", "flaky"}, decision.ProviderIDs())
}

func TestRouteUnroutable(t *testing.T) {
	cat := testCatalog(t)

	decision := Route(model.DataRequest{DataType: model.DataTypeOptions}, cat)
	assert.True(t, decision.Empty())
}

func TestValidateRejectsMissingType(t *testing.T) {
	rep := Validate(model.DataRequest{}, testCatalog(t))
	assert.False(t, rep.Valid)
	assert.NotEmpty(t, rep.Warnings)
}

func TestValidateSuggestsScreenForEntityList(t *testing.T) {
	cat := testCatalog(t)

	// 30 entities: too many for deep-lookup, not a screen for bulk-screener.
	req := model.DataRequest{
		EntityKeys: make([]string, 30),
		DataType:   model.DataTypeFundamentals,
	}
	rep := Validate(req, cat)

	assert.False(t, rep.Valid)
	require.NotEmpty(t, rep.SuggestedFilters)
	assert.Contains(t, rep.SuggestedFilters[0], "sector filter")
}

func TestValidateWarnsOnHugeEntityList(t *testing.T) {
	cat := testCatalog(t)

	req := model.DataRequest{EntityKeys: make([]string, 150), DataType: model.DataTypeQuote}
	rep := Validate(req, cat)

	assert.True(t, rep.Valid, "cheap-quotes has no entity bound")
	require.NotEmpty(t, rep.Warnings)
	assert.Contains(t, rep.Warnings[0], "sector screen")
}

func TestValidateHasNoSideEffects(t *testing.T) {
	cat := testCatalog(t)
	before := cat.Get("deep-lookup").CurrentReliability()

	for i := 0; i < 5; i++ {
		Validate(model.DataRequest{EntityKeys: []string{"AAPL"}, DataType: model.DataTypeQuote}, cat)
	}

	assert.Equal(t, before, cat.Get("deep-lookup").CurrentReliability())
}
