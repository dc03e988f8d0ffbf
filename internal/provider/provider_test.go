package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/datafeed/internal/model"
)

type stubAdapter struct{ id string }

func (s stubAdapter) ID() string { return s.id }
func (s stubAdapter) Fetch(context.Context, model.DataRequest) (*model.Payload, error) {
	return &model.Payload{Raw: []byte(s.id)}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.Nil(t, r.Get("alpha"))
	assert.Empty(t, r.IDs())

	r.Register(stubAdapter{id: "alpha"})
	r.Register(stubAdapter{id: "beta"})

	assert.NotNil(t, r.Get("alpha"))
	assert.Equal(t, "beta", r.Get("beta").ID())
	assert.ElementsMatch(t, []string{"alpha", "beta"}, r.IDs())

	// Re-registering the same id replaces.
	r.Register(stubAdapter{id: "alpha"})
	assert.Len(t, r.IDs(), 2)
}
