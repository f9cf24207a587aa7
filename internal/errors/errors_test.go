package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderMetadata(t *testing.T) {
	t.Parallel()

	base := NewStd("weights missing")
	err := New(base).
		Component("workers").
		Category(CategoryDetector).
		Context("project_id", 4).
		Build()

	assert.Equal(t, "workers", err.Component)
	assert.Equal(t, CategoryDetector, err.Category)
	assert.Contains(t, err.Error(), "weights missing")
	assert.Contains(t, err.Error(), "project_id=4")
	assert.True(t, Is(err, base), "Unwrap must preserve the chain")
}

func TestCategoryOf(t *testing.T) {
	t.Parallel()

	err := Newf("snapshot empty").Category(CategoryTraining).Build()
	assert.Equal(t, CategoryTraining, CategoryOf(err))

	wrapped := fmt.Errorf("orchestrator: %w", err)
	assert.Equal(t, CategoryTraining, CategoryOf(wrapped))

	assert.Equal(t, CategoryGeneric, CategoryOf(NewStd("plain")))
}

func TestErrorMessageDeterministic(t *testing.T) {
	t.Parallel()

	err := Newf("boom").Context("b", 2).Context("a", 1).Build()
	require.Equal(t, "boom [a=1, b=2]", err.Error())
}
