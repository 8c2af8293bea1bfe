package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps StaticEmbedder and counts calls into the inner
// implementation, so tests can assert the cache actually avoided work.
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls      int
	embedBatchCalls int
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{StaticEmbedder: NewStaticEmbedder()}
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls++
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.embedBatchCalls++
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_Embed_CachesRepeatedText(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)

	first, err := cached.Embed(context.Background(), "repeated query")
	require.NoError(t, err)
	second, err := cached.Embed(context.Background(), "repeated query")
	require.NoError(t, err)

	// Then: the inner embedder was invoked only once
	assert.Equal(t, 1, inner.embedCalls)
	assert.Equal(t, first, second)
}

func TestCachedEmbedder_Embed_DifferentTextsBothMiss(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.Embed(context.Background(), "first")
	require.NoError(t, err)
	_, err = cached.Embed(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.embedCalls)
}

func TestCachedEmbedder_EmbedBatch_OnlyEmbedsUncachedTexts(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)

	// Given: "alpha" is already cached
	_, err := cached.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	inner.embedBatchCalls = 0
	inner.embedCalls = 0

	// When: a batch mixes the cached text with a new one
	results, err := cached.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Then: only the uncached text went through the inner embedder's batch call
	assert.Equal(t, 1, inner.embedBatchCalls)

	alphaDirect, err := inner.StaticEmbedder.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, alphaDirect, results[0])
}

func TestCachedEmbedder_EmbedBatch_AllCachedSkipsInnerCall(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)

	_, err := cached.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	inner.embedBatchCalls = 0

	_, err = cached.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)

	assert.Equal(t, 0, inner.embedBatchCalls)
}

func TestCachedEmbedder_EmbedBatch_EmptyInput(t *testing.T) {
	cached := NewCachedEmbedder(newCountingEmbedder(), 10)
	results, err := cached.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCachedEmbedder_PassthroughMethods(t *testing.T) {
	inner := newCountingEmbedder()
	cached := NewCachedEmbedder(inner, 10)

	assert.Equal(t, inner.Dimensions(), cached.Dimensions())
	assert.Equal(t, inner.ModelName(), cached.ModelName())
	assert.Equal(t, inner.Available(context.Background()), cached.Available(context.Background()))
	assert.Same(t, inner, cached.Inner())

	require.NoError(t, cached.Close())
	assert.False(t, cached.Available(context.Background()))
}

func TestNewCachedEmbedder_ZeroSizeUsesDefault(t *testing.T) {
	cached := NewCachedEmbedder(newCountingEmbedder(), 0)
	require.NotNil(t, cached)
}
