package keywordindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridkb/hybridkb/internal/errorsx"
)

func TestIndex_IndexAndSearch(t *testing.T) {
	// Given: an in-memory keyword index
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	// When: two chunks are indexed
	err = ix.Index(context.Background(), []Doc{
		{ChunkID: "a", SourceID: "src1", Content: "the hybrid search engine merges vector and keyword results"},
		{ChunkID: "b", SourceID: "src1", Content: "gardening tips for growing tomatoes"},
	})
	require.NoError(t, err)

	// Then: searching for a term in only one chunk returns that chunk
	results, err := ix.Search(context.Background(), "hybrid search", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ChunkID)
	assert.NotEmpty(t, results[0].MatchedTerms)
}

func TestIndex_Search_EmptyQueryReturnsNil(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	results, err := ix.Search(context.Background(), "   ", 10)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestIndex_Search_RespectsLimit(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	var docs []Doc
	for i := 0; i < 5; i++ {
		docs = append(docs, Doc{ChunkID: string(rune('a' + i)), SourceID: "src1", Content: "shared keyword appears here"})
	}
	require.NoError(t, ix.Index(context.Background(), docs))

	results, err := ix.Search(context.Background(), "shared keyword", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestIndex_DeleteChunks(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Index(context.Background(), []Doc{
		{ChunkID: "a", SourceID: "src1", Content: "unique content alpha"},
		{ChunkID: "b", SourceID: "src1", Content: "unique content beta"},
	}))

	require.NoError(t, ix.DeleteChunks(context.Background(), []string{"a"}))

	assert.Equal(t, 1, ix.Count())
	results, err := ix.Search(context.Background(), "content", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ChunkID)
}

func TestIndex_DeleteSource_ScopedToSourceID(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Index(context.Background(), []Doc{
		{ChunkID: "a", SourceID: "src1", Content: "content one"},
		{ChunkID: "b", SourceID: "src2", Content: "content two"},
	}))

	require.NoError(t, ix.DeleteSource(context.Background(), "src1"))

	assert.Equal(t, 1, ix.Count())
}

func TestIndex_Reset(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Index(context.Background(), []Doc{
		{ChunkID: "a", SourceID: "src1", Content: "content one"},
	}))
	require.NoError(t, ix.Reset(context.Background()))
	assert.Equal(t, 0, ix.Count())
}

func TestIndex_ClosedRejectsOperations(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close()) // idempotent

	err = ix.Index(context.Background(), []Doc{{ChunkID: "a", Content: "x"}})
	assert.True(t, errorsx.IsKind(err, errorsx.NotInitialized))

	_, err = ix.Search(context.Background(), "x", 10)
	assert.True(t, errorsx.IsKind(err, errorsx.NotInitialized))
}

func TestIndex_IndexEmptyIsNoop(t *testing.T) {
	ix, err := New("")
	require.NoError(t, err)
	defer ix.Close()
	require.NoError(t, ix.Index(context.Background(), nil))
	assert.Equal(t, 0, ix.Count())
}
