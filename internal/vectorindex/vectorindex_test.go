package vectorindex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

func chunkVec(id, docID, sourceID string, vec []float32) kbtypes.EmbeddedChunk {
	return kbtypes.EmbeddedChunk{
		Chunk:  kbtypes.Chunk{ID: id, DocumentID: docID, SourceID: sourceID, Content: "content of " + id},
		Vector: vec,
	}
}

func chunkVecHash(id, docID, sourceID, contentHash string, vec []float32) kbtypes.EmbeddedChunk {
	c := chunkVec(id, docID, sourceID, vec)
	c.Chunk.ContentHash = contentHash
	return c
}

func TestNew_RejectsNonPositiveDimensions(t *testing.T) {
	_, err := New(Config{Dimensions: 0})
	require.Error(t, err)
	assert.True(t, errorsx.IsKind(err, errorsx.InvalidInput))
}

func TestNew_DefaultsMetricAndTuning(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, ix.Dimensions())
}

func TestIndex_UpsertAndSearch(t *testing.T) {
	// Given: an empty 4-dimensional index
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	// When: three vectors are upserted, one near-duplicate of another
	err = ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
		chunkVec("b", "doc1", "src1", []float32{0, 1, 0, 0}),
		chunkVec("c", "doc1", "src1", []float32{0.9, 0.1, 0, 0}),
	})
	require.NoError(t, err)

	// Then: searching near "a" surfaces "a" first, "c" second
	results, err := ix.Search(context.Background(), []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Chunk.ID)
	assert.Equal(t, "c", results[1].Chunk.ID)
}

func TestIndex_Upsert_RejectsWrongDimensions(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	err = ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0}),
	})
	require.Error(t, err)
	assert.True(t, errorsx.IsKind(err, errorsx.InvalidInput))
}

func TestIndex_Upsert_EmptyIsNoop(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), nil))
	assert.Equal(t, 0, ix.Count())
}

func TestIndex_Upsert_ReplacesExistingID(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
	}))
	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{0, 1, 0, 0}),
	}))

	// Then: only one live chunk remains for "a" (stale node orphaned, not counted)
	assert.Equal(t, 1, ix.Count())
	stats := ix.Stats()
	assert.Equal(t, 1, stats.ValidIDs)
	assert.Equal(t, 2, stats.GraphNodes)
	assert.Equal(t, 1, stats.Orphans)
}

func TestIndex_ChunkExistsByHash_SharedAcrossDifferentChunkIDs(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	assert.False(t, ix.ChunkExistsByHash("h1"))

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVecHash("a", "doc1", "src1", "h1", []float32{1, 0, 0, 0}),
	}))

	// Then: a different chunk ID (different file path) carrying the same
	// content hash is recognized as a duplicate — dedup is global, not
	// keyed on the chunk's own ID.
	assert.True(t, ix.ChunkExistsByHash("h1"))
	assert.False(t, ix.ChunkExistsByHash("h2"))
}

func TestIndex_ChunkExistsByHash_ClearsWhenLastChunkRemoved(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVecHash("a", "doc1", "src1", "h1", []float32{1, 0, 0, 0}),
	}))
	require.NoError(t, ix.DeleteDocument(context.Background(), "doc1"))

	assert.False(t, ix.ChunkExistsByHash("h1"))
}

func TestIndex_Search_CosineScoreIsRawCosineSimilarity(t *testing.T) {
	ix, err := New(Config{Dimensions: 2, Metric: "cos"})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0}),
	}))

	results, err := ix.Search(context.Background(), []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// An identical vector is cosine-similarity 1, so score = 1 -
	// cosine_distance must also be 1, not (1+cos)/2 = 1 as well here — the
	// distinguishing case is an orthogonal vector, checked via distanceToScore.
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.InDelta(t, 0.0, float64(results[0].Distance), 1e-6)
}

func TestDistanceToScore_CosineIsOneMinusDistance(t *testing.T) {
	assert.InDelta(t, 0.0, distanceToScore(1.0, "cos"), 1e-9)
	assert.InDelta(t, 1.0, distanceToScore(0.0, "cos"), 1e-9)
	assert.InDelta(t, -1.0, distanceToScore(2.0, "cos"), 1e-9)
}

func TestIndex_SearchFiltered_RestrictsToSource(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
		chunkVec("b", "doc2", "src2", []float32{0.99, 0.01, 0, 0}),
	}))

	results, err := ix.SearchFiltered(context.Background(), []float32{1, 0, 0, 0}, 5, "src2")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Chunk.ID)
}

func TestIndex_Search_EmptyIndexReturnsNil(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	results, err := ix.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestIndex_Search_RejectsWrongDimensions(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	_, err = ix.Search(context.Background(), []float32{1, 0}, 5)
	require.Error(t, err)
	assert.True(t, errorsx.IsKind(err, errorsx.InvalidInput))
}

func TestIndex_DeleteDocument(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
		chunkVec("b", "doc2", "src1", []float32{0, 1, 0, 0}),
	}))

	require.NoError(t, ix.DeleteDocument(context.Background(), "doc1"))

	assert.False(t, ix.ChunkExists("a"))
	assert.True(t, ix.ChunkExists("b"))
	assert.Equal(t, 1, ix.Count())
}

func TestIndex_DeleteSource(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
		chunkVec("b", "doc2", "src2", []float32{0, 1, 0, 0}),
	}))

	require.NoError(t, ix.DeleteSource(context.Background(), "src1"))

	assert.False(t, ix.ChunkExists("a"))
	assert.True(t, ix.ChunkExists("b"))
	assert.ElementsMatch(t, []string{"src2"}, ix.ListSources())
}

func TestIndex_Reset(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
	}))
	require.NoError(t, ix.Reset(context.Background()))

	assert.Equal(t, 0, ix.Count())
	assert.Empty(t, ix.ListSources())
}

func TestIndex_SaveAndLoad_RoundTrips(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)

	require.NoError(t, ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{
		chunkVec("a", "doc1", "src1", []float32{1, 0, 0, 0}),
		chunkVec("b", "doc1", "src1", []float32{0, 1, 0, 0}),
	}))

	path := filepath.Join(t.TempDir(), "chunks.hnsw")
	require.NoError(t, ix.Save(path))
	require.NoError(t, ix.Close())

	loaded, err := Load(path)
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, 4, loaded.Dimensions())
	assert.Equal(t, 2, loaded.Count())
	assert.True(t, loaded.ChunkExists("a"))

	results, err := loaded.Search(context.Background(), []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Chunk.ID)
}

func TestDimensions_ReadsMetaWithoutLoadingGraph(t *testing.T) {
	ix, err := New(Config{Dimensions: 6})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "chunks.hnsw")
	require.NoError(t, ix.Save(path))
	require.NoError(t, ix.Close())

	dims, err := Dimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 6, dims)
}

func TestDimensions_MissingFileReturnsZero(t *testing.T) {
	dims, err := Dimensions(filepath.Join(t.TempDir(), "missing.hnsw"))
	require.NoError(t, err)
	assert.Equal(t, 0, dims)
}

func TestIndex_ClosedRejectsOperations(t *testing.T) {
	ix, err := New(Config{Dimensions: 4})
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	// Then: Close is idempotent
	require.NoError(t, ix.Close())

	_, err = ix.Search(context.Background(), []float32{1, 0, 0, 0}, 1)
	assert.True(t, errorsx.IsKind(err, errorsx.NotInitialized))

	err = ix.Upsert(context.Background(), []kbtypes.EmbeddedChunk{chunkVec("a", "d", "s", []float32{1, 0, 0, 0})})
	assert.True(t, errorsx.IsKind(err, errorsx.NotInitialized))
}
