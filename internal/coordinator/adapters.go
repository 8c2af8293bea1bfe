package coordinator

import (
	"context"

	"github.com/hybridkb/hybridkb/internal/hybrid"
	"github.com/hybridkb/hybridkb/internal/keywordindex"
	"github.com/hybridkb/hybridkb/internal/vectorindex"
)

// vectorAdapter satisfies hybrid.VectorSearcher by reading the Coordinator's
// current vector index through its atomic pointer, so a Reindex swap is
// visible to the Hybrid Searcher without rebuilding it.
type vectorAdapter struct {
	c *Coordinator
}

func (a vectorAdapter) Search(ctx context.Context, query []float32, k int) ([]hybrid.VectorHit, error) {
	results, err := a.c.vector.Load().Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	return toVectorHits(results), nil
}

func toVectorHits(results []vectorindex.Result) []hybrid.VectorHit {
	out := make([]hybrid.VectorHit, len(results))
	for i, r := range results {
		out[i] = hybrid.VectorHit{Chunk: r.Chunk, Distance: r.Distance, Score: r.Score}
	}
	return out
}

// keywordAdapter satisfies hybrid.KeywordSearcher. The Keyword Index is
// never swapped (reindex only rebuilds the Vector Index), so this wraps a
// fixed pointer.
type keywordAdapter struct {
	idx *keywordindex.Index
}

func (a keywordAdapter) Search(ctx context.Context, queryStr string, limit int) ([]hybrid.KeywordHit, error) {
	results, err := a.idx.Search(ctx, queryStr, limit)
	if err != nil {
		return nil, err
	}
	out := make([]hybrid.KeywordHit, len(results))
	for i, r := range results {
		out[i] = hybrid.KeywordHit{ChunkID: r.ChunkID, Score: r.Score, MatchedTerms: r.MatchedTerms}
	}
	return out, nil
}
