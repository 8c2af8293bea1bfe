// Package hybrid implements Hybrid Search: parallel vector + keyword
// retrieval, min-max normalization, convex score fusion, Content Store
// hydration, a score floor, and a pluggable rerank stage.
package hybrid

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

const (
	// retrievalDepth is the fixed candidate depth pulled from each index,
	// independent of the caller's requested limit.
	retrievalDepth = 50

	// vectorWeight and bm25Weight are the convex fusion weights.
	vectorWeight = 0.8
	bm25Weight   = 0.2

	// scoreFloor discards low-confidence fused candidates before rerank.
	scoreFloor = 0.3

	// similarDocsPad is added to the requested limit before the x2 factor
	// the similar_docs operation applies to its vector search depth.
	similarDocsPad = 5
)

// VectorSearcher is the subset of the Vector Index Hybrid Search needs.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, k int) ([]VectorHit, error)
}

// VectorHit mirrors vectorindex.Result without importing that package,
// keeping Hybrid Search decoupled from the Vector Index's internal types.
type VectorHit struct {
	Chunk    kbtypes.Chunk
	Distance float32
	Score    float64
}

// KeywordSearcher is the subset of the Keyword Index Hybrid Search needs.
type KeywordSearcher interface {
	Search(ctx context.Context, queryStr string, limit int) ([]KeywordHit, error)
}

// KeywordHit mirrors keywordindex.Result.
type KeywordHit struct {
	ChunkID      string
	Score        float64
	MatchedTerms []string
}

// ChunkHydrator is the subset of the Content Store Hybrid Search needs to
// fill in candidate bodies that a keyword-only hit doesn't carry.
type ChunkHydrator interface {
	GetChunksByIDs(ctx context.Context, ids []string) ([]kbtypes.Chunk, error)
}

// Embedder is the subset of internal/embed.Embedder Hybrid Search needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// fusedCandidate tracks one chunk through normalization, fusion, and rerank.
type fusedCandidate struct {
	ChunkID     string
	Chunk       kbtypes.Chunk
	haveChunk   bool
	VectorScore float64
	BM25Score   float64
	FusedScore  float64
	Score       float64 // working score: fused, then overwritten by rerank
}

// Searcher is the Hybrid Search component.
type Searcher struct {
	embedder Embedder
	vector   VectorSearcher
	keyword  KeywordSearcher
	content  ChunkHydrator
	reranker Reranker // nil uses the built-in lexical reranker
}

// New builds a Searcher. reranker may be nil, in which case Search and
// SimilarDocs use the built-in keyword-overlap lexical reranker.
func New(embedder Embedder, vector VectorSearcher, keyword KeywordSearcher, content ChunkHydrator, reranker Reranker) *Searcher {
	return &Searcher{embedder: embedder, vector: vector, keyword: keyword, content: content, reranker: reranker}
}

// SetReranker attaches or detaches (nil) a cross-encoder reranker.
func (s *Searcher) SetReranker(r Reranker) { s.reranker = r }

// Search runs the full hybrid pipeline: embed, parallel retrieve, fuse,
// hydrate, filter, rerank, truncate to limit.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]kbtypes.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	qVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vecHits, kwHits, err := s.retrieve(ctx, qVec, query)
	if err != nil {
		return nil, err
	}

	candidates := fuse(vecHits, kwHits)
	candidates, err = s.hydrate(ctx, candidates)
	if err != nil {
		return nil, err
	}

	top := 2 * limit
	if top < len(candidates) {
		candidates = candidates[:top]
	}

	candidates = filterFloor(candidates)

	candidates, err = s.rerank(ctx, query, candidates)
	if err != nil {
		return nil, err
	}

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}

	return toSearchResults(candidates), nil
}

// retrieve fetches vector and keyword candidates in parallel, degrading
// gracefully: a failure in one source doesn't fail the whole search unless
// both fail.
func (s *Searcher) retrieve(ctx context.Context, qVec []float32, query string) ([]VectorHit, []KeywordHit, error) {
	var vecHits []VectorHit
	var kwHits []KeywordHit
	var vecErr, kwErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, vecErr = s.vector.Search(gctx, qVec, retrievalDepth)
		return nil
	})
	g.Go(func() error {
		kwHits, kwErr = s.keyword.Search(gctx, query, retrievalDepth)
		return nil
	})
	_ = g.Wait()

	if vecErr != nil && kwErr != nil {
		return nil, nil, vecErr
	}
	return vecHits, kwHits, nil
}

// fuse min-max normalizes each list separately, then convex-combines scores
// per chunk id. A chunk missing from one list contributes zero for it.
func fuse(vecHits []VectorHit, kwHits []KeywordHit) []fusedCandidate {
	vecNorm := minMaxNormalizeVector(vecHits)
	kwNorm := minMaxNormalizeKeyword(kwHits)

	byID := make(map[string]*fusedCandidate)
	order := make([]string, 0, len(vecHits)+len(kwHits))

	for i, h := range vecHits {
		id := h.Chunk.ID
		c, ok := byID[id]
		if !ok {
			c = &fusedCandidate{ChunkID: id, Chunk: h.Chunk, haveChunk: true}
			byID[id] = c
			order = append(order, id)
		}
		c.VectorScore = vecNorm[i]
	}

	for i, h := range kwHits {
		id := h.ChunkID
		c, ok := byID[id]
		if !ok {
			c = &fusedCandidate{ChunkID: id}
			byID[id] = c
			order = append(order, id)
		}
		c.BM25Score = kwNorm[i]
	}

	out := make([]fusedCandidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.FusedScore = vectorWeight*c.VectorScore + bm25Weight*c.BM25Score
		c.Score = c.FusedScore
		out = append(out, *c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func minMaxNormalizeVector(hits []VectorHit) []float64 {
	raw := make([]float64, len(hits))
	for i, h := range hits {
		raw[i] = h.Score
	}
	return minMaxNormalize(raw)
}

func minMaxNormalizeKeyword(hits []KeywordHit) []float64 {
	raw := make([]float64, len(hits))
	for i, h := range hits {
		raw[i] = h.Score
	}
	return minMaxNormalize(raw)
}

// minMaxNormalize rescales raw into [0, 1]. When the range is zero (or the
// input is empty), every output is 1.0 (or the slice stays empty).
func minMaxNormalize(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	min, max := raw[0], raw[0]
	for _, v := range raw[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	out := make([]float64, len(raw))
	if max-min == 0 {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, v := range raw {
		out[i] = (v - min) / (max - min)
	}
	return out
}

// hydrate fills in Chunk bodies for candidates that arrived from the
// keyword list only (no metadata, no content) via a single batch fetch.
func (s *Searcher) hydrate(ctx context.Context, candidates []fusedCandidate) ([]fusedCandidate, error) {
	var missing []string
	for _, c := range candidates {
		if !c.haveChunk {
			missing = append(missing, c.ChunkID)
		}
	}

	if len(missing) > 0 {
		chunks, err := s.content.GetChunksByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]kbtypes.Chunk, len(chunks))
		for _, c := range chunks {
			byID[c.ID] = c
		}
		for i := range candidates {
			if candidates[i].haveChunk {
				continue
			}
			if c, ok := byID[candidates[i].ChunkID]; ok {
				candidates[i].Chunk = c
				candidates[i].haveChunk = true
			}
		}
	}

	out := candidates[:0]
	for _, c := range candidates {
		if c.haveChunk {
			out = append(out, c)
		}
	}
	return out, nil
}

func filterFloor(candidates []fusedCandidate) []fusedCandidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.FusedScore >= scoreFloor {
			out = append(out, c)
		}
	}
	return out
}

func (s *Searcher) rerank(ctx context.Context, query string, candidates []fusedCandidate) ([]fusedCandidate, error) {
	if s.reranker != nil {
		available := s.reranker.Available(ctx)
		if available {
			return rerankCrossEncoder(ctx, s.reranker, query, candidates)
		}
	}
	return rerankLexical(query, candidates), nil
}

func toSearchResults(candidates []fusedCandidate) []kbtypes.SearchResult {
	out := make([]kbtypes.SearchResult, len(candidates))
	for i, c := range candidates {
		out[i] = kbtypes.SearchResult{
			Chunk:       c.Chunk,
			VectorScore: c.VectorScore,
			BM25Score:   c.BM25Score,
			FusedScore:  c.FusedScore,
			RerankScore: c.Score,
		}
	}
	return out
}

// SimilarDocs finds chunks similar to sourceDocID's text: embeds the
// source document body, vector-searches at (limit+5)*2 depth, drops
// chunks belonging to the source document itself, hydrates, reranks, and
// returns the top limit.
func (s *Searcher) SimilarDocs(ctx context.Context, sourceDocID, sourceText string, limit int) ([]kbtypes.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	qVec, err := s.embedder.Embed(ctx, sourceText)
	if err != nil {
		return nil, err
	}

	depth := (limit + similarDocsPad) * 2
	vecHits, err := s.vector.Search(ctx, qVec, depth)
	if err != nil {
		return nil, err
	}

	filtered := vecHits[:0]
	for _, h := range vecHits {
		if h.Chunk.DocumentID != sourceDocID {
			filtered = append(filtered, h)
		}
	}

	candidates := fuse(filtered, nil)
	candidates, err = s.hydrate(ctx, candidates)
	if err != nil {
		return nil, err
	}

	candidates, err = s.rerank(ctx, sourceText, candidates)
	if err != nil {
		return nil, err
	}

	if limit < len(candidates) {
		candidates = candidates[:limit]
	}
	return toSearchResults(candidates), nil
}
