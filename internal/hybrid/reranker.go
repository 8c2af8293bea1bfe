package hybrid

import (
	"context"
	"math"
	"sort"
	"strings"
)

// Reranker rescored a batch of (query, content) pairs with a cross-encoder
// and returns per-pair relevance logits, one per document, in the same
// order as the input. Grounded on the sigmoid/batch contract the original
// engine used for its cross-encoder reranker: batch the pairs, sigmoid-map
// raw logits into (0, 1), and let the caller re-sort.
type Reranker interface {
	// Score returns one raw logit per document in documents. The caller
	// (rerankCrossEncoder) passes at most BatchSize() documents per call,
	// each already truncated to MaxSeqTokens tokens.
	Score(ctx context.Context, query string, documents []string) ([]float64, error)

	// BatchSize returns the implementation's preferred batch size (8 on
	// CPU, 16 on GPU in the reference cross-encoder).
	BatchSize() int

	// Available reports whether the reranker is ready to serve Score.
	Available(ctx context.Context) bool

	// Close releases any resources held by the reranker.
	Close() error
}

// MaxSeqTokens is the per-pair token truncation cross-encoder rerankers use.
const MaxSeqTokens = 512

// sigmoid maps a raw logit into (0, 1).
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// lexicalBoost is the additive score bump applied per matched query term
// in the keyword-aware lexical reranker (the always-available default).
const (
	lexicalBoostPerTerm = 0.02
	minQueryTermLen     = 3
)

// rerankLexical implements the default, dependency-free reranker: a
// keyword-overlap boost added to each candidate's fused score, then a
// re-sort. It never fails and never needs an external model.
func rerankLexical(query string, candidates []fusedCandidate) []fusedCandidate {
	terms := queryTerms(query)
	for i := range candidates {
		lower := strings.ToLower(candidates[i].Chunk.Content)
		matches := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matches++
			}
		}
		candidates[i].Score += float64(matches) * lexicalBoostPerTerm
	}
	sortByScoreDesc(candidates)
	return candidates
}

// rerankCrossEncoder batches candidates through an attached Reranker,
// replacing each candidate's score with the sigmoid-mapped cross-encoder
// logit, then re-sorts.
func rerankCrossEncoder(ctx context.Context, r Reranker, query string, candidates []fusedCandidate) ([]fusedCandidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = truncateTokens(c.Chunk.Content, MaxSeqTokens)
	}

	batchSize := r.BatchSize()
	if batchSize <= 0 {
		batchSize = len(docs)
	}

	scores := make([]float64, 0, len(docs))
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batchScores, err := r.Score(ctx, query, docs[start:end])
		if err != nil {
			return nil, err
		}
		scores = append(scores, batchScores...)
	}

	for i := range candidates {
		candidates[i].Score = sigmoid(scores[i])
	}
	sortByScoreDesc(candidates)
	return candidates, nil
}

func sortByScoreDesc(candidates []fusedCandidate) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}

// queryTerms lowercases and splits query on whitespace, keeping only terms
// of at least minQueryTermLen runes.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) >= minQueryTermLen {
			out = append(out, f)
		}
	}
	return out
}

// truncateTokens approximates a token-count truncation by splitting on
// whitespace, which is good enough for a char-budget safety net ahead of
// an external tokenizer-aware cross-encoder.
func truncateTokens(s string, maxTokens int) string {
	fields := strings.Fields(s)
	if len(fields) <= maxTokens {
		return s
	}
	return strings.Join(fields[:maxTokens], " ")
}
