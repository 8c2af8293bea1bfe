// Package keywordindex implements the Keyword Index: a Bleve v2-backed
// BM25 index over chunk content, scoped by source_id so a source can be
// dropped without a full index scan.
package keywordindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"

	"github.com/hybridkb/hybridkb/internal/errorsx"
)

const (
	tokenizerName = "kb_tokenizer"
	stopFilterName = "kb_stop"
	analyzerName   = "kb_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(tokenizerName, tokenizerConstructor)
	_ = registry.RegisterTokenFilter(stopFilterName, stopFilterConstructor)
}

// Result is one BM25 hit.
type Result struct {
	ChunkID      string
	Score        float64
	MatchedTerms []string
}

// Index wraps a Bleve index. Bleve guards its own concurrent access; the
// mutex here only protects the closed flag and path swaps on Load.
type Index struct {
	mu     sync.RWMutex
	bleve  bleve.Index
	path   string
	closed bool
}

// bleveDoc is the document shape stored in Bleve.
type bleveDoc struct {
	Content  string `json:"content"`
	SourceID string `json:"source_id"`
}

// New creates or opens a keyword index at path. An empty path creates an
// in-memory index, used by tests.
func New(path string) (*Index, error) {
	m, err := buildMapping()
	if err != nil {
		return nil, errorsx.Wrap(errorsx.InvalidInput, "KW_MAPPING", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errorsx.ResourceUnavailableWrap("KW_MKDIR", err)
		}
		if corruptErr := validateIntegrity(path); corruptErr != nil {
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, errorsx.CorruptionWrap("KW_CANNOT_CLEAR", removeErr)
			}
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		} else if err != nil && isCorruptionError(err) {
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, errorsx.CorruptionWrap("KW_CANNOT_CLEAR", removeErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, errorsx.ResourceUnavailableWrap("KW_OPEN", err)
	}

	return &Index{bleve: idx, path: path}, nil
}

func buildMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(analyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": tokenizerName,
		"token_filters": []string{
			lowercase.Name,
			stopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}
	m.DefaultAnalyzer = analyzerName

	docMapping := bleve.NewDocumentMapping()
	sourceField := bleve.NewTextFieldMapping()
	sourceField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("source_id", sourceField)
	m.DefaultMapping = docMapping

	return m, nil
}

// validateIntegrity reports a non-nil error if an on-disk index looks
// corrupted: missing or empty index_meta.json, or unparseable JSON.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") ||
		strings.Contains(s, "error parsing mapping JSON") ||
		strings.Contains(s, "failed to load segment") ||
		strings.Contains(s, "error opening bolt") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// Doc is one chunk to index.
type Doc struct {
	ChunkID  string
	SourceID string
	Content  string
}

// Index adds or replaces the given chunks in a single batch.
func (ix *Index) Index(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errorsx.NotInitializedf("KW_CLOSED", "keyword index is closed")
	}

	batch := ix.bleve.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ChunkID, bleveDoc{Content: d.Content, SourceID: d.SourceID}); err != nil {
			return errorsx.Wrap(errorsx.Transient, "KW_BATCH_ADD", err)
		}
	}
	if err := ix.bleve.Batch(batch); err != nil {
		return errorsx.TransientWrap("KW_BATCH_EXEC", err)
	}
	return nil
}

// Search returns the top `limit` chunks matching queryStr, scored by BM25.
func (ix *Index) Search(ctx context.Context, queryStr string, limit int) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return nil, errorsx.NotInitializedf("KW_CLOSED", "keyword index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return nil, nil
	}

	q := bleve.NewMatchQuery(queryStr)
	q.SetField("content")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.IncludeLocations = true

	res, err := ix.bleve.SearchInContext(ctx, req)
	if err != nil {
		return nil, errorsx.TransientWrap("KW_SEARCH", err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, Result{
			ChunkID:      hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}
	return out, nil
}

func matchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for field, locs := range hit.Locations {
		if field != "content" {
			continue
		}
		for term := range locs {
			terms[term] = struct{}{}
		}
	}
	out := make([]string, 0, len(terms))
	for t := range terms {
		out = append(out, t)
	}
	return out
}

// DeleteChunks removes the given chunk IDs.
func (ix *Index) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errorsx.NotInitializedf("KW_CLOSED", "keyword index is closed")
	}

	batch := ix.bleve.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := ix.bleve.Batch(batch); err != nil {
		return errorsx.TransientWrap("KW_DELETE", err)
	}
	return nil
}

// DeleteSource removes every chunk whose source_id field equals sourceID,
// using a scoped term query instead of scanning AllIDs.
func (ix *Index) DeleteSource(ctx context.Context, sourceID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errorsx.NotInitializedf("KW_CLOSED", "keyword index is closed")
	}

	q := bleve.NewTermQuery(sourceID)
	q.SetField("source_id")
	req := bleve.NewSearchRequest(q)
	docCount, _ := ix.bleve.DocCount()
	req.Size = int(docCount)
	req.Fields = nil

	res, err := ix.bleve.Search(req)
	if err != nil {
		return errorsx.TransientWrap("KW_SOURCE_SCAN", err)
	}

	batch := ix.bleve.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if err := ix.bleve.Batch(batch); err != nil {
		return errorsx.TransientWrap("KW_SOURCE_DELETE", err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return 0
	}
	n, _ := ix.bleve.DocCount()
	return int(n)
}

// Reset removes every document, leaving the index structurally intact.
func (ix *Index) Reset(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return errorsx.NotInitializedf("KW_CLOSED", "keyword index is closed")
	}

	q := bleve.NewMatchAllQuery()
	req := bleve.NewSearchRequest(q)
	docCount, _ := ix.bleve.DocCount()
	req.Size = int(docCount)

	res, err := ix.bleve.Search(req)
	if err != nil {
		return errorsx.TransientWrap("KW_RESET_SCAN", err)
	}

	batch := ix.bleve.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	return errorsx.TransientWrap("KW_RESET_DELETE", ix.bleve.Batch(batch))
}

// Close releases the underlying Bleve index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	return ix.bleve.Close()
}

func tokenizerConstructor(config map[string]any, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &kbTokenizer{}, nil
}

type kbTokenizer struct{}

func (t *kbTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := Tokenize(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos, offset := 1, 0
	for _, tok := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), strings.ToLower(tok))
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(tok)
		result = append(result, &analysis.Token{
			Term:     []byte(tok),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func stopFilterConstructor(config map[string]any, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &kbStopFilter{stopWords: buildStopWordMap(defaultStopWords)}, nil
}

type kbStopFilter struct {
	stopWords map[string]struct{}
}

func (f *kbStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if _, isStop := f.stopWords[strings.ToLower(string(tok.Term))]; !isStop {
			result = append(result, tok)
		}
	}
	return result
}
