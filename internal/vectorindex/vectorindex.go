// Package vectorindex implements the Vector Index: a coder/hnsw graph of
// chunk embeddings plus the document/chunk metadata needed to hydrate and
// filter search results without round-tripping to the Content Store.
package vectorindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// Config configures a new Index.
type Config struct {
	Dimensions int
	Metric     string // "cos" (default) or "l2"
	M          int
	EfSearch   int
}

// Result is one nearest-neighbor hit, joined with its chunk metadata.
type Result struct {
	Chunk    kbtypes.Chunk
	Distance float32
	Score    float64
}

// chunkMeta is the metadata kept alongside each vector, enough to answer
// search_filtered and to rebuild kbtypes.Chunk without touching the Content Store.
type chunkMeta struct {
	ContentHash string
	DocumentID  string
	SourceID    string
	Content     string
	Title       string
	Section     string
	Subsection  string
	StartLine   int
	EndLine     int
	IsCode      bool
	Hierarchy   []string
}

// Index is the Vector Index component. Safe for concurrent use: reads take
// an RLock, writes take the exclusive Lock, matching spec's concurrency model.
type Index struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config Config

	idMap   map[string]uint64 // chunk ID -> internal graph key
	keyMap  map[uint64]string // internal graph key -> chunk ID
	nextKey uint64

	meta map[string]chunkMeta // chunk ID -> metadata
	docs map[string]string    // document ID -> source ID, for delete_document/delete_source

	hashCount map[string]int // content hash -> number of live chunks sharing it, for global dedup

	closed bool
}

// persisted is the gob-encoded shape of everything that isn't the HNSW
// graph itself (which has its own binary Export/Import format).
type persisted struct {
	IDMap     map[string]uint64
	NextKey   uint64
	Config    Config
	Meta      map[string]chunkMeta
	Docs      map[string]string
	HashCount map[string]int
}

// New creates an empty Index for the given config.
func New(cfg Config) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, errorsx.InvalidInputf("VEC_BAD_DIM", "dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Metric == "" {
		cfg.Metric = "cos"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	switch cfg.Metric {
	case "l2":
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &Index{
		graph:     graph,
		config:    cfg,
		idMap:     make(map[string]uint64),
		keyMap:    make(map[uint64]string),
		meta:      make(map[string]chunkMeta),
		docs:      make(map[string]string),
		hashCount: make(map[string]int),
		nextKey:   0,
	}, nil
}

// Dimensions reports the fixed embedding width this index was built for.
func (ix *Index) Dimensions() int {
	return ix.config.Dimensions
}

// Upsert inserts or replaces the vectors for the given embedded chunks.
// A chunk whose ID already exists is lazily replaced: the stale graph node
// is orphaned rather than deleted, mirroring coder/hnsw's own avoidance of
// deleting the last remaining node.
func (ix *Index) Upsert(ctx context.Context, chunks []kbtypes.EmbeddedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}

	for _, c := range chunks {
		if len(c.Vector) != ix.config.Dimensions {
			return errorsx.InvalidInputf("VEC_DIM_MISMATCH", "expected %d dimensions, got %d", ix.config.Dimensions, len(c.Vector))
		}
	}

	for _, c := range chunks {
		if existing, ok := ix.idMap[c.Chunk.ID]; ok {
			delete(ix.keyMap, existing)
			delete(ix.idMap, c.Chunk.ID)
			ix.decrHash(ix.meta[c.Chunk.ID].ContentHash)
		}

		key := ix.nextKey
		ix.nextKey++

		vec := make([]float32, len(c.Vector))
		copy(vec, c.Vector)
		if ix.config.Metric == "cos" {
			normalizeInPlace(vec)
		}

		ix.graph.Add(hnsw.MakeNode(key, vec))
		ix.idMap[c.Chunk.ID] = key
		ix.keyMap[key] = c.Chunk.ID
		ix.meta[c.Chunk.ID] = chunkMeta{
			ContentHash: c.Chunk.ContentHash,
			DocumentID:  c.Chunk.DocumentID,
			SourceID:    c.Chunk.SourceID,
			Content:     c.Chunk.Content,
			Title:       c.Chunk.Title,
			Section:     c.Chunk.Section,
			Subsection:  c.Chunk.Subsection,
			StartLine:   c.Chunk.StartLine,
			EndLine:     c.Chunk.EndLine,
			IsCode:      c.Chunk.IsCode,
			Hierarchy:   c.Chunk.Hierarchy,
		}
		ix.docs[c.Chunk.DocumentID] = c.Chunk.SourceID
		if c.Chunk.ContentHash != "" {
			ix.hashCount[c.Chunk.ContentHash]++
		}
	}

	return nil
}

// decrHash drops one occurrence of hash from the live-count index, removing
// the entry entirely once it reaches zero. No-op for an empty hash.
func (ix *Index) decrHash(hash string) {
	if hash == "" {
		return
	}
	if n := ix.hashCount[hash]; n <= 1 {
		delete(ix.hashCount, hash)
	} else {
		ix.hashCount[hash] = n - 1
	}
}

// Search returns the k nearest chunks to query.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	return ix.SearchFiltered(ctx, query, k, "")
}

// SearchFiltered returns the k nearest chunks to query, optionally
// restricted to a single source_id. Because coder/hnsw has no predicate
// pushdown, this over-fetches (oversample factor below) from the graph and
// filters client-side; empty sourceID disables the filter.
const oversampleFactor = 4

func (ix *Index) SearchFiltered(ctx context.Context, query []float32, k int, sourceID string) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return nil, errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}
	if len(query) != ix.config.Dimensions {
		return nil, errorsx.InvalidInputf("VEC_DIM_MISMATCH", "expected %d dimensions, got %d", ix.config.Dimensions, len(query))
	}
	if ix.graph.Len() == 0 {
		return nil, nil
	}

	fetch := k
	if sourceID != "" {
		fetch = k * oversampleFactor
	}

	q := make([]float32, len(query))
	copy(q, query)
	if ix.config.Metric == "cos" {
		normalizeInPlace(q)
	}

	nodes := ix.graph.Search(q, fetch)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		id, ok := ix.keyMap[node.Key]
		if !ok {
			continue // orphaned (lazily deleted) node
		}
		m, ok := ix.meta[id]
		if !ok {
			continue
		}
		if sourceID != "" && m.SourceID != sourceID {
			continue
		}

		distance := ix.graph.Distance(q, node.Value)
		results = append(results, Result{
			Chunk:    chunkFromMeta(id, m),
			Distance: distance,
			Score:    distanceToScore(distance, ix.config.Metric),
		})
		if len(results) == k {
			break
		}
	}

	return results, nil
}

// escapePredicate escapes a string for embedding in a constructed filter
// expression. The in-memory predicate above compares values directly and
// does not need escaping, but the helper exists so an on-disk SQL-backed
// metadata table can reuse the same escaping rule as the Content Store.
func escapePredicate(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func chunkFromMeta(id string, m chunkMeta) kbtypes.Chunk {
	return kbtypes.Chunk{
		ID:          id,
		ContentHash: m.ContentHash,
		DocumentID:  m.DocumentID,
		SourceID:    m.SourceID,
		Content:     m.Content,
		Title:       m.Title,
		Section:     m.Section,
		Subsection:  m.Subsection,
		StartLine:   m.StartLine,
		EndLine:     m.EndLine,
		IsCode:      m.IsCode,
		Hierarchy:   m.Hierarchy,
	}
}

// DeleteDocument removes every chunk belonging to documentID.
func (ix *Index) DeleteDocument(ctx context.Context, documentID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}

	for id, m := range ix.meta {
		if m.DocumentID != documentID {
			continue
		}
		if key, ok := ix.idMap[id]; ok {
			delete(ix.keyMap, key)
			delete(ix.idMap, id)
		}
		ix.decrHash(m.ContentHash)
		delete(ix.meta, id)
	}
	delete(ix.docs, documentID)
	return nil
}

// DeleteSource removes every chunk belonging to any document of sourceID.
func (ix *Index) DeleteSource(ctx context.Context, sourceID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}

	for id, m := range ix.meta {
		if m.SourceID != sourceID {
			continue
		}
		if key, ok := ix.idMap[id]; ok {
			delete(ix.keyMap, key)
			delete(ix.idMap, id)
		}
		ix.decrHash(m.ContentHash)
		delete(ix.meta, id)
	}
	for docID, sid := range ix.docs {
		if sid == sourceID {
			delete(ix.docs, docID)
		}
	}
	return nil
}

// ListSources returns the distinct source IDs currently represented.
func (ix *Index) ListSources() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, sid := range ix.docs {
		seen[sid] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for sid := range seen {
		out = append(out, sid)
	}
	return out
}

// ChunkExists reports whether id is currently present (not lazily deleted).
func (ix *Index) ChunkExists(id string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.idMap[id]
	return ok
}

// ChunkExistsByHash reports whether any live chunk already carries
// contentHash, the global (cross-source, cross-file-path) dedup check spec's
// chunk_exists performs.
func (ix *Index) ChunkExistsByHash(contentHash string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if contentHash == "" {
		return false
	}
	return ix.hashCount[contentHash] > 0
}

// Count returns the number of live (non-orphaned) chunks.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.idMap)
}

// Stats describes graph occupancy, including orphans left by lazy deletion.
type Stats struct {
	ValidIDs   int
	GraphNodes int
	Orphans    int
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	valid := len(ix.idMap)
	nodes := ix.graph.Len()
	return Stats{ValidIDs: valid, GraphNodes: nodes, Orphans: nodes - valid}
}

// Reset drops every vector and all metadata, leaving an empty index in place.
func (ix *Index) Reset(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = ix.graph.Distance
	graph.M = ix.config.M
	graph.EfSearch = ix.config.EfSearch
	graph.Ml = 0.25

	ix.graph = graph
	ix.idMap = make(map[string]uint64)
	ix.keyMap = make(map[uint64]string)
	ix.meta = make(map[string]chunkMeta)
	ix.docs = make(map[string]string)
	ix.hashCount = make(map[string]int)
	ix.nextKey = 0
	return nil
}

// Save persists the graph (binary Export format, at graphPath) and the
// metadata (gob, at graphPath+".meta") atomically via temp-file + rename.
func (ix *Index) Save(graphPath string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.closed {
		return errorsx.NotInitializedf("VEC_CLOSED", "vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(graphPath), 0o755); err != nil {
		return errorsx.ResourceUnavailableWrap("VEC_MKDIR", err)
	}

	tmp := graphPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errorsx.ResourceUnavailableWrap("VEC_CREATE", err)
	}
	if err := ix.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errorsx.CorruptionWrap("VEC_EXPORT", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errorsx.ResourceUnavailableWrap("VEC_CLOSE", err)
	}
	if err := os.Rename(tmp, graphPath); err != nil {
		os.Remove(tmp)
		return errorsx.ResourceUnavailableWrap("VEC_RENAME", err)
	}

	return ix.saveMeta(graphPath + ".meta")
}

func (ix *Index) saveMeta(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errorsx.ResourceUnavailableWrap("VEC_META_CREATE", err)
	}

	p := persisted{IDMap: ix.idMap, NextKey: ix.nextKey, Config: ix.config, Meta: ix.meta, Docs: ix.docs, HashCount: ix.hashCount}
	if err := gob.NewEncoder(f).Encode(p); err != nil {
		f.Close()
		os.Remove(tmp)
		return errorsx.CorruptionWrap("VEC_META_ENCODE", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errorsx.ResourceUnavailableWrap("VEC_META_CLOSE", err)
	}
	return os.Rename(tmp, path)
}

// Load restores a graph previously written by Save.
func Load(graphPath string) (*Index, error) {
	metaFile, err := os.Open(graphPath + ".meta")
	if err != nil {
		return nil, errorsx.ResourceUnavailableWrap("VEC_META_OPEN", err)
	}
	defer metaFile.Close()

	var p persisted
	if err := gob.NewDecoder(metaFile).Decode(&p); err != nil {
		return nil, errorsx.CorruptionWrap("VEC_META_DECODE", err)
	}

	ix, err := New(p.Config)
	if err != nil {
		return nil, err
	}
	ix.idMap = p.IDMap
	ix.nextKey = p.NextKey
	ix.meta = p.Meta
	ix.docs = p.Docs
	ix.hashCount = p.HashCount
	if ix.hashCount == nil {
		ix.hashCount = make(map[string]int, len(p.Meta))
		for _, m := range p.Meta {
			if m.ContentHash != "" {
				ix.hashCount[m.ContentHash]++
			}
		}
	}
	ix.keyMap = make(map[uint64]string, len(p.IDMap))
	for id, key := range p.IDMap {
		ix.keyMap[key] = id
	}

	f, err := os.Open(graphPath)
	if err != nil {
		return nil, errorsx.ResourceUnavailableWrap("VEC_OPEN", err)
	}
	defer f.Close()

	if err := ix.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, errorsx.CorruptionWrap("VEC_IMPORT", err)
	}

	return ix, nil
}

// Dimensions reads the dimensions recorded in an existing index's metadata
// without loading the full graph. Returns 0 if no metadata exists yet.
func Dimensions(graphPath string) (int, error) {
	f, err := os.Open(graphPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errorsx.ResourceUnavailableWrap("VEC_META_OPEN", err)
	}
	defer f.Close()

	var p persisted
	if err := gob.NewDecoder(f).Decode(&p); err != nil {
		return 0, errorsx.CorruptionWrap("VEC_META_DECODE", err)
	}
	return p.Config.Dimensions, nil
}

// Close releases the in-memory graph. The Index is unusable afterward.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.graph = nil
	return nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func distanceToScore(distance float32, metric string) float64 {
	switch metric {
	case "l2":
		return 1.0 / (1.0 + float64(distance))
	default:
		// graph.Distance for cosine is hnsw.CosineDistance = 1 - cos, so this
		// is exactly spec's score = 1 - cosine_distance = cos.
		return 1.0 - float64(distance)
	}
}
