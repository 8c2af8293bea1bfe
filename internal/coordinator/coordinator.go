// Package coordinator implements the Coordinator facade: it owns one
// instance each of the Embedder, Vector Index, Keyword Index, Content
// Store and Hybrid Search engine, and exposes the union of ingest,
// search, list/get/delete, reset_all, and the diagnostics spec.md §10
// supplements, grounded on internal/index/coordinator.go's shape (a
// config struct of pre-built dependencies, sync guarding cross-store
// operations).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/hybridkb/hybridkb/internal/contentstore"
	"github.com/hybridkb/hybridkb/internal/embed"
	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/hybrid"
	"github.com/hybridkb/hybridkb/internal/ingest"
	"github.com/hybridkb/hybridkb/internal/jobqueue"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
	"github.com/hybridkb/hybridkb/internal/keywordindex"
	"github.com/hybridkb/hybridkb/internal/vectorindex"
)

// sentinelName is the file spec.md §6.1 names: its presence at startup
// means a reindex crashed mid-rebuild and must resume.
const sentinelName = ".reindex_in_progress"

// Config wires the Coordinator's components, all already built by the
// caller — mirroring the teacher's CoordinatorConfig pattern of a struct
// of pre-built dependencies rather than paths the Coordinator opens
// itself.
type Config struct {
	// DataDir is the directory holding content.db, vectors/, keyword/,
	// jobs.db and the reindex sentinel. Empty disables sentinel handling
	// (used by tests running entirely in-memory).
	DataDir string

	Embedder embed.Embedder
	Content  *contentstore.Store
	Vector   *vectorindex.Index
	Keyword  *keywordindex.Index

	// Queue is optional; a nil Queue means ingest always runs synchronously
	// through Ingest/IngestFromPath rather than via a background worker.
	Queue *jobqueue.Queue

	// Reranker is optional; nil attaches no cross-encoder and Hybrid Search
	// falls back to its built-in lexical reranker.
	Reranker hybrid.Reranker

	// Device selects the embedding sub-batch size ("cpu" default, "gpu"/
	// "cuda"/"mps" use the larger batch).
	Device string

	Logger *slog.Logger
}

// Coordinator is the facade spec.md §4.8 describes.
type Coordinator struct {
	dataDir  string
	embedder embed.Embedder
	content  *contentstore.Store
	vector   atomic.Pointer[vectorindex.Index] // swapped whole by Reindex
	keyword  *keywordindex.Index
	queue    *jobqueue.Queue
	search   *hybrid.Searcher
	log      *slog.Logger

	// mu is the coarse writer lock ingest.Pipeline's WriteEmbeddedBatch
	// expects its caller to hold: it serializes Ingest/Delete/Reset/Reindex
	// against each other. Search/list/get never take it — each store
	// already guards its own concurrent reads internally.
	mu       sync.Mutex
	pipeline *ingest.Pipeline
}

// New builds a Coordinator from pre-built components. If DataDir names a
// directory containing a stale .reindex_in_progress sentinel, New resumes
// that reindex (at the existing Vector Index's dimensionality) before
// returning, per spec.md §9: a crashed reindex must resume.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Vector == nil {
		return nil, errorsx.InvalidInputf("COORD_NO_VECTOR", "coordinator requires a vector index")
	}
	if cfg.Content == nil {
		return nil, errorsx.InvalidInputf("COORD_NO_CONTENT", "coordinator requires a content store")
	}
	if cfg.Keyword == nil {
		return nil, errorsx.InvalidInputf("COORD_NO_KEYWORD", "coordinator requires a keyword index")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		dataDir:  cfg.DataDir,
		embedder: cfg.Embedder,
		content:  cfg.Content,
		keyword:  cfg.Keyword,
		queue:    cfg.Queue,
		log:      cfg.Logger,
	}
	c.vector.Store(cfg.Vector)
	c.pipeline = ingest.New(cfg.Embedder, cfg.Content, cfg.Vector, cfg.Keyword, cfg.Device, cfg.Logger)
	c.search = hybrid.New(cfg.Embedder, vectorAdapter{c: c}, keywordAdapter{idx: cfg.Keyword}, cfg.Content, cfg.Reranker)

	if c.sentinelPresent() {
		dims := cfg.Vector.Dimensions()
		c.log.Warn("resuming reindex interrupted by a previous crash", "data_dir", c.dataDir, "dimensions", dims)
		if err := c.Reindex(context.Background(), dims); err != nil {
			return nil, fmt.Errorf("resume reindex: %w", err)
		}
	}

	return c, nil
}

// Ingest chunks, embeds, and writes inputs under sourceID through the
// Ingest Pipeline, serialized against any other write the Coordinator
// is mid-way through.
func (c *Coordinator) Ingest(ctx context.Context, sourceID string, inputs []ingest.DocumentInput) (ingest.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline.IngestDocuments(ctx, sourceID, inputs)
}

// IngestFromPath recursively ingests every supported file under path.
func (c *Coordinator) IngestFromPath(ctx context.Context, sourceID, path string) (ingest.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline.IngestFromPath(ctx, sourceID, path)
}

// Search runs the full Hybrid Search pipeline.
func (c *Coordinator) Search(ctx context.Context, query string, limit int) ([]kbtypes.SearchResult, error) {
	return c.search.Search(ctx, query, limit)
}

// SimilarDocs finds chunks similar to documentID's own body.
func (c *Coordinator) SimilarDocs(ctx context.Context, documentID string, limit int) ([]kbtypes.SearchResult, error) {
	doc, err := c.content.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return c.search.SimilarDocs(ctx, doc.ID, doc.Content, limit)
}

// ListSources returns the source aggregate view spec.md §3 describes:
// document count, chunk count, and last ingest time per source.
func (c *Coordinator) ListSources(ctx context.Context) ([]kbtypes.Source, error) {
	return c.content.SourceStats(ctx)
}

// ListDocuments returns every document belonging to sourceID.
func (c *Coordinator) ListDocuments(ctx context.Context, sourceID string) ([]kbtypes.Document, error) {
	return c.content.ListDocumentsBySource(ctx, sourceID)
}

// GetDocument fetches one document by ID.
func (c *Coordinator) GetDocument(ctx context.Context, documentID string) (kbtypes.Document, error) {
	return c.content.GetDocument(ctx, documentID)
}

// DeleteDocument removes documentID from all three stores. Every store is
// attempted regardless of an earlier failure; per-store errors are joined
// and surfaced to the caller, who reconciles any partial deletion manually
// (no internal retry, no rollback), per spec.md §4.8.
func (c *Coordinator) DeleteDocument(ctx context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	chunks, err := c.content.GetChunks(ctx, documentID)
	if err != nil && !errorsx.IsKind(err, errorsx.NotFound) {
		return fmt.Errorf("content store: %w", err)
	}

	var errs []error
	if err := c.vector.Load().DeleteDocument(ctx, documentID); err != nil {
		errs = append(errs, fmt.Errorf("vector index: %w", err))
	}
	if len(chunks) > 0 {
		ids := make([]string, len(chunks))
		for i, ch := range chunks {
			ids[i] = ch.ID
		}
		if err := c.keyword.DeleteChunks(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("keyword index: %w", err))
		}
	}
	if err := c.content.DeleteDocument(ctx, documentID); err != nil {
		errs = append(errs, fmt.Errorf("content store: %w", err))
	}

	return errors.Join(errs...)
}

// DeleteSource removes every document, chunk, and vector belonging to
// sourceID from all three stores, same all-attempted/no-rollback policy
// as DeleteDocument.
func (c *Coordinator) DeleteSource(ctx context.Context, sourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := c.vector.Load().DeleteSource(ctx, sourceID); err != nil {
		errs = append(errs, fmt.Errorf("vector index: %w", err))
	}
	if err := c.keyword.DeleteSource(ctx, sourceID); err != nil {
		errs = append(errs, fmt.Errorf("keyword index: %w", err))
	}
	if err := c.content.DeleteSource(ctx, sourceID); err != nil {
		errs = append(errs, fmt.Errorf("content store: %w", err))
	}
	return errors.Join(errs...)
}

// ResetAll drops every document, chunk, and vector across all three
// stores, sequentially vector -> keyword -> content per spec.md §4.8. A
// failure stops the sequence; the caller is left to reconcile whatever
// subset was actually cleared (no rollback).
func (c *Coordinator) ResetAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.vector.Load().Reset(ctx); err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	if err := c.keyword.Reset(ctx); err != nil {
		return fmt.Errorf("keyword index: %w", err)
	}
	if err := c.content.Reset(ctx); err != nil {
		return fmt.Errorf("content store: %w", err)
	}
	return nil
}

// Reindex rebuilds the Vector Index at newDimensions from the Content
// Store. spec.md §9: an embedding-model dimension change is not
// hot-swappable — it drops and rebuilds the Vector Index while the
// Content Store (and the Keyword Index, which carries no dimension) are
// preserved untouched. The sentinel is written before the drop and
// cleared only once every chunk has been re-embedded and upserted, so a
// crash mid-rebuild resumes cleanly on the next New().
func (c *Coordinator) Reindex(ctx context.Context, newDimensions int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeSentinel(); err != nil {
		return err
	}

	fresh, err := vectorindex.New(vectorindex.Config{Dimensions: newDimensions})
	if err != nil {
		return err
	}

	docs, err := c.content.AllDocumentsWithMetadata(ctx)
	if err != nil {
		return err
	}

	batchSize := embed.BatchSizeForDevice(c.pipeline.Device())
	for _, doc := range docs {
		chunks, err := c.content.GetChunks(ctx, doc.ID)
		if err != nil {
			return err
		}
		if err := c.reembedInto(ctx, fresh, chunks, batchSize); err != nil {
			return err
		}
	}

	c.vector.Store(fresh)
	c.pipeline = ingest.New(c.embedder, c.content, fresh, c.keyword, c.pipeline.Device(), c.log)

	return c.clearSentinel()
}

func (c *Coordinator) reembedInto(ctx context.Context, idx *vectorindex.Index, chunks []kbtypes.Chunk, batchSize int) error {
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Content
		}
		vectors, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return errorsx.TransientWrap("COORD_REINDEX_EMBED", err)
		}

		embedded := make([]kbtypes.EmbeddedChunk, len(batch))
		for i, ch := range batch {
			embedded[i] = kbtypes.EmbeddedChunk{Chunk: ch, Vector: vectors[i]}
		}
		if err := idx.Upsert(ctx, embedded); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) sentinelPath() string {
	return filepath.Join(c.dataDir, sentinelName)
}

func (c *Coordinator) sentinelPresent() bool {
	if c.dataDir == "" {
		return false
	}
	_, err := os.Stat(c.sentinelPath())
	return err == nil
}

func (c *Coordinator) writeSentinel() error {
	if c.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dataDir, 0o755); err != nil {
		return errorsx.ResourceUnavailableWrap("COORD_SENTINEL_MKDIR", err)
	}
	if err := os.WriteFile(c.sentinelPath(), []byte{}, 0o644); err != nil {
		return errorsx.ResourceUnavailableWrap("COORD_SENTINEL_WRITE", err)
	}
	return nil
}

func (c *Coordinator) clearSentinel() error {
	if c.dataDir == "" {
		return nil
	}
	if err := os.Remove(c.sentinelPath()); err != nil && !os.IsNotExist(err) {
		return errorsx.ResourceUnavailableWrap("COORD_SENTINEL_REMOVE", err)
	}
	return nil
}

// Stats is the Coordinator's IndexInfo-style diagnostic: per-store sizes
// plus aggregate document/source counts.
type Stats struct {
	DocumentCount int
	SourceCount   int
	VectorCount   int
	KeywordCount  int
}

// Stats reports current per-store sizes, grounded on the teacher's
// store.IndexInfo diagnostic shape.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	docCount, err := c.content.CountDocuments(ctx)
	if err != nil {
		return Stats{}, err
	}
	sources, err := c.content.SourceStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		DocumentCount: docCount,
		SourceCount:   len(sources),
		VectorCount:   c.vector.Load().Count(),
		KeywordCount:  c.keyword.Count(),
	}, nil
}

// Close releases every owned store and the embedder, collecting any errors
// from across all of them rather than stopping at the first.
func (c *Coordinator) Close() error {
	var errs []error
	if err := c.vector.Load().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.keyword.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.content.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
