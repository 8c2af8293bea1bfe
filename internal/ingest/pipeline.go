package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hybridkb/hybridkb/internal/chunk"
	"github.com/hybridkb/hybridkb/internal/contentstore"
	"github.com/hybridkb/hybridkb/internal/embed"
	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
	"github.com/hybridkb/hybridkb/internal/keywordindex"
	"github.com/hybridkb/hybridkb/internal/vectorindex"
)

// Pipeline is the Ingest Pipeline component. It owns no mutex itself;
// write-order atomicity comes from each store's own lock plus the
// Coordinator serializing calls to WriteEmbeddedBatch.
type Pipeline struct {
	embedder embed.Embedder
	content  *contentstore.Store
	vector   *vectorindex.Index
	keyword  *keywordindex.Index
	chunker  *chunk.Registry
	cfg      BatchConfig
	device   string
	log      *slog.Logger
}

// New builds a Pipeline. device selects the embedding sub-batch size
// ("cpu" by default; "gpu"/"cuda"/"mps" use the larger batch).
func New(embedder embed.Embedder, content *contentstore.Store, vector *vectorindex.Index, keyword *keywordindex.Index, device string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		embedder: embedder,
		content:  content,
		vector:   vector,
		keyword:  keyword,
		chunker:  chunk.NewRegistry(),
		cfg:      DefaultBatchConfig(),
		device:   device,
		log:      logger,
	}
}

// WithBatchConfig overrides the default accumulator thresholds.
func (p *Pipeline) WithBatchConfig(cfg BatchConfig) *Pipeline {
	p.cfg = cfg
	return p
}

// Device reports the embedding device this pipeline was built for, so a
// caller rebuilding a Pipeline around a new Vector Index (a reindex) can
// reuse the same device tuning.
func (p *Pipeline) Device() string {
	return p.device
}

// prepareDocument chunks one input and builds its Document row. Returns
// false if the input is empty (callers skip it entirely).
func (p *Pipeline) prepareDocument(input DocumentInput, sourceID string) (preparedDoc, bool) {
	if strings.TrimSpace(input.Content) == "" {
		return preparedDoc{}, false
	}

	docID := uuid.New().String()
	title := input.Title
	if title == "" {
		title = "Untitled-" + docID[:8]
	}

	doc := kbtypes.Document{
		ID:          docID,
		SourceID:    sourceID,
		Title:       title,
		FilePath:    input.FilePath,
		Content:     input.Content,
		ContentHash: contentstore.ContentHash(input.Content),
		CreatedAt:   time.Now().UTC(),
	}

	meta := chunk.DocMeta{DocumentID: docID, SourceID: sourceID, FilePath: input.FilePath}
	chunks := p.chunker.Chunk(input.Content, meta)
	for i := range chunks {
		chunks[i].DocumentID = docID
		chunks[i].SourceID = sourceID
	}

	return preparedDoc{doc: doc, chunks: chunks}, true
}

// IngestDocuments is the main entry point: prepare every input, then
// accumulate and flush in batches.
func (p *Pipeline) IngestDocuments(ctx context.Context, sourceID string, inputs []DocumentInput) (Response, error) {
	var prepared []preparedDoc
	for _, in := range inputs {
		if d, ok := p.prepareDocument(in, sourceID); ok {
			prepared = append(prepared, d)
		}
	}

	if len(prepared) == 0 {
		return Response{SourceID: sourceID}, nil
	}

	acc := newAccumulator(p.cfg)
	var total WriteStats
	var totalSkipped int

	for _, d := range prepared {
		if acc.add(d) {
			stats, skipped, err := p.flush(ctx, sourceID, acc.take())
			if err != nil {
				return Response{}, err
			}
			total.merge(stats)
			totalSkipped += skipped
		}
	}
	if !acc.isEmpty() {
		stats, skipped, err := p.flush(ctx, sourceID, acc.take())
		if err != nil {
			return Response{}, err
		}
		total.merge(stats)
		totalSkipped += skipped
	}

	return Response{
		SourceID:         sourceID,
		DocumentsCreated: total.DocumentsWritten,
		ChunksCreated:    total.ChunksWritten,
		ChunksSkipped:    totalSkipped,
		DocumentIDs:      total.DocumentIDs,
	}, nil
}

// flush runs prepare_and_embed immediately followed by
// write_embedded_batch. The split exists so the Job Queue worker can run
// the two halves at different points (embed without a lock, write with
// one); IngestDocuments just calls them back to back.
func (p *Pipeline) flush(ctx context.Context, sourceID string, docs []preparedDoc) (WriteStats, int, error) {
	batch, skipped, err := p.PrepareAndEmbed(ctx, docs)
	if err != nil {
		return WriteStats{}, 0, err
	}
	stats, err := p.WriteEmbeddedBatch(ctx, sourceID, batch)
	if err != nil {
		return WriteStats{}, 0, err
	}
	return stats, skipped, nil
}

// embeddedDoc pairs a Document with its surviving chunks, each already
// carrying its embedding vector.
type embeddedDoc struct {
	doc    kbtypes.Document
	chunks []kbtypes.EmbeddedChunk
}

// EmbeddedBatch is the output of PrepareAndEmbed: every document from the
// input batch, each with only its non-duplicate chunks, embedded.
type EmbeddedBatch struct {
	docs []embeddedDoc
}

// PrepareAndEmbed performs flush steps 1-2 without holding any store
// writer lock: it checks chunk_exists against the Vector Index by content
// hash (a read) — dedup is global, not per source or file path — then
// embeds the surviving chunks in device-tuned sub-batches. A sub-batch
// embedding failure is fatal for the whole batch.
func (p *Pipeline) PrepareAndEmbed(ctx context.Context, docs []preparedDoc) (EmbeddedBatch, int, error) {
	skipped := 0
	survivors := make([][]kbtypes.Chunk, len(docs))
	seen := make(map[string]struct{}) // content hashes already claimed within this batch

	var texts []string
	var owner []int // index into docs, one per entry in texts

	for di, d := range docs {
		for _, c := range d.chunks {
			if p.vector.ChunkExistsByHash(c.ContentHash) {
				skipped++
				continue
			}
			if _, dup := seen[c.ContentHash]; dup {
				skipped++
				continue
			}
			seen[c.ContentHash] = struct{}{}
			survivors[di] = append(survivors[di], c)
			texts = append(texts, c.Content)
			owner = append(owner, di)
		}
	}

	vectors := make([][]float32, len(texts))
	batchSize := embed.BatchSizeForDevice(p.device)
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			p.log.Error("embedding batch failed", "batch_start", start, "batch_size", end-start, "error", err)
			return EmbeddedBatch{}, 0, errorsx.TransientWrap("ING_EMBED_BATCH", err)
		}
		copy(vectors[start:end], vecs)
	}

	// Rebuild per-document chunk+vector pairs, in survivor order.
	perDocVectors := make([][][]float32, len(docs))
	for i, di := range owner {
		perDocVectors[di] = append(perDocVectors[di], vectors[i])
	}

	batch := EmbeddedBatch{docs: make([]embeddedDoc, len(docs))}
	for di, d := range docs {
		ed := embeddedDoc{doc: d.doc}
		for ci, c := range survivors[di] {
			ed.chunks = append(ed.chunks, kbtypes.EmbeddedChunk{Chunk: c, Vector: perDocVectors[di][ci]})
		}
		batch.docs[di] = ed
	}

	return batch, skipped, nil
}

// PrepareOne runs prepare_and_embed for a single document, the unit the Job
// Queue worker operates on. The bool return is false if input was empty
// content, mirroring prepareDocument's own skip signal.
func (p *Pipeline) PrepareOne(ctx context.Context, sourceID string, input DocumentInput) (EmbeddedBatch, int, bool, error) {
	d, ok := p.prepareDocument(input, sourceID)
	if !ok {
		return EmbeddedBatch{}, 0, false, nil
	}
	batch, skipped, err := p.PrepareAndEmbed(ctx, []preparedDoc{d})
	if err != nil {
		return EmbeddedBatch{}, 0, true, err
	}
	return batch, skipped, true, nil
}

// WriteEmbeddedBatch performs flush step 3, the atomic three-store write,
// in order: Content Store, Vector Index, Keyword Index. Callers hold
// whatever coarse write lock the Coordinator uses to serialize flushes.
func (p *Pipeline) WriteEmbeddedBatch(ctx context.Context, sourceID string, batch EmbeddedBatch) (WriteStats, error) {
	var stats WriteStats

	for _, d := range batch.docs {
		if err := p.content.InsertDocument(ctx, d.doc); err != nil {
			if errors.Is(err, contentstore.ErrDuplicate) {
				p.log.Info("skipping duplicate document", "document_id", d.doc.ID, "content_hash", d.doc.ContentHash)
				continue
			}
			return WriteStats{}, err
		}

		if len(d.chunks) == 0 {
			stats.DocumentsWritten++
			stats.DocumentIDs = append(stats.DocumentIDs, d.doc.ID)
			continue
		}

		chunks := make([]kbtypes.Chunk, len(d.chunks))
		for i, ec := range d.chunks {
			chunks[i] = ec.Chunk
		}
		if err := p.content.InsertChunks(ctx, chunks); err != nil {
			return WriteStats{}, err
		}

		if err := p.vector.Upsert(ctx, d.chunks); err != nil {
			return WriteStats{}, err
		}

		kwDocs := make([]keywordindex.Doc, len(d.chunks))
		for i, ec := range d.chunks {
			kwDocs[i] = keywordindex.Doc{ChunkID: ec.Chunk.ID, SourceID: ec.Chunk.SourceID, Content: ec.Chunk.Content}
		}
		if err := p.keyword.Index(ctx, kwDocs); err != nil {
			return WriteStats{}, err
		}

		stats.DocumentsWritten++
		stats.ChunksWritten += len(d.chunks)
		stats.DocumentIDs = append(stats.DocumentIDs, d.doc.ID)
	}

	return stats, nil
}

// IngestFromPath recursively walks path, ingesting every file whose
// extension is in the supported set. Directories and unsupported files
// are skipped silently; a read error on an individual file is logged and
// that file is skipped rather than failing the whole walk.
func (p *Pipeline) IngestFromPath(ctx context.Context, sourceID, path string) (Response, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Response{}, errorsx.Wrap(errorsx.ResourceUnavailable, "ING_STAT", err)
	}

	var files []string
	if !info.IsDir() {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		if IsSupportedExtension(ext) {
			files = []string{path}
		}
	} else {
		err := filepath.WalkDir(path, func(walked string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(walked), "."))
			if IsSupportedExtension(ext) {
				files = append(files, walked)
			}
			return nil
		})
		if err != nil {
			return Response{}, errorsx.Wrap(errorsx.ResourceUnavailable, "ING_WALK", err)
		}
	}

	var inputs []DocumentInput
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			p.log.Warn("failed to read file during ingest", "path", f, "error", err)
			continue
		}
		text := string(content)
		if strings.TrimSpace(text) == "" {
			continue
		}
		inputs = append(inputs, DocumentInput{Title: filepath.Base(f), FilePath: f, Content: text})
	}

	return p.IngestDocuments(ctx, sourceID, inputs)
}
