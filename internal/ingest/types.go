// Package ingest implements the Ingest Pipeline: content-aware chunking,
// global dedup by content hash, device-tuned batched embedding, and an
// atomic three-store write, per spec.md §4.5.
package ingest

import "time"

// BatchConfig governs when the Accumulator releases its buffered documents
// for a flush. Defaults mirror the original engine's thresholds.
type BatchConfig struct {
	MaxDocs         int
	MaxChunks       int
	MaxMemoryMB     int
	FlushTimeout    time.Duration
}

// DefaultBatchConfig returns the spec's default thresholds.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxDocs:      50,
		MaxChunks:    5000,
		MaxMemoryMB:  100,
		FlushTimeout: 5 * time.Second,
	}
}

// DocumentInput is one document handed to IngestDocuments by a caller.
type DocumentInput struct {
	Title    string
	FilePath string
	Content  string
}

// Response reports the outcome of one ingest call.
type Response struct {
	SourceID         string
	DocumentsCreated int
	ChunksCreated    int
	ChunksSkipped    int
	DocumentIDs      []string
}

// WriteStats accumulates across every flush within one ingest call.
type WriteStats struct {
	DocumentsWritten int
	ChunksWritten    int
	DocumentIDs      []string
}

func (s *WriteStats) merge(other WriteStats) {
	s.DocumentsWritten += other.DocumentsWritten
	s.ChunksWritten += other.ChunksWritten
	s.DocumentIDs = append(s.DocumentIDs, other.DocumentIDs...)
}

// supportedExtensions is the set ingest_from_path recurses into: markdown,
// text, common source code, structured data, web, shell, and PDF.
var supportedExtensions = map[string]bool{
	"md": true, "markdown": true, "txt": true, "pdf": true,
	"go": true, "py": true, "js": true, "ts": true, "tsx": true, "jsx": true,
	"java": true, "c": true, "cpp": true, "h": true, "hpp": true, "rs": true,
	"rb": true, "php": true, "swift": true, "kt": true, "kts": true, "dart": true,
	"json": true, "yaml": true, "yml": true, "toml": true, "xml": true,
	"html": true, "css": true, "scss": true, "sql": true,
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"vue": true, "svelte": true,
}

// IsSupportedExtension reports whether ingest_from_path accepts ext
// (lowercased, without a leading dot).
func IsSupportedExtension(ext string) bool {
	return supportedExtensions[ext]
}
