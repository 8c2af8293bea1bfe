// Package kbtypes holds the value types shared by every store and pipeline
// package in the knowledge-base engine, kept dependency-free so that
// contentstore, vectorindex, keywordindex, ingest, jobqueue and hybrid can
// all import it without import cycles.
package kbtypes

import "time"

// Source identifies a logical collection a document was ingested from
// (a repo, a directory, a crawl run). Sources are created implicitly the
// first time a document names one.
type Source struct {
	ID            string
	DocumentCount int
	ChunkCount    int
	LastIngestAt  time.Time
}

// Document is one ingested unit of content (a file, a page). Content is the
// full body text as stored in the Content Store.
type Document struct {
	ID          string
	SourceID    string
	Title       string
	FilePath    string
	Content     string
	ContentHash string // sha256(content), used for global dedup
	CreatedAt   time.Time
}

// Chunk is one retrieval-addressable slice of a Document. ID is
// content-addressable: sha256(filePath + "\x00" + content) hex-encoded.
// ContentHash is sha256(content) alone, independent of the originating
// file path, and is what chunk-level dedup keys on: two chunks with
// identical content under different file paths carry different IDs but
// the same ContentHash.
type Chunk struct {
	ID          string
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
	Hierarchy   []string // [title, section, subsection], empty entries dropped
}

// EmbeddedChunk pairs a Chunk with its embedding vector, the unit the
// Vector Index and Keyword Index both consume during ingest.
type EmbeddedChunk struct {
	Chunk  Chunk
	Vector []float32
}

// PendingDoc is one document queued for ingest but not yet processed, a
// row of its parent Job.
type PendingDoc struct {
	ID        string
	JobID     int64
	SourceID  string
	Title     string
	FilePath  string
	Content   string
	Status    JobStatus
	Error     string
	CreatedAt time.Time
}

// JobStatus is the state machine a Job (and each of its PendingDoc rows)
// moves through.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job is one queue_documents batch: a parent aggregate over the PendingDoc
// rows it was created with. status = done iff completed_docs + failed_docs
// = total_docs and failed_docs = 0; status = failed when that sum holds
// with failed_docs > 0.
type Job struct {
	ID            int64
	SourceID      string
	TotalDocs     int
	CompletedDocs int
	FailedDocs    int
	Status        JobStatus
	CurrentDoc    string // id of the PendingDoc currently claimed, "" if none
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// SearchResult is one hit returned by the Hybrid Search component.
type SearchResult struct {
	Chunk       Chunk
	VectorScore float64
	BM25Score   float64
	FusedScore  float64
	RerankScore float64
}
