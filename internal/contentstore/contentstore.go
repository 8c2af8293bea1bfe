// Package contentstore implements the Content Store: the authoritative,
// SQLite-backed home for document and chunk bodies. Every other component
// (Vector Index, Keyword Index) holds only metadata and leans on this store
// to hydrate result text.
package contentstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// Store is the Content Store. Guarded by a single mutex per spec's
// concurrency model: the SQLite connection pool is capped at one
// connection anyway, so a wider lock buys nothing and this keeps the
// read-modify-write sequences (dedup check + insert) atomic.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// Open creates or opens the content store at path. An empty path opens an
// in-memory database, used by tests.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errorsx.ResourceUnavailableWrap("CS_MKDIR", err)
		}
		if err := validateIntegrity(path); err != nil {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, errorsx.CorruptionWrap("CS_CANNOT_CLEAR", removeErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errorsx.ResourceUnavailableWrap("CS_OPEN", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errorsx.ResourceUnavailableWrap("CS_PRAGMA", err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

	CREATE TABLE IF NOT EXISTS documents (
		id           TEXT PRIMARY KEY,
		source_id    TEXT NOT NULL,
		title        TEXT NOT NULL,
		file_path    TEXT NOT NULL,
		content      TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);

	CREATE TABLE IF NOT EXISTS chunks (
		id           TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL DEFAULT '',
		document_id  TEXT NOT NULL,
		source_id    TEXT NOT NULL,
		content      TEXT NOT NULL,
		title        TEXT NOT NULL DEFAULT '',
		section      TEXT NOT NULL DEFAULT '',
		subsection   TEXT NOT NULL DEFAULT '',
		start_line   INTEGER NOT NULL DEFAULT 0,
		end_line     INTEGER NOT NULL DEFAULT 0,
		is_code      INTEGER NOT NULL DEFAULT 0,
		hierarchy    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_content_hash ON chunks(content_hash);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return errorsx.CorruptionWrap("CS_SCHEMA", err)
	}
	return nil
}

// ContentHash returns the dedup key for a document body: sha256(content).
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ErrDuplicate is returned by InsertDocument when content_hash already
// exists; callers treat this as "first insert wins, skip silently".
var ErrDuplicate = errorsx.New(errorsx.InvalidInput, "CS_DUPLICATE", "content already exists", nil)

// InsertDocument writes doc if its content hash is new. Returns ErrDuplicate
// (wrapped) if an identical-content document already exists anywhere in the
// store, regardless of source — dedup is content-store-wide, not per-source.
func (s *Store) InsertDocument(ctx context.Context, doc kbtypes.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE content_hash = ?`, doc.ContentHash).Scan(&existing)
	if err == nil {
		return ErrDuplicate
	}
	if err != sql.ErrNoRows {
		return errorsx.TransientWrap("CS_DEDUP_CHECK", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source_id, title, file_path, content, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SourceID, doc.Title, doc.FilePath, doc.Content, doc.ContentHash, doc.CreatedAt.Format(timeLayout))
	if err != nil {
		return errorsx.TransientWrap("CS_INSERT_DOC", err)
	}
	return nil
}

// InsertChunks writes chunks belonging to an already-inserted document.
func (s *Store) InsertChunks(ctx context.Context, chunks []kbtypes.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorsx.TransientWrap("CS_TX_BEGIN", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, content_hash, document_id, source_id, content, title, section, subsection, start_line, end_line, is_code, hierarchy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errorsx.TransientWrap("CS_PREPARE_CHUNK", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		isCode := 0
		if c.IsCode {
			isCode = 1
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.ContentHash, c.DocumentID, c.SourceID, c.Content, c.Title, c.Section, c.Subsection, c.StartLine, c.EndLine, isCode, strings.Join(c.Hierarchy, "\x1f")); err != nil {
			return errorsx.TransientWrap("CS_INSERT_CHUNK", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errorsx.TransientWrap("CS_TX_COMMIT", err)
	}
	return nil
}

// GetDocument fetches one document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (kbtypes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kbtypes.Document{}, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, title, file_path, content, content_hash, created_at FROM documents WHERE id = ?`, id)
	var d kbtypes.Document
	var createdAt string
	if err := row.Scan(&d.ID, &d.SourceID, &d.Title, &d.FilePath, &d.Content, &d.ContentHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return kbtypes.Document{}, errorsx.NotFoundf("CS_DOC_NOT_FOUND", "document %s not found", id)
		}
		return kbtypes.Document{}, errorsx.TransientWrap("CS_GET_DOC", err)
	}
	d.CreatedAt = parseTime(createdAt)
	return d, nil
}

// GetChunks fetches every chunk belonging to documentID, in insertion order.
func (s *Store) GetChunks(ctx context.Context, documentID string) ([]kbtypes.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}
	return s.queryChunks(ctx, `SELECT id, content_hash, document_id, source_id, content, title, section, subsection, start_line, end_line, is_code, hierarchy FROM chunks WHERE document_id = ? ORDER BY rowid`, documentID)
}

// GetChunk fetches a single chunk by ID.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (kbtypes.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kbtypes.Chunk{}, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}
	chunks, err := s.queryChunks(ctx, `SELECT id, content_hash, document_id, source_id, content, title, section, subsection, start_line, end_line, is_code, hierarchy FROM chunks WHERE id = ?`, chunkID)
	if err != nil {
		return kbtypes.Chunk{}, err
	}
	if len(chunks) == 0 {
		return kbtypes.Chunk{}, errorsx.NotFoundf("CS_CHUNK_NOT_FOUND", "chunk %s not found", chunkID)
	}
	return chunks[0], nil
}

func (s *Store) queryChunks(ctx context.Context, query string, arg string) ([]kbtypes.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errorsx.TransientWrap("CS_QUERY_CHUNKS", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

func scanChunkRows(rows *sql.Rows) ([]kbtypes.Chunk, error) {
	var out []kbtypes.Chunk
	for rows.Next() {
		var c kbtypes.Chunk
		var isCode int
		var hierarchy string
		if err := rows.Scan(&c.ID, &c.ContentHash, &c.DocumentID, &c.SourceID, &c.Content, &c.Title, &c.Section, &c.Subsection, &c.StartLine, &c.EndLine, &isCode, &hierarchy); err != nil {
			return nil, errorsx.TransientWrap("CS_SCAN_CHUNK", err)
		}
		c.IsCode = isCode != 0
		if hierarchy != "" {
			c.Hierarchy = strings.Split(hierarchy, "\x1f")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunksByIDs fetches every chunk in ids in a single query, used by
// Hybrid Search to hydrate fused candidate bodies in one round trip.
// Missing ids are silently omitted from the result.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []string) ([]kbtypes.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT id, content_hash, document_id, source_id, content, title, section, subsection, start_line, end_line, is_code, hierarchy FROM chunks WHERE id IN (` + placeholders + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errorsx.TransientWrap("CS_QUERY_CHUNKS_BATCH", err)
	}
	defer rows.Close()
	return scanChunkRows(rows)
}

// ListDocumentsBySource returns every document in sourceID.
func (s *Store) ListDocumentsBySource(ctx context.Context, sourceID string) ([]kbtypes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, title, file_path, content, content_hash, created_at FROM documents WHERE source_id = ? ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, errorsx.TransientWrap("CS_LIST_DOCS", err)
	}
	defer rows.Close()

	var out []kbtypes.Document
	for rows.Next() {
		var d kbtypes.Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.SourceID, &d.Title, &d.FilePath, &d.Content, &d.ContentHash, &createdAt); err != nil {
			return nil, errorsx.TransientWrap("CS_SCAN_DOC", err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AllDocumentsWithMetadata returns every document, for reindex/export flows.
func (s *Store) AllDocumentsWithMetadata(ctx context.Context) ([]kbtypes.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, title, file_path, content, content_hash, created_at FROM documents ORDER BY created_at`)
	if err != nil {
		return nil, errorsx.TransientWrap("CS_LIST_ALL_DOCS", err)
	}
	defer rows.Close()

	var out []kbtypes.Document
	for rows.Next() {
		var d kbtypes.Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.SourceID, &d.Title, &d.FilePath, &d.Content, &d.ContentHash, &createdAt); err != nil {
			return nil, errorsx.TransientWrap("CS_SCAN_DOC", err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDocument removes a document and its chunks.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorsx.TransientWrap("CS_TX_BEGIN", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return errorsx.TransientWrap("CS_DELETE_CHUNKS", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, documentID); err != nil {
		return errorsx.TransientWrap("CS_DELETE_DOC", err)
	}
	return errorsx.TransientWrap("CS_TX_COMMIT", tx.Commit())
}

// DeleteSource removes every document and chunk belonging to sourceID.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errorsx.TransientWrap("CS_TX_BEGIN", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		return errorsx.TransientWrap("CS_DELETE_CHUNKS", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source_id = ?`, sourceID); err != nil {
		return errorsx.TransientWrap("CS_DELETE_DOCS", err)
	}
	return errorsx.TransientWrap("CS_TX_COMMIT", tx.Commit())
}

// CountDocuments returns the total document count.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, errorsx.TransientWrap("CS_COUNT", err)
	}
	return n, nil
}

// SourceStats aggregates document count, chunk count, and last ingest time
// per source_id, for the Coordinator's list_sources diagnostic.
func (s *Store) SourceStats(ctx context.Context) ([]kbtypes.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.source_id, COUNT(DISTINCT d.id), COUNT(c.id), MAX(d.created_at)
		FROM documents d
		LEFT JOIN chunks c ON c.document_id = d.id
		GROUP BY d.source_id
		ORDER BY d.source_id`)
	if err != nil {
		return nil, errorsx.TransientWrap("CS_SOURCE_STATS", err)
	}
	defer rows.Close()

	var out []kbtypes.Source
	for rows.Next() {
		var src kbtypes.Source
		var lastIngest string
		if err := rows.Scan(&src.ID, &src.DocumentCount, &src.ChunkCount, &lastIngest); err != nil {
			return nil, errorsx.TransientWrap("CS_SCAN_SOURCE_STATS", err)
		}
		src.LastIngestAt = parseTime(lastIngest)
		out = append(out, src)
	}
	return out, rows.Err()
}

// Reset drops every document and chunk, leaving schema intact.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errorsx.NotInitializedf("CS_CLOSED", "content store is closed")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return errorsx.TransientWrap("CS_RESET_CHUNKS", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return errorsx.TransientWrap("CS_RESET_DOCS", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
