// Package jobqueue implements the Job Queue: a SQLite-persisted,
// single-writer queue of documents waiting on the Ingest Pipeline, so
// queued work survives a crash or restart.
package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// Queue is the Job Queue component. One process holds the write lock at a
// time; a second process attempting to Open the same jobs.db while the
// advisory flock is held fails immediately with a ResourceUnavailable error.
//
// A queue_documents call creates one parent Job row plus one PendingDoc row
// per document in the batch. The parent's total/completed/failed counters
// and status are recomputed from its PendingDoc rows on every mark_completed
// or mark_failed, so get_job always answers from the same source of truth
// get_job_docs does.
type Queue struct {
	mu   sync.Mutex
	db   *sql.DB
	lock *flock.Flock
	path string
}

// Open creates or opens the job queue database at path, acquiring an
// exclusive advisory lock on path+".lock" so a second process can't also
// become a writer against the same file.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errorsx.ResourceUnavailableWrap("JQ_MKDIR", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errorsx.ResourceUnavailableWrap("JQ_LOCK", err)
	}
	if !locked {
		return nil, errorsx.New(errorsx.ResourceUnavailable, "JQ_LOCKED", "job queue is already locked by another process", nil)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = lock.Unlock()
		return nil, errorsx.Wrap(errorsx.ResourceUnavailable, "JQ_OPEN", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, errorsx.Wrap(errorsx.Corruption, "JQ_PRAGMA", err)
		}
	}

	q := &Queue{db: db, lock: lock, path: path}
	if err := q.initSchema(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	if err := q.resetStuckProcessing(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	return q, nil
}

func (q *Queue) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id TEXT NOT NULL,
	total_docs INTEGER NOT NULL DEFAULT 0,
	completed_docs INTEGER NOT NULL DEFAULT 0,
	failed_docs INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	current_doc TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS pending_docs (
	id TEXT PRIMARY KEY,
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	source_id TEXT NOT NULL,
	title TEXT NOT NULL,
	file_path TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_docs_job ON pending_docs(job_id);
CREATE INDEX IF NOT EXISTS idx_pending_docs_status ON pending_docs(status);
`
	_, err := q.db.Exec(schema)
	if err != nil {
		return errorsx.Wrap(errorsx.Corruption, "JQ_SCHEMA", err)
	}
	return nil
}

// resetStuckProcessing resets every doc (and its parent job) stuck in
// "processing" back to "pending" at startup. prepare_and_embed (the first
// half of a flush) is side-effect-free against the stores, so replaying it
// is always safe; resuming mid write_embedded_batch could double-insert if
// the crash happened between the Content Store write and the Vector Index
// write, so a restart always starts that document's flush over from the top.
func (q *Queue) resetStuckProcessing() error {
	tx, err := q.db.Begin()
	if err != nil {
		return errorsx.TransientWrap("JQ_RESET_BEGIN", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE pending_docs SET status = ? WHERE status = ?`,
		string(kbtypes.JobPending), string(kbtypes.JobProcessing)); err != nil {
		return errorsx.TransientWrap("JQ_RESET_STUCK_DOCS", err)
	}
	if _, err := tx.Exec(`UPDATE jobs SET status = ?, current_doc = '' WHERE status = ?`,
		string(kbtypes.JobPending), string(kbtypes.JobProcessing)); err != nil {
		return errorsx.TransientWrap("JQ_RESET_STUCK_JOBS", err)
	}
	return tx.Commit()
}

// QueueDocuments creates one parent Job for sourceID plus one pending
// PendingDoc row per document, returning the job id.
func (q *Queue) QueueDocuments(ctx context.Context, sourceID string, docs []kbtypes.PendingDoc) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(docs) == 0 {
		return 0, errorsx.InvalidInputf("JQ_EMPTY_BATCH", "queue_documents requires at least one document")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errorsx.TransientWrap("JQ_BEGIN", err)
	}
	defer tx.Rollback()

	now := nowString()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (source_id, total_docs, completed_docs, failed_docs, status, current_doc, created_at, completed_at)
		 VALUES (?, ?, 0, 0, ?, '', ?, NULL)`,
		sourceID, len(docs), string(kbtypes.JobPending), now)
	if err != nil {
		return 0, errorsx.TransientWrap("JQ_INSERT_JOB", err)
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return 0, errorsx.TransientWrap("JQ_LAST_ID", err)
	}

	for _, d := range docs {
		id := d.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_docs (id, job_id, source_id, title, file_path, content, status, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)`,
			id, jobID, sourceID, d.Title, d.FilePath, d.Content, string(kbtypes.JobPending), now); err != nil {
			return 0, errorsx.TransientWrap("JQ_INSERT_DOC", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errorsx.TransientWrap("JQ_COMMIT", err)
	}
	return jobID, nil
}

// GetNextPending atomically claims and returns the oldest pending document
// across every job, moving it (and its parent job) to "processing". Returns
// nil, nil if the queue is empty, so no two workers ever see the same
// document as pending.
func (q *Queue) GetNextPending(ctx context.Context) (*kbtypes.PendingDoc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errorsx.TransientWrap("JQ_BEGIN", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, job_id, source_id, title, file_path, content, status, error, created_at
		 FROM pending_docs WHERE status = ? ORDER BY created_at, rowid LIMIT 1`,
		string(kbtypes.JobPending))

	doc, err := scanPendingDoc(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errorsx.TransientWrap("JQ_QUERY_PENDING", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE pending_docs SET status = ? WHERE id = ?`,
		string(kbtypes.JobProcessing), doc.ID); err != nil {
		return nil, errorsx.TransientWrap("JQ_CLAIM_DOC", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, current_doc = ? WHERE id = ?`,
		string(kbtypes.JobProcessing), doc.ID, doc.JobID); err != nil {
		return nil, errorsx.TransientWrap("JQ_CLAIM_JOB", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errorsx.TransientWrap("JQ_COMMIT", err)
	}

	doc.Status = kbtypes.JobProcessing
	return &doc, nil
}

// GetJobDocs returns every PendingDoc belonging to jobID, in queue order.
func (q *Queue) GetJobDocs(ctx context.Context, jobID int64) ([]kbtypes.PendingDoc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, job_id, source_id, title, file_path, content, status, error, created_at
		 FROM pending_docs WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, errorsx.TransientWrap("JQ_QUERY_DOCS", err)
	}
	defer rows.Close()

	var out []kbtypes.PendingDoc
	for rows.Next() {
		d, err := scanPendingDoc(rows)
		if err != nil {
			return nil, errorsx.TransientWrap("JQ_SCAN_DOC", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkCompleted marks docID done and recomputes its parent job's counters.
func (q *Queue) MarkCompleted(ctx context.Context, docID string) error {
	return q.markDoc(ctx, docID, kbtypes.JobDone, "")
}

// MarkFailed marks docID failed with errMsg and recomputes its parent job's
// counters.
func (q *Queue) MarkFailed(ctx context.Context, docID string, errMsg string) error {
	return q.markDoc(ctx, docID, kbtypes.JobFailed, errMsg)
}

func (q *Queue) markDoc(ctx context.Context, docID string, status kbtypes.JobStatus, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errorsx.TransientWrap("JQ_BEGIN", err)
	}
	defer tx.Rollback()

	var jobID int64
	if err := tx.QueryRowContext(ctx, `SELECT job_id FROM pending_docs WHERE id = ?`, docID).Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return errorsx.NotFoundf("JQ_DOC_NOT_FOUND", "pending doc %q not found", docID)
		}
		return errorsx.TransientWrap("JQ_FIND_DOC", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE pending_docs SET status = ?, error = ? WHERE id = ?`,
		string(status), errMsg, docID); err != nil {
		return errorsx.TransientWrap("JQ_UPDATE_DOC", err)
	}

	if err := recomputeJob(ctx, tx, jobID); err != nil {
		return err
	}

	return tx.Commit()
}

// recomputeJob derives total/completed/failed and status for jobID from its
// pending_docs rows, matching the invariant:
// status = done iff completed_docs + failed_docs = total_docs and
// failed_docs = 0; status = failed when that sum holds with failed_docs > 0.
func recomputeJob(ctx context.Context, tx *sql.Tx, jobID int64) error {
	var total, completed, failed int
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM pending_docs WHERE job_id = ?`,
		string(kbtypes.JobDone), string(kbtypes.JobFailed), jobID)
	if err := row.Scan(&total, &completed, &failed); err != nil {
		return errorsx.TransientWrap("JQ_RECOMPUTE", err)
	}

	status := kbtypes.JobProcessing
	var completedAt any
	if completed+failed == total {
		if failed > 0 {
			status = kbtypes.JobFailed
		} else {
			status = kbtypes.JobDone
		}
		completedAt = nowString()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET total_docs = ?, completed_docs = ?, failed_docs = ?, status = ?, current_doc = '', completed_at = ? WHERE id = ?`,
		total, completed, failed, string(status), completedAt, jobID); err != nil {
		return errorsx.TransientWrap("JQ_UPDATE_JOB", err)
	}
	return nil
}

// GetJob fetches one job by id.
func (q *Queue) GetJob(ctx context.Context, jobID int64) (kbtypes.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx,
		`SELECT id, source_id, total_docs, completed_docs, failed_docs, status, current_doc, created_at, completed_at
		 FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return kbtypes.Job{}, errorsx.NotFoundf("JQ_NOT_FOUND", "job %d not found", jobID)
		}
		return kbtypes.Job{}, errorsx.TransientWrap("JQ_GET", err)
	}
	return j, nil
}

// ListJobs returns every job, optionally filtered by status ("" = all).
func (q *Queue) ListJobs(ctx context.Context, status kbtypes.JobStatus) ([]kbtypes.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var rows *sql.Rows
	var err error
	const cols = `id, source_id, total_docs, completed_docs, failed_docs, status, current_doc, created_at, completed_at`
	if status == "" {
		rows, err = q.db.QueryContext(ctx, `SELECT `+cols+` FROM jobs ORDER BY id`)
	} else {
		rows, err = q.db.QueryContext(ctx, `SELECT `+cols+` FROM jobs WHERE status = ? ORDER BY id`, string(status))
	}
	if err != nil {
		return nil, errorsx.TransientWrap("JQ_LIST", err)
	}
	defer rows.Close()

	var out []kbtypes.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errorsx.TransientWrap("JQ_SCAN", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CleanupOldJobs deletes done/failed jobs whose completed_at is older than
// ttl, cascading to their pending_docs rows. The background worker runs this
// roughly every 10s of idleness with ttl = 3600s, per spec's default.
func (q *Queue) CleanupOldJobs(ctx context.Context, ttl time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := timeNow().Add(-ttl).Format(timeLayout)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(kbtypes.JobDone), string(kbtypes.JobFailed), cutoff)
	if err != nil {
		return 0, errorsx.TransientWrap("JQ_CLEANUP", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingDoc(row rowScanner) (kbtypes.PendingDoc, error) {
	var d kbtypes.PendingDoc
	var status, created string
	if err := row.Scan(&d.ID, &d.JobID, &d.SourceID, &d.Title, &d.FilePath, &d.Content, &status, &d.Error, &created); err != nil {
		return kbtypes.PendingDoc{}, err
	}
	d.Status = kbtypes.JobStatus(status)
	d.CreatedAt = parseTime(created)
	return d, nil
}

func scanJob(row rowScanner) (kbtypes.Job, error) {
	var j kbtypes.Job
	var status, created string
	var completedAt sql.NullString
	if err := row.Scan(&j.ID, &j.SourceID, &j.TotalDocs, &j.CompletedDocs, &j.FailedDocs, &status, &j.CurrentDoc, &created, &completedAt); err != nil {
		return kbtypes.Job{}, err
	}
	j.Status = kbtypes.JobStatus(status)
	j.CreatedAt = parseTime(created)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		j.CompletedAt = &t
	}
	return j, nil
}

// Close releases the database handle and the advisory file lock.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.db.Close()
	if unlockErr := q.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}
