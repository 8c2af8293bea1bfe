package coordinator

import (
	"context"
	"time"

	"github.com/hybridkb/hybridkb/internal/errorsx"
	"github.com/hybridkb/hybridkb/internal/ingest"
	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

// pollInterval is the worker's idle poll cadence. Spec requires sleeping
// at least 100ms between empty polls.
const pollInterval = 100 * time.Millisecond

// cleanupInterval is how often an idle worker runs cleanup_old_jobs.
const cleanupInterval = 10 * time.Second

// defaultJobTTL is cleanup_old_jobs' default retention window.
const defaultJobTTL = time.Hour

// QueueDocuments enqueues inputs as a single Job Queue batch for later
// processing by RunWorker instead of ingesting them synchronously,
// returning the job id queue_documents reports.
func (c *Coordinator) QueueDocuments(ctx context.Context, sourceID string, inputs []ingest.DocumentInput) (int64, error) {
	if c.queue == nil {
		return 0, errorsx.InvalidInputf("COORD_NO_QUEUE", "coordinator has no job queue configured")
	}
	if len(inputs) == 0 {
		return 0, errorsx.InvalidInputf("COORD_EMPTY_BATCH", "queue_documents requires at least one document")
	}

	pending := make([]kbtypes.PendingDoc, len(inputs))
	for i, in := range inputs {
		pending[i] = kbtypes.PendingDoc{
			SourceID: sourceID,
			FilePath: in.FilePath,
			Title:    in.Title,
			Content:  in.Content,
		}
	}

	return c.queue.QueueDocuments(ctx, sourceID, pending)
}

// GetJob returns one job's aggregate counters and status.
func (c *Coordinator) GetJob(ctx context.Context, jobID int64) (kbtypes.Job, error) {
	if c.queue == nil {
		return kbtypes.Job{}, errorsx.InvalidInputf("COORD_NO_QUEUE", "coordinator has no job queue configured")
	}
	return c.queue.GetJob(ctx, jobID)
}

// ListJobs returns every job, optionally filtered by status.
func (c *Coordinator) ListJobs(ctx context.Context, status kbtypes.JobStatus) ([]kbtypes.Job, error) {
	if c.queue == nil {
		return nil, errorsx.InvalidInputf("COORD_NO_QUEUE", "coordinator has no job queue configured")
	}
	return c.queue.ListJobs(ctx, status)
}

// GetJobDocs returns the per-document rows belonging to jobID.
func (c *Coordinator) GetJobDocs(ctx context.Context, jobID int64) ([]kbtypes.PendingDoc, error) {
	if c.queue == nil {
		return nil, errorsx.InvalidInputf("COORD_NO_QUEUE", "coordinator has no job queue configured")
	}
	return c.queue.GetJobDocs(ctx, jobID)
}

// RunWorker is the Job Queue's single background worker: it polls
// get_next_pending, sleeping at least pollInterval when the queue is
// empty, and runs cleanup_old_jobs roughly every cleanupInterval of
// idleness. Exactly one goroutine per process should call this; it runs
// until ctx is canceled. Per document it runs prepare_and_embed without
// the writer lock, then acquires it only for write_embedded_batch, then
// marks the document completed or failed.
func (c *Coordinator) RunWorker(ctx context.Context) error {
	if c.queue == nil {
		return errorsx.InvalidInputf("COORD_NO_QUEUE", "coordinator has no job queue configured")
	}

	lastCleanup := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		doc, err := c.queue.GetNextPending(ctx)
		if err != nil {
			c.log.Error("job queue poll failed", "error", err)
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		if doc == nil {
			if time.Since(lastCleanup) >= cleanupInterval {
				if n, err := c.queue.CleanupOldJobs(ctx, defaultJobTTL); err != nil {
					c.log.Warn("cleanup_old_jobs failed", "error", err)
				} else if n > 0 {
					c.log.Info("cleaned up old jobs", "count", n)
				}
				lastCleanup = time.Now()
			}
			if !sleepCtx(ctx, pollInterval) {
				return nil
			}
			continue
		}

		c.processPending(ctx, *doc)
	}
}

// processPending runs one queued document's flush: prepare_and_embed
// without the writer lock, write_embedded_batch with it, then mark the
// document completed or, on any error, failed with the error recorded.
func (c *Coordinator) processPending(ctx context.Context, doc kbtypes.PendingDoc) {
	input := ingest.DocumentInput{Title: doc.Title, FilePath: doc.FilePath, Content: doc.Content}

	batch, _, ok, err := c.pipeline.PrepareOne(ctx, doc.SourceID, input)
	if err != nil {
		c.failPending(ctx, doc.ID, err)
		return
	}
	if !ok {
		// Empty content: nothing to embed or write, mirroring
		// IngestDocuments' silent skip of empty inputs.
		if err := c.queue.MarkCompleted(ctx, doc.ID); err != nil {
			c.log.Warn("failed to mark document completed", "doc_id", doc.ID, "error", err)
		}
		return
	}

	c.mu.Lock()
	_, err = c.pipeline.WriteEmbeddedBatch(ctx, doc.SourceID, batch)
	c.mu.Unlock()
	if err != nil {
		c.failPending(ctx, doc.ID, err)
		return
	}

	if err := c.queue.MarkCompleted(ctx, doc.ID); err != nil {
		c.log.Warn("failed to mark document completed", "doc_id", doc.ID, "error", err)
	}
}

func (c *Coordinator) failPending(ctx context.Context, docID string, cause error) {
	c.log.Warn("document flush failed", "doc_id", docID, "error", cause)
	if err := c.queue.MarkFailed(ctx, docID, cause.Error()); err != nil {
		c.log.Warn("failed to mark document failed", "doc_id", docID, "error", err)
	}
}

// sleepCtx sleeps for d or until ctx is canceled, returning false in the
// latter case so callers can exit their poll loop immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
