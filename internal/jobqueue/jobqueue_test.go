package jobqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridkb/hybridkb/internal/kbtypes"
)

func openQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func twoDocs() []kbtypes.PendingDoc {
	return []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "content a"},
		{ID: "doc2", FilePath: "b.md", Title: "B", Content: "content b"},
	}
}

func TestQueue_QueueDocuments_CreatesOneJobForTheWholeBatch(t *testing.T) {
	q := openQueue(t)

	jobID, err := q.QueueDocuments(context.Background(), "src1", twoDocs())
	require.NoError(t, err)
	require.NotZero(t, jobID)

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "src1", job.SourceID)
	assert.Equal(t, 2, job.TotalDocs)
	assert.Equal(t, 0, job.CompletedDocs)
	assert.Equal(t, 0, job.FailedDocs)
	assert.Equal(t, kbtypes.JobPending, job.Status)
}

func TestQueue_QueueDocuments_EmptyBatchErrors(t *testing.T) {
	q := openQueue(t)
	_, err := q.QueueDocuments(context.Background(), "src1", nil)
	require.Error(t, err)
}

func TestQueue_GetNextPending_ClaimsOldestAndMovesJobToProcessing(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", twoDocs())
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "doc1", doc.ID)
	assert.Equal(t, "content a", doc.Content)
	assert.Equal(t, kbtypes.JobProcessing, doc.Status)

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, kbtypes.JobProcessing, job.Status)
	assert.Equal(t, "doc1", job.CurrentDoc)
}

func TestQueue_GetNextPending_EmptyQueueReturnsNil(t *testing.T) {
	q := openQueue(t)
	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestQueue_GetNextPending_NeverClaimsTheSameDocTwice(t *testing.T) {
	q := openQueue(t)
	_, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	first, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestQueue_MarkCompleted_AllDocsDoneMarksJobDone(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(context.Background(), doc.ID))

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, kbtypes.JobDone, job.Status)
	assert.Equal(t, 1, job.CompletedDocs)
	assert.Equal(t, 0, job.FailedDocs)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, "", job.CurrentDoc)
}

func TestQueue_MarkFailed_RecordsErrorAndMarksJobFailed(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(context.Background(), doc.ID, "embed timeout"))

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, kbtypes.JobFailed, job.Status)
	assert.Equal(t, 1, job.FailedDocs)

	docs, err := q.GetJobDocs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "embed timeout", docs[0].Error)
}

func TestQueue_MarkCompleted_PartialBatchLeavesJobProcessing(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", twoDocs())
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(context.Background(), doc.ID))

	job, err := q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, kbtypes.JobProcessing, job.Status)
	assert.Equal(t, 1, job.CompletedDocs)
	assert.Equal(t, 2, job.TotalDocs)
}

func TestQueue_GetJob_NotFound(t *testing.T) {
	q := openQueue(t)
	_, err := q.GetJob(context.Background(), 999)
	require.Error(t, err)
}

func TestQueue_ListJobs_FiltersByStatus(t *testing.T) {
	q := openQueue(t)
	doneJobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)
	_, err = q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc2", FilePath: "b.md", Title: "B", Content: "y"},
	})
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(context.Background(), doc.ID))

	done, err := q.ListJobs(context.Background(), kbtypes.JobDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, doneJobID, done[0].ID)

	all, err := q.ListJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestQueue_GetJobDocs(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "body"},
	})
	require.NoError(t, err)

	docs, err := q.GetJobDocs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "body", docs[0].Content)
}

func TestQueue_ReopenResetsStuckProcessingJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path)
	require.NoError(t, err)

	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.NoError(t, q.Close())

	// When: reopening after a simulated crash mid-processing
	q2, err := Open(path)
	require.NoError(t, err)
	defer q2.Close()

	// Then: the stuck job and its document are reset back to pending so
	// they get replayed
	job, err := q2.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, kbtypes.JobPending, job.Status)

	docs, err := q2.GetJobDocs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, kbtypes.JobPending, docs[0].Status)
}

func TestQueue_Open_SecondProcessIsLockedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	q, err := Open(path)
	require.NoError(t, err)
	defer q.Close()

	_, err = Open(path)
	require.Error(t, err)
}

func TestQueue_CleanupOldJobs(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	doc, err := q.GetNextPending(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(context.Background(), doc.ID))

	// A negative ttl pushes the cutoff into the future, so every
	// completed job is expired regardless of exact timestamp precision.
	n, err := q.CleanupOldJobs(context.Background(), -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.GetJob(context.Background(), jobID)
	assert.Error(t, err)
}

func TestQueue_CleanupOldJobs_LeavesPendingJobsAlone(t *testing.T) {
	q := openQueue(t)
	jobID, err := q.QueueDocuments(context.Background(), "src1", []kbtypes.PendingDoc{
		{ID: "doc1", FilePath: "a.md", Title: "A", Content: "x"},
	})
	require.NoError(t, err)

	n, err := q.CleanupOldJobs(context.Background(), -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = q.GetJob(context.Background(), jobID)
	require.NoError(t, err)
}
