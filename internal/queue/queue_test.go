package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) *TaskQueue {
	t.Helper()
	opts = append([]Option{WithPollTimeout(20 * time.Millisecond)}, opts...)
	q := New(nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitForStatus(t *testing.T, q *TaskQueue, id uuid.UUID, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		j, ok := q.Status(id)
		job = j
		return ok && j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func okResult(path string) JobFunc {
	return func(ctx context.Context, report func(int)) (*models.JobResult, error) {
		return &models.JobResult{OutputPath: path}, nil
	}
}

func TestSubmitRunsJobsInOrderOneAtATime(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		maxSeen atomic.Int32
	)

	ids := make([]uuid.UUID, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		job, err := q.Submit(context.Background(), Submission{
			Type: models.JobTypeMixed,
			Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
				n := active.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return &models.JobResult{OutputPath: fmt.Sprintf("out/%d.mp4", i)}, nil
			},
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, job.Status)
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		waitForStatus(t, q, id, models.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestSubmitReturnsBeforeJobFinishes(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	job, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeSingle,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			close(started)
			report(40)
			<-release
			return &models.JobResult{OutputPath: "output/final_edit_1.mp4"}, nil
		},
	})
	require.NoError(t, err)

	<-started
	processing := waitForStatus(t, q, job.ID, models.JobStatusProcessing)
	assert.NotNil(t, processing.StartedAt)

	require.Eventually(t, func() bool {
		j, _ := q.Status(job.ID)
		return j.Progress == 40
	}, time.Second, 5*time.Millisecond)

	close(release)
	done := waitForStatus(t, q, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	assert.Equal(t, "output/final_edit_1.mp4", done.Result.OutputPath)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.Error)
}

func TestFailingJobIsRecordedAndQueueContinues(t *testing.T) {
	q := newTestQueue(t)

	failing, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			return nil, fmt.Errorf("compose: %w", errors.New("no valid clips"))
		},
	})
	require.NoError(t, err)

	next, err := q.Submit(context.Background(), Submission{Type: models.JobTypeMixed, Run: okResult("ok.mp4")})
	require.NoError(t, err)

	failed := waitForStatus(t, q, failing.ID, models.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "compose: no valid clips", failed.Error.Message)
	assert.Contains(t, failed.Error.Trace, "no valid clips")
	assert.Nil(t, failed.Result)

	waitForStatus(t, q, next.ID, models.JobStatusCompleted)
}

func TestPanickingJobBecomesFailed(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			panic("encoder exploded")
		},
	})
	require.NoError(t, err)

	failed := waitForStatus(t, q, job.ID, models.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "panic: encoder exploded", failed.Error.Message)
	assert.Contains(t, failed.Error.Trace, "goroutine")
	assert.True(t, q.IsRunning())
}

func TestDeletePendingJobNeverRuns(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	blocker, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			<-release
			return &models.JobResult{}, nil
		},
	})
	require.NoError(t, err)
	waitForStatus(t, q, blocker.ID, models.JobStatusProcessing)

	var ran atomic.Bool
	victim, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			ran.Store(true)
			return &models.JobResult{}, nil
		},
	})
	require.NoError(t, err)

	pos, ok := q.QueuePosition(victim.ID)
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	err = q.Delete(context.Background(), blocker.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, q.Delete(context.Background(), victim.ID))
	_, ok = q.Status(victim.ID)
	assert.False(t, ok)

	close(release)
	waitForStatus(t, q, blocker.ID, models.JobStatusCompleted)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())

	require.NoError(t, q.Delete(context.Background(), blocker.ID))
	assert.ErrorIs(t, q.Delete(context.Background(), blocker.ID), ErrJobNotFound)
}

func TestMetricsCountsEveryStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	q := newTestQueue(t, WithMetrics(m))

	before := q.Metrics(context.Background())
	assert.False(t, before.IsRunning)
	assert.Equal(t, 0, before.TotalJobs)
	for _, status := range models.AllJobStatuses {
		count, ok := before.CountByStatus[status]
		assert.True(t, ok, "missing status %s", status)
		assert.Zero(t, count)
	}

	a, err := q.Submit(context.Background(), Submission{Type: models.JobTypeMixed, Run: okResult("a.mp4")})
	require.NoError(t, err)
	b, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeSingle,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			return nil, errors.New("boom")
		},
	})
	require.NoError(t, err)

	waitForStatus(t, q, a.ID, models.JobStatusCompleted)
	waitForStatus(t, q, b.ID, models.JobStatusFailed)

	after := q.Metrics(context.Background())
	assert.True(t, after.IsRunning)
	assert.Equal(t, 2, after.TotalJobs)
	assert.EqualValues(t, 0, after.QueueDepth)
	assert.Equal(t, 1, after.CountByStatus[models.JobStatusCompleted])
	assert.Equal(t, 1, after.CountByStatus[models.JobStatusFailed])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsSubmitted.WithLabelValues("mixed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFinished.WithLabelValues("failed")))
	assert.Len(t, q.ListAll(), 2)

	recent := q.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, b.ID, recent[0].ID)
}

func TestProgressOnlyIncreasesAndStaysBelowDone(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	reported := make(chan struct{})
	job, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			report(70)
			report(30)
			report(250)
			close(reported)
			<-release
			return &models.JobResult{}, nil
		},
	})
	require.NoError(t, err)

	<-reported
	j, _ := q.Status(job.ID)
	assert.Equal(t, 99, j.Progress)

	close(release)
	j = waitForStatus(t, q, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, j.Progress)
}

func TestSubmitWithExplicitIDRejectsDuplicates(t *testing.T) {
	q := newTestQueue(t)
	id := uuid.New()

	job, err := q.Submit(context.Background(), Submission{ID: id, Type: models.JobTypeMixed, Run: okResult("x.mp4")})
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	_, err = q.Submit(context.Background(), Submission{ID: id, Type: models.JobTypeMixed, Run: okResult("y.mp4")})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = q.Submit(context.Background(), Submission{Type: models.JobTypeMixed})
	assert.Error(t, err)
}

func TestStopWaitsForRunningJob(t *testing.T) {
	q := newTestQueue(t)

	started := make(chan struct{})
	var finished atomic.Bool
	job, err := q.Submit(context.Background(), Submission{
		Type: models.JobTypeMixed,
		Run: func(ctx context.Context, report func(int)) (*models.JobResult, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(ctx.Err() == nil)
			return &models.JobResult{}, nil
		},
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	assert.True(t, finished.Load(), "job context must survive Stop")
	j, _ := q.Status(job.ID)
	assert.Equal(t, models.JobStatusCompleted, j.Status)
	assert.False(t, q.IsRunning())

	// Stopping twice is harmless.
	require.NoError(t, q.Stop(ctx))
}
