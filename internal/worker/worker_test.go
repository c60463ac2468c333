package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]models.Job
	seq  []uuid.UUID
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[uuid.UUID]models.Job{}}
}

func (m *memJobs) put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		m.seq = append(m.seq, job.ID)
	}
	m.jobs[job.ID] = job
}

func (m *memJobs) get(id uuid.UUID) (models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

func (m *memJobs) update(id uuid.UUID, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	fn(&j)
	m.jobs[id] = j
	return nil
}

func (m *memJobs) CreateJob(ctx context.Context, job *models.Job) error {
	if _, ok := m.get(job.ID); ok {
		return db.ErrDuplicate
	}
	job.CreatedAt = time.Now()
	m.put(*job)
	return nil
}

func (m *memJobs) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, ok := m.get(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, db.ErrNotFound)
	}
	return &j, nil
}

func (m *memJobs) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.seq {
		if j, ok := m.jobs[id]; ok && j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memJobs) MarkJobProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	return m.update(id, func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		j.StartedAt = &startedAt
	})
}

func (m *memJobs) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return m.update(id, func(j *models.Job) { j.Progress = progress })
}

func (m *memJobs) CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult, completedAt time.Time) error {
	return m.update(id, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.Result = result
		j.CompletedAt = &completedAt
	})
}

func (m *memJobs) FailJob(ctx context.Context, id uuid.UUID, jobErr *models.JobError, completedAt time.Time) error {
	return m.update(id, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.Error = jobErr
		j.CompletedAt = &completedAt
	})
}

func (m *memJobs) FailOrphanedJobs(ctx context.Context, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status == models.JobStatusProcessing {
			j.Status = models.JobStatusFailed
			j.Error = &models.JobError{Message: message}
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (m *memJobs) DeleteJob(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// fakeGenerator runs fn for every job; by default it returns a result.
type fakeGenerator struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, req pipeline.Request) (*models.JobResult, error)
	records map[uuid.UUID]*models.StoryRequest
	ran     []string
}

func (f *fakeGenerator) Prepare(req *pipeline.Request) error {
	if req.Type == "" {
		req.Type = models.JobTypeMixed
	}
	req.Options = req.Options.WithDefaults(0)
	if err := req.Options.Validate(); err != nil {
		return err
	}
	return req.Story.Validate(req.Type)
}

func (f *fakeGenerator) Generate(ctx context.Context, req pipeline.Request, report func(int)) (*models.JobResult, error) {
	f.mu.Lock()
	f.ran = append(f.ran, req.Key)
	fn := f.fn
	f.mu.Unlock()

	report(50)
	if fn != nil {
		return fn(ctx, req)
	}
	return &models.JobResult{OutputPath: "output/final_edit_1.mp4", RecordID: uuid.New(), ProcessedScenes: len(req.Story.Scenes)}, nil
}

func (f *fakeGenerator) Replay(ctx context.Context, recordID uuid.UUID, options *models.GenerationOptions) (pipeline.Request, error) {
	story, ok := f.records[recordID]
	if !ok {
		return pipeline.Request{}, fmt.Errorf("record %s: %w", recordID, pipeline.ErrRecordNotFound)
	}
	if story == nil {
		return pipeline.Request{}, fmt.Errorf("record %s: %w", recordID, pipeline.ErrNoStoredInput)
	}
	req := pipeline.Request{Story: story}
	if options != nil {
		req.Options = *options
	}
	return req, f.Prepare(&req)
}

func (f *fakeGenerator) ranKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran...)
}

func directStory() *models.StoryRequest {
	return &models.StoryRequest{Scenes: []models.SceneRequest{{
		SceneIndex:   1,
		SubtitleText: "hello",
		Selection:    models.DirectFile{FileName: "clip_a.mp4"},
	}}}
}

func newWorker(t *testing.T, gen *fakeGenerator) (*Worker, *queue.TaskQueue, *memJobs) {
	t.Helper()
	q := queue.New(nil, queue.WithPollTimeout(20*time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	jobs := newMemJobs()
	return New(q, jobs, gen, nil), q, jobs
}

func waitFor(t *testing.T, q *queue.TaskQueue, id uuid.UUID, want models.JobStatus) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		j, ok := q.Status(id)
		job = j
		return ok && j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestSubmitCompletesAndRecordsDurably(t *testing.T) {
	w, q, jobs := newWorker(t, &fakeGenerator{})
	ctx := context.Background()

	job, err := w.Submit(ctx, models.JobTypeMixed, directStory(), models.GenerationOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	stored, ok := jobs.get(job.ID)
	require.True(t, ok, "pending job is recorded at submit")
	assert.Equal(t, models.JobTypeMixed, stored.Type)

	done := waitFor(t, q, job.ID, models.JobStatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, 1, done.Result.ProcessedScenes)

	stored, _ = jobs.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.Result)
	assert.Equal(t, done.Result.RecordID, stored.Result.RecordID)

	status, err := w.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "memory", status.Source)
	assert.Nil(t, status.QueuePosition)
}

func TestSubmitRejectsInvalidStory(t *testing.T) {
	w, _, jobs := newWorker(t, &fakeGenerator{})

	_, err := w.Submit(context.Background(), models.JobTypeMixed, &models.StoryRequest{}, models.GenerationOptions{})
	require.ErrorIs(t, err, models.ErrInvalidStory)
	assert.Empty(t, jobs.jobs)
}

func TestFailureIsRecordedDurably(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, req pipeline.Request) (*models.JobResult, error) {
		return nil, errors.New("Scene 1: asset not found")
	}}
	w, q, jobs := newWorker(t, gen)

	job, err := w.Submit(context.Background(), models.JobTypeMixed, directStory(), models.GenerationOptions{})
	require.NoError(t, err)

	failed := waitFor(t, q, job.ID, models.JobStatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "Scene 1: asset not found", failed.Error.Message)

	stored, _ := jobs.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "Scene 1: asset not found", stored.Error.Message)
	assert.NotNil(t, stored.CompletedAt)
}

func TestPanicIsRecordedDurably(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, req pipeline.Request) (*models.JobResult, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}}
	w, q, jobs := newWorker(t, gen)

	job, err := w.Submit(context.Background(), models.JobTypeMixed, directStory(), models.GenerationOptions{})
	require.NoError(t, err)

	failed := waitFor(t, q, job.ID, models.JobStatusFailed)
	assert.Contains(t, failed.Error.Message, "panic")
	assert.Contains(t, failed.Error.Trace, "goroutine")

	stored, _ := jobs.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error.Trace, "goroutine")

	// The worker survives and keeps serving jobs.
	gen.mu.Lock()
	gen.fn = nil
	gen.mu.Unlock()
	next, err := w.Submit(context.Background(), models.JobTypeMixed, directStory(), models.GenerationOptions{})
	require.NoError(t, err)
	waitFor(t, q, next.ID, models.JobStatusCompleted)
}

func TestDeleteWhileProcessingIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, req pipeline.Request) (*models.JobResult, error) {
		close(started)
		<-release
		return &models.JobResult{}, nil
	}}
	w, q, jobs := newWorker(t, gen)
	ctx := context.Background()

	job, err := w.Submit(ctx, models.JobTypeMixed, directStory(), models.GenerationOptions{})
	require.NoError(t, err)
	<-started

	err = w.Delete(ctx, job.ID)
	require.ErrorIs(t, err, queue.ErrInvalidState)
	_, ok := jobs.get(job.ID)
	assert.True(t, ok, "durable record kept")

	close(release)
	waitFor(t, q, job.ID, models.JobStatusCompleted)

	require.NoError(t, w.Delete(ctx, job.ID))
	_, ok = q.Status(job.ID)
	assert.False(t, ok)
	_, ok = jobs.get(job.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, w.Delete(ctx, job.ID), queue.ErrJobNotFound)
}

func TestStatusFallsBackToDatabase(t *testing.T) {
	w, _, jobs := newWorker(t, &fakeGenerator{})
	ctx := context.Background()

	old := models.Job{ID: uuid.New(), Type: models.JobTypeSingle, Status: models.JobStatusCompleted}
	jobs.put(old)

	status, err := w.Status(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, "database", status.Source)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)

	_, err = w.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestDeleteDurableOnlyJob(t *testing.T) {
	w, _, jobs := newWorker(t, &fakeGenerator{})
	ctx := context.Background()

	done := models.Job{ID: uuid.New(), Status: models.JobStatusFailed}
	stuck := models.Job{ID: uuid.New(), Status: models.JobStatusProcessing}
	jobs.put(done)
	jobs.put(stuck)

	require.NoError(t, w.Delete(ctx, done.ID))
	assert.ErrorIs(t, w.Delete(ctx, stuck.ID), queue.ErrInvalidState)
}

func TestReconcile(t *testing.T) {
	gen := &fakeGenerator{}
	w, q, jobs := newWorker(t, gen)
	ctx := context.Background()

	orphan := models.Job{ID: uuid.New(), Type: models.JobTypeMixed, Status: models.JobStatusProcessing, Story: directStory()}
	waiting := models.Job{ID: uuid.New(), Type: models.JobTypeMixed, Status: models.JobStatusPending, Story: directStory()}
	broken := models.Job{ID: uuid.New(), Type: models.JobTypeMixed, Status: models.JobStatusPending}
	jobs.put(orphan)
	jobs.put(waiting)
	jobs.put(broken)

	require.NoError(t, w.Reconcile(ctx, true))

	stored, _ := jobs.get(orphan.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, OrphanedMessage, stored.Error.Message)

	stored, _ = jobs.get(broken.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error.Message, "cannot resume")

	waitFor(t, q, waiting.ID, models.JobStatusCompleted)
	stored, _ = jobs.get(waiting.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, []string{waiting.ID.String()}, gen.ranKeys())
}

func TestReconcileWithoutResume(t *testing.T) {
	gen := &fakeGenerator{}
	w, q, jobs := newWorker(t, gen)

	waiting := models.Job{ID: uuid.New(), Type: models.JobTypeMixed, Status: models.JobStatusPending, Story: directStory()}
	jobs.put(waiting)

	require.NoError(t, w.Reconcile(context.Background(), false))
	_, ok := q.Status(waiting.ID)
	assert.False(t, ok)
	stored, _ := jobs.get(waiting.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestRegenerate(t *testing.T) {
	withInput := uuid.New()
	legacy := uuid.New()
	gen := &fakeGenerator{records: map[uuid.UUID]*models.StoryRequest{
		withInput: directStory(),
		legacy:    nil,
	}}
	w, q, _ := newWorker(t, gen)
	ctx := context.Background()

	job, err := w.Regenerate(ctx, withInput, &models.GenerationOptions{AvoidDuplicateAssets: true})
	require.NoError(t, err)
	assert.True(t, job.Options.AvoidDuplicateAssets)
	waitFor(t, q, job.ID, models.JobStatusCompleted)

	_, err = w.Regenerate(ctx, legacy, nil)
	assert.ErrorIs(t, err, ErrNoStoredInput)

	_, err = w.Regenerate(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestOverview(t *testing.T) {
	w, q, _ := newWorker(t, &fakeGenerator{})
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		job, err := w.Submit(ctx, models.JobTypeMixed, directStory(), models.GenerationOptions{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitFor(t, q, id, models.JobStatusCompleted)
	}

	ov := w.Overview(ctx, 2)
	assert.Equal(t, 3, ov.Queue.TotalJobs)
	assert.Equal(t, 3, ov.Queue.CountByStatus[models.JobStatusCompleted])
	require.Len(t, ov.RecentJobs, 2)
	assert.Equal(t, ids[2], ov.RecentJobs[0].ID)
	assert.Len(t, w.Jobs(), 3)
}
