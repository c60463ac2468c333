// Package queue runs render jobs one at a time in submission order.
//
// Job state lives in memory and is guarded by a single mutex that is never
// held across I/O or job execution. Jobs are never run in parallel: the
// composition step assumes it is the only render in flight on this worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const defaultPollTimeout = time.Second

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrDuplicateJob = errors.New("job already queued")
)

// JobFunc performs the work of one job. report accepts progress in [0,100).
// The function owns its own cleanup and durable status writes.
type JobFunc func(ctx context.Context, report func(progress int)) (*models.JobResult, error)

// Submission describes a job to enqueue. A zero ID gets a fresh UUID.
type Submission struct {
	ID      uuid.UUID
	Type    models.JobType
	Story   *models.StoryRequest
	Options models.GenerationOptions
	Run     JobFunc
}

type entry struct {
	seq uint64
	job models.Job
	run JobFunc
}

type TaskQueue struct {
	fifo        FIFO
	pollTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu      sync.Mutex
	jobs    map[uuid.UUID]*entry
	seq     uint64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*TaskQueue)

func WithPollTimeout(d time.Duration) Option {
	return func(q *TaskQueue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *TaskQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *TaskQueue) { q.metrics = m }
}

// New creates a stopped queue. A nil fifo selects an in-memory FIFO.
func New(fifo FIFO, opts ...Option) *TaskQueue {
	if fifo == nil {
		fifo = NewMemoryFIFO()
	}
	q := &TaskQueue{
		fifo:        fifo,
		pollTimeout: defaultPollTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		jobs:        make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Start launches the worker goroutine. Calling it on a running queue is a no-op.
func (q *TaskQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.running = true
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(ctx, q.done)
	q.logger.Info("task worker started", "poll_timeout", q.pollTimeout)
}

// Stop signals the worker and waits for it to exit. A job that is already
// executing runs to completion; ctx bounds how long Stop waits for it.
func (q *TaskQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()

	select {
	case <-done:
		q.logger.Info("task worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for task worker: %w", ctx.Err())
	}
}

func (q *TaskQueue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Submit stores the job as pending, appends it to the FIFO and makes sure the
// worker is running. It never waits for the job itself.
func (q *TaskQueue) Submit(ctx context.Context, sub Submission) (models.Job, error) {
	if sub.Run == nil {
		return models.Job{}, fmt.Errorf("submit: job function is required")
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	now := q.now()
	q.mu.Lock()
	if _, exists := q.jobs[sub.ID]; exists {
		q.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, sub.ID)
	}
	q.seq++
	e := &entry{
		seq: q.seq,
		run: sub.Run,
		job: models.Job{
			ID:        sub.ID,
			Type:      sub.Type,
			Status:    models.JobStatusPending,
			Story:     sub.Story,
			Options:   sub.Options,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	q.jobs[sub.ID] = e
	snapshot := e.job
	q.mu.Unlock()

	if err := q.fifo.Push(ctx, sub.ID.String()); err != nil {
		q.mu.Lock()
		delete(q.jobs, sub.ID)
		q.mu.Unlock()
		return models.Job{}, err
	}

	q.metrics.JobSubmitted(string(sub.Type))
	q.publishState(ctx)
	q.logger.Info("job submitted", "job_id", sub.ID, "type", sub.Type)

	q.Start()
	return snapshot, nil
}

// Status returns a copy of the job, or false when this process does not know it.
func (q *TaskQueue) Status(id uuid.UUID) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return e.job, true
}

func (q *TaskQueue) ListAll() map[uuid.UUID]models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[uuid.UUID]models.Job, len(q.jobs))
	for id, e := range q.jobs {
		out[id] = e.job
	}
	return out
}

// Recent returns up to n jobs, newest submission first.
func (q *TaskQueue) Recent(n int) []models.Job {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	out := make([]models.Job, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	q.mu.Unlock()
	return out
}

// QueuePosition is the 1-based position of a pending job among pending jobs.
func (q *TaskQueue) QueuePosition(id uuid.UUID) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok || e.job.Status != models.JobStatusPending {
		return 0, false
	}
	pos := 0
	for _, other := range q.jobs {
		if other.job.Status == models.JobStatusPending && other.seq <= e.seq {
			pos++
		}
	}
	return pos, true
}

func (q *TaskQueue) Metrics(ctx context.Context) models.QueueMetrics {
	q.mu.Lock()
	m := models.QueueMetrics{
		IsRunning:     q.running,
		TotalJobs:     len(q.jobs),
		CountByStatus: make(map[models.JobStatus]int, len(models.AllJobStatuses)),
	}
	for _, status := range models.AllJobStatuses {
		m.CountByStatus[status] = 0
	}
	for _, e := range q.jobs {
		m.CountByStatus[e.job.Status]++
	}
	q.mu.Unlock()

	depth, err := q.fifo.Len(ctx)
	if err != nil {
		q.logger.Warn("failed to read queue depth", "error", err)
	}
	m.QueueDepth = depth
	return m
}

// Delete forgets a job. Processing jobs cannot be deleted.
func (q *TaskQueue) Delete(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.Status == models.JobStatusProcessing {
		q.mu.Unlock()
		return fmt.Errorf("%w: job %s is processing", ErrInvalidState, id)
	}
	wasPending := e.job.Status == models.JobStatusPending
	delete(q.jobs, id)
	q.mu.Unlock()

	if wasPending {
		if _, err := q.fifo.Remove(ctx, id.String()); err != nil {
			q.logger.Warn("failed to remove deleted job from fifo", "job_id", id, "error", err)
		}
	}
	q.publishState(ctx)
	return nil
}

func (q *TaskQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := q.fifo.Pop(ctx, q.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue pop error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if id == "" {
			continue
		}

		q.execute(ctx, id)
	}
}

func (q *TaskQueue) execute(ctx context.Context, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		q.logger.Warn("discarding malformed job id", "job_id", rawID)
		return
	}

	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		q.logger.Debug("skipping unknown job id", "job_id", id)
		return
	}
	if err := models.ValidateTransition(e.job.Status, models.JobStatusProcessing); err != nil {
		q.mu.Unlock()
		q.logger.Warn("skipping job", "job_id", id, "error", err)
		return
	}
	started := q.now()
	e.job.Status = models.JobStatusProcessing
	e.job.StartedAt = &started
	e.job.Progress = 0
	e.job.UpdatedAt = started
	run := e.run
	jobType := e.job.Type
	q.mu.Unlock()

	q.publishState(ctx)
	log := q.logger.With("job_id", id)
	log.Info("processing job", "type", jobType)

	// Stop must not abort a render midway; the job keeps running on its own context.
	result, runErr := q.invoke(context.WithoutCancel(ctx), id, run)

	finished := q.now()
	status := models.JobStatusCompleted
	if runErr != nil {
		status = models.JobStatusFailed
	}

	q.mu.Lock()
	if e, ok := q.jobs[id]; ok {
		e.job.Status = status
		e.job.CompletedAt = &finished
		e.job.UpdatedAt = finished
		e.run = nil
		if runErr != nil {
			e.job.Error = &models.JobError{Message: runErr.Error(), Trace: ErrorTrace(runErr)}
		} else {
			e.job.Progress = 100
			e.job.Result = result
		}
	}
	q.mu.Unlock()

	q.metrics.JobFinished(string(status))
	q.publishState(ctx)

	if runErr != nil {
		log.Error("job failed", "error", runErr, "duration_ms", finished.Sub(started).Milliseconds())
		return
	}
	log.Info("job completed", "duration_ms", finished.Sub(started).Milliseconds())
}

// invoke runs the job function and turns a panic into an error.
func (q *TaskQueue) invoke(ctx context.Context, id uuid.UUID, run JobFunc) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewPanicError(r)
		}
	}()
	return run(ctx, func(progress int) { q.setProgress(id, progress) })
}

func (q *TaskQueue) setProgress(id uuid.UUID, progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 99 {
		progress = 99
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok || e.job.Status != models.JobStatusProcessing || progress <= e.job.Progress {
		return
	}
	e.job.Progress = progress
	e.job.UpdatedAt = q.now()
}

func (q *TaskQueue) publishState(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	m := q.Metrics(ctx)
	byStatus := make(map[string]int, len(m.CountByStatus))
	for status, n := range m.CountByStatus {
		byStatus[string(status)] = n
	}
	q.metrics.SetQueueState(m.QueueDepth, byStatus)
}

// PanicError is a recovered panic together with the stack of the goroutine
// that panicked.
type PanicError struct {
	Value any
	Stack string
}

// NewPanicError must be called from the deferred function that recovered.
func NewPanicError(value any) *PanicError {
	return &PanicError{Value: value, Stack: string(debug.Stack())}
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// ErrorTrace renders the wrap chain of err, or the goroutine stack for a panic.
func ErrorTrace(err error) string {
	var p *PanicError
	if errors.As(err, &p) {
		return p.Stack
	}

	var lines []string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		lines = append(lines, fmt.Sprintf("%T: %s", cur, cur.Error()))
	}
	return strings.Join(lines, "\n")
}
