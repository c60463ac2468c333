// Package worker connects the task queue to the generation pipeline and the
// durable job store. Every job writes its own audit trail: pending at
// submit, processing when it starts and its outcome when it ends, so the
// state survives a restart even though the in-memory queue does not.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/google/uuid"
)

// OrphanedMessage is recorded on jobs found processing at startup.
const OrphanedMessage = "orphaned by restart"

var (
	ErrRecordNotFound = pipeline.ErrRecordNotFound
	ErrNoStoredInput  = pipeline.ErrNoStoredInput
)

// JobStore is the durable job audit trail.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error)
	MarkJobProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error
	CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult, completedAt time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, jobErr *models.JobError, completedAt time.Time) error
	FailOrphanedJobs(ctx context.Context, message string) (int64, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

type Generator interface {
	Prepare(req *pipeline.Request) error
	Generate(ctx context.Context, req pipeline.Request, report func(progress int)) (*models.JobResult, error)
	Replay(ctx context.Context, recordID uuid.UUID, options *models.GenerationOptions) (pipeline.Request, error)
}

type Worker struct {
	queue  *queue.TaskQueue
	jobs   JobStore
	gen    Generator
	logger *slog.Logger
}

func New(q *queue.TaskQueue, jobs JobStore, gen Generator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		jobs:   jobs,
		gen:    gen,
		logger: logger.With("component", "worker"),
	}
}

// Submit validates the story, records the job as pending and queues it.
func (w *Worker) Submit(ctx context.Context, jobType models.JobType, story *models.StoryRequest, options models.GenerationOptions) (models.Job, error) {
	req := pipeline.Request{Type: jobType, Story: story, Options: options}
	if err := w.gen.Prepare(&req); err != nil {
		return models.Job{}, err
	}
	return w.enqueue(ctx, uuid.New(), req, true)
}

// Regenerate queues a new job that replays a stored record, optionally
// under different options.
func (w *Worker) Regenerate(ctx context.Context, recordID uuid.UUID, options *models.GenerationOptions) (models.Job, error) {
	req, err := w.gen.Replay(ctx, recordID, options)
	if err != nil {
		return models.Job{}, err
	}
	job, err := w.enqueue(ctx, uuid.New(), req, true)
	if err != nil {
		return models.Job{}, err
	}
	w.logger.Info("record regenerated", "record_id", recordID, "job_id", job.ID)
	return job, nil
}

func (w *Worker) enqueue(ctx context.Context, id uuid.UUID, req pipeline.Request, durable bool) (models.Job, error) {
	req.Key = id.String()

	if durable {
		pending := &models.Job{
			ID:      id,
			Type:    req.Type,
			Status:  models.JobStatusPending,
			Story:   req.Story,
			Options: req.Options,
		}
		if err := w.jobs.CreateJob(ctx, pending); err != nil {
			return models.Job{}, fmt.Errorf("failed to record job: %w", err)
		}
	}

	job, err := w.queue.Submit(ctx, queue.Submission{
		ID:      id,
		Type:    req.Type,
		Story:   req.Story,
		Options: req.Options,
		Run:     w.run(id, req),
	})
	if err != nil {
		if durable {
			if derr := w.jobs.DeleteJob(context.WithoutCancel(ctx), id); derr != nil {
				w.logger.Warn("failed to drop unqueued job", "job_id", id, "error", derr)
			}
		}
		return models.Job{}, err
	}
	return job, nil
}

// run wraps the pipeline with the durable status writes. Store failures are
// logged and never abort a render.
func (w *Worker) run(id uuid.UUID, req pipeline.Request) queue.JobFunc {
	return func(ctx context.Context, report func(int)) (result *models.JobResult, err error) {
		log := w.logger.With("job_id", id)

		if merr := w.jobs.MarkJobProcessing(ctx, id, time.Now()); merr != nil {
			log.Warn("failed to record job start", "error", merr)
		}

		defer func() {
			if r := recover(); r != nil {
				result, err = nil, queue.NewPanicError(r)
			}
			finished := time.Now()
			if err != nil {
				jobErr := &models.JobError{Message: err.Error(), Trace: queue.ErrorTrace(err)}
				if ferr := w.jobs.FailJob(ctx, id, jobErr, finished); ferr != nil {
					log.Warn("failed to record job failure", "error", ferr)
				}
				return
			}
			if cerr := w.jobs.CompleteJob(ctx, id, result, finished); cerr != nil {
				log.Warn("failed to record job completion", "error", cerr)
			}
		}()

		return w.gen.Generate(ctx, req, func(progress int) {
			report(progress)
			if perr := w.jobs.UpdateJobProgress(ctx, id, progress); perr != nil {
				log.Debug("failed to record job progress", "error", perr)
			}
		})
	}
}

// Status reads the in-memory queue first and falls back to the durable store.
func (w *Worker) Status(ctx context.Context, id uuid.UUID) (models.JobStatusResponse, error) {
	if job, ok := w.queue.Status(id); ok {
		resp := models.JobStatusResponse{Job: job, Source: "memory"}
		if pos, ok := w.queue.QueuePosition(id); ok {
			resp.QueuePosition = &pos
		}
		return resp, nil
	}

	job, err := w.jobs.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return models.JobStatusResponse{}, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	if err != nil {
		return models.JobStatusResponse{}, err
	}
	return models.JobStatusResponse{Job: *job, Source: "database"}, nil
}

// Delete forgets a job in memory and removes its durable record. Jobs that
// are processing are refused with queue.ErrInvalidState.
func (w *Worker) Delete(ctx context.Context, id uuid.UUID) error {
	qerr := w.queue.Delete(ctx, id)
	if qerr != nil && !errors.Is(qerr, queue.ErrJobNotFound) {
		return qerr
	}

	if qerr != nil {
		// Unknown to this process; the durable copy decides.
		job, err := w.jobs.GetJob(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return qerr
		}
		if err != nil {
			return err
		}
		if job.Status == models.JobStatusProcessing {
			return fmt.Errorf("%w: job %s is processing", queue.ErrInvalidState, id)
		}
	}

	if err := w.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	w.logger.Info("job deleted", "job_id", id)
	return nil
}

// Reconcile runs once at startup, before any job is submitted. Jobs still
// recorded as processing cannot be running and are failed; with resume,
// pending jobs are queued again under their original ids.
func (w *Worker) Reconcile(ctx context.Context, resume bool) error {
	n, err := w.jobs.FailOrphanedJobs(ctx, OrphanedMessage)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Warn("failed jobs orphaned by restart", "count", n)
	}

	if !resume {
		return nil
	}

	pending, err := w.jobs.ListJobsByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}

	resumed := 0
	for _, job := range pending {
		req := pipeline.Request{Type: job.Type, Story: job.Story, Options: job.Options}
		if err := w.gen.Prepare(&req); err != nil {
			w.logger.Warn("cannot resume job", "job_id", job.ID, "error", err)
			jobErr := &models.JobError{Message: fmt.Sprintf("cannot resume after restart: %v", err)}
			if ferr := w.jobs.FailJob(ctx, job.ID, jobErr, time.Now()); ferr != nil {
				w.logger.Warn("failed to record job failure", "job_id", job.ID, "error", ferr)
			}
			continue
		}
		if _, err := w.enqueue(ctx, job.ID, req, false); err != nil {
			return fmt.Errorf("failed to resume job %s: %w", job.ID, err)
		}
		resumed++
	}
	if resumed > 0 {
		w.logger.Info("resumed pending jobs", "count", resumed)
	}
	return nil
}

func (w *Worker) Jobs() map[uuid.UUID]models.Job {
	return w.queue.ListAll()
}

// Overview is the queue metrics plus the n most recent jobs.
func (w *Worker) Overview(ctx context.Context, n int) models.QueueStatusResponse {
	return models.QueueStatusResponse{
		Queue:      w.queue.Metrics(ctx),
		RecentJobs: w.queue.Recent(n),
	}
}
