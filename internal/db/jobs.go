package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, type, status, progress, story, options, result, error,
	created_at, started_at, completed_at, updated_at
`

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	story, err := jsonArg(job.Story)
	if err != nil {
		return fmt.Errorf("failed to encode job story: %w", err)
	}
	options, err := jsonArg(job.Options)
	if err != nil {
		return fmt.Errorf("failed to encode job options: %w", err)
	}

	query := `
		INSERT INTO jobs (id, type, status, progress, story, options, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING updated_at
	`

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err = db.QueryRowContext(
		ctx, query,
		job.ID, job.Type, job.Status, job.Progress, story, options, createdAt,
	).Scan(&job.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	job.CreatedAt = createdAt
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus returns jobs in submission order.
func (db *DB) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (db *DB) MarkJobProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	query := `
		UPDATE jobs
		SET status = $1, started_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`
	return db.execOne(ctx, id, query, models.JobStatusProcessing, startedAt, id, models.JobStatusPending)
}

func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	query := `UPDATE jobs SET progress = $1, updated_at = now() WHERE id = $2 AND progress < $1`
	_, err := db.ExecContext(ctx, query, progress, id)
	return err
}

func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, result *models.JobResult, completedAt time.Time) error {
	payload, err := jsonArg(result)
	if err != nil {
		return fmt.Errorf("failed to encode job result: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1, progress = 100, result = $2, completed_at = $3, updated_at = now()
		WHERE id = $4
	`
	return db.execOne(ctx, id, query, models.JobStatusCompleted, payload, completedAt, id)
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, jobErr *models.JobError, completedAt time.Time) error {
	payload, err := jsonArg(jobErr)
	if err != nil {
		return fmt.Errorf("failed to encode job error: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = $1, error = $2, completed_at = $3, updated_at = now()
		WHERE id = $4
	`
	return db.execOne(ctx, id, query, models.JobStatusFailed, payload, completedAt, id)
}

// FailOrphanedJobs marks every job still recorded as processing as failed.
// Only valid at startup, before this process has started any job.
func (db *DB) FailOrphanedJobs(ctx context.Context, message string) (int64, error) {
	payload, err := jsonArg(models.JobError{Message: message})
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE jobs
		SET status = $1, error = $2, completed_at = now(), updated_at = now()
		WHERE status = $3
	`
	res, err := db.ExecContext(ctx, query, models.JobStatusFailed, payload, models.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile jobs: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return db.execOne(ctx, id, `DELETE FROM jobs WHERE id = $1`, id)
}

func (db *DB) execOne(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                          models.Job
		story, options, result, jerr []byte
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Status, &job.Progress,
		&story, &options, &result, &jerr,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(story) > 0 {
		job.Story = &models.StoryRequest{}
		if err := scanJSON(story, job.Story); err != nil {
			return nil, fmt.Errorf("job %s story: %w", job.ID, err)
		}
	}
	if err := scanJSON(options, &job.Options); err != nil {
		return nil, fmt.Errorf("job %s options: %w", job.ID, err)
	}
	if len(result) > 0 {
		job.Result = &models.JobResult{}
		if err := scanJSON(result, job.Result); err != nil {
			return nil, fmt.Errorf("job %s result: %w", job.ID, err)
		}
	}
	if len(jerr) > 0 {
		job.Error = &models.JobError{}
		if err := scanJSON(jerr, job.Error); err != nil {
			return nil, fmt.Errorf("job %s error: %w", job.ID, err)
		}
	}
	return &job, nil
}
