package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

const recordColumns = `
	id, job_type, output_path, storage_path, public_url,
	resolved_scenes, story_request, generation_options, created_at
`

func (db *DB) CreateRecord(ctx context.Context, rec *models.GenerationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	scenes := rec.ResolvedScenes
	if scenes == nil {
		scenes = []models.ResolvedScene{}
	}
	resolved, err := jsonArg(scenes)
	if err != nil {
		return fmt.Errorf("failed to encode resolved scenes: %w", err)
	}
	story, err := jsonArg(rec.StoryRequest)
	if err != nil {
		return fmt.Errorf("failed to encode story request: %w", err)
	}
	options, err := jsonArg(rec.GenerationOptions)
	if err != nil {
		return fmt.Errorf("failed to encode generation options: %w", err)
	}

	query := `
		INSERT INTO generation_records (
			id, job_type, output_path, storage_path, public_url,
			resolved_scenes, story_request, generation_options
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err = db.QueryRowContext(
		ctx, query,
		rec.ID, rec.JobType, rec.OutputPath, rec.StoragePath, rec.PublicURL,
		resolved, story, options,
	).Scan(&rec.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("record %s: %w", rec.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

func (db *DB) GetRecord(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generation_records WHERE id = $1`

	rec, err := scanRecord(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListRecords returns one page of records, newest first, and the total count.
func (db *DB) ListRecords(ctx context.Context, offset, limit int) ([]models.GenerationRecord, int, error) {
	var total int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM generation_records`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}

	query := `
		SELECT ` + recordColumns + `
		FROM generation_records
		ORDER BY created_at DESC, id
		OFFSET $1 LIMIT $2
	`
	rows, err := db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := []models.GenerationRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, total, rows.Err()
}

func (db *DB) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM generation_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanRecord(row rowScanner) (*models.GenerationRecord, error) {
	var (
		rec                      models.GenerationRecord
		resolved, story, options []byte
	)
	err := row.Scan(
		&rec.ID, &rec.JobType, &rec.OutputPath, &rec.StoragePath, &rec.PublicURL,
		&resolved, &story, &options, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := scanJSON(resolved, &rec.ResolvedScenes); err != nil {
		return nil, fmt.Errorf("record %s scenes: %w", rec.ID, err)
	}
	if len(story) > 0 {
		rec.StoryRequest = &models.StoryRequest{}
		if err := scanJSON(story, rec.StoryRequest); err != nil {
			return nil, fmt.Errorf("record %s story: %w", rec.ID, err)
		}
	}
	if err := scanJSON(options, &rec.GenerationOptions); err != nil {
		return nil, fmt.Errorf("record %s options: %w", rec.ID, err)
	}
	return &rec, nil
}
