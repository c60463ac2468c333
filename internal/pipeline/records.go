package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("generation record not found")
	ErrNoStoredInput  = errors.New("generation record has no stored story input")
)

// Replay builds a request that re-runs a stored record. Nil options reuse
// the record's own options.
func (g *Generator) Replay(ctx context.Context, recordID uuid.UUID, options *models.GenerationOptions) (Request, error) {
	rec, err := g.Record(ctx, recordID)
	if err != nil {
		return Request{}, err
	}
	if rec.StoryRequest == nil || len(rec.StoryRequest.Scenes) == 0 {
		return Request{}, fmt.Errorf("record %s: %w", recordID, ErrNoStoredInput)
	}

	req := Request{
		Type:    rec.JobType,
		Story:   rec.StoryRequest,
		Options: rec.GenerationOptions,
	}
	if options != nil {
		req.Options = *options
	}
	if err := g.Prepare(&req); err != nil {
		return Request{}, fmt.Errorf("stored story of record %s: %w", recordID, err)
	}
	return req, nil
}

func (g *Generator) Record(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error) {
	rec, err := g.records.GetRecord(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	return rec, err
}

// Records returns one page of history, newest first, and the total count.
func (g *Generator) Records(ctx context.Context, offset, limit int) ([]models.GenerationRecord, int, error) {
	return g.records.ListRecords(ctx, offset, limit)
}

// DeleteRecord removes the record and, with deleteFile, its render both
// locally and from remote storage. It reports whether a local file was removed.
func (g *Generator) DeleteRecord(ctx context.Context, id uuid.UUID, deleteFile bool) (bool, error) {
	rec, err := g.Record(ctx, id)
	if err != nil {
		return false, err
	}

	if err := g.records.DeleteRecord(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
		}
		return false, err
	}
	if !deleteFile {
		return false, nil
	}

	fileDeleted := false
	if err := os.Remove(rec.OutputPath); err == nil {
		fileDeleted = true
	} else if !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("failed to delete render", "record_id", id, "path", rec.OutputPath, "error", err)
	}

	if rec.StoragePath != nil && g.publisher != nil {
		if err := g.publisher.Delete(ctx, *rec.StoragePath); err != nil {
			g.logger.Warn("failed to delete published render", "record_id", id, "path", *rec.StoragePath, "error", err)
		}
	}

	g.logger.Info("record deleted", "record_id", id, "file_deleted", fileDeleted)
	return fileDeleted, nil
}

// FileExists reports whether the record's render is still on local disk.
func FileExists(rec *models.GenerationRecord) bool {
	info, err := os.Stat(rec.OutputPath)
	return err == nil && !info.IsDir()
}
