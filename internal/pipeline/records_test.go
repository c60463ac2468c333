package pipeline

import (
	"context"
	"testing"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Generate(ctx, Request{
		Type:    models.JobTypeMixed,
		Story:   story("sea", "city"),
		Options: models.GenerationOptions{MaxCandidatesPerSearch: 7},
	}, nil)
	require.NoError(t, err)

	req, err := f.gen.Replay(ctx, res.RecordID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeMixed, req.Type)
	assert.Len(t, req.Story.Scenes, 2)
	assert.Equal(t, 7, req.Options.MaxCandidatesPerSearch)

	req, err = f.gen.Replay(ctx, res.RecordID, &models.GenerationOptions{AvoidDuplicateAssets: true})
	require.NoError(t, err)
	assert.True(t, req.Options.AvoidDuplicateAssets)
	assert.Equal(t, models.DefaultCandidatesPerSearch, req.Options.MaxCandidatesPerSearch)

	_, err = f.gen.Replay(ctx, res.RecordID, &models.GenerationOptions{MaxCandidatesPerSearch: 99})
	assert.ErrorIs(t, err, models.ErrInvalidOptions)
}

func TestReplayLegacyRecordWithoutInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	legacy := &models.GenerationRecord{ID: uuid.New(), JobType: models.JobTypeSingle, OutputPath: "output/final_edit_1.mp4"}
	require.NoError(t, f.records.CreateRecord(ctx, legacy))

	_, err := f.gen.Replay(ctx, legacy.ID, nil)
	assert.ErrorIs(t, err, ErrNoStoredInput)
}

func TestReplayUnknownRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.gen.Replay(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteRecordKeepsFileByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gen.Generate(ctx, Request{Story: story("sea")}, nil)
	require.NoError(t, err)

	rec, err := f.gen.Record(ctx, res.RecordID)
	require.NoError(t, err)
	assert.True(t, FileExists(rec))

	deleted, err := f.gen.DeleteRecord(ctx, res.RecordID, false)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.FileExists(t, res.OutputPath)

	_, err = f.gen.DeleteRecord(ctx, res.RecordID, false)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDeleteRecordWithMissingFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &models.GenerationRecord{ID: uuid.New(), JobType: models.JobTypeMixed, OutputPath: "/nonexistent/final_edit_9.mp4"}
	require.NoError(t, f.records.CreateRecord(ctx, rec))
	assert.False(t, FileExists(rec))

	deleted, err := f.gen.DeleteRecord(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.False(t, deleted)
}
