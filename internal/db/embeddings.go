package db

import (
	"context"
	"fmt"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/lib/pq"
)

// UpsertEmbedding stores or replaces the embedding of one asset.
func (db *DB) UpsertEmbedding(ctx context.Context, e models.AssetEmbedding) error {
	vector := make([]float64, len(e.Vector))
	for i, v := range e.Vector {
		vector[i] = float64(v)
	}

	query := `
		INSERT INTO asset_embeddings (file_name, description, width, height, model, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_name) DO UPDATE SET
			description = EXCLUDED.description,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			model = EXCLUDED.model,
			embedding = EXCLUDED.embedding,
			updated_at = now()
	`
	_, err := db.ExecContext(ctx, query,
		e.FileName, e.Description, e.Width, e.Height, e.Model, pq.Array(vector))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding for %s: %w", e.FileName, err)
	}
	return nil
}

// ListEmbeddings returns the embeddings produced by model in file name
// order. An empty model lists every entry.
func (db *DB) ListEmbeddings(ctx context.Context, model string) ([]models.AssetEmbedding, error) {
	query := `
		SELECT file_name, description, width, height, model, embedding, created_at, updated_at
		FROM asset_embeddings
		WHERE $1 = '' OR model = $1
		ORDER BY file_name
	`
	rows, err := db.QueryContext(ctx, query, model)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.AssetEmbedding
	for rows.Next() {
		var (
			e      models.AssetEmbedding
			vector []float64
		)
		err := rows.Scan(
			&e.FileName, &e.Description, &e.Width, &e.Height, &e.Model,
			pq.Array(&vector), &e.CreatedAt, &e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		e.Vector = make([]float32, len(vector))
		for i, v := range vector {
			e.Vector[i] = float32(v)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EmbeddingsVersion counts the embeddings of model and reports the newest
// update, so readers can tell whether their copy is current.
func (db *DB) EmbeddingsVersion(ctx context.Context, model string) (models.IndexVersion, error) {
	query := `
		SELECT COUNT(*), COALESCE(MAX(updated_at), 'epoch'::timestamptz)
		FROM asset_embeddings
		WHERE $1 = '' OR model = $1
	`
	var v models.IndexVersion
	if err := db.QueryRowContext(ctx, query, model).Scan(&v.Count, &v.LatestUpdate); err != nil {
		return models.IndexVersion{}, fmt.Errorf("failed to read embeddings version: %w", err)
	}
	return v, nil
}

func (db *DB) DeleteEmbedding(ctx context.Context, fileName string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM asset_embeddings WHERE file_name = $1`, fileName)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("embedding %s: %w", fileName, ErrNotFound)
	}
	return nil
}
