// Package index is the semantic search over the asset library. Each asset
// has one embedding of its description; queries are embedded with the same
// model and ranked by cosine similarity.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/services"
)

// Store persists embeddings.
type Store interface {
	ListEmbeddings(ctx context.Context, model string) ([]models.AssetEmbedding, error)
	EmbeddingsVersion(ctx context.Context, model string) (models.IndexVersion, error)
	UpsertEmbedding(ctx context.Context, e models.AssetEmbedding) error
	DeleteEmbedding(ctx context.Context, fileName string) error
}

type Index struct {
	store    Store
	embedder services.Embedder
	logger   *slog.Logger

	mu      sync.RWMutex
	entries []models.AssetEmbedding
	version models.IndexVersion
	loaded  bool
}

func New(store Store, embedder services.Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:    store,
		embedder: embedder,
		logger:   logger.With("component", "index"),
	}
}

// Search returns up to k candidates, best first. Equal scores keep the
// store's order.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]models.AssetCandidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if k <= 0 {
		return nil, nil
	}

	entries, err := ix.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	vecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}
	q := vecs[0]

	candidates := make([]models.AssetCandidate, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != len(q) {
			continue
		}
		candidates = append(candidates, models.AssetCandidate{
			AssetID:  e.FileName,
			Metadata: e.AssetMetadata,
			Score:    cosine(q, e.Vector),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Upsert embeds the descriptions and stores them, replacing earlier entries
// for the same file names.
func (ix *Index) Upsert(ctx context.Context, assets []models.AssetMetadata) error {
	if len(assets) == 0 {
		return nil
	}

	texts := make([]string, len(assets))
	for i, a := range assets {
		if strings.TrimSpace(a.Description) == "" {
			return fmt.Errorf("asset %s has no description", a.FileName)
		}
		texts[i] = a.Description
	}

	vecs, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed descriptions: %w", err)
	}
	if len(vecs) != len(assets) {
		return fmt.Errorf("embedder returned %d vectors for %d descriptions", len(vecs), len(assets))
	}

	now := time.Now().UTC()
	for i, a := range assets {
		e := models.AssetEmbedding{
			AssetMetadata: a,
			Model:         ix.embedder.EmbeddingModel(),
			Vector:        vecs[i],
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := ix.store.UpsertEmbedding(ctx, e); err != nil {
			return fmt.Errorf("store embedding for %s: %w", a.FileName, err)
		}
	}

	ix.Invalidate()
	ix.logger.Info("indexed assets", "count", len(assets), "model", ix.embedder.EmbeddingModel())
	return nil
}

// Remove drops an asset from the index.
func (ix *Index) Remove(ctx context.Context, fileName string) error {
	if err := ix.store.DeleteEmbedding(ctx, fileName); err != nil {
		return err
	}
	ix.Invalidate()
	ix.logger.Info("removed asset from index", "file_name", fileName)
	return nil
}

// Entries returns the indexed assets for the active model.
func (ix *Index) Entries(ctx context.Context) ([]models.AssetEmbedding, error) {
	return ix.load(ctx)
}

// Invalidate drops the in-memory copy so the next search reloads from the store.
func (ix *Index) Invalidate() {
	ix.mu.Lock()
	ix.entries = nil
	ix.loaded = false
	ix.mu.Unlock()
}

// load serves the cached entries while the store's version is unchanged.
// Other processes (the indexer CLI) write to the same store, so every load
// checks the version first.
func (ix *Index) load(ctx context.Context) ([]models.AssetEmbedding, error) {
	model := ix.embedder.EmbeddingModel()

	ix.mu.RLock()
	cached, cachedVersion, loaded := ix.entries, ix.version, ix.loaded
	ix.mu.RUnlock()

	version, err := ix.store.EmbeddingsVersion(ctx, model)
	if err != nil {
		if loaded {
			ix.logger.Warn("failed to check index version, serving cached entries", "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	if loaded && version.Equal(cachedVersion) {
		return cached, nil
	}

	entries, err := ix.store.ListEmbeddings(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	ix.mu.Lock()
	ix.entries = entries
	ix.version = version
	ix.loaded = true
	ix.mu.Unlock()

	ix.logger.Debug("loaded embeddings", "count", len(entries), "stale", loaded)
	return entries, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
