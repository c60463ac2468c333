package services

import (
	"context"
	"fmt"
	"log/slog"
)

// Embedder turns text into vectors for the asset index. Implementations
// return one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

type EmbedderConfig struct {
	Provider  string // openai | gemini
	Model     string // empty = provider default
	OpenAIKey string
	GeminiKey string
	Logger    *slog.Logger
}

// NewEmbedder builds the configured embedding provider. The API server and
// the indexer CLI must agree on it, since vectors from different models are
// not comparable.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "openai":
		opts := []OpenAIOption{WithOpenAILogger(cfg.Logger)}
		if cfg.Model != "" {
			opts = append(opts, WithEmbeddingModel(cfg.Model))
		}
		return NewOpenAIService(cfg.OpenAIKey, opts...), nil
	case "gemini":
		return NewGeminiEmbedder(ctx, cfg.GeminiKey, cfg.Model, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
