package services

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const defaultGeminiEmbeddingModel = "gemini-embedding-001"

// GeminiEmbedder embeds asset descriptions and queries with the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ Embedder = (*GeminiEmbedder)(nil)

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiEmbedder, error) {
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiEmbedder{
		client: client,
		model:  model,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Embed requests one embedding per text.
func (g *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		resp, err := g.client.Models.EmbedContent(ctx, g.model, genai.Text(text), nil)
		if err != nil {
			return nil, fmt.Errorf("gemini embedding %d failed: %w", i, err)
		}
		if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
			return nil, fmt.Errorf("gemini returned no embedding for input %d", i)
		}
		out = append(out, resp.Embeddings[0].Values)
	}

	g.logger.Debug("embedded texts", "count", len(texts), "model", g.model)
	return out, nil
}

func (g *GeminiEmbedder) EmbeddingModel() string {
	return g.model
}
