package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIService provides speech synthesis and text embeddings.
type OpenAIService struct {
	client         *openai.Client
	ttsModel       openai.SpeechModel
	embeddingModel openai.EmbeddingModel
	logger         *slog.Logger
}

var (
	_ TTSService = (*OpenAIService)(nil)
	_ Embedder   = (*OpenAIService)(nil)
)

var openAIVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

type OpenAIOption func(*openai.ClientConfig, *OpenAIService)

// WithOpenAIBaseURL points the client at a compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(cfg *openai.ClientConfig, _ *OpenAIService) {
		if url != "" {
			cfg.BaseURL = url
		}
	}
}

func WithTTSModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, s *OpenAIService) {
		if model != "" {
			s.ttsModel = openai.SpeechModel(model)
		}
	}
}

func WithEmbeddingModel(model string) OpenAIOption {
	return func(_ *openai.ClientConfig, s *OpenAIService) {
		if model != "" {
			s.embeddingModel = openai.EmbeddingModel(model)
		}
	}
}

func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(_ *openai.ClientConfig, s *OpenAIService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewOpenAIService(apiKey string, opts ...OpenAIOption) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	s := &OpenAIService{
		ttsModel:       openai.TTSModel1,
		embeddingModel: openai.SmallEmbedding3,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg, s)
	}
	s.client = openai.NewClientWithConfig(cfg)
	s.logger = s.logger.With("component", "openai")
	return s
}

// GenerateSpeech implements TTSService with the audio/speech endpoint.
// Unknown voices fall back to the default narrator voice.
func (s *OpenAIService) GenerateSpeech(ctx context.Context, text, voice string) (*TTSResponse, error) {
	v, ok := openAIVoices[strings.ToLower(strings.TrimSpace(voice))]
	if !ok {
		if voice != "" {
			s.logger.Debug("unknown voice, using default", "voice", voice, "default", DefaultVoice)
		}
		v = openai.VoiceOnyx
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.ttsModel,
		Input:          text,
		Voice:          v,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech failed: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai speech response: %w", err)
	}

	s.logger.Debug("speech generated", "voice", v, "model", s.ttsModel, "text_len", len(text), "bytes", len(audio))

	return &TTSResponse{AudioData: audio, Format: "mp3"}, nil
}

// Embed implements Embedder with one batched embeddings call.
func (s *OpenAIService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: s.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (s *OpenAIService) EmbeddingModel() string {
	return string(s.embeddingModel)
}
