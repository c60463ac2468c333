package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	cartesiaBaseURL      = "https://api.cartesia.ai"
	cartesiaAPIVersion   = "2024-06-10"
	cartesiaDefaultModel = "sonic-multilingual"
	cartesiaDefaultVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// CartesiaService speaks through the Cartesia /tts/bytes endpoint. Like
// ElevenLabs, the voice argument is a provider voice id and OpenAI voice
// names fall back to the configured narrator.
type CartesiaService struct {
	apiKey   string
	baseURL  string
	voiceID  string
	modelID  string
	language string
	client   *http.Client
	logger   *slog.Logger
}

var _ TTSService = (*CartesiaService)(nil)

type CartesiaConfig struct {
	APIKey   string
	VoiceID  string // empty = default narrator
	Model    string // empty = sonic-multilingual
	Language string // empty = let the model detect it
	Logger   *slog.Logger
}

func NewCartesiaService(cfg CartesiaConfig) *CartesiaService {
	if cfg.VoiceID == "" {
		cfg.VoiceID = cartesiaDefaultVoice
	}
	if cfg.Model == "" {
		cfg.Model = cartesiaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CartesiaService{
		apiKey:   cfg.APIKey,
		baseURL:  cartesiaBaseURL,
		voiceID:  cfg.VoiceID,
		modelID:  cfg.Model,
		language: cfg.Language,
		client:   &http.Client{Timeout: 90 * time.Second},
		logger:   cfg.Logger.With("component", "cartesia"),
	}
}

// WithBaseURL returns a copy of the service that talks to url.
func (s *CartesiaService) WithBaseURL(url string) *CartesiaService {
	c := *s
	c.baseURL = strings.TrimRight(url, "/")
	return &c
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	Language     string               `json:"language,omitempty"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

func (s *CartesiaService) GenerateSpeech(ctx context.Context, text, voice string) (*TTSResponse, error) {
	voiceID := s.voiceID
	if voice != "" {
		if _, isOpenAIName := openAIVoices[strings.ToLower(voice)]; !isOpenAIName {
			voiceID = voice
		}
	}

	jsonData, err := json.Marshal(cartesiaRequest{
		ModelID:    s.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voiceID},
		Language:   s.language,
		OutputFormat: cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: 44100,
			BitRate:    192000,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Cartesia request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create Cartesia request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cartesia-Version", cartesiaAPIVersion)

	s.logger.Debug("generating speech", "voice_id", voiceID, "model", s.modelID, "text_len", len(text))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Cartesia request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Cartesia returned status %d: %s", resp.StatusCode, string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Cartesia audio: %w", err)
	}
	if len(audioData) == 0 {
		return nil, fmt.Errorf("Cartesia returned empty audio")
	}
	return &TTSResponse{AudioData: audioData, Format: "mp3"}, nil
}
