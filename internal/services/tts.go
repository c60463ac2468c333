package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// TTSService is the common interface for text-to-speech providers.
// OpenAI and ElevenLabs implement this interface; AudioWriter turns any of
// them into a synthesizer that leaves an audio file on disk.
// ---------------------------------------------------------------------------

const (
	DefaultVoice      = "onyx"
	defaultTTSTimeout = 90 * time.Second
)

// ErrSynthesisTimeout is returned when the provider did not answer in time.
// It is kept apart from other provider failures so callers can retry.
var ErrSynthesisTimeout = errors.New("voice synthesis timed out")

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData []byte
	Format    string // "mp3", "wav", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// GenerateSpeech converts text to audio. voice is provider specific; an
	// empty voice selects the provider default.
	GenerateSpeech(ctx context.Context, text, voice string) (*TTSResponse, error)
}

// AudioWriter synthesizes narration and stores it as <dir>/<uuid>.<format>.
type AudioWriter struct {
	provider     TTSService
	dir          string
	defaultVoice string
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type AudioWriterOption func(*AudioWriter)

func WithDefaultVoice(voice string) AudioWriterOption {
	return func(w *AudioWriter) {
		if voice != "" {
			w.defaultVoice = voice
		}
	}
}

func WithSynthesisTimeout(d time.Duration) AudioWriterOption {
	return func(w *AudioWriter) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithAudioLogger(logger *slog.Logger) AudioWriterOption {
	return func(w *AudioWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithAudioMetrics(m *metrics.Metrics) AudioWriterOption {
	return func(w *AudioWriter) { w.metrics = m }
}

func NewAudioWriter(provider TTSService, dir string, opts ...AudioWriterOption) (*AudioWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audio dir: %w", err)
	}

	w := &AudioWriter{
		provider:     provider,
		dir:          dir,
		defaultVoice: DefaultVoice,
		timeout:      defaultTTSTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "tts")
	return w, nil
}

// Synthesize returns the path of a new audio file with text spoken in voice.
func (w *AudioWriter) Synthesize(ctx context.Context, text, voice string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text to synthesize")
	}
	if voice == "" {
		voice = w.defaultVoice
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	resp, err := w.provider.GenerateSpeech(callCtx, text, voice)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			w.metrics.SynthesisFailed("timeout")
			return "", fmt.Errorf("%w after %s: %v", ErrSynthesisTimeout, w.timeout, err)
		}
		w.metrics.SynthesisFailed("provider")
		return "", err
	}
	if len(resp.AudioData) == 0 {
		w.metrics.SynthesisFailed("empty")
		return "", fmt.Errorf("provider returned empty audio")
	}

	format := resp.Format
	if format == "" {
		format = "mp3"
	}
	path := filepath.Join(w.dir, uuid.New().String()+"."+format)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, resp.AudioData, 0644); err != nil {
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write audio file: %w", err)
	}

	w.logger.Debug("speech synthesized",
		"voice", voice,
		"bytes", len(resp.AudioData),
		"path", path,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return path, nil
}
