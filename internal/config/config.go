package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	MetricsEnabled     bool

	// Database
	DatabaseURL string

	// Redis (empty = in-process FIFO)
	RedisURL      string
	RedisQueueKey string

	// Filesystem
	AssetDir  string
	OutputDir string
	AudioDir  string
	TempDir   string

	// Rendering
	FFmpegPath         string
	FFprobePath        string
	RenderFPS          int
	FontsDir           string
	SubtitleFont       string
	SubtitleFontSize   int
	EncoderGracePeriod time.Duration

	// Voice synthesis
	TTSProvider       string // openai | elevenlabs | cartesia
	OpenAIKey         string
	OpenAITTSModel    string
	DefaultVoice      string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	CartesiaKey       string
	CartesiaVoiceID   string
	CartesiaModel     string
	CartesiaLanguage  string
	TTSTimeout        time.Duration

	// Asset index
	EmbeddingProvider string // openai | gemini
	EmbeddingModel    string
	GeminiKey         string

	// Jobs
	DefaultMaxCandidates int
	ResumePendingJobs    bool

	// Supabase (optional publishing)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Logging
	Log LogConfig
}

// Load reads the environment and validates it for the API server.
func Load() (*Config, error) {
	cfg := Read()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads the environment without validating it. Tools that need only
// part of the settings check what they use.
func Read() *Config {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	return &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL:      getEnv("REDIS_URL", ""),
		RedisQueueKey: getEnv("REDIS_QUEUE_KEY", "queue:render_jobs"),

		AssetDir:  getEnv("ASSET_DIR", "uploads"),
		OutputDir: getEnv("OUTPUT_DIR", "output"),
		AudioDir:  getEnv("AUDIO_DIR", "audios"),
		TempDir:   getEnv("TEMP_DIR", os.TempDir()),

		FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:        getEnv("FFPROBE_PATH", "ffprobe"),
		RenderFPS:          getEnvInt("RENDER_FPS", 24),
		FontsDir:           getEnv("FONTS_DIR", ""),
		SubtitleFont:       getEnv("SUBTITLE_FONT", "Noto Sans KR Medium"),
		SubtitleFontSize:   getEnvInt("SUBTITLE_FONT_SIZE", 24),
		EncoderGracePeriod: getEnvDuration("ENCODER_GRACE_PERIOD", 5*time.Second),

		TTSProvider:       strings.ToLower(getEnv("TTS_PROVIDER", "openai")),
		OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAITTSModel:    getEnv("OPENAI_TTS_MODEL", "tts-1"),
		DefaultVoice:      getEnv("DEFAULT_VOICE", "onyx"),
		ElevenLabsKey:     getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:       getEnv("CARTESIA_API_KEY", ""),
		CartesiaVoiceID:   getEnv("CARTESIA_VOICE_ID", ""),
		CartesiaModel:     getEnv("CARTESIA_MODEL", ""),
		CartesiaLanguage:  getEnv("CARTESIA_LANGUAGE", ""),
		TTSTimeout:        getEnvDuration("TTS_TIMEOUT", 90*time.Second),

		EmbeddingProvider: strings.ToLower(getEnv("EMBEDDING_PROVIDER", "openai")),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", ""),
		GeminiKey:         getEnv("GEMINI_API_KEY", ""),

		DefaultMaxCandidates: getEnvInt("DEFAULT_MAX_CANDIDATES", 10),
		ResumePendingJobs:    getEnvBool("RESUME_PENDING_JOBS", true),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "storyreel-renders"),

		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
			File:   getEnv("LOG_FILE", ""),
		},
	}
}

// Validate checks required fields. Provider keys are only required for the
// providers that are selected.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.TTSProvider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for TTS_PROVIDER=openai")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required for TTS_PROVIDER=elevenlabs")
		}
	case "cartesia":
		if c.CartesiaKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for TTS_PROVIDER=cartesia")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q (want openai, elevenlabs or cartesia)", c.TTSProvider)
	}

	if err := c.ValidateEmbedding(); err != nil {
		return err
	}

	if c.RenderFPS <= 0 {
		return fmt.Errorf("RENDER_FPS must be positive, got %d", c.RenderFPS)
	}
	if c.DefaultMaxCandidates < 1 || c.DefaultMaxCandidates > 50 {
		return fmt.Errorf("DEFAULT_MAX_CANDIDATES must be between 1 and 50, got %d", c.DefaultMaxCandidates)
	}
	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}
	return nil
}

// ValidateEmbedding checks the settings the asset index needs on its own.
func (c *Config) ValidateEmbedding() error {
	switch c.EmbeddingProvider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for EMBEDDING_PROVIDER=openai")
		}
	case "gemini":
		if c.GeminiKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for EMBEDDING_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unknown EMBEDDING_PROVIDER %q (want openai or gemini)", c.EmbeddingProvider)
	}
	return nil
}

// PublishingEnabled reports whether finished renders are uploaded.
func (c *Config) PublishingEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
