package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/storyreel/internal/api"
	"github.com/bobarin/storyreel/internal/assets"
	"github.com/bobarin/storyreel/internal/compose"
	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/index"
	"github.com/bobarin/storyreel/internal/media"
	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/pipeline"
	"github.com/bobarin/storyreel/internal/queue"
	"github.com/bobarin/storyreel/internal/resolver"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/bobarin/storyreel/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := config.SetupLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("storyreel api stopped", "error", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting storyreel api")
	ctx := context.Background()

	// Metrics
	var (
		m           *metrics.Metrics
		metricsHTTP http.Handler
	)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
		metricsHTTP = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("connected to database")

	// Job FIFO: Redis when configured, otherwise in-process
	var fifo queue.FIFO
	if cfg.RedisURL != "" {
		fifo, err = queue.NewRedisFIFO(cfg.RedisURL, cfg.RedisQueueKey)
		if err != nil {
			return err
		}
		logger.Info("job fifo backed by redis", "key", cfg.RedisQueueKey)
	} else {
		fifo = queue.NewMemoryFIFO()
		logger.Info("job fifo in memory")
	}
	defer fifo.Close()

	// Media toolchain
	ff, err := media.NewFFmpeg(media.Config{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		TempDir:     cfg.TempDir,
		KillGrace:   cfg.EncoderGracePeriod,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	assetStore, err := assets.NewStore(cfg.AssetDir, ff)
	if err != nil {
		return err
	}

	// Asset index
	embedder, err := services.NewEmbedder(ctx, services.EmbedderConfig{
		Provider:  cfg.EmbeddingProvider,
		Model:     cfg.EmbeddingModel,
		OpenAIKey: cfg.OpenAIKey,
		GeminiKey: cfg.GeminiKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	assetIndex := index.New(database, embedder, logger)
	// Indexed frame sizes spare a probe for direct-file scenes too.
	entries, err := assetIndex.Entries(ctx)
	if err != nil {
		logger.Warn("failed to load asset index", "error", err)
	}
	for _, e := range entries {
		assetStore.Remember(e.FileName, e.Width, e.Height)
	}
	logger.Info("asset index ready", "provider", cfg.EmbeddingProvider, "model", embedder.EmbeddingModel(), "assets", len(entries))

	// Voice synthesis
	var tts services.TTSService
	switch cfg.TTSProvider {
	case "elevenlabs":
		tts = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
	case "cartesia":
		tts = services.NewCartesiaService(services.CartesiaConfig{
			APIKey:   cfg.CartesiaKey,
			VoiceID:  cfg.CartesiaVoiceID,
			Model:    cfg.CartesiaModel,
			Language: cfg.CartesiaLanguage,
			Logger:   logger,
		})
	default:
		tts = services.NewOpenAIService(cfg.OpenAIKey,
			services.WithTTSModel(cfg.OpenAITTSModel),
			services.WithOpenAILogger(logger),
		)
	}
	voice, err := services.NewAudioWriter(tts, cfg.AudioDir,
		services.WithDefaultVoice(cfg.DefaultVoice),
		services.WithSynthesisTimeout(cfg.TTSTimeout),
		services.WithAudioLogger(logger),
		services.WithAudioMetrics(m),
	)
	if err != nil {
		return err
	}
	logger.Info("voice synthesis ready", "provider", cfg.TTSProvider, "voice", cfg.DefaultVoice)

	// Generation pipeline
	res := resolver.New(assetStore, assetIndex, voice, logger, m)
	engine := compose.New(compose.FFmpegToolchain(ff),
		compose.WithFPS(cfg.RenderFPS),
		compose.WithFontsDir(cfg.FontsDir),
		compose.WithCaptionFont(cfg.SubtitleFont, cfg.SubtitleFontSize),
		compose.WithLogger(logger),
		compose.WithMetrics(m),
	)

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.PublishingEnabled() {
		stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)
		opts = append(opts, pipeline.WithPublisher(stor))
		logger.Info("publishing renders to supabase", "bucket", cfg.SupabaseStorageBucket)
	}
	gen := pipeline.New(res, engine, database, pipeline.Config{
		OutputDir:            cfg.OutputDir,
		DefaultMaxCandidates: cfg.DefaultMaxCandidates,
	}, opts...)

	// Task queue and worker
	q := queue.New(fifo, queue.WithLogger(logger), queue.WithMetrics(m))
	w := worker.New(q, database, gen, logger)
	if err := w.Reconcile(ctx, cfg.ResumePendingJobs); err != nil {
		return err
	}
	q.Start()

	// HTTP API
	handler := api.NewHandler(w, gen, assetIndex, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Metrics:            metricsHTTP,
		Logger:             logger,
	})
	if cfg.BackendAPIKey == "" {
		logger.Warn("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// The running render finishes; queued jobs stay durable as pending.
	if err := q.Stop(shutdownCtx); err != nil {
		logger.Warn("worker did not stop in time", "error", err)
	}

	logger.Info("server exited")
	return nil
}
