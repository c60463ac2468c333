// Package cli provides the storyreel-indexer command-line interface, which
// maintains the asset index the scene resolver searches.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/bobarin/storyreel/internal/assets"
	"github.com/bobarin/storyreel/internal/config"
	"github.com/bobarin/storyreel/internal/db"
	"github.com/bobarin/storyreel/internal/index"
	"github.com/bobarin/storyreel/internal/media"
	"github.com/bobarin/storyreel/internal/services"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose  bool
	assetDir string

	// Initialized in PersistentPreRunE
	cfg        *config.Config
	database   *db.DB
	assetIndex *index.Index
	assetStore *assets.Store
)

var rootCmd = &cobra.Command{
	Use:   "storyreel-indexer",
	Short: "Maintain the storyreel asset index",
	Long: `storyreel-indexer manages the searchable index of stock video clips.

Each clip is described in a YAML manifest; the description is embedded with
the configured provider (EMBEDDING_PROVIDER) and stored next to the clip's
frame size, which portrait filtering relies on.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		cfg = config.Read()
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		if err := cfg.ValidateEmbedding(); err != nil {
			return err
		}
		if assetDir == "" {
			assetDir = cfg.AssetDir
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx := context.Background()
		var err error
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

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
		assetIndex = index.New(database, embedder, logger)

		ff, err := media.NewFFmpeg(media.Config{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			TempDir:     cfg.TempDir,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		assetStore, err = assets.NewStore(assetDir, ff)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if database != nil {
			if err := database.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&assetDir, "asset-dir", "", "asset directory (default ASSET_DIR or uploads)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(removeCmd)
}
