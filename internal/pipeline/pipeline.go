// Package pipeline runs one generation end to end: resolve every scene,
// compose the render, optionally publish it and write the generation record.
// The same path serves synchronous requests and queued jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bobarin/storyreel/internal/compose"
	"github.com/bobarin/storyreel/internal/models"
	"github.com/bobarin/storyreel/internal/resolver"
	"github.com/bobarin/storyreel/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultResolveConcurrency = 4

// Progress bands reported to the queue.
const (
	progressResolved = 60
	progressComposed = 90
	progressRecorded = 99
)

type Resolver interface {
	Resolve(ctx context.Context, scene models.SceneRequest, used *resolver.UsedAssets, opts models.GenerationOptions) (*models.ResolvedScene, error)
}

type Composer interface {
	Compose(ctx context.Context, label string, clips []compose.Clip, outputPath string, progress compose.ProgressFunc) (*compose.Result, error)
}

type RecordStore interface {
	CreateRecord(ctx context.Context, rec *models.GenerationRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*models.GenerationRecord, error)
	ListRecords(ctx context.Context, offset, limit int) ([]models.GenerationRecord, int, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
}

// Publisher copies finished renders to remote storage.
type Publisher interface {
	UploadFile(ctx context.Context, storagePath, localPath, contentType string) error
	Delete(ctx context.Context, storagePath string) error
	GetPublicURL(storagePath string) string
}

type Config struct {
	OutputDir            string
	DefaultMaxCandidates int
	// ResolveConcurrency bounds parallel resolution when duplicates are allowed.
	ResolveConcurrency int
}

type Generator struct {
	resolver  Resolver
	composer  Composer
	records   RecordStore
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

type Option func(*Generator)

func WithPublisher(p Publisher) Option {
	return func(g *Generator) { g.publisher = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func New(r Resolver, c Composer, records RecordStore, cfg Config, opts ...Option) *Generator {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if cfg.DefaultMaxCandidates <= 0 {
		cfg.DefaultMaxCandidates = models.DefaultCandidatesPerSearch
	}
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = defaultResolveConcurrency
	}
	g := &Generator{
		resolver: r,
		composer: c,
		records:  records,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "pipeline")
	return g
}

// Request is one generation. Key labels logs, media sessions and published
// objects; the queue uses the job id.
type Request struct {
	Key     string
	Type    models.JobType
	Story   *models.StoryRequest
	Options models.GenerationOptions
}

// Prepare normalizes and validates a request before it is run or queued.
func (g *Generator) Prepare(req *Request) error {
	if req.Type == "" {
		req.Type = models.JobTypeMixed
	}
	req.Options = req.Options.WithDefaults(g.cfg.DefaultMaxCandidates)
	if err := req.Options.Validate(); err != nil {
		return err
	}
	if err := req.Story.Validate(req.Type); err != nil {
		return err
	}
	req.Story.Normalize()
	if req.Key == "" {
		req.Key = uuid.NewString()
	}
	return nil
}

// Generate runs the request to completion. report may be nil.
func (g *Generator) Generate(ctx context.Context, req Request, report func(progress int)) (*models.JobResult, error) {
	if report == nil {
		report = func(int) {}
	}
	if err := g.Prepare(&req); err != nil {
		return nil, err
	}

	log := g.logger.With("job", req.Key)
	started := time.Now()
	log.Info("generation started", "type", req.Type, "scenes", len(req.Story.Scenes))

	resolved, skipped, err := g.resolveAll(ctx, req, report)
	if err != nil {
		return nil, err
	}
	report(progressResolved)

	if len(resolved) == 0 {
		return nil, fmt.Errorf("all %d scenes were skipped: %w", len(skipped), compose.ErrNoScenesProvided)
	}

	outputPath, err := compose.NextOutputPath(g.cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	clips := make([]compose.Clip, len(resolved))
	for i, rs := range resolved {
		clips[i] = compose.Clip{
			SceneIndex: rs.SceneIndex,
			AssetPath:  rs.AssetPath,
			AudioPath:  rs.AudioPath,
			Subtitle:   rs.SubtitleText,
		}
	}

	composed, err := g.composer.Compose(ctx, req.Key, clips, outputPath, func(done, total int) {
		report(progressResolved + (progressComposed-progressResolved)*done/total)
	})
	if err != nil {
		discardOutput(log, outputPath)
		return nil, err
	}
	report(progressComposed)

	rendered, skipped := applyDrops(resolved, skipped, composed.Dropped)

	rec := &models.GenerationRecord{
		ID:                uuid.New(),
		JobType:           req.Type,
		OutputPath:        composed.OutputPath,
		ResolvedScenes:    rendered,
		StoryRequest:      req.Story,
		GenerationOptions: req.Options,
	}
	g.publish(ctx, log, req.Key, rec)

	if err := g.records.CreateRecord(ctx, rec); err != nil {
		// A render without a record is unreachable; drop both copies.
		discardOutput(log, composed.OutputPath)
		if rec.StoragePath != nil {
			if derr := g.publisher.Delete(context.WithoutCancel(ctx), *rec.StoragePath); derr != nil {
				log.Warn("failed to delete published render", "path", *rec.StoragePath, "error", derr)
			}
		}
		return nil, fmt.Errorf("failed to save generation record: %w", err)
	}
	report(progressRecorded)

	result := &models.JobResult{
		OutputPath:      composed.OutputPath,
		RecordID:        rec.ID,
		PublicURL:       rec.PublicURL,
		SkippedScenes:   skipped,
		ProcessedScenes: len(rendered),
		OptionsUsed:     req.Options,
	}
	if req.Options.AvoidDuplicateAssets {
		for _, rs := range rendered {
			result.VideosUsed = append(result.VideosUsed, rs.AssetID)
		}
	}

	log.Info("generation finished",
		"output", composed.OutputPath,
		"record_id", rec.ID,
		"processed", len(rendered),
		"skipped", len(skipped),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// resolveAll resolves scenes in input order. With duplicate avoidance the
// used set orders the scenes, so they run one after another; otherwise a
// bounded number run at once and results keep their input positions.
func (g *Generator) resolveAll(ctx context.Context, req Request, report func(int)) ([]models.ResolvedScene, []models.SkippedScene, error) {
	scenes := req.Story.Scenes
	results := make([]*models.ResolvedScene, len(scenes))
	errs := make([]error, len(scenes))

	if req.Options.AvoidDuplicateAssets {
		used := resolver.NewUsedAssets()
		for i, scene := range scenes {
			results[i], errs[i] = g.resolver.Resolve(ctx, scene, used, req.Options)
			if errs[i] != nil && !g.canSkip(req.Options, errs[i]) {
				return nil, nil, errs[i]
			}
			report(progressResolved * (i + 1) / len(scenes))
		}
	} else {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(g.cfg.ResolveConcurrency)
		used := resolver.NewUsedAssets()
		for i, scene := range scenes {
			eg.Go(func() error {
				results[i], errs[i] = g.resolver.Resolve(egCtx, scene, used, req.Options)
				if errs[i] != nil && !g.canSkip(req.Options, errs[i]) {
					return errs[i]
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			// Report the earliest failing scene, not whichever finished first.
			for i := range errs {
				if errs[i] != nil && !g.canSkip(req.Options, errs[i]) && !errors.Is(errs[i], context.Canceled) {
					return nil, nil, errs[i]
				}
			}
			return nil, nil, err
		}
	}

	var (
		resolved []models.ResolvedScene
		skipped  []models.SkippedScene
	)
	for i, scene := range scenes {
		if errs[i] != nil {
			g.logger.Warn("skipping unresolvable scene", "job", req.Key, "scene", scene.SceneIndex, "error", errs[i])
			skipped = append(skipped, skippedFrom(scene, errs[i]))
			continue
		}
		resolved = append(resolved, *results[i])
	}
	return resolved, skipped, nil
}

func (g *Generator) canSkip(opts models.GenerationOptions, err error) bool {
	return opts.SkipUnresolvableScenes && resolver.Skippable(err)
}

func skippedFrom(scene models.SceneRequest, err error) models.SkippedScene {
	s := models.SkippedScene{SceneIndex: scene.SceneIndex, Reason: err.Error()}
	if scene.Selection != nil {
		s.SelectionMethod = scene.Selection.Method()
	}
	return s
}

// applyDrops removes scenes the composer could not load and records them as skipped.
func applyDrops(resolved []models.ResolvedScene, skipped []models.SkippedScene, dropped []compose.DroppedClip) ([]models.ResolvedScene, []models.SkippedScene) {
	if len(dropped) == 0 {
		return resolved, skipped
	}
	gone := make(map[int]string, len(dropped))
	for _, d := range dropped {
		gone[d.Position] = d.Reason
	}

	kept := make([]models.ResolvedScene, 0, len(resolved)-len(dropped))
	for i, rs := range resolved {
		reason, ok := gone[i]
		if !ok {
			kept = append(kept, rs)
			continue
		}
		skipped = append(skipped, models.SkippedScene{
			SceneIndex:      rs.SceneIndex,
			Reason:          fmt.Sprintf("Scene %d: %s", rs.SceneIndex, reason),
			SelectionMethod: rs.SelectionMethod,
		})
	}
	return kept, skipped
}

// discardOutput removes the reserved or rendered output of a failed job.
func discardOutput(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove output", "path", path, "error", err)
	}
}

// publish uploads the render when a publisher is configured. A failed
// upload leaves the local render as the result.
func (g *Generator) publish(ctx context.Context, log *slog.Logger, key string, rec *models.GenerationRecord) {
	if g.publisher == nil {
		return
	}
	path := storage.RenderPath(key, rec.OutputPath)
	if err := g.publisher.UploadFile(ctx, path, rec.OutputPath, "video/mp4"); err != nil {
		log.Warn("failed to publish render", "path", path, "error", err)
		return
	}
	url := g.publisher.GetPublicURL(path)
	rec.StoragePath = &path
	rec.PublicURL = &url
	log.Info("render published", "url", url)
}
