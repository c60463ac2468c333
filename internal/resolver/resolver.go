// Package resolver picks a backing video for each scene and synthesizes
// its narration.
//
// Direct and searched scenes share one constraint model: a candidate must
// exist in the asset store, must not have been used earlier in the job when
// duplicates are avoided, and must not be portrait when portrait assets are
// excluded. Search candidates are tried in ranked order.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/bobarin/storyreel/internal/models"
)

// AssetStore is the local asset library.
type AssetStore interface {
	Exists(name string) bool
	Path(name string) (string, error)
	Dimensions(ctx context.Context, name string) (width, height int, err error)
}

// Searcher ranks assets for a free-text query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.AssetCandidate, error)
}

// Synthesizer produces a narration audio file and returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (string, error)
}

// UsedAssets is the per-job set of consumed asset ids.
type UsedAssets struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func NewUsedAssets() *UsedAssets {
	return &UsedAssets{ids: make(map[string]struct{})}
}

func (u *UsedAssets) Contains(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.ids[id]
	return ok
}

func (u *UsedAssets) Add(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.ids[id]; ok {
		return
	}
	u.ids[id] = struct{}{}
	u.order = append(u.order, id)
}

// List returns the ids in the order they were first used.
func (u *UsedAssets) List() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.order...)
}

type Resolver struct {
	assets      AssetStore
	search      Searcher
	synthesizer Synthesizer
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func New(assets AssetStore, search Searcher, synthesizer Synthesizer, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		assets:      assets,
		search:      search,
		synthesizer: synthesizer,
		logger:      logger.With("component", "resolver"),
		metrics:     m,
	}
}

// Resolve selects the asset for one scene and synthesizes its narration.
// Errors are *ResolutionError wrapping one of the package sentinels.
func (r *Resolver) Resolve(ctx context.Context, scene models.SceneRequest, used *UsedAssets, opts models.GenerationOptions) (*models.ResolvedScene, error) {
	resolved, err := r.resolve(ctx, scene, used, opts)

	method := "none"
	if scene.Selection != nil {
		method = string(scene.Selection.Method())
	}
	outcome := "resolved"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	r.metrics.SceneResolved(method, outcome)

	if err != nil {
		var m models.SelectionMethod
		if scene.Selection != nil {
			m = scene.Selection.Method()
		}
		return nil, &ResolutionError{SceneIndex: scene.SceneIndex, Method: m, Err: err}
	}
	return resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, scene models.SceneRequest, used *UsedAssets, opts models.GenerationOptions) (*models.ResolvedScene, error) {
	if strings.TrimSpace(scene.SubtitleText) == "" {
		return nil, fmt.Errorf("%w: subtitle is required", ErrInvalidSceneSpec)
	}

	var (
		assetID  string
		metadata models.JSONB
		err      error
	)

	switch sel := scene.Selection.(type) {
	case models.DirectFile:
		assetID, metadata, err = r.direct(ctx, sel, used, opts)
	case models.ScriptSearch:
		assetID, metadata, err = r.searchFor(ctx, sel.Query, used, opts)
	case models.KeywordSearch:
		assetID, metadata, err = r.searchFor(ctx, sel.Query(), used, opts)
	default:
		err = fmt.Errorf("%w: no video_file_name, script or search_keywords given", ErrInvalidSceneSpec)
	}
	if err != nil {
		return nil, err
	}

	if opts.AvoidDuplicateAssets && used != nil {
		used.Add(assetID)
	}

	assetPath, err := r.assets.Path(assetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetNotFound, err)
	}

	audioPath, err := r.synthesizer.Synthesize(ctx, scene.SubtitleText, scene.VoiceIdentity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTTSFailure, err)
	}

	r.logger.Debug("scene resolved",
		"scene", scene.SceneIndex,
		"method", scene.Selection.Method(),
		"asset", assetID,
	)

	return &models.ResolvedScene{
		SceneIndex:      scene.SceneIndex,
		AssetID:         assetID,
		AssetPath:       assetPath,
		AudioPath:       audioPath,
		SubtitleText:    scene.SubtitleText,
		SelectionMethod: scene.Selection.Method(),
		MatchMetadata:   metadata,
	}, nil
}

func (r *Resolver) direct(ctx context.Context, sel models.DirectFile, used *UsedAssets, opts models.GenerationOptions) (string, models.JSONB, error) {
	name := strings.TrimSpace(sel.FileName)
	if name == "" {
		return "", nil, fmt.Errorf("%w: empty video_file_name", ErrInvalidSceneSpec)
	}

	if err := r.ineligibilityReason(ctx, name, nil, used, opts); err != nil {
		return "", nil, fmt.Errorf("file '%s': %w", name, err)
	}
	return name, models.JSONB{"file_name": name}, nil
}

func (r *Resolver) searchFor(ctx context.Context, query string, used *UsedAssets, opts models.GenerationOptions) (string, models.JSONB, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil, fmt.Errorf("%w: empty search query", ErrInvalidSceneSpec)
	}

	k := opts.MaxCandidatesPerSearch
	if k <= 0 {
		k = models.DefaultCandidatesPerSearch
	}

	candidates, err := r.search.Search(ctx, query, k)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	rejected := make(map[string]int)
	for rank, c := range candidates {
		if c.AssetID == "" {
			continue
		}
		reason := r.ineligibilityReason(ctx, c.AssetID, &c.Metadata, used, opts)
		if reason != nil {
			rejected[sentinelName(reason)]++
			continue
		}
		return c.AssetID, candidateMetadata(c, rank, query), nil
	}

	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("%w: search for %q returned no candidates", ErrNoEligibleAsset, query)
	}
	return "", nil, fmt.Errorf("%w: %d candidates for %q rejected %v", ErrNoEligibleAsset, len(candidates), query, rejected)
}

// ineligibilityReason applies the shared checks in order: existence,
// duplicate, orientation. It returns nil when the asset may be used.
func (r *Resolver) ineligibilityReason(ctx context.Context, name string, meta *models.AssetMetadata, used *UsedAssets, opts models.GenerationOptions) error {
	if !r.assets.Exists(name) {
		return ErrAssetNotFound
	}
	if opts.AvoidDuplicateAssets && used != nil && used.Contains(name) {
		return ErrDuplicateAsset
	}
	if opts.ExcludePortraitAssets && r.isPortrait(ctx, name, meta) {
		return ErrPortraitRejected
	}
	return nil
}

// isPortrait trusts index metadata when it carries a frame size and
// otherwise probes the file. An unreadable file is not treated as portrait;
// the composition step drops it if it cannot be decoded.
func (r *Resolver) isPortrait(ctx context.Context, name string, meta *models.AssetMetadata) bool {
	if meta != nil && meta.HasDimensions() {
		return meta.Height > meta.Width
	}
	w, h, err := r.assets.Dimensions(ctx, name)
	if err != nil {
		r.logger.Warn("could not read asset dimensions", "asset", name, "error", err)
		return false
	}
	return h > w
}

func candidateMetadata(c models.AssetCandidate, rank int, query string) models.JSONB {
	meta := models.JSONB{
		"file_name": c.AssetID,
		"score":     c.Score,
		"rank":      rank + 1,
		"query":     query,
	}
	if c.Metadata.Description != "" {
		meta["description"] = c.Metadata.Description
	}
	if c.Metadata.HasDimensions() {
		meta["width"] = c.Metadata.Width
		meta["height"] = c.Metadata.Height
	}
	return meta
}

func sentinelName(err error) string {
	switch err {
	case ErrAssetNotFound:
		return "missing"
	case ErrDuplicateAsset:
		return "duplicate"
	case ErrPortraitRejected:
		return "portrait"
	default:
		return "other"
	}
}

func outcomeLabel(err error) string {
	switch {
	case Skippable(err):
		return "rejected"
	case errors.Is(err, ErrTTSFailure):
		return "tts_failed"
	case errors.Is(err, ErrSearchUnavailable):
		return "search_failed"
	default:
		return "invalid"
	}
}
