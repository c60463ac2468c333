// Package compose turns resolved scenes into a single rendered video.
//
// Each scene is retimed to its narration, normalised to the frame size of
// the first asset that loads, captioned and encoded to a segment. Segments
// are then concatenated at a fixed frame rate. All intermediate files and
// encoder processes belong to one media session that is closed on every
// exit path.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/media"
	"github.com/bobarin/storyreel/internal/metrics"
)

const DefaultFPS = 24

var (
	ErrNoScenesProvided = errors.New("no scenes provided")
	ErrNoValidClips     = errors.New("no valid clips to compose")
	ErrEncoderFailed    = errors.New("encoder failed")
)

// Clip is one resolved scene handed to the engine.
type Clip struct {
	SceneIndex int
	AssetPath  string
	AudioPath  string
	Subtitle   string
}

// DroppedClip is a scene that could not be loaded and was left out.
// Position is the clip's offset in the Compose input.
type DroppedClip struct {
	Position   int
	SceneIndex int
	Reason     string
}

type Result struct {
	OutputPath string
	Width      int
	Height     int
	Duration   time.Duration
	Rendered   []int
	Dropped    []DroppedClip
}

type Engine struct {
	tools    Toolchain
	fps      int
	fontsDir string
	font     string
	fontSize int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Engine)

func WithFPS(fps int) Option {
	return func(e *Engine) {
		if fps > 0 {
			e.fps = fps
		}
	}
}

func WithFontsDir(dir string) Option {
	return func(e *Engine) { e.fontsDir = dir }
}

// WithCaptionFont sets the caption font family and its size on a 1080-line frame.
func WithCaptionFont(name string, size int) Option {
	return func(e *Engine) {
		e.font = name
		e.fontSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func New(tools Toolchain, opts ...Option) *Engine {
	e := &Engine{
		tools:  tools,
		fps:    DefaultFPS,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "compose")
	return e
}

// ProgressFunc receives the number of finished steps out of total.
type ProgressFunc func(done, total int)

type loadedClip struct {
	Clip
	video media.Info
	audio media.Info
}

// Compose renders clips into outputPath. The output only appears at that
// path once the final encode has succeeded.
func (e *Engine) Compose(ctx context.Context, label string, clips []Clip, outputPath string, progress ProgressFunc) (res *Result, err error) {
	if len(clips) == 0 {
		return nil, ErrNoScenesProvided
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	sess, err := e.tools.NewSession(label)
	if err != nil {
		return nil, fmt.Errorf("failed to open media session: %w", err)
	}

	started := time.Now()
	log := e.logger.With("label", label)
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("media session cleanup reported errors", "error", cerr)
		}
		e.metrics.ObserveComposition(time.Since(started).Seconds())
	}()

	res = &Result{OutputPath: outputPath}

	loaded := make([]loadedClip, 0, len(clips))
	for i, clip := range clips {
		lc, lerr := e.load(ctx, sess, clip)
		if lerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("skipping scene that failed to load", "scene", clip.SceneIndex, "error", lerr)
			e.metrics.ClipDropped()
			res.Dropped = append(res.Dropped, DroppedClip{Position: i, SceneIndex: clip.SceneIndex, Reason: lerr.Error()})
			continue
		}
		loaded = append(loaded, lc)
	}

	if len(loaded) == 0 {
		return nil, ErrNoValidClips
	}

	// The first loaded asset fixes the frame for the whole render.
	res.Width, res.Height = loaded[0].video.Width, loaded[0].video.Height
	total := len(loaded) + 1

	segments := make([]string, 0, len(loaded))
	for i, lc := range loaded {
		segment, serr := e.renderSegment(ctx, sess, i, lc, res.Width, res.Height)
		if serr != nil {
			return nil, fmt.Errorf("scene %d: %w", lc.SceneIndex, serr)
		}
		segments = append(segments, segment)
		res.Rendered = append(res.Rendered, lc.SceneIndex)
		res.Duration += lc.audio.Duration
		progress(i+1, total)
	}

	if err := e.concat(ctx, sess, segments, outputPath); err != nil {
		return nil, err
	}
	progress(total, total)

	log.Info("composition finished",
		"output", outputPath,
		"scenes", len(res.Rendered),
		"dropped", len(res.Dropped),
		"resolution", fmt.Sprintf("%dx%d", res.Width, res.Height),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

func (e *Engine) load(ctx context.Context, sess Session, clip Clip) (loadedClip, error) {
	lc := loadedClip{Clip: clip}

	video, err := sess.Probe(ctx, clip.AssetPath)
	if err != nil {
		return lc, fmt.Errorf("load video: %w", err)
	}
	if !video.HasVideo || video.Width <= 0 || video.Height <= 0 {
		return lc, fmt.Errorf("load video: %s has no video stream", filepath.Base(clip.AssetPath))
	}

	audio, err := sess.Probe(ctx, clip.AudioPath)
	if err != nil {
		return lc, fmt.Errorf("load audio: %w", err)
	}
	if !audio.HasAudio {
		return lc, fmt.Errorf("load audio: %s has no audio stream", filepath.Base(clip.AudioPath))
	}

	lc.video, lc.audio = video, audio
	return lc, nil
}

// renderSegment encodes one clip. Temp files are named by pos, the clip's
// place in the render, since scene indexes may repeat.
func (e *Engine) renderSegment(ctx context.Context, sess Session, pos int, lc loadedClip, refW, refH int) (string, error) {
	plan := planFit(lc.video.Duration, lc.audio.Duration)
	clipDuration := plan.Duration(lc.video.Duration)

	var captionPath string
	if strings.TrimSpace(lc.Subtitle) != "" {
		path, err := sess.TempFile(fmt.Sprintf("caption_%03d.ass", pos))
		if err != nil {
			return "", err
		}
		if err := media.WriteCaption(path, lc.Subtitle, clipDuration, media.CaptionStyle{Width: refW, Height: refH, FontName: e.font, FontSize: e.fontSize}); err != nil {
			return "", err
		}
		captionPath = path
	}

	segment, err := sess.TempFile(fmt.Sprintf("segment_%03d.mp4", pos))
	if err != nil {
		return "", err
	}

	e.logger.Debug("rendering segment",
		"scene", lc.SceneIndex,
		"fit", plan.mode.String(),
		"video_ms", lc.video.Duration.Milliseconds(),
		"audio_ms", lc.audio.Duration.Milliseconds(),
	)

	args := []string{
		"-i", lc.AssetPath,
		"-i", lc.AudioPath,
		"-filter_complex", videoFilter(plan, lc.video, refW, refH, e.fps, captionPath, e.fontsDir),
		"-map", "[v]",
		"-map", "1:a:0",
		"-t", seconds(lc.audio.Duration),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(e.fps),
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		"-ac", "2",
		"-y",
		segment,
	}
	if err := sess.Encode(ctx, args...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncoderFailed, err)
	}
	return segment, nil
}

// concat joins segments into a hidden partial file and renames it into place.
func (e *Engine) concat(ctx context.Context, sess Session, segments []string, outputPath string) error {
	listPath, err := sess.TempFile("concat_list.txt")
	if err != nil {
		return err
	}

	var sb strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&sb, "file '%s'\n", strings.ReplaceAll(seg, "'", "'\\''"))
	}
	if err := os.WriteFile(listPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	partial := filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".partial")
	sess.Track("partial output", func() error {
		if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(e.fps),
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y",
		partial,
	}
	if err := sess.Encode(ctx, args...); err != nil {
		return fmt.Errorf("concatenate: %w: %w", ErrEncoderFailed, err)
	}

	if err := os.Rename(partial, outputPath); err != nil {
		return fmt.Errorf("failed to publish output: %w", err)
	}
	return nil
}
