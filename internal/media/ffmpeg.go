// Package media wraps the ffmpeg/ffprobe toolchain. Every encoder process is
// started as a child owned by a Session, in its own process group, so that
// the session can terminate exactly the processes it spawned.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
)

const (
	defaultKillGrace = 3 * time.Second
	stderrTailBytes  = 4096
)

// Info is what the composition step needs to know about a media file.
type Info struct {
	Duration time.Duration
	Width    int
	Height   int
	HasVideo bool
	HasAudio bool
}

// Portrait reports whether the frame is taller than it is wide.
func (i Info) Portrait() bool {
	return i.Width > 0 && i.Height > i.Width
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
	// KillGrace is how long a session waits after SIGTERM before SIGKILL.
	KillGrace time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	tempDir    string
	grace      time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewFFmpeg(cfg Config) (*FFmpeg, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &FFmpeg{
		ffmpegBin:  cfg.FFmpegPath,
		ffprobeBin: cfg.FFprobePath,
		tempDir:    cfg.TempDir,
		grace:      cfg.KillGrace,
		logger:     cfg.Logger.With("component", "ffmpeg"),
		metrics:    cfg.Metrics,
	}, nil
}

// Probe inspects a file outside of any session. It is used for quick
// metadata checks where no encoder is involved.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, f.ffprobeBin, probeArgs(path)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s failed: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
	Tags      struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

func parseProbe(raw []byte) (Info, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Info{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info Info
	var streamDuration float64
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width, info.Height = s.Width, s.Height
			if s.quarterTurn() {
				info.Width, info.Height = info.Height, info.Width
			}
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				streamDuration = d
			}
		case "audio":
			info.HasAudio = true
		}
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64)
	if err != nil || seconds <= 0 {
		seconds = streamDuration
	}
	if seconds <= 0 {
		return Info{}, fmt.Errorf("media has no usable duration")
	}
	info.Duration = time.Duration(seconds * float64(time.Second))

	return info, nil
}

// quarterTurn reports whether the display matrix rotates the frame by 90 or 270 degrees.
func (s probeStream) quarterTurn() bool {
	deg := 0.0
	if v, err := strconv.ParseFloat(s.Tags.Rotate, 64); err == nil {
		deg = v
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			deg = sd.Rotation
		}
	}
	return math.Mod(math.Abs(deg), 180) == 90
}

// EscapeFilterPath escapes a file path for use inside an ffmpeg filter argument.
func EscapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	n   int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
