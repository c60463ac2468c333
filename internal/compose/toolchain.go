package compose

import (
	"context"

	"github.com/bobarin/storyreel/internal/media"
)

// Session is the slice of media.Session the engine depends on.
type Session interface {
	Probe(ctx context.Context, path string) (media.Info, error)
	Encode(ctx context.Context, args ...string) error
	TempFile(name string) (string, error)
	Track(name string, release func() error)
	Close() error
}

type Toolchain interface {
	NewSession(label string) (Session, error)
}

type ffmpegToolchain struct {
	ff *media.FFmpeg
}

// FFmpegToolchain adapts the real ffmpeg wrapper to the engine.
func FFmpegToolchain(ff *media.FFmpeg) Toolchain {
	return ffmpegToolchain{ff: ff}
}

func (t ffmpegToolchain) NewSession(label string) (Session, error) {
	s, err := t.ff.NewSession(label)
	if err != nil {
		return nil, err
	}
	return s, nil
}
