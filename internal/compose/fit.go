package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/storyreel/internal/media"
)

type fitMode int

const (
	fitNone fitMode = iota
	fitTrim
	fitStretch
)

func (m fitMode) String() string {
	switch m {
	case fitTrim:
		return "trim"
	case fitStretch:
		return "stretch"
	default:
		return "none"
	}
}

// fitPlan describes how a clip of length video is retimed to cover audio.
type fitPlan struct {
	mode fitMode
	// offset is where the centre trim starts.
	offset time.Duration
	// speed is video/audio; values below 1 slow playback.
	speed float64
	audio time.Duration
}

// planFit centre-trims a longer video and slows a shorter one. Audio is never retimed.
func planFit(video, audio time.Duration) fitPlan {
	switch {
	case video > audio:
		return fitPlan{mode: fitTrim, offset: (video - audio) / 2, speed: 1, audio: audio}
	case video < audio:
		return fitPlan{mode: fitStretch, speed: video.Seconds() / audio.Seconds(), audio: audio}
	default:
		return fitPlan{mode: fitNone, speed: 1, audio: audio}
	}
}

// Duration is the retimed clip length.
func (p fitPlan) Duration(video time.Duration) time.Duration {
	switch p.mode {
	case fitTrim, fitStretch:
		return p.audio
	default:
		return video
	}
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.6f", d.Seconds())
}

// videoFilter builds the per-scene chain: retime, normalise to the reference
// frame, fix the frame rate, then burn the caption.
func videoFilter(plan fitPlan, src media.Info, refW, refH, fps int, captionPath, fontsDir string) string {
	var parts []string

	switch plan.mode {
	case fitTrim:
		parts = append(parts,
			fmt.Sprintf("trim=start=%s:duration=%s", seconds(plan.offset), seconds(plan.audio)),
			"setpts=PTS-STARTPTS",
		)
	case fitStretch:
		parts = append(parts, fmt.Sprintf("setpts=%.6f*PTS", 1/plan.speed))
	default:
		parts = append(parts, "setpts=PTS-STARTPTS")
	}

	if src.Width != refW || src.Height != refH {
		parts = append(parts, fmt.Sprintf("scale=%d:%d", refW, refH))
	}
	parts = append(parts, "setsar=1", fmt.Sprintf("fps=%d", fps))

	if captionPath != "" {
		ass := fmt.Sprintf("ass='%s'", media.EscapeFilterPath(captionPath))
		if fontsDir != "" {
			ass += fmt.Sprintf(":fontsdir='%s'", media.EscapeFilterPath(fontsDir))
		}
		parts = append(parts, ass)
	}

	return "[0:v]" + strings.Join(parts, ",") + "[v]"
}
