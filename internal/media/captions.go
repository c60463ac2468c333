package media

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Caption overlay: one bottom-centred dialogue line spanning the whole clip.
// PlayRes matches the reference resolution so sizes below are in output
// pixels, scaled from a 1080-line canvas.

const (
	DefaultCaptionFont     = "Noto Sans KR Medium"
	DefaultCaptionFontSize = 24

	captionBaseHeight = 1080
	captionMarginH    = 40
	captionMarginV    = 24
	captionOutline    = 2

	// ASS colours are &HAABBGGRR.
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorSemiBlack = "&H80000000"
)

// CaptionStyle sizes the overlay for a frame. FontSize is given for a
// 1080-line frame and scaled to Height.
type CaptionStyle struct {
	Width    int
	Height   int
	FontName string
	FontSize int
}

func (c CaptionStyle) scale(v int) int {
	if c.Height <= 0 {
		return v
	}
	scaled := v * c.Height / captionBaseHeight
	if scaled < 1 {
		return 1
	}
	return scaled
}

// WriteCaption writes an ASS file that shows text for the full duration,
// wrapped to the frame width and anchored bottom centre.
func WriteCaption(path, text string, duration time.Duration, style CaptionStyle) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no caption text")
	}
	if style.Width <= 0 || style.Height <= 0 {
		return fmt.Errorf("invalid caption canvas %dx%d", style.Width, style.Height)
	}

	if style.FontName == "" {
		style.FontName = DefaultCaptionFont
	}
	if style.FontSize <= 0 {
		style.FontSize = DefaultCaptionFontSize
	}

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&sb, "PlayResX: %d\n", style.Width)
	fmt.Fprintf(&sb, "PlayResY: %d\n", style.Height)
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(&sb,
		"Style: Caption,%s,%d,%s,%s,%s,%s,0,0,0,0,100,100,0,0,1,%d,0,2,%d,%d,%d,1\n",
		style.FontName, style.scale(style.FontSize),
		assColorWhite,
		assColorWhite,
		assColorBlack,
		assColorSemiBlack,
		style.scale(captionOutline),
		style.scale(captionMarginH),
		style.scale(captionMarginH),
		style.scale(captionMarginV),
	)
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	fmt.Fprintf(&sb,
		"Dialogue: 0,%s,%s,Caption,,0,0,0,,%s\n",
		formatASSTime(0),
		formatASSTime(duration.Seconds()),
		escapeASSText(text),
	)

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write caption file: %w", err)
	}
	return nil
}

// escapeASSText neutralises override blocks and keeps explicit line breaks.
func escapeASSText(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "{", "\\{")
	text = strings.ReplaceAll(text, "}", "\\}")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\\N")
}

// formatASSTime converts seconds to H:MM:SS.CC.
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	total := int(seconds * 100)
	hours := total / 360000
	minutes := (total % 360000) / 6000
	secs := (total % 6000) / 100
	centiseconds := total % 100

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
