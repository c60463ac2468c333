package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTTS struct {
	gotVoice string
	resp     *TTSResponse
	err      error
	block    bool
}

func (f *fakeTTS) GenerateSpeech(ctx context.Context, text, voice string) (*TTSResponse, error) {
	f.gotVoice = voice
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func TestAudioWriterWritesUniqueFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audios")
	provider := &fakeTTS{resp: &TTSResponse{AudioData: []byte("ID3"), Format: "mp3"}}
	w, err := NewAudioWriter(provider, dir)
	require.NoError(t, err)

	first, err := w.Synthesize(context.Background(), "안녕하세요", "")
	require.NoError(t, err)
	second, err := w.Synthesize(context.Background(), "again", "nova")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, dir, filepath.Dir(first))
	assert.True(t, strings.HasSuffix(first, ".mp3"))
	assert.Equal(t, "nova", provider.gotVoice)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "ID3", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestAudioWriterUsesDefaultVoice(t *testing.T) {
	provider := &fakeTTS{resp: &TTSResponse{AudioData: []byte("x")}}
	w, err := NewAudioWriter(provider, t.TempDir(), WithDefaultVoice("shimmer"))
	require.NoError(t, err)

	_, err = w.Synthesize(context.Background(), "text", "")
	require.NoError(t, err)
	assert.Equal(t, "shimmer", provider.gotVoice)
}

func TestAudioWriterDistinguishesTimeout(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	w, err := NewAudioWriter(&fakeTTS{block: true}, t.TempDir(),
		WithSynthesisTimeout(20*time.Millisecond), WithAudioMetrics(m))
	require.NoError(t, err)

	_, err = w.Synthesize(context.Background(), "slow", "")
	assert.ErrorIs(t, err, ErrSynthesisTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SynthesisFailures.WithLabelValues("timeout")))
}

func TestAudioWriterProviderFailure(t *testing.T) {
	w, err := NewAudioWriter(&fakeTTS{err: errors.New("quota exceeded")}, t.TempDir())
	require.NoError(t, err)

	_, err = w.Synthesize(context.Background(), "text", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSynthesisTimeout)

	_, err = w.Synthesize(context.Background(), "  ", "")
	assert.Error(t, err)

	w, err = NewAudioWriter(&fakeTTS{resp: &TTSResponse{}}, t.TempDir())
	require.NoError(t, err)
	_, err = w.Synthesize(context.Background(), "text", "")
	assert.ErrorContains(t, err, "empty audio")
}
