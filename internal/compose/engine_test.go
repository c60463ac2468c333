package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyreel/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTools struct {
	t        *testing.T
	infos    map[string]media.Info
	encodeFn func(args []string) error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeTools) NewSession(label string) (Session, error) {
	s := &fakeSession{tools: f, dir: f.t.TempDir()}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

type fakeSession struct {
	tools    *fakeTools
	dir      string
	encodes  [][]string
	releases []func() error
	closed   int
}

func (s *fakeSession) Probe(ctx context.Context, path string) (media.Info, error) {
	info, ok := s.tools.infos[path]
	if !ok {
		return media.Info{}, errors.New("moov atom not found")
	}
	return info, nil
}

func (s *fakeSession) Encode(ctx context.Context, args ...string) error {
	s.encodes = append(s.encodes, args)
	if s.tools.encodeFn != nil {
		if err := s.tools.encodeFn(args); err != nil {
			return err
		}
	}
	return os.WriteFile(args[len(args)-1], []byte("mp4"), 0644)
}

func (s *fakeSession) TempFile(name string) (string, error) {
	path := filepath.Join(s.dir, name)
	s.Track(name, func() error { return os.Remove(path) })
	return path, nil
}

func (s *fakeSession) Track(name string, release func() error) {
	s.releases = append(s.releases, release)
}

func (s *fakeSession) Close() error {
	s.closed++
	for i := len(s.releases) - 1; i >= 0; i-- {
		_ = s.releases[i]()
	}
	s.releases = nil
	return nil
}

func video(d time.Duration, w, h int) media.Info {
	return media.Info{Duration: d, Width: w, Height: h, HasVideo: true, HasAudio: true}
}

func audio(d time.Duration) media.Info {
	return media.Info{Duration: d, HasAudio: true}
}

func filterOf(args []string) string {
	for i, a := range args {
		if a == "-filter_complex" {
			return args[i+1]
		}
	}
	return ""
}

func TestComposeRejectsEmptyInputWithoutSession(t *testing.T) {
	tools := &fakeTools{t: t}
	e := New(tools)

	_, err := e.Compose(context.Background(), "job", nil, filepath.Join(t.TempDir(), "out.mp4"), nil)
	assert.ErrorIs(t, err, ErrNoScenesProvided)
	assert.Empty(t, tools.sessions)
}

func TestComposeFitsEachClipToNarration(t *testing.T) {
	tools := &fakeTools{t: t, infos: map[string]media.Info{
		"a.mp4": video(10*time.Second, 1920, 1080),
		"a.mp3": audio(4 * time.Second),
		"b.mp4": video(2*time.Second, 1280, 720),
		"b.mp3": audio(4 * time.Second),
	}}
	e := New(tools)
	out := filepath.Join(t.TempDir(), "output", "final_edit_1.mp4")

	var steps []int
	res, err := e.Compose(context.Background(), "job", []Clip{
		{SceneIndex: 1, AssetPath: "a.mp4", AudioPath: "a.mp3", Subtitle: "first"},
		{SceneIndex: 2, AssetPath: "b.mp4", AudioPath: "b.mp3"},
	}, out, func(done, total int) { steps = append(steps, done) })
	require.NoError(t, err)

	assert.Equal(t, out, res.OutputPath)
	assert.Equal(t, 1920, res.Width)
	assert.Equal(t, 1080, res.Height)
	assert.Equal(t, []int{1, 2}, res.Rendered)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, 8*time.Second, res.Duration)
	assert.Equal(t, []int{1, 2, 3}, steps)
	assert.FileExists(t, out)

	s := tools.sessions[0]
	require.Len(t, s.encodes, 3)

	first := filterOf(s.encodes[0])
	assert.Contains(t, first, "trim=start=3.000000:duration=4.000000")
	assert.NotContains(t, first, "scale=")
	assert.Contains(t, first, "fps=24")
	assert.Contains(t, first, "ass='")
	assert.Contains(t, strings.Join(s.encodes[0], " "), "-t 4.000000")

	second := filterOf(s.encodes[1])
	assert.Contains(t, second, "setpts=2.000000*PTS")
	assert.Contains(t, second, "scale=1920:1080")
	assert.NotContains(t, second, "ass=")

	concat := strings.Join(s.encodes[2], " ")
	assert.Contains(t, concat, "-f concat")
	assert.Contains(t, concat, "-r 24")

	assert.Equal(t, 1, s.closed)
	assert.Empty(t, s.releases)
	_, err = os.Stat(filepath.Join(filepath.Dir(out), ".final_edit_1.mp4.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestComposeKeepsScenesSharingAnIndex(t *testing.T) {
	var concatList string
	tools := &fakeTools{
		t: t,
		infos: map[string]media.Info{
			"a.mp4": video(4*time.Second, 1920, 1080),
			"b.mp4": video(4*time.Second, 1920, 1080),
			"a.mp3": audio(4 * time.Second),
			"b.mp3": audio(4 * time.Second),
		},
		encodeFn: func(args []string) error {
			for i, arg := range args {
				if arg == "concat" && i+4 < len(args) {
					raw, err := os.ReadFile(args[i+4])
					if err != nil {
						return err
					}
					concatList = string(raw)
				}
			}
			return nil
		},
	}
	e := New(tools)

	res, err := e.Compose(context.Background(), "job", []Clip{
		{SceneIndex: 1, AssetPath: "a.mp4", AudioPath: "a.mp3", Subtitle: "first"},
		{SceneIndex: 1, AssetPath: "b.mp4", AudioPath: "b.mp3", Subtitle: "second"},
	}, filepath.Join(t.TempDir(), "out.mp4"), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, res.Rendered)

	s := tools.sessions[0]
	require.Len(t, s.encodes, 3)
	segA := s.encodes[0][len(s.encodes[0])-1]
	segB := s.encodes[1][len(s.encodes[1])-1]
	assert.NotEqual(t, segA, segB)
	assert.NotEqual(t, filterOf(s.encodes[0]), filterOf(s.encodes[1]), "captions get their own files")

	lines := strings.Split(strings.TrimSpace(concatList), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], filepath.Base(segA))
	assert.Contains(t, lines[1], filepath.Base(segB))
}

func TestComposeSkipsScenesThatFailToLoad(t *testing.T) {
	tools := &fakeTools{t: t, infos: map[string]media.Info{
		"good.mp4": video(5*time.Second, 1080, 1920),
		"good.mp3": audio(5 * time.Second),
		"mute.mp3": {Duration: time.Second},
		"ok2.mp4":  video(3*time.Second, 1080, 1920),
	}}
	e := New(tools, WithFPS(30))

	res, err := e.Compose(context.Background(), "job", []Clip{
		{SceneIndex: 1, AssetPath: "corrupt.mp4", AudioPath: "good.mp3"},
		{SceneIndex: 2, AssetPath: "good.mp4", AudioPath: "good.mp3", Subtitle: "kept"},
		{SceneIndex: 3, AssetPath: "ok2.mp4", AudioPath: "mute.mp3"},
	}, filepath.Join(t.TempDir(), "out.mp4"), nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2}, res.Rendered)
	require.Len(t, res.Dropped, 2)
	assert.Equal(t, 1, res.Dropped[0].SceneIndex)
	assert.Contains(t, res.Dropped[0].Reason, "load video")
	assert.Equal(t, 3, res.Dropped[1].SceneIndex)
	assert.Equal(t, 2, res.Dropped[1].Position)

	// Reference frame comes from the first asset that loaded.
	assert.Equal(t, 1080, res.Width)
	assert.Equal(t, 1920, res.Height)

	filter := filterOf(tools.sessions[0].encodes[0])
	assert.Contains(t, filter, "setpts=PTS-STARTPTS")
	assert.Contains(t, filter, "fps=30")
}

func TestComposeFailsWhenNothingLoads(t *testing.T) {
	tools := &fakeTools{t: t, infos: map[string]media.Info{}}
	e := New(tools)

	_, err := e.Compose(context.Background(), "job", []Clip{
		{SceneIndex: 1, AssetPath: "x.mp4", AudioPath: "x.mp3"},
	}, filepath.Join(t.TempDir(), "out.mp4"), nil)
	assert.ErrorIs(t, err, ErrNoValidClips)
	require.Len(t, tools.sessions, 1)
	assert.Equal(t, 1, tools.sessions[0].closed)
}

func TestComposeCleansUpWhenEncoderFails(t *testing.T) {
	tools := &fakeTools{
		t: t,
		infos: map[string]media.Info{
			"a.mp4": video(4*time.Second, 640, 360),
			"a.mp3": audio(4 * time.Second),
		},
		encodeFn: func(args []string) error {
			if strings.Contains(strings.Join(args, " "), "-f concat") {
				return errors.New("exit status 1: Conversion failed!")
			}
			return nil
		},
	}
	e := New(tools)
	out := filepath.Join(t.TempDir(), "out.mp4")

	_, err := e.Compose(context.Background(), "job", []Clip{
		{SceneIndex: 1, AssetPath: "a.mp4", AudioPath: "a.mp3", Subtitle: "hi"},
	}, out, nil)
	assert.ErrorContains(t, err, "concatenate")
	assert.ErrorIs(t, err, ErrEncoderFailed)

	s := tools.sessions[0]
	assert.Equal(t, 1, s.closed)
	assert.Empty(t, s.releases)
	assert.NoFileExists(t, out)
	entries, _ := os.ReadDir(s.dir)
	assert.Empty(t, entries, "temp files must be released")
}

func TestComposeCleansUpOnPanic(t *testing.T) {
	tools := &fakeTools{
		t: t,
		infos: map[string]media.Info{
			"a.mp4": video(4*time.Second, 640, 360),
			"a.mp3": audio(4 * time.Second),
		},
		encodeFn: func(args []string) error { panic("decoder crashed") },
	}
	e := New(tools)

	assert.Panics(t, func() {
		_, _ = e.Compose(context.Background(), "job", []Clip{
			{SceneIndex: 1, AssetPath: "a.mp4", AudioPath: "a.mp3"},
		}, filepath.Join(t.TempDir(), "out.mp4"), nil)
	})
	assert.Equal(t, 1, tools.sessions[0].closed)
}
