// Package assets gives access to the local video library that scenes are
// resolved against. Asset ids are plain file names inside one directory.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bobarin/storyreel/internal/media"
)

var ErrInvalidName = errors.New("invalid asset name")

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".m4v":  true,
	".mkv":  true,
	".webm": true,
}

// Prober reads media metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

type dims struct {
	width, height int
}

// Store is a directory of video files with a cache of probed frame sizes.
type Store struct {
	dir    string
	prober Prober

	mu   sync.RWMutex
	dims map[string]dims
}

func NewStore(dir string, prober Prober) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir: %w", err)
	}
	return &Store{
		dir:    dir,
		prober: prober,
		dims:   make(map[string]dims),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path maps an asset id to its file. Ids that would escape the directory are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether the asset is a regular file in the store.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// Dimensions returns the display size of the asset, probing it once.
func (s *Store) Dimensions(ctx context.Context, name string) (int, int, error) {
	s.mu.RLock()
	d, ok := s.dims[name]
	s.mu.RUnlock()
	if ok {
		return d.width, d.height, nil
	}

	path, err := s.Path(name)
	if err != nil {
		return 0, 0, err
	}
	if s.prober == nil {
		return 0, 0, fmt.Errorf("no prober configured")
	}

	info, err := s.prober.Probe(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	if !info.HasVideo {
		return 0, 0, fmt.Errorf("%s has no video stream", name)
	}

	s.mu.Lock()
	s.dims[name] = dims{width: info.Width, height: info.Height}
	s.mu.Unlock()

	return info.Width, info.Height, nil
}

// Remember seeds the dimension cache, e.g. from index metadata.
func (s *Store) Remember(name string, width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	s.mu.Lock()
	s.dims[name] = dims{width: width, height: height}
	s.mu.Unlock()
}

// List returns the video file names in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if videoExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
