package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/storyreel/internal/models"
	"gopkg.in/yaml.v3"
)

// Manifest lists the clips to index.
//
//	assets:
//	  - file: harbor_dawn.mp4
//	    description: Fishing boats leaving a harbor at dawn, calm water
//	    width: 1920   # optional; probed when missing
//	    height: 1080
type Manifest struct {
	Assets []ManifestEntry `yaml:"assets"`
}

type ManifestEntry struct {
	File        string `yaml:"file"`
	Description string `yaml:"description"`
	Width       int    `yaml:"width,omitempty"`
	Height      int    `yaml:"height,omitempty"`
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes and validates a manifest. Unknown keys are errors so
// typos do not silently drop metadata.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Assets) == 0 {
		return nil, fmt.Errorf("manifest lists no assets")
	}

	seen := make(map[string]int, len(m.Assets))
	for i := range m.Assets {
		e := &m.Assets[i]
		e.File = strings.TrimSpace(e.File)
		e.Description = strings.TrimSpace(e.Description)

		switch {
		case e.File == "":
			return nil, fmt.Errorf("asset %d: file is required", i+1)
		case filepath.Base(e.File) != e.File:
			return nil, fmt.Errorf("asset %d: file %q must be a bare file name", i+1, e.File)
		case e.Description == "":
			return nil, fmt.Errorf("asset %d (%s): description is required", i+1, e.File)
		case e.Width < 0 || e.Height < 0 || (e.Width == 0) != (e.Height == 0):
			return nil, fmt.Errorf("asset %d (%s): width and height must be given together", i+1, e.File)
		}
		if prev, dup := seen[e.File]; dup {
			return nil, fmt.Errorf("asset %d: %s already listed as asset %d", i+1, e.File, prev)
		}
		seen[e.File] = i + 1
	}
	return &m, nil
}

// Metadata converts the entries into index metadata.
func (m *Manifest) Metadata() []models.AssetMetadata {
	out := make([]models.AssetMetadata, len(m.Assets))
	for i, e := range m.Assets {
		out[i] = models.AssetMetadata{
			FileName:    e.File,
			Description: e.Description,
			Width:       e.Width,
			Height:      e.Height,
		}
	}
	return out
}
