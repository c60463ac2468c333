package compose

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

const outputBaseName = "final_edit"

var outputPattern = regexp.MustCompile(`^` + outputBaseName + `_(\d+)\.mp4$`)

// NextOutputPath reserves dir/final_edit_N.mp4 with N one above the highest
// existing index. The empty placeholder is created exclusively so two
// renders never share a name; the final rename replaces it.
func NextOutputPath(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list output dir: %w", err)
	}

	next := 1
	for _, entry := range entries {
		m := outputPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= next {
			next = n + 1
		}
	}

	for attempt := 0; attempt < 1000; attempt++ {
		path := filepath.Join(dir, fmt.Sprintf("%s_%d.mp4", outputBaseName, next))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, os.ErrExist) {
			next++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to reserve output path: %w", err)
		}
		f.Close()
		return path, nil
	}

	return "", fmt.Errorf("failed to reserve output path in %s", dir)
}
