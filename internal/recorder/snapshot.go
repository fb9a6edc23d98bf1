package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotWriter stores diagnostic page captures (screenshot + markup)
// taken when an answer extraction comes back empty.
type SnapshotWriter struct {
	dir string
}

func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir}
}

// Write persists the visual capture and page markup under a shared
// timestamped base name and returns it. Either artifact may be empty.
func (w *SnapshotWriter) Write(label string, screenshot []byte, html string) (string, error) {
	if w.dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	base := filepath.Join(w.dir, fmt.Sprintf("empty_%s_%d", label, time.Now().UnixMilli()))
	if len(screenshot) > 0 {
		if err := os.WriteFile(base+".png", screenshot, 0o644); err != nil {
			return base, fmt.Errorf("write screenshot: %w", err)
		}
	}
	if html != "" {
		if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
			return base, fmt.Errorf("write page markup: %w", err)
		}
	}
	return base, nil
}
