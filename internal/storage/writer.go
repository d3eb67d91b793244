package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TracklistWriter appends identified tracks to a per-day markdown tracklist.
type TracklistWriter struct {
	dir string
	mu  sync.Mutex
}

func NewTracklistWriter(dir string) *TracklistWriter {
	return &TracklistWriter{dir: dir}
}

func (w *TracklistWriter) Append(sessionID string, track IdentifiedTrack) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	ts := track.IdentifiedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	path := w.pathFor(ts)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "%s <!-- %s -->\n", track.FormatMarkdown(), sessionID); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *TracklistWriter) CurrentPath() string {
	return w.pathFor(time.Now())
}

func (w *TracklistWriter) pathFor(ts time.Time) string {
	return filepath.Join(w.dir, ts.Format("2006-01-02")+"-tracklist.md")
}
