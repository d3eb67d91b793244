package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTracklistWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewTracklistWriter(dir)

	track := IdentifiedTrack{
		ID:           "t1",
		Title:        "Strings of Life",
		Artist:       "Rhythim Is Rhythim",
		Offset:       90 * time.Second,
		IdentifiedAt: time.Date(2026, 2, 26, 23, 30, 0, 0, time.Local),
	}

	if err := w.Append("s1", track); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2026-02-26-tracklist.md"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "[00:01:30]") {
		t.Errorf("expected offset in content, got: %s", content)
	}
	if !strings.Contains(content, "Rhythim Is Rhythim - Strings of Life") {
		t.Errorf("expected artist and title in content, got: %s", content)
	}
	if !strings.Contains(content, "s1") {
		t.Errorf("expected session id in content, got: %s", content)
	}
}

func TestTracklistWriterMultipleAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewTracklistWriter(dir)
	ts := time.Date(2026, 2, 26, 23, 30, 0, 0, time.Local)

	_ = w.Append("s1", IdentifiedTrack{ID: "a", Title: "First", IdentifiedAt: ts})
	_ = w.Append("s1", IdentifiedTrack{ID: "b", Title: "Second", IdentifiedAt: ts})

	data, _ := os.ReadFile(filepath.Join(dir, "2026-02-26-tracklist.md"))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Unknown - First") {
		t.Fatalf("expected unknown artist placeholder, got %q", lines[0])
	}
}
