// Package concat joins a session's segments into the final set artifact.
package concat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spynners/setcapture/internal/capture"
)

var ErrNoSegments = errors.New("no segments to concatenate")

// Joiner merges ordered audio payloads into a single file in format.
type Joiner interface {
	Join(ctx context.Context, payloads [][]byte, format string) ([]byte, error)
}

// Artifact is the final recording of a session.
type Artifact struct {
	Path     string        `json:"path"`
	Format   string        `json:"format"`
	Size     int64         `json:"size"`
	Segments int           `json:"segments"`
	Duration time.Duration `json:"duration"`
	// Fallback is set when joining failed and only the last segment survived.
	Fallback bool `json:"fallback"`
	// Leftovers lists the earlier segment files a fallback keeps on disk.
	Leftovers []string `json:"leftovers,omitempty"`
}

type Concatenator struct {
	joiner  Joiner
	dir     string
	format  string
	timeout time.Duration
}

func New(joiner Joiner, dir, format string, timeout time.Duration) *Concatenator {
	if dir == "" {
		dir = filepath.Join("data", "sets")
	}
	if format == "" {
		format = "m4a"
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Concatenator{joiner: joiner, dir: dir, format: format, timeout: timeout}
}

// Concatenate produces one artifact from the segments. A single segment is
// returned as-is. When joining fails the last segment becomes the artifact and
// earlier segments are left on disk and listed in Leftovers.
func (c *Concatenator) Concatenate(ctx context.Context, sessionID string, segments []capture.Segment) (Artifact, error) {
	if len(segments) == 0 {
		return Artifact{}, ErrNoSegments
	}

	ordered := append([]capture.Segment(nil), segments...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	if len(ordered) == 1 {
		return single(ordered[0], false)
	}

	artifact, err := c.join(ctx, sessionID, ordered)
	if err != nil {
		last := ordered[len(ordered)-1]
		leftovers := make([]string, 0, len(ordered)-1)
		for _, seg := range ordered[:len(ordered)-1] {
			leftovers = append(leftovers, seg.Path)
		}
		slog.Warn("concat: join failed, keeping last segment only",
			"session", sessionID, "segments", len(ordered), "fallback", last.Path, "leftovers", leftovers, "error", err)
		fallback, err := single(last, true)
		if err != nil {
			return Artifact{}, err
		}
		fallback.Leftovers = leftovers
		return fallback, nil
	}

	for _, seg := range ordered {
		if err := seg.Remove(); err != nil {
			slog.Warn("concat: segment cleanup failed", "segment", seg.Index, "error", err)
		}
	}
	return artifact, nil
}

func (c *Concatenator) join(ctx context.Context, sessionID string, segments []capture.Segment) (Artifact, error) {
	if c.joiner == nil {
		return Artifact{}, errors.New("no joiner configured")
	}

	payloads := make([][]byte, 0, len(segments))
	var total time.Duration
	for _, seg := range segments {
		data, err := seg.ReadPayload()
		if err != nil {
			return Artifact{}, err
		}
		payloads = append(payloads, data)
		total += seg.Duration
	}

	joinCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	joined, err := c.joiner.Join(joinCtx, payloads, c.format)
	if err != nil {
		return Artifact{}, fmt.Errorf("join %d segments: %w", len(segments), err)
	}
	if len(joined) == 0 {
		return Artifact{}, errors.New("joiner returned empty audio")
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create artifact directory: %w", err)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s.%s", sessionID, c.format))
	if err := os.WriteFile(path, joined, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	return Artifact{
		Path:     path,
		Format:   c.format,
		Size:     int64(len(joined)),
		Segments: len(segments),
		Duration: total,
	}, nil
}

func single(seg capture.Segment, fallback bool) (Artifact, error) {
	info, err := os.Stat(seg.Path)
	if err != nil {
		return Artifact{}, fmt.Errorf("stat segment %d: %w", seg.Index, err)
	}
	return Artifact{
		Path:     seg.Path,
		Format:   formatOf(seg.Path),
		Size:     info.Size(),
		Segments: 1,
		Duration: seg.Duration,
		Fallback: fallback,
	}, nil
}

func formatOf(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	return ext[1:]
}
