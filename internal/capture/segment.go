package capture

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Segment is one finalized slice of the recording. It owns the file at Path
// until a concatenation absorbs it.
type Segment struct {
	Index       int           `json:"index"`
	Path        string        `json:"path"`
	Offset      time.Duration `json:"offset"`
	Duration    time.Duration `json:"duration"`
	FinalizedAt time.Time     `json:"finalized_at"`
}

// End is the session-relative time at which the segment stops.
func (s Segment) End() time.Duration {
	return s.Offset + s.Duration
}

func (s Segment) ReadPayload() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read segment %d: %w", s.Index, err)
	}
	return data, nil
}

// Remove deletes the segment file. A file that is already gone is not an error.
func (s Segment) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove segment %d: %w", s.Index, err)
	}
	return nil
}
