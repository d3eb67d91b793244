package session

import (
	"context"
	"time"

	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/concat"
	"github.com/spynners/setcapture/internal/storage"
)

// Capture is one session's recorder. A capture is used for a single session
// and then discarded.
type Capture interface {
	Start(ctx context.Context, sessionID string) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) ([]capture.Segment, error)
	State() capture.State
	Elapsed() time.Duration
	Segments() []capture.Segment
	OnInterrupted(fn func(error))
	analyzer.Source
}

type Analyzer interface {
	Start(sessionID string) error
	Stop()
	Tracks() []storage.IdentifiedTrack
	Analyze(ctx context.Context) analyzer.Report
	OnReport(fn func(analyzer.Report))
	OnTrack(fn func(storage.IdentifiedTrack))
}

type Concatenator interface {
	Concatenate(ctx context.Context, sessionID string, segments []capture.Segment) (concat.Artifact, error)
}

// Outbox queues a finished set. QueueSession must append the recording and
// close the session in one write.
type Outbox interface {
	QueueSession(ctx context.Context, rec storage.OfflineRecording, meta storage.Metadata, tracks []storage.IdentifiedTrack) (storage.RecordingSession, error)
	SetRecap(ctx context.Context, id, recap string) error
}

type RecapWriter interface {
	Write(ctx context.Context, session storage.RecordingSession) (string, error)
}

// History records positive recognitions for later listing.
type History interface {
	RecordRecognition(ctx context.Context, sessionID string, track storage.IdentifiedTrack) error
}

type Tracklist interface {
	Append(sessionID string, track storage.IdentifiedTrack) error
}

type EventBroadcaster interface {
	BroadcastSessionStarted(sessionID string)
	BroadcastStatusChanged(sessionID, state string)
	BroadcastAnalysis(report analyzer.Report)
	BroadcastTrackIdentified(sessionID string, track storage.IdentifiedTrack)
	BroadcastSessionEnded(summary Summary)
	BroadcastRecapReady(sessionID, recap, status string)
}

// Status is a point-in-time view of the manager.
type Status struct {
	SessionID string                    `json:"session_id,omitempty"`
	State     string                    `json:"state"`
	StartedAt *time.Time                `json:"started_at,omitempty"`
	Elapsed   float64                   `json:"elapsed"`
	Segments  int                       `json:"segments"`
	Tracks    []storage.IdentifiedTrack `json:"tracks"`
}

// Summary describes how a session ended.
type Summary struct {
	SessionID string        `json:"session_id"`
	OutboxID  string        `json:"outbox_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	Tracks    int           `json:"tracks"`
	Artifact  string        `json:"artifact,omitempty"`
	Fallback  bool          `json:"fallback"`
	Queued    bool          `json:"queued"`
	Error     string        `json:"error,omitempty"`
}

const (
	RecapRunning   = "running"
	RecapCompleted = "completed"
	RecapSkipped   = "skipped"
	RecapFailed    = "failed"
)
