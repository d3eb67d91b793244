package storage

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a RecordingSession inside the outbox.
type SessionStatus string

const (
	SessionRecording   SessionStatus = "recording"
	SessionPendingSync SessionStatus = "pending_sync"
	SessionSyncing     SessionStatus = "syncing"
	SessionSynced      SessionStatus = "synced"
)

// RecordingStatus is the sync state of one queued OfflineRecording.
type RecordingStatus string

const (
	RecordingPending RecordingStatus = "pending"
	RecordingSyncing RecordingStatus = "syncing"
	RecordingSynced  RecordingStatus = "synced"
	RecordingFailed  RecordingStatus = "failed"
)

// Metadata is owned by collaborators outside the core (venue lookup, profile)
// and is carried through to the backend unmodified.
type Metadata struct {
	DJName    string            `json:"dj_name,omitempty"`
	Venue     string            `json:"venue,omitempty"`
	City      string            `json:"city,omitempty"`
	Country   string            `json:"country,omitempty"`
	Latitude  *float64          `json:"latitude,omitempty"`
	Longitude *float64          `json:"longitude,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type IdentifiedTrack struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Artist           string        `json:"artist"`
	Offset           time.Duration `json:"offset"`
	DedupKey         string        `json:"dedup_key"`
	ExternalTrackID  string        `json:"external_track_id,omitempty"`
	ProducerID       string        `json:"producer_id,omitempty"`
	CoverImage       string        `json:"cover_image,omitempty"`
	NotificationSent bool          `json:"notification_sent"`
	IdentifiedAt     time.Time     `json:"identified_at"`
}

// FormatMarkdown renders the track as one tracklist line.
func (t IdentifiedTrack) FormatMarkdown() string {
	offset := t.Offset.Round(time.Second)
	h := int(offset.Hours())
	m := int(offset.Minutes()) % 60
	s := int(offset.Seconds()) % 60

	artist := strings.TrimSpace(t.Artist)
	if artist == "" {
		artist = "Unknown"
	}
	return fmt.Sprintf("- **[%02d:%02d:%02d]** %s - %s", h, m, s, artist, strings.TrimSpace(t.Title))
}

// RecordingResult is the backend's per-recording answer to a sync request.
type RecordingResult struct {
	Success bool   `json:"success"`
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Message string `json:"message,omitempty"`
}

// OfflineRecording is one queued unit of audio. It holds either the raw payload
// or a path to a file it exclusively owns.
type OfflineRecording struct {
	ID        string           `json:"id"`
	AudioData []byte           `json:"audio_data,omitempty"`
	AudioPath string           `json:"audio_path,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Duration  time.Duration    `json:"duration"`
	Status    RecordingStatus  `json:"status"`
	Result    *RecordingResult `json:"result,omitempty"`
	// Leftovers are segment files kept beside a fallback artifact. They are
	// owned like AudioPath and removed with it.
	Leftovers []string `json:"leftovers,omitempty"`
}

// Payload returns the recording's audio bytes, reading the owned file when the
// payload is not held inline.
func (r OfflineRecording) Payload() ([]byte, error) {
	if len(r.AudioData) > 0 {
		return r.AudioData, nil
	}
	if r.AudioPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(r.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("read recording %s: %w", r.ID, err)
	}
	return data, nil
}

type RecordingSession struct {
	ID         string             `json:"id"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Status     SessionStatus      `json:"status"`
	Recordings []OfflineRecording `json:"recordings"`
	Tracks     []IdentifiedTrack  `json:"tracks"`
	Metadata   Metadata           `json:"metadata"`
	SyncedAt   *time.Time         `json:"synced_at,omitempty"`
	Recap      string             `json:"recap,omitempty"`

	Attempts      int        `json:"attempts,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Summary strips audio payloads so sessions can be listed cheaply.
func (s RecordingSession) Summary() RecordingSession {
	out := s
	out.Recordings = make([]OfflineRecording, len(s.Recordings))
	for i, rec := range s.Recordings {
		rec.AudioData = nil
		out.Recordings[i] = rec
	}
	out.Tracks = append([]IdentifiedTrack(nil), s.Tracks...)
	return out
}
