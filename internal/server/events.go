package server

import (
	"time"

	"github.com/spynners/setcapture/internal/storage"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type StatusChangedEvent struct {
	Event
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type AnalysisEvent struct {
	Event
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Segment   int    `json:"segment"`
}

type TrackIdentifiedEvent struct {
	Event
	SessionID string                  `json:"session_id"`
	Track     storage.IdentifiedTrack `json:"track"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	OutboxID  string  `json:"outbox_id,omitempty"`
	Duration  float64 `json:"duration"`
	Tracks    int     `json:"tracks"`
	Fallback  bool    `json:"fallback"`
	Queued    bool    `json:"queued"`
	Error     string  `json:"error,omitempty"`
}

type RecapReadyEvent struct {
	Event
	SessionID string `json:"session_id"`
	Recap     string `json:"recap"`
	Status    string `json:"status"`
}

type OutboxChangedEvent struct {
	Event
	Pending int `json:"pending"`
}

type ConnectivityEvent struct {
	Event
	Online bool `json:"online"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
