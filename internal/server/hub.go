package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/session"
	"github.com/spynners/setcapture/internal/storage"
)

// Hub fans events out to websocket subscribers. Slow subscribers miss events
// rather than block the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastSessionStarted(sessionID string) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastStatusChanged(sessionID, state string) {
	h.broadcastEvent(StatusChangedEvent{
		Event:     newEvent("status_changed", time.Now().UTC()),
		SessionID: sessionID,
		State:     state,
	})
}

func (h *Hub) BroadcastAnalysis(report analyzer.Report) {
	h.broadcastEvent(AnalysisEvent{
		Event:     newEvent("analysis", report.At),
		SessionID: report.SessionID,
		Status:    string(report.Status),
		Message:   report.Message,
		Segment:   report.Segment,
	})
}

func (h *Hub) BroadcastTrackIdentified(sessionID string, track storage.IdentifiedTrack) {
	h.broadcastEvent(TrackIdentifiedEvent{
		Event:     newEvent("track_identified", track.IdentifiedAt),
		SessionID: sessionID,
		Track:     track,
	})
}

func (h *Hub) BroadcastSessionEnded(summary session.Summary) {
	h.broadcastEvent(SessionEndedEvent{
		Event:     newEvent("session_ended", time.Now().UTC()),
		SessionID: summary.SessionID,
		OutboxID:  summary.OutboxID,
		Duration:  summary.Duration.Seconds(),
		Tracks:    summary.Tracks,
		Fallback:  summary.Fallback,
		Queued:    summary.Queued,
		Error:     summary.Error,
	})
}

func (h *Hub) BroadcastRecapReady(sessionID, recap, status string) {
	h.broadcastEvent(RecapReadyEvent{
		Event:     newEvent("recap_ready", time.Now().UTC()),
		SessionID: sessionID,
		Recap:     recap,
		Status:    status,
	})
}

func (h *Hub) BroadcastOutboxChanged(pending int) {
	h.broadcastEvent(OutboxChangedEvent{
		Event:   newEvent("outbox_changed", time.Now().UTC()),
		Pending: pending,
	})
}

func (h *Hub) BroadcastConnectivity(online bool) {
	h.broadcastEvent(ConnectivityEvent{
		Event:  newEvent("connectivity", time.Now().UTC()),
		Online: online,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("server: event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
