package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/export"
	"github.com/spynners/setcapture/internal/outbox"
	"github.com/spynners/setcapture/internal/session"
	"github.com/spynners/setcapture/internal/storage"
)

const serviceName = "setcapture"

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Controller drives the live capture session.
type Controller interface {
	Start(ctx context.Context, meta storage.Metadata) (string, error)
	Pause() error
	Resume() error
	Stop(ctx context.Context) (session.Summary, error)
	Analyze(ctx context.Context) (analyzer.Report, error)
	Status() session.Status
}

type Outbox interface {
	Sessions(ctx context.Context) ([]storage.RecordingSession, error)
	Session(ctx context.Context, id string) (storage.RecordingSession, error)
	GetPendingCount(ctx context.Context) (int, error)
	SyncNow(ctx context.Context) (outbox.SyncResult, error)
}

type History interface {
	Recognitions(ctx context.Context, sessionID string) ([]storage.IdentifiedTrack, error)
}

type Exporter interface {
	Export(ctx context.Context, src, name, format string) (export.Result, error)
}

// Deps are the components the API exposes. History and Exporter may be nil.
type Deps struct {
	Sessions           Controller
	Outbox             Outbox
	History            History
	Exporter           Exporter
	ACRCloudConfigured bool
	Online             func() bool
	Warnings           func() []string
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":              "healthy",
			"service":             serviceName,
			"acrcloud_configured": deps.ACRCloudConfigured,
			"online":              online(deps),
			"timestamp":           time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		pending, err := deps.Outbox.GetPendingCount(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("pending count: %v", err))
			return
		}
		var warnings []string
		if deps.Warnings != nil {
			warnings = deps.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":  deps.Sessions.Status(),
			"pending":  pending,
			"online":   online(deps),
			"warnings": warnings,
		})
	})

	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, r *http.Request) {
		var meta storage.Metadata
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid metadata: %v", err))
			return
		}

		id, err := deps.Sessions.Start(r.Context(), meta)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
	})

	mux.HandleFunc("POST /api/pause", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Pause(); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Resume(); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Sessions.Stop(r.Context())
		if errors.Is(err, session.ErrNoActiveSession) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		// A failed finish still reports what happened to the set.
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("POST /api/analyze", func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Sessions.Analyze(r.Context())
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /api/outbox", func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Outbox.Sessions(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.RecordingSession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("POST /api/outbox/sync", func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Outbox.SyncNow(r.Context())
		if err != nil {
			writeJSONError(w, statusFor(err), fmt.Sprintf("sync: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /api/outbox/{id}", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, deps.Outbox)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sess.Summary())
	})

	mux.HandleFunc("GET /api/outbox/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, deps.Outbox)
		if !ok {
			return
		}
		path, ok := audioPath(w, sess)
		if !ok {
			return
		}

		f, err := os.Open(path)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", contentTypeForAudio(path))
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	})

	mux.HandleFunc("POST /api/outbox/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		if deps.Exporter == nil {
			writeJSONError(w, http.StatusNotImplemented, "export not configured")
			return
		}
		sess, ok := lookupSession(w, r, deps.Outbox)
		if !ok {
			return
		}
		path, ok := audioPath(w, sess)
		if !ok {
			return
		}

		result, err := deps.Exporter.Export(r.Context(), path, sess.ID, r.URL.Query().Get("format"))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("export: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("GET /api/recognitions", func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			writeJSON(w, http.StatusOK, []storage.IdentifiedTrack{})
			return
		}
		sessionID := r.URL.Query().Get("session")
		if sessionID != "" && !idPattern.MatchString(sessionID) {
			writeJSONError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		tracks, err := deps.History.Recognitions(r.Context(), sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list recognitions: %v", err))
			return
		}
		if tracks == nil {
			tracks = []storage.IdentifiedTrack{}
		}
		writeJSON(w, http.StatusOK, tracks)
	})
}

func lookupSession(w http.ResponseWriter, r *http.Request, ob Outbox) (storage.RecordingSession, bool) {
	id := r.PathValue("id")
	if !idPattern.MatchString(id) {
		writeJSONError(w, http.StatusForbidden, "invalid session id")
		return storage.RecordingSession{}, false
	}
	sess, err := ob.Session(r.Context(), id)
	if err != nil {
		writeJSONError(w, statusFor(err), fmt.Sprintf("get session: %v", err))
		return storage.RecordingSession{}, false
	}
	return sess, true
}

func audioPath(w http.ResponseWriter, sess storage.RecordingSession) (string, bool) {
	for _, rec := range sess.Recordings {
		if rec.AudioPath == "" {
			continue
		}
		clean := filepath.Clean(rec.AudioPath)
		if clean == "." || strings.Contains(clean, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return "", false
		}
		return clean, true
	}
	writeJSONError(w, http.StatusNotFound, "audio not available")
	return "", false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrAlreadyActive),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, capture.ErrCaptureUnavailable),
		errors.Is(err, outbox.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, outbox.ErrSessionNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func online(deps Deps) bool {
	return deps.Online != nil && deps.Online()
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
