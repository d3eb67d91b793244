// Package analyzer periodically sends the freshest finalized segment to a
// recognizer and keeps the session's deduplicated track list.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/dedup"
	"github.com/spynners/setcapture/internal/storage"
)

var ErrAlreadyRunning = errors.New("analyzer already running")

type Status string

const (
	StatusIdentified        Status = "identified"
	StatusAlreadyIdentified Status = "already_identified"
	StatusNoMatch           Status = "no_match"
	StatusNoAudio           Status = "no_audio"
	StatusRecognitionFailed Status = "recognition_failed"
	StatusBusy              Status = "busy"
	StatusInactive          Status = "inactive"
)

// Report is the outcome of one analysis tick.
type Report struct {
	SessionID string                   `json:"session_id"`
	Status    Status                   `json:"status"`
	Message   string                   `json:"message"`
	Track     *storage.IdentifiedTrack `json:"track,omitempty"`
	Segment   int                      `json:"segment"`
	At        time.Time                `json:"at"`
}

// Recognition is what a recognizer found in one slice of audio.
type Recognition struct {
	Success         bool
	Title           string
	Artist          string
	CoverImage      string
	ExternalTrackID string
	ProducerID      string
	Message         string
}

type Recognizer interface {
	Recognize(ctx context.Context, audio []byte) (Recognition, error)
}

// Notifier tells a track's producer that it was played.
type Notifier interface {
	NotifyProducer(ctx context.Context, sessionID string, track storage.IdentifiedTrack) error
}

// Source is the capture side the analyzer reads from.
type Source interface {
	LatestSegment() (capture.Segment, bool)
	Rotate(ctx context.Context) error
}

type Options struct {
	FirstDelay time.Duration
	Interval   time.Duration
	Timeout    time.Duration
	// RotateBeforeAnalyze forces a rotation on each tick for back-ends that
	// cannot read the in-progress recording.
	RotateBeforeAnalyze bool
	Matcher             dedup.Matcher
	NotifyTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.FirstDelay <= 0 {
		o.FirstDelay = 15 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Matcher == nil {
		o.Matcher = dedup.Substring{}
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = 10 * time.Second
	}
	return o
}

type Analyzer struct {
	source     Source
	recognizer Recognizer
	notifier   Notifier
	opts       Options

	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	running   bool
	busy      bool
	gen       uint64
	sessionID string
	first     *time.Timer
	periodic  *time.Timer
	cancelRun context.CancelFunc
	tracks    []storage.IdentifiedTrack
	onReport  []func(Report)
	onTrack   []func(storage.IdentifiedTrack)
}

// New builds an analyzer. notifier may be nil.
func New(source Source, recognizer Recognizer, notifier Notifier, opts Options) *Analyzer {
	return &Analyzer{
		source:     source,
		recognizer: recognizer,
		notifier:   notifier,
		opts:       opts.withDefaults(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (a *Analyzer) OnReport(fn func(Report)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onReport = append(a.onReport, fn)
}

func (a *Analyzer) OnTrack(fn func(storage.IdentifiedTrack)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTrack = append(a.onTrack, fn)
}

// Start begins the tick cadence for a new session and clears the track list.
func (a *Analyzer) Start(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return ErrAlreadyRunning
	}
	a.running = true
	a.busy = false
	a.gen++
	a.sessionID = sessionID
	a.tracks = nil

	gen := a.gen
	a.first = time.AfterFunc(a.opts.FirstDelay, func() { a.tick(gen, false) })
	a.periodic = time.AfterFunc(a.opts.Interval, func() { a.tick(gen, true) })
	return nil
}

// Stop cancels both timers and any in-flight recognition. Results that land
// afterwards are discarded.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false
	a.busy = false
	a.gen++
	if a.first != nil {
		a.first.Stop()
		a.first = nil
	}
	if a.periodic != nil {
		a.periodic.Stop()
		a.periodic = nil
	}
	if a.cancelRun != nil {
		a.cancelRun()
		a.cancelRun = nil
	}
}

func (a *Analyzer) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Tracks returns the identified tracks in the order they were appended.
func (a *Analyzer) Tracks() []storage.IdentifiedTrack {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.IdentifiedTrack(nil), a.tracks...)
}

func (a *Analyzer) tick(gen uint64, reschedule bool) {
	a.mu.Lock()
	if !a.running || a.gen != gen {
		a.mu.Unlock()
		return
	}
	if reschedule {
		a.periodic = time.AfterFunc(a.opts.Interval, func() { a.tick(gen, true) })
	}
	a.mu.Unlock()

	report := a.Analyze(context.Background())
	if report.Status == StatusBusy {
		slog.Debug("analyzer: tick skipped, previous run still in progress")
	}
}

// Analyze runs one recognition pass. A call made while another pass is in
// flight returns StatusBusy immediately and is not queued.
func (a *Analyzer) Analyze(ctx context.Context) Report {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return Report{Status: StatusInactive, Message: "Not recording", At: a.now()}
	}
	if a.busy {
		sessionID := a.sessionID
		a.mu.Unlock()
		return Report{SessionID: sessionID, Status: StatusBusy, Message: "Analysis already in progress", At: a.now()}
	}
	a.busy = true
	gen := a.gen
	sessionID := a.sessionID
	runCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	a.cancelRun = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		if a.gen == gen {
			a.busy = false
			a.cancelRun = nil
		}
		a.mu.Unlock()
	}()

	report := a.run(runCtx, gen, sessionID)
	report.SessionID = sessionID
	report.At = a.now()
	a.emit(gen, report)
	return report
}

func (a *Analyzer) run(ctx context.Context, gen uint64, sessionID string) Report {
	if a.opts.RotateBeforeAnalyze {
		if err := a.source.Rotate(ctx); err != nil && !errors.Is(err, capture.ErrNotRecording) {
			slog.Warn("analyzer: rotation before analysis failed", "session", sessionID, "error", err)
			return Report{Status: StatusNoAudio, Segment: -1, Message: "Capture interrupted"}
		}
	}

	seg, ok := a.source.LatestSegment()
	if !ok {
		return Report{Status: StatusNoAudio, Segment: -1, Message: "Listening, not enough audio yet"}
	}

	audio, err := seg.ReadPayload()
	if err != nil || len(audio) == 0 {
		if err != nil {
			slog.Warn("analyzer: segment unreadable", "segment", seg.Index, "error", err)
		}
		return Report{Status: StatusNoAudio, Segment: seg.Index, Message: "No audio captured"}
	}

	result, err := a.recognizer.Recognize(ctx, audio)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn("analyzer: recognition timed out", "segment", seg.Index)
			return Report{Status: StatusRecognitionFailed, Segment: seg.Index, Message: "Recognition timed out"}
		}
		slog.Warn("analyzer: recognition failed", "segment", seg.Index, "error", err)
		return Report{Status: StatusRecognitionFailed, Segment: seg.Index, Message: "Recognition failed"}
	}

	if !result.Success || strings.TrimSpace(result.Title) == "" {
		msg := strings.TrimSpace(result.Message)
		if msg == "" {
			msg = "No track identified"
		}
		return Report{Status: StatusNoMatch, Segment: seg.Index, Message: msg}
	}

	// A title made only of punctuation has no usable key on its own; without
	// one the track could never be recognized as a repeat.
	key := dedup.Normalize(result.Title)
	if key == "" {
		key = dedup.Normalize(result.Artist + " " + result.Title)
	}
	if key == "" {
		return Report{Status: StatusNoMatch, Segment: seg.Index, Message: "No track identified"}
	}

	return a.record(gen, sessionID, seg, result, key)
}

func (a *Analyzer) record(gen uint64, sessionID string, seg capture.Segment, result Recognition, key string) Report {
	title := strings.TrimSpace(result.Title)
	artist := strings.TrimSpace(result.Artist)

	a.mu.Lock()
	if !a.running || a.gen != gen {
		a.mu.Unlock()
		return Report{Status: StatusInactive, Segment: seg.Index, Message: "Session ended"}
	}

	existing := make([]string, 0, len(a.tracks))
	for _, t := range a.tracks {
		existing = append(existing, t.DedupKey)
	}
	if a.opts.Matcher.Match(key, existing) {
		a.mu.Unlock()
		return Report{
			Status:  StatusAlreadyIdentified,
			Segment: seg.Index,
			Message: fmt.Sprintf("Already identified: %s", displayName(artist, title)),
		}
	}

	track := storage.IdentifiedTrack{
		ID:              a.newID(),
		Title:           title,
		Artist:          artist,
		Offset:          seg.Offset,
		DedupKey:        key,
		ExternalTrackID: result.ExternalTrackID,
		ProducerID:      result.ProducerID,
		CoverImage:      result.CoverImage,
		IdentifiedAt:    a.now().UTC(),
	}
	notify := a.notifier != nil && (track.ExternalTrackID != "" || track.ProducerID != "")
	track.NotificationSent = notify
	a.tracks = append(a.tracks, track)
	callbacks := append([]func(storage.IdentifiedTrack){}, a.onTrack...)
	a.mu.Unlock()

	if notify {
		go a.notify(sessionID, track)
	}
	for _, fn := range callbacks {
		fn(track)
	}

	return Report{
		Status:  StatusIdentified,
		Segment: seg.Index,
		Track:   &track,
		Message: fmt.Sprintf("Identified: %s", displayName(artist, title)),
	}
}

func (a *Analyzer) notify(sessionID string, track storage.IdentifiedTrack) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.NotifyTimeout)
	defer cancel()

	if err := a.notifier.NotifyProducer(ctx, sessionID, track); err != nil {
		slog.Warn("analyzer: producer notification failed", "track", track.Title, "error", err)
	}
}

func (a *Analyzer) emit(gen uint64, report Report) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	callbacks := append([]func(Report){}, a.onReport...)
	a.mu.Unlock()

	for _, fn := range callbacks {
		fn(report)
	}
}

func displayName(artist, title string) string {
	if artist == "" {
		return title
	}
	return artist + " - " + title
}
