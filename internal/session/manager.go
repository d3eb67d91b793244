package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/storage"
)

// Deps are the collaborators a Manager drives. NewCapture, NewAnalyzer,
// Concat and Outbox are required; the rest may be nil.
type Deps struct {
	NewCapture  func() Capture
	NewAnalyzer func(source analyzer.Source) Analyzer
	Concat      Concatenator
	Outbox      Outbox
	Recap       RecapWriter
	History     History
	Tracklist   Tracklist
	Hub         EventBroadcaster
	Detector    *Detector
}

type active struct {
	id        string
	startedAt time.Time
	meta      storage.Metadata
	capture   Capture
	analyzer  Analyzer
}

// Manager runs one capture session at a time and hands the finished set to
// the outbox.
type Manager struct {
	deps Deps

	now          func() time.Time
	newID        func() string
	recapTimeout time.Duration

	// ops serializes start and finish so an interruption cannot race a Stop.
	ops sync.Mutex

	mu  sync.Mutex
	cur *active

	bg sync.WaitGroup
}

func NewManager(deps Deps) *Manager {
	m := &Manager{
		deps:         deps,
		now:          time.Now,
		newID:        uuid.NewString,
		recapTimeout: 2 * time.Minute,
	}

	deps.Detector.OnIdle(func() {
		slog.Info("session: no track identified for a while, stopping")
		if _, err := m.Stop(context.Background()); err != nil && !errors.Is(err, ErrNoActiveSession) {
			slog.Error("session: idle stop failed", "error", err)
		}
	})

	return m
}

// Start opens a new capture session carrying meta through to the outbox.
func (m *Manager) Start(ctx context.Context, meta storage.Metadata) (string, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return "", ErrAlreadyActive
	}
	m.mu.Unlock()

	a := &active{
		id:        m.newID(),
		startedAt: m.now().UTC(),
		meta:      meta,
		capture:   m.deps.NewCapture(),
	}
	a.analyzer = m.deps.NewAnalyzer(a.capture)

	a.capture.OnInterrupted(func(err error) { m.interrupted(a, err) })
	a.analyzer.OnTrack(func(track storage.IdentifiedTrack) { m.trackIdentified(a.id, track) })
	if m.deps.Hub != nil {
		a.analyzer.OnReport(m.deps.Hub.BroadcastAnalysis)
	}

	if err := a.capture.Start(ctx, a.id); err != nil {
		return "", fmt.Errorf("start capture: %w", err)
	}
	if err := a.analyzer.Start(a.id); err != nil {
		_, _ = a.capture.Stop(ctx)
		return "", fmt.Errorf("start analyzer: %w", err)
	}

	m.mu.Lock()
	m.cur = a
	m.mu.Unlock()

	m.deps.Detector.Arm()
	slog.Info("session: started", "session", a.id, "dj", meta.DJName, "venue", meta.Venue)
	if m.deps.Hub != nil {
		m.deps.Hub.BroadcastSessionStarted(a.id)
		m.deps.Hub.BroadcastStatusChanged(a.id, capture.StateRecording.String())
	}
	return a.id, nil
}

func (m *Manager) Pause() error {
	a := m.current()
	if a == nil {
		return ErrNoActiveSession
	}
	if err := a.capture.Pause(); err != nil {
		return err
	}
	m.deps.Detector.Disarm()
	m.broadcastState(a)
	return nil
}

func (m *Manager) Resume() error {
	a := m.current()
	if a == nil {
		return ErrNoActiveSession
	}
	if err := a.capture.Resume(); err != nil {
		return err
	}
	m.deps.Detector.Arm()
	m.broadcastState(a)
	return nil
}

// Analyze runs an immediate recognition pass on the active session.
func (m *Manager) Analyze(ctx context.Context) (analyzer.Report, error) {
	a := m.current()
	if a == nil {
		return analyzer.Report{}, ErrNoActiveSession
	}
	return a.analyzer.Analyze(ctx), nil
}

// Stop ends the active session: analysis stops, capture is finalized, the
// segments are joined and the set is queued in the outbox. The returned
// Summary is meaningful even when an error is returned.
func (m *Manager) Stop(ctx context.Context) (Summary, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	a := m.current()
	if a == nil {
		return Summary{}, ErrNoActiveSession
	}
	return m.finish(ctx, a, nil)
}

func (m *Manager) Active() bool {
	return m.current() != nil
}

func (m *Manager) Status() Status {
	a := m.current()
	if a == nil {
		return Status{State: capture.StateIdle.String(), Tracks: []storage.IdentifiedTrack{}}
	}
	startedAt := a.startedAt
	return Status{
		SessionID: a.id,
		State:     a.capture.State().String(),
		StartedAt: &startedAt,
		Elapsed:   a.capture.Elapsed().Seconds(),
		Segments:  len(a.capture.Segments()),
		Tracks:    a.analyzer.Tracks(),
	}
}

// Wait blocks until background recap work has finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

func (m *Manager) interrupted(a *active, cause error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if m.current() != a {
		return
	}
	slog.Error("session: capture interrupted, saving what was recorded", "session", a.id, "error", cause)
	if _, err := m.finish(context.Background(), a, cause); err != nil {
		slog.Error("session: finish after interruption failed", "session", a.id, "error", err)
	}
}

func (m *Manager) finish(ctx context.Context, a *active, cause error) (Summary, error) {
	// Persisting the set must survive the caller going away.
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()

	m.deps.Detector.Disarm()
	a.analyzer.Stop()
	tracks := a.analyzer.Tracks()

	summary := Summary{SessionID: a.id, Tracks: len(tracks)}
	if cause != nil {
		summary.Error = cause.Error()
	}

	segments, err := a.capture.Stop(ctx)
	if err != nil {
		slog.Warn("session: capture stop reported an error", "session", a.id, "error", err)
		if summary.Error == "" {
			summary.Error = err.Error()
		}
	}
	for _, seg := range segments {
		summary.Duration += seg.Duration
	}

	result, err := m.persist(ctx, a, segments, tracks, &summary)
	if m.deps.Hub != nil {
		m.deps.Hub.BroadcastSessionEnded(summary)
	}
	if err != nil {
		if summary.Error == "" {
			summary.Error = err.Error()
		}
		return summary, err
	}

	slog.Info("session: ended", "session", a.id, "outbox", summary.OutboxID, "tracks", summary.Tracks, "duration", summary.Duration, "fallback", summary.Fallback)

	if m.deps.Recap != nil {
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			m.writeRecap(result)
		}()
	}
	return summary, nil
}

func (m *Manager) persist(ctx context.Context, a *active, segments []capture.Segment, tracks []storage.IdentifiedTrack, summary *Summary) (storage.RecordingSession, error) {
	artifact, err := m.deps.Concat.Concatenate(ctx, a.id, segments)
	if err != nil {
		return storage.RecordingSession{}, fmt.Errorf("concatenate: %w", err)
	}
	summary.Artifact = artifact.Path
	summary.Fallback = artifact.Fallback

	rec := storage.OfflineRecording{
		AudioPath: artifact.Path,
		Leftovers: artifact.Leftovers,
		Timestamp: a.startedAt,
		Duration:  artifact.Duration,
	}
	ended, err := m.deps.Outbox.QueueSession(ctx, rec, a.meta, tracks)
	if err != nil {
		return storage.RecordingSession{}, fmt.Errorf("queue session: %w", err)
	}
	summary.OutboxID = ended.ID
	summary.Queued = true
	return ended, nil
}

func (m *Manager) writeRecap(ended storage.RecordingSession) {
	ctx, cancel := context.WithTimeout(context.Background(), m.recapTimeout)
	defer cancel()

	m.broadcastRecap(ended.ID, "", RecapRunning)

	text, err := m.deps.Recap.Write(ctx, ended)
	if err != nil {
		slog.Warn("session: recap failed", "session", ended.ID, "error", err)
		m.broadcastRecap(ended.ID, "", RecapFailed)
		return
	}
	if text == "" {
		m.broadcastRecap(ended.ID, "", RecapSkipped)
		return
	}

	if err := m.deps.Outbox.SetRecap(ctx, ended.ID, text); err != nil {
		slog.Warn("session: store recap failed", "session", ended.ID, "error", err)
		m.broadcastRecap(ended.ID, "", RecapFailed)
		return
	}
	m.broadcastRecap(ended.ID, text, RecapCompleted)
}

func (m *Manager) trackIdentified(sessionID string, track storage.IdentifiedTrack) {
	m.deps.Detector.Arm()

	if m.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.deps.History.RecordRecognition(ctx, sessionID, track); err != nil {
			slog.Warn("session: record recognition failed", "session", sessionID, "error", err)
		}
		cancel()
	}
	if m.deps.Tracklist != nil {
		if err := m.deps.Tracklist.Append(sessionID, track); err != nil {
			slog.Warn("session: tracklist append failed", "session", sessionID, "error", err)
		}
	}
	if m.deps.Hub != nil {
		m.deps.Hub.BroadcastTrackIdentified(sessionID, track)
	}
}

func (m *Manager) broadcastState(a *active) {
	if m.deps.Hub != nil {
		m.deps.Hub.BroadcastStatusChanged(a.id, a.capture.State().String())
	}
}

func (m *Manager) broadcastRecap(sessionID, recap, status string) {
	if m.deps.Hub != nil {
		m.deps.Hub.BroadcastRecapReady(sessionID, recap, status)
	}
}

func (m *Manager) current() *active {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}
