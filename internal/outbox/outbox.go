// Package outbox persists finished recording sessions locally and syncs them
// to the backend whenever connectivity allows.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spynners/setcapture/internal/connectivity"
	"github.com/spynners/setcapture/internal/storage"
)

var (
	ErrNoActiveSession = errors.New("no session is recording")
	ErrSessionNotFound = errors.New("session not found")
	ErrClosed          = errors.New("outbox closed")
)

// Store persists the whole session list as one value.
type Store interface {
	LoadSessions(ctx context.Context) ([]storage.RecordingSession, error)
	ReplaceSessions(ctx context.Context, sessions []storage.RecordingSession) error
}

// Credential identifies the user the sessions are uploaded for.
type Credential struct {
	UserID string
	Token  string
}

// Syncer uploads one session and returns a result per recording, in order.
type Syncer interface {
	SyncSession(ctx context.Context, cred Credential, session storage.RecordingSession) ([]storage.RecordingResult, error)
}

type SyncResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

type Options struct {
	Retention   time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Minute
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	return o
}

type Outbox struct {
	store  Store
	syncer Syncer
	signal connectivity.Signal
	opts   Options

	now   func() time.Time
	newID func() string

	// mu serializes read-modify-replace cycles. It is never held across a
	// call to the syncer.
	mu sync.Mutex

	syncing atomic.Bool
	rerun   atomic.Bool
	wg      sync.WaitGroup

	lifeMu      sync.Mutex
	cred        Credential
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closed      bool
	onChange    []func()
}

// New builds an outbox. signal may be nil when connectivity is not tracked.
func New(store Store, syncer Syncer, signal connectivity.Signal, opts Options) *Outbox {
	return &Outbox{
		store:  store,
		syncer: syncer,
		signal: signal,
		opts:   opts.withDefaults(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// OnChange registers a callback fired after every persisted mutation.
func (o *Outbox) OnChange(fn func()) {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.onChange = append(o.onChange, fn)
}

// SaveRecording appends rec to the session currently recording, creating that
// session when none exists. It never changes a session's status.
func (o *Outbox) SaveRecording(ctx context.Context, rec storage.OfflineRecording, meta storage.Metadata) (string, error) {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("load sessions: %w", err)
	}

	rec = o.fillRecording(rec)

	idx := indexOfStatus(sessions, storage.SessionRecording)
	if idx < 0 {
		sessions = append(sessions, storage.RecordingSession{
			ID:        o.newID(),
			StartedAt: rec.Timestamp,
			Status:    storage.SessionRecording,
			Metadata:  meta,
		})
		idx = len(sessions) - 1
	}
	sessions[idx].Recordings = append(sessions[idx].Recordings, rec)
	sessionID := sessions[idx].ID

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("save recording: %w", err)
	}
	o.mu.Unlock()

	slog.Info("outbox: recording saved", "session", sessionID, "recording", rec.ID)
	o.changed()
	return sessionID, nil
}

// EndSession closes the recording session, attaches the identified tracks and
// queues it for sync. A sync pass is started when online.
func (o *Outbox) EndSession(ctx context.Context, tracks []storage.IdentifiedTrack) (storage.RecordingSession, error) {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return storage.RecordingSession{}, fmt.Errorf("load sessions: %w", err)
	}

	idx := indexOfStatus(sessions, storage.SessionRecording)
	if idx < 0 {
		o.mu.Unlock()
		return storage.RecordingSession{}, ErrNoActiveSession
	}

	endedAt := o.now().UTC()
	sessions[idx].Status = storage.SessionPendingSync
	sessions[idx].EndedAt = &endedAt
	sessions[idx].Tracks = append([]storage.IdentifiedTrack(nil), tracks...)
	ended := sessions[idx]

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return storage.RecordingSession{}, fmt.Errorf("end session: %w", err)
	}
	o.mu.Unlock()

	slog.Info("outbox: session queued", "session", ended.ID, "recordings", len(ended.Recordings), "tracks", len(ended.Tracks))
	o.changed()

	if o.signal != nil && o.signal.Online() {
		o.triggerSync()
	}
	return ended.Summary(), nil
}

// QueueSession stores a finished set as a new pending session in a single
// write, so a failure cannot leave a half-closed session behind.
func (o *Outbox) QueueSession(ctx context.Context, rec storage.OfflineRecording, meta storage.Metadata, tracks []storage.IdentifiedTrack) (storage.RecordingSession, error) {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return storage.RecordingSession{}, fmt.Errorf("load sessions: %w", err)
	}

	rec = o.fillRecording(rec)
	endedAt := o.now().UTC()
	queued := storage.RecordingSession{
		ID:         o.newID(),
		StartedAt:  rec.Timestamp,
		EndedAt:    &endedAt,
		Status:     storage.SessionPendingSync,
		Recordings: []storage.OfflineRecording{rec},
		Tracks:     append([]storage.IdentifiedTrack(nil), tracks...),
		Metadata:   meta,
	}
	sessions = append(sessions, queued)

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return storage.RecordingSession{}, fmt.Errorf("queue session: %w", err)
	}
	o.mu.Unlock()

	slog.Info("outbox: session queued", "session", queued.ID, "recording", rec.ID, "tracks", len(queued.Tracks))
	o.changed()

	if o.signal != nil && o.signal.Online() {
		o.triggerSync()
	}
	return queued.Summary(), nil
}

func (o *Outbox) fillRecording(rec storage.OfflineRecording) storage.OfflineRecording {
	if rec.ID == "" {
		rec.ID = o.newID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now().UTC()
	}
	if rec.Status == "" {
		rec.Status = storage.RecordingPending
	}
	return rec
}

// SyncPendingSessions uploads every eligible pending session. Only one pass
// runs at a time; a concurrent call returns an empty result immediately and
// makes the running call do one more pass before it returns.
func (o *Outbox) SyncPendingSessions(ctx context.Context, cred Credential) (SyncResult, error) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.rerun.Store(true)
		return SyncResult{}, nil
	}
	defer o.syncing.Store(false)

	var total SyncResult
	for {
		o.rerun.Store(false)
		result, err := o.pass(ctx, cred)
		total.Synced += result.Synced
		total.Failed += result.Failed
		if err != nil || ctx.Err() != nil || !o.rerun.Load() {
			return total, err
		}
	}
}

func (o *Outbox) pass(ctx context.Context, cred Credential) (SyncResult, error) {
	batch, err := o.claim(ctx)
	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	var storeErr error
	for i, session := range batch {
		if ctx.Err() != nil {
			if err := o.release(context.WithoutCancel(ctx), ids(batch[i:])); err != nil {
				storeErr = err
			}
			break
		}

		results, syncErr := o.syncer.SyncSession(ctx, cred, session)
		if err := o.settle(context.WithoutCancel(ctx), session.ID, results, syncErr); err != nil {
			storeErr = err
			slog.Warn("outbox: settle failed", "session", session.ID, "error", err)
		}
		if syncErr != nil {
			result.Failed++
			slog.Warn("outbox: session sync failed", "session", session.ID, "error", syncErr)
			continue
		}
		result.Synced++
	}

	if storeErr == nil && result.Failed == 0 && ctx.Err() == nil {
		if err := o.purge(ctx); err != nil {
			storeErr = err
		}
	}

	if len(batch) > 0 {
		slog.Info("outbox: sync pass complete", "synced", result.Synced, "failed", result.Failed)
	}
	return result, storeErr
}

// claim moves every eligible pending session to syncing and returns snapshots
// of them. Sessions already syncing belong to another pass, possibly in
// another process, and are left alone.
func (o *Outbox) claim(ctx context.Context) ([]storage.RecordingSession, error) {
	batch, err := o.markSyncing(ctx)
	if err != nil {
		return nil, err
	}
	if len(batch) > 0 {
		o.changed()
	}
	return batch, nil
}

func (o *Outbox) markSyncing(ctx context.Context) ([]storage.RecordingSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	now := o.now().UTC()
	var batch []storage.RecordingSession
	for i := range sessions {
		s := &sessions[i]
		if s.Status != storage.SessionPendingSync {
			continue
		}
		if s.NextAttemptAt != nil && now.Before(*s.NextAttemptAt) {
			continue
		}
		s.Status = storage.SessionSyncing
		for j := range s.Recordings {
			if s.Recordings[j].Status != storage.RecordingSynced {
				s.Recordings[j].Status = storage.RecordingSyncing
			}
		}
		batch = append(batch, *s)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		return nil, fmt.Errorf("mark sessions syncing: %w", err)
	}
	return batch, nil
}

func (o *Outbox) settle(ctx context.Context, id string, results []storage.RecordingResult, syncErr error) error {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load sessions: %w", err)
	}

	idx := indexOfID(sessions, id)
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	now := o.now().UTC()
	s := &sessions[idx]
	if syncErr != nil {
		s.Status = storage.SessionPendingSync
		s.Attempts++
		next := now.Add(o.backoff(s.Attempts))
		s.NextAttemptAt = &next
		s.LastError = syncErr.Error()
		for j := range s.Recordings {
			if s.Recordings[j].Status == storage.RecordingSyncing {
				s.Recordings[j].Status = storage.RecordingPending
			}
		}
	} else {
		s.Status = storage.SessionSynced
		s.SyncedAt = &now
		s.Attempts = 0
		s.NextAttemptAt = nil
		s.LastError = ""
		for j := range s.Recordings {
			rec := &s.Recordings[j]
			rec.Status = storage.RecordingSynced
			if j < len(results) {
				res := results[j]
				rec.Result = &res
				if !res.Success {
					rec.Status = storage.RecordingFailed
				}
			}
		}
	}

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("settle session %s: %w", id, err)
	}
	o.mu.Unlock()

	o.changed()
	return nil
}

// release returns claimed sessions to pending without counting an attempt.
func (o *Outbox) release(ctx context.Context, sessionIDs []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	for _, id := range sessionIDs {
		idx := indexOfID(sessions, id)
		if idx < 0 || sessions[idx].Status != storage.SessionSyncing {
			continue
		}
		sessions[idx].Status = storage.SessionPendingSync
		for j := range sessions[idx].Recordings {
			if sessions[idx].Recordings[j].Status == storage.RecordingSyncing {
				sessions[idx].Recordings[j].Status = storage.RecordingPending
			}
		}
	}
	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		return fmt.Errorf("release sessions: %w", err)
	}
	return nil
}

// requeueInterrupted requeues sessions a previous run left behind: syncing sessions
// whose upload was cut short and recording sessions that were never closed.
// It must only run while this process owns the database, before any pass.
func (o *Outbox) requeueInterrupted(ctx context.Context) error {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load sessions: %w", err)
	}

	now := o.now().UTC()
	var recovered int
	for i := range sessions {
		s := &sessions[i]
		switch s.Status {
		case storage.SessionSyncing:
		case storage.SessionRecording:
			s.EndedAt = &now
		default:
			continue
		}
		s.Status = storage.SessionPendingSync
		for j := range s.Recordings {
			if s.Recordings[j].Status == storage.RecordingSyncing {
				s.Recordings[j].Status = storage.RecordingPending
			}
		}
		recovered++
	}
	if recovered == 0 {
		o.mu.Unlock()
		return nil
	}

	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("recover sessions: %w", err)
	}
	o.mu.Unlock()

	slog.Info("outbox: requeued interrupted sessions", "count", recovered)
	o.changed()
	return nil
}

// purge drops synced sessions past retention together with the audio files
// their recordings own.
func (o *Outbox) purge(ctx context.Context) error {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load sessions: %w", err)
	}

	cutoff := o.now().UTC().Add(-o.opts.Retention)
	kept := sessions[:0:0]
	var purged []storage.RecordingSession
	for _, s := range sessions {
		if s.Status == storage.SessionSynced && s.SyncedAt != nil && s.SyncedAt.Before(cutoff) {
			purged = append(purged, s)
			continue
		}
		kept = append(kept, s)
	}
	if len(purged) == 0 {
		o.mu.Unlock()
		return nil
	}

	if err := o.store.ReplaceSessions(ctx, kept); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("purge sessions: %w", err)
	}
	o.mu.Unlock()

	for _, s := range purged {
		for _, rec := range s.Recordings {
			for _, path := range append([]string{rec.AudioPath}, rec.Leftovers...) {
				if path == "" {
					continue
				}
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					slog.Warn("outbox: purge could not remove audio", "path", path, "error", err)
				}
			}
		}
	}
	slog.Info("outbox: purged synced sessions", "count", len(purged))
	o.changed()
	return nil
}

func (o *Outbox) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := o.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.opts.BackoffMax {
			return o.opts.BackoffMax
		}
	}
	return min(d, o.opts.BackoffMax)
}

// GetPendingCount counts recordings in sessions that are not synced yet.
func (o *Outbox) GetPendingCount(ctx context.Context) (int, error) {
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	count := 0
	for _, s := range sessions {
		if s.Status != storage.SessionSynced {
			count += len(s.Recordings)
		}
	}
	return count, nil
}

// Sessions lists every stored session without inline audio.
func (o *Outbox) Sessions(ctx context.Context) ([]storage.RecordingSession, error) {
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]storage.RecordingSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out, nil
}

func (o *Outbox) Session(ctx context.Context, id string) (storage.RecordingSession, error) {
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		return storage.RecordingSession{}, fmt.Errorf("load sessions: %w", err)
	}
	idx := indexOfID(sessions, id)
	if idx < 0 {
		return storage.RecordingSession{}, ErrSessionNotFound
	}
	return sessions[idx].Summary(), nil
}

// SetRecap stores a generated set recap on a session regardless of its status.
func (o *Outbox) SetRecap(ctx context.Context, id, recap string) error {
	o.mu.Lock()
	sessions, err := o.store.LoadSessions(ctx)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("load sessions: %w", err)
	}
	idx := indexOfID(sessions, id)
	if idx < 0 {
		o.mu.Unlock()
		return ErrSessionNotFound
	}
	sessions[idx].Recap = recap
	if err := o.store.ReplaceSessions(ctx, sessions); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("set recap: %w", err)
	}
	o.mu.Unlock()

	o.changed()
	return nil
}

// Init stores the credential used for background syncs and subscribes to the
// connectivity signal so an offline-to-online edge starts a pass.
func (o *Outbox) Init(ctx context.Context, cred Credential) {
	if err := o.requeueInterrupted(ctx); err != nil {
		slog.Warn("outbox: recovering interrupted sessions failed", "error", err)
	}

	o.lifeMu.Lock()
	o.cred = cred
	o.closed = false
	o.baseCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.signal != nil {
		o.unsubscribe = o.signal.Subscribe(func(online bool) {
			if online {
				o.triggerSync()
			}
		})
	}
	o.lifeMu.Unlock()

	if o.signal != nil && o.signal.Online() {
		o.triggerSync()
	}
}

func (o *Outbox) SetCredential(cred Credential) {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()
	o.cred = cred
}

// Shutdown unsubscribes from connectivity changes, cancels background passes
// and waits for them to finish.
func (o *Outbox) Shutdown() {
	o.lifeMu.Lock()
	o.closed = true
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.lifeMu.Unlock()

	o.wg.Wait()
}

// SyncNow runs a pass with the stored credential.
func (o *Outbox) SyncNow(ctx context.Context) (SyncResult, error) {
	o.lifeMu.Lock()
	cred := o.cred
	closed := o.closed
	o.lifeMu.Unlock()
	if closed {
		return SyncResult{}, ErrClosed
	}
	return o.SyncPendingSessions(ctx, cred)
}

func (o *Outbox) triggerSync() {
	o.lifeMu.Lock()
	if o.closed || o.baseCtx == nil {
		o.lifeMu.Unlock()
		return
	}
	ctx := o.baseCtx
	cred := o.cred
	o.wg.Add(1)
	o.lifeMu.Unlock()

	go func() {
		defer o.wg.Done()
		if _, err := o.SyncPendingSessions(ctx, cred); err != nil {
			slog.Warn("outbox: background sync failed", "error", err)
		}
	}()
}

func (o *Outbox) changed() {
	o.lifeMu.Lock()
	callbacks := append([]func(){}, o.onChange...)
	o.lifeMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func indexOfStatus(sessions []storage.RecordingSession, status storage.SessionStatus) int {
	for i := range sessions {
		if sessions[i].Status == status {
			return i
		}
	}
	return -1
}

func indexOfID(sessions []storage.RecordingSession, id string) int {
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func ids(sessions []storage.RecordingSession) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}
