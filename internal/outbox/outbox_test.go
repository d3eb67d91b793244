package outbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spynners/setcapture/internal/connectivity"
	"github.com/spynners/setcapture/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type mockSyncer struct {
	mu      sync.Mutex
	err     error
	calls   []string
	block   chan struct{}
	entered chan struct{}
}

func (m *mockSyncer) SyncSession(ctx context.Context, _ Credential, session storage.RecordingSession) ([]storage.RecordingResult, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, session.ID)
	if m.err != nil {
		return nil, m.err
	}
	results := make([]storage.RecordingResult, len(session.Recordings))
	for i := range results {
		results[i] = storage.RecordingResult{Success: true, Title: "Track"}
	}
	return results, nil
}

func (m *mockSyncer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestOutbox(store Store, syncer Syncer, signal connectivity.Signal) (*Outbox, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)}
	o := New(store, syncer, signal, Options{})
	o.now = clock.Now
	n := 0
	var mu sync.Mutex
	o.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return o, clock
}

func loadOne(t *testing.T, store Store, id string) storage.RecordingSession {
	t.Helper()
	sessions, err := store.LoadSessions(context.Background())
	if err != nil {
		t.Fatalf("LoadSessions failed: %v", err)
	}
	for _, s := range sessions {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not found", id)
	return storage.RecordingSession{}
}

func TestSaveRecordingNeverChangesStatus(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOutbox(store, &mockSyncer{}, nil)
	ctx := context.Background()

	meta := storage.Metadata{DJName: "DJ Test", Venue: "Warehouse"}
	first, err := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, meta)
	if err != nil {
		t.Fatalf("SaveRecording failed: %v", err)
	}
	second, err := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("b")}, storage.Metadata{})
	if err != nil {
		t.Fatalf("SaveRecording failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected both recordings in one session, got %s and %s", first, second)
	}

	s := loadOne(t, store, first)
	if s.Status != storage.SessionRecording {
		t.Fatalf("expected recording status, got %s", s.Status)
	}
	if len(s.Recordings) != 2 || s.Recordings[0].Status != storage.RecordingPending {
		t.Fatalf("unexpected recordings: %+v", s.Recordings)
	}
	if s.Metadata.DJName != "DJ Test" {
		t.Fatalf("expected metadata carried through, got %+v", s.Metadata)
	}

	ended, err := o.EndSession(ctx, []storage.IdentifiedTrack{{ID: "t1", Title: "Track One"}})
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.Status != storage.SessionPendingSync || ended.EndedAt == nil || len(ended.Tracks) != 1 {
		t.Fatalf("unexpected ended session: %+v", ended)
	}

	third, err := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("c")}, storage.Metadata{})
	if err != nil {
		t.Fatalf("SaveRecording failed: %v", err)
	}
	if third == first {
		t.Fatal("expected a new session after the previous one ended")
	}
	if loadOne(t, store, first).Status != storage.SessionPendingSync {
		t.Fatal("saving into a new session must not touch the ended one")
	}
}

func TestEndSessionWithoutRecording(t *testing.T) {
	o, _ := newTestOutbox(storage.NewMemoryStore(), &mockSyncer{}, nil)
	if _, err := o.EndSession(context.Background(), nil); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestSyncMarksSessionSynced(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{}
	o, _ := newTestOutbox(store, syncer, nil)
	ctx := context.Background()

	id, _ := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{})
	_, _ = o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("b")}, storage.Metadata{})
	if _, err := o.EndSession(ctx, nil); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	if n, _ := o.GetPendingCount(ctx); n != 2 {
		t.Fatalf("expected 2 pending recordings, got %d", n)
	}

	result, err := o.SyncPendingSessions(ctx, Credential{UserID: "u1"})
	if err != nil {
		t.Fatalf("SyncPendingSessions failed: %v", err)
	}
	if result != (SyncResult{Synced: 1}) {
		t.Fatalf("unexpected result %+v", result)
	}

	s := loadOne(t, store, id)
	if s.Status != storage.SessionSynced || s.SyncedAt == nil {
		t.Fatalf("expected synced with timestamp, got %+v", s)
	}
	for _, rec := range s.Recordings {
		if rec.Status != storage.RecordingSynced || rec.Result == nil || !rec.Result.Success {
			t.Fatalf("unexpected recording after sync: %+v", rec)
		}
	}
	if n, _ := o.GetPendingCount(ctx); n != 0 {
		t.Fatalf("expected pending count to exclude synced session, got %d", n)
	}
}

func TestConcurrentSyncReturnsEmptyResult(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	o, _ := newTestOutbox(store, syncer, nil)
	ctx := context.Background()

	_, _ = o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{})
	_, _ = o.EndSession(ctx, nil)

	done := make(chan SyncResult, 1)
	go func() {
		res, _ := o.SyncPendingSessions(ctx, Credential{})
		done <- res
	}()
	<-syncer.entered

	res, err := o.SyncPendingSessions(ctx, Credential{})
	if err != nil || res != (SyncResult{}) {
		t.Fatalf("expected {0,0} from concurrent call, got %+v err=%v", res, err)
	}

	close(syncer.block)
	if first := <-done; first.Synced != 1 {
		t.Fatalf("expected in-flight pass to sync 1, got %+v", first)
	}
}

func TestFailedSyncBacksOff(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{err: errors.New("502 bad gateway")}
	o, clock := newTestOutbox(store, syncer, nil)
	ctx := context.Background()

	id, _ := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{})
	_, _ = o.EndSession(ctx, nil)

	res, err := o.SyncPendingSessions(ctx, Credential{})
	if err != nil {
		t.Fatalf("SyncPendingSessions failed: %v", err)
	}
	if res != (SyncResult{Failed: 1}) {
		t.Fatalf("unexpected result %+v", res)
	}

	s := loadOne(t, store, id)
	if s.Status != storage.SessionPendingSync || s.Attempts != 1 || s.LastError == "" {
		t.Fatalf("expected reverted pending session with bookkeeping, got %+v", s)
	}
	if s.Recordings[0].Status != storage.RecordingPending {
		t.Fatalf("expected recording back to pending, got %s", s.Recordings[0].Status)
	}
	if want := clock.Now().Add(30 * time.Second); !s.NextAttemptAt.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, s.NextAttemptAt)
	}

	// Still backing off: skipped.
	_, _ = o.SyncPendingSessions(ctx, Credential{})
	if syncer.callCount() != 1 {
		t.Fatalf("expected backoff to skip the session, got %d calls", syncer.callCount())
	}

	clock.Advance(31 * time.Second)
	_, _ = o.SyncPendingSessions(ctx, Credential{})
	s = loadOne(t, store, id)
	if s.Attempts != 2 || !s.NextAttemptAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expected doubled backoff, got attempts=%d next=%s", s.Attempts, s.NextAttemptAt)
	}

	syncer.mu.Lock()
	syncer.err = nil
	syncer.mu.Unlock()
	clock.Advance(2 * time.Minute)
	res, _ = o.SyncPendingSessions(ctx, Credential{})
	if res.Synced != 1 {
		t.Fatalf("expected recovery sync, got %+v", res)
	}
	s = loadOne(t, store, id)
	if s.Attempts != 0 || s.NextAttemptAt != nil || s.LastError != "" {
		t.Fatalf("expected bookkeeping cleared, got %+v", s)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	o := New(storage.NewMemoryStore(), nil, nil, Options{BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := o.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestPurgeAfterRetention(t *testing.T) {
	store := storage.NewMemoryStore()
	o, clock := newTestOutbox(store, &mockSyncer{}, nil)
	ctx := context.Background()

	dir := t.TempDir()
	audio := filepath.Join(dir, "old.m4a")
	leftover := filepath.Join(dir, "old-0000.wav")
	for _, path := range []string{audio, leftover} {
		if err := os.WriteFile(path, []byte("set"), 0o644); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}

	now := clock.Now()
	eightDays := now.Add(-8 * 24 * time.Hour)
	sixDays := now.Add(-6 * 24 * time.Hour)
	seed := []storage.RecordingSession{
		{ID: "old", Status: storage.SessionSynced, SyncedAt: &eightDays,
			Recordings: []storage.OfflineRecording{{ID: "r1", AudioPath: audio, Leftovers: []string{leftover}, Status: storage.RecordingSynced}}},
		{ID: "recent", Status: storage.SessionSynced, SyncedAt: &sixDays},
		{ID: "pending", Status: storage.SessionPendingSync,
			Recordings: []storage.OfflineRecording{{ID: "r2", AudioData: []byte("x"), Status: storage.RecordingPending}}},
	}
	if err := store.ReplaceSessions(ctx, seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := o.SyncPendingSessions(ctx, Credential{}); err != nil {
		t.Fatalf("SyncPendingSessions failed: %v", err)
	}

	sessions, _ := o.Sessions(ctx)
	got := map[string]storage.SessionStatus{}
	for _, s := range sessions {
		got[s.ID] = s.Status
	}
	if _, ok := got["old"]; ok {
		t.Fatal("expected session synced 8 days ago to be purged")
	}
	if got["recent"] != storage.SessionSynced || got["pending"] != storage.SessionSynced {
		t.Fatalf("unexpected remaining sessions: %v", got)
	}
	for _, path := range []string{audio, leftover} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected owned file %s removed on purge, stat err=%v", path, err)
		}
	}
}

func TestStoreErrorSkipsPurge(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOutbox(store, &mockSyncer{}, nil)

	store.LoadErr = errors.New("disk gone")
	if _, err := o.SyncPendingSessions(context.Background(), Credential{}); err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestInitRequeuesInterruptedSessions(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{}
	o, _ := newTestOutbox(store, syncer, nil)
	ctx := context.Background()

	seed := []storage.RecordingSession{
		{ID: "crashed", Status: storage.SessionSyncing,
			Recordings: []storage.OfflineRecording{{ID: "r1", AudioData: []byte("x"), Status: storage.RecordingSyncing}}},
		{ID: "unclosed", Status: storage.SessionRecording,
			Recordings: []storage.OfflineRecording{{ID: "r2", AudioData: []byte("y"), Status: storage.RecordingPending}}},
	}
	_ = store.ReplaceSessions(ctx, seed)

	o.Init(ctx, Credential{})
	defer o.Shutdown()

	for _, id := range []string{"crashed", "unclosed"} {
		if got := loadOne(t, store, id); got.Status != storage.SessionPendingSync {
			t.Fatalf("expected %s requeued, got %q", id, got.Status)
		}
	}
	if got := loadOne(t, store, "unclosed"); got.EndedAt == nil {
		t.Fatal("expected unclosed session to get an end time")
	}

	res, err := o.SyncPendingSessions(ctx, Credential{})
	if err != nil || res.Synced != 2 {
		t.Fatalf("expected both requeued sessions synced, got %+v err=%v", res, err)
	}
}

func TestSyncingSessionIsNotClaimedTwice(t *testing.T) {
	store := storage.NewMemoryStore()
	first := &mockSyncer{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	second := &mockSyncer{}
	running, _ := newTestOutbox(store, first, nil)
	oneShot, _ := newTestOutbox(store, second, nil)
	ctx := context.Background()

	if _, err := running.QueueSession(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{}, nil); err != nil {
		t.Fatalf("QueueSession failed: %v", err)
	}

	done := make(chan SyncResult, 1)
	go func() {
		res, _ := running.SyncPendingSessions(ctx, Credential{})
		done <- res
	}()
	<-first.entered

	res, err := oneShot.SyncPendingSessions(ctx, Credential{})
	if err != nil || res != (SyncResult{}) {
		t.Fatalf("expected nothing to sync while another pass holds the session, got %+v err=%v", res, err)
	}
	if second.callCount() != 0 {
		t.Fatalf("expected no second upload, got %d", second.callCount())
	}

	close(first.block)
	if got := <-done; got.Synced != 1 {
		t.Fatalf("expected first pass to sync 1, got %+v", got)
	}
}

func TestQueueSessionWritesClosedSession(t *testing.T) {
	store := storage.NewMemoryStore()
	o, clock := newTestOutbox(store, &mockSyncer{}, nil)
	ctx := context.Background()

	started := clock.Now().Add(-time.Hour)
	tracks := []storage.IdentifiedTrack{{Title: "Strobe", Artist: "deadmau5"}}
	queued, err := o.QueueSession(ctx, storage.OfflineRecording{AudioPath: "set.m4a", Timestamp: started},
		storage.Metadata{DJName: "DJ Kay"}, tracks)
	if err != nil {
		t.Fatalf("QueueSession failed: %v", err)
	}

	got := loadOne(t, store, queued.ID)
	if got.Status != storage.SessionPendingSync || got.EndedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected queued session %+v", got)
	}
	if len(got.Recordings) != 1 || got.Recordings[0].Status != storage.RecordingPending || got.Recordings[0].ID == "" {
		t.Fatalf("unexpected recordings %+v", got.Recordings)
	}
	if got.Metadata.DJName != "DJ Kay" || len(got.Tracks) != 1 {
		t.Fatalf("expected metadata and tracks carried, got %+v", got)
	}

	store.ReplaceErr = errors.New("disk full")
	if _, err := o.QueueSession(ctx, storage.OfflineRecording{AudioPath: "b.m4a"}, storage.Metadata{}, nil); err == nil {
		t.Fatal("expected store error")
	}
	store.ReplaceErr = nil
	sessions, _ := store.LoadSessions(ctx)
	for _, s := range sessions {
		if s.Status == storage.SessionRecording {
			t.Fatalf("failed queue left a recording session behind: %+v", s)
		}
	}
}

func TestFailedPassSkipsPurge(t *testing.T) {
	store := storage.NewMemoryStore()
	o, clock := newTestOutbox(store, &mockSyncer{err: errors.New("backend down")}, nil)
	ctx := context.Background()

	eightDays := clock.Now().Add(-8 * 24 * time.Hour)
	seed := []storage.RecordingSession{
		{ID: "old", Status: storage.SessionSynced, SyncedAt: &eightDays},
		{ID: "pending", Status: storage.SessionPendingSync,
			Recordings: []storage.OfflineRecording{{ID: "r", AudioData: []byte("x"), Status: storage.RecordingPending}}},
	}
	_ = store.ReplaceSessions(ctx, seed)

	res, _ := o.SyncPendingSessions(ctx, Credential{})
	if res.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", res)
	}
	if got := loadOne(t, store, "old"); got.Status != storage.SessionSynced {
		t.Fatalf("expected old session kept after a failed pass, got %+v", got)
	}
}

func TestConnectivityEdgeTriggersSync(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{entered: make(chan struct{}, 4)}
	monitor := connectivity.NewMonitor(nil, time.Hour)
	monitor.Set(false)
	o, _ := newTestOutbox(store, syncer, monitor)
	ctx := context.Background()

	o.Init(ctx, Credential{UserID: "u1", Token: "tok"})
	defer o.Shutdown()

	_, _ = o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{})
	if _, err := o.EndSession(ctx, nil); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if syncer.callCount() != 0 {
		t.Fatal("expected no sync while offline")
	}

	monitor.Set(true)
	select {
	case <-syncer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected sync after going online")
	}
}

func TestEndSessionSyncsWhenOnline(t *testing.T) {
	store := storage.NewMemoryStore()
	syncer := &mockSyncer{entered: make(chan struct{}, 4)}
	monitor := connectivity.NewMonitor(nil, time.Hour)
	monitor.Set(true)
	o, _ := newTestOutbox(store, syncer, monitor)
	ctx := context.Background()
	o.Init(ctx, Credential{UserID: "u1"})

	_, _ = o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("a")}, storage.Metadata{})
	_, _ = o.EndSession(ctx, nil)

	select {
	case <-syncer.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected best-effort sync after EndSession")
	}
	o.Shutdown()

	monitor.Set(false)
	monitor.Set(true)
	if _, err := o.SyncNow(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestSetRecapAndListing(t *testing.T) {
	store := storage.NewMemoryStore()
	o, _ := newTestOutbox(store, &mockSyncer{}, nil)
	ctx := context.Background()

	changes := 0
	o.OnChange(func() { changes++ })

	id, _ := o.SaveRecording(ctx, storage.OfflineRecording{AudioData: []byte("payload")}, storage.Metadata{})
	if err := o.SetRecap(ctx, id, "Deep house warmup into techno."); err != nil {
		t.Fatalf("SetRecap failed: %v", err)
	}
	if err := o.SetRecap(ctx, "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	s, err := o.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if s.Recap != "Deep house warmup into techno." {
		t.Fatalf("unexpected recap %q", s.Recap)
	}
	if s.Recordings[0].AudioData != nil {
		t.Fatal("expected listing to strip inline audio")
	}
	if changes != 2 {
		t.Fatalf("expected 2 change notifications, got %d", changes)
	}
}
