package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/dedup"
	"github.com/spynners/setcapture/internal/storage"
)

type fakeSource struct {
	mu       sync.Mutex
	segments []capture.Segment
	rotated  int
}

func (s *fakeSource) LatestSegment() (capture.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return capture.Segment{}, false
	}
	return s.segments[len(s.segments)-1], true
}

func (s *fakeSource) Rotate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotated++
	return nil
}

func (s *fakeSource) add(t *testing.T, payload string, offset time.Duration) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.segments)
	path := filepath.Join(t.TempDir(), fmt.Sprintf("seg-%d.wav", index))
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	s.segments = append(s.segments, capture.Segment{Index: index, Path: path, Offset: offset, Duration: 30 * time.Second})
}

type scriptedRecognizer struct {
	mu      sync.Mutex
	results []Recognition
	err     error
	calls   int
}

func (r *scriptedRecognizer) Recognize(context.Context, []byte) (Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return Recognition{}, r.err
	}
	if len(r.results) == 0 {
		return Recognition{}, nil
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

type blockingRecognizer struct {
	entered chan struct{}
	release chan struct{}
	result  Recognition
}

func (r *blockingRecognizer) Recognize(ctx context.Context, _ []byte) (Recognition, error) {
	r.entered <- struct{}{}
	select {
	case <-r.release:
		return r.result, nil
	case <-ctx.Done():
		return Recognition{}, ctx.Err()
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	tracks []storage.IdentifiedTrack
	done   chan struct{}
}

func (n *recordingNotifier) NotifyProducer(_ context.Context, _ string, track storage.IdentifiedTrack) error {
	n.mu.Lock()
	n.tracks = append(n.tracks, track)
	n.mu.Unlock()
	n.done <- struct{}{}
	return nil
}

// manualOptions push the timers far enough out that tests drive Analyze directly.
func manualOptions() Options {
	return Options{FirstDelay: time.Hour, Interval: time.Hour, Timeout: time.Second}
}

func newTestAnalyzer(source Source, rec Recognizer, notifier Notifier, opts Options) *Analyzer {
	a := New(source, rec, notifier, opts)
	ids := 0
	a.newID = func() string {
		ids++
		return fmt.Sprintf("track-%d", ids)
	}
	return a
}

func TestAnalyzeDeduplicatesAcrossTicks(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &scriptedRecognizer{results: []Recognition{
		{Success: true, Title: "Track One", Artist: "DJ A"},
		{Success: true, Title: "track one (Remix)", Artist: "DJ A"},
		{Success: true, Title: "Totally Different", Artist: "DJ B"},
	}}
	a := newTestAnalyzer(source, rec, nil, manualOptions())
	if err := a.Start("set"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	want := []Status{StatusIdentified, StatusAlreadyIdentified, StatusIdentified}
	for i, status := range want {
		report := a.Analyze(context.Background())
		if report.Status != status {
			t.Fatalf("tick %d: expected %s, got %s (%s)", i, status, report.Status, report.Message)
		}
	}

	tracks := a.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}
	if tracks[0].DedupKey != "track one" || tracks[1].Title != "Totally Different" {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestAnalyzePunctuationTitlesKeepUniqueKeys(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &scriptedRecognizer{results: []Recognition{
		{Success: true, Title: "!!!"},
		{Success: true, Title: "!!!", Artist: "Chk Chk Chk"},
		{Success: true, Title: "!!!", Artist: "Chk Chk Chk"},
	}}
	a := newTestAnalyzer(source, rec, nil, manualOptions())
	_ = a.Start("set")
	defer a.Stop()

	want := []Status{StatusNoMatch, StatusIdentified, StatusAlreadyIdentified}
	for i, status := range want {
		if report := a.Analyze(context.Background()); report.Status != status {
			t.Fatalf("tick %d: expected %s, got %s (%s)", i, status, report.Status, report.Message)
		}
	}

	tracks := a.Tracks()
	if len(tracks) != 1 || tracks[0].DedupKey != "chk chk chk" {
		t.Fatalf("expected one track keyed by artist, got %+v", tracks)
	}
}

func TestAnalyzeReportsNoAudioWithoutSegments(t *testing.T) {
	rec := &scriptedRecognizer{}
	a := newTestAnalyzer(&fakeSource{}, rec, nil, manualOptions())
	_ = a.Start("set")
	defer a.Stop()

	report := a.Analyze(context.Background())
	if report.Status != StatusNoAudio {
		t.Fatalf("expected no_audio, got %s", report.Status)
	}
	if rec.calls != 0 {
		t.Fatal("expected recognizer not to be called without audio")
	}
}

func TestAnalyzeRotatesFirstWhenConfigured(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	opts := manualOptions()
	opts.RotateBeforeAnalyze = true
	a := newTestAnalyzer(source, &scriptedRecognizer{}, nil, opts)
	_ = a.Start("set")
	defer a.Stop()

	a.Analyze(context.Background())
	if source.rotated != 1 {
		t.Fatalf("expected one forced rotation, got %d", source.rotated)
	}
}

func TestAnalyzeNoMatchAndFailure(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)

	rec := &scriptedRecognizer{results: []Recognition{{Success: false, Message: "No music detected"}}}
	a := newTestAnalyzer(source, rec, nil, manualOptions())
	_ = a.Start("set")

	report := a.Analyze(context.Background())
	if report.Status != StatusNoMatch || report.Message != "No music detected" {
		t.Fatalf("unexpected no-match report: %+v", report)
	}

	rec.err = errors.New("backend down")
	report = a.Analyze(context.Background())
	if report.Status != StatusRecognitionFailed {
		t.Fatalf("expected recognition_failed, got %s", report.Status)
	}
	if rec.calls != 2 {
		t.Fatalf("expected no retry within a tick, got %d calls", rec.calls)
	}
	a.Stop()
}

func TestAnalyzeTimesOut(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &blockingRecognizer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	opts := manualOptions()
	opts.Timeout = 20 * time.Millisecond
	a := newTestAnalyzer(source, rec, nil, opts)
	_ = a.Start("set")
	defer a.Stop()

	report := a.Analyze(context.Background())
	if report.Status != StatusRecognitionFailed || report.Message != "Recognition timed out" {
		t.Fatalf("expected timeout report, got %+v", report)
	}
}

func TestAnalyzeBusyTickIsNotQueued(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &blockingRecognizer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  Recognition{Success: true, Title: "Slow Burner"},
	}
	a := newTestAnalyzer(source, rec, nil, manualOptions())
	_ = a.Start("set")
	defer a.Stop()

	done := make(chan Report, 1)
	go func() { done <- a.Analyze(context.Background()) }()
	<-rec.entered

	if report := a.Analyze(context.Background()); report.Status != StatusBusy {
		t.Fatalf("expected busy, got %s", report.Status)
	}

	close(rec.release)
	if report := <-done; report.Status != StatusIdentified {
		t.Fatalf("expected first run to identify, got %s", report.Status)
	}
	select {
	case <-rec.entered:
		t.Fatal("busy tick must not be queued")
	default:
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &blockingRecognizer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  Recognition{Success: true, Title: "Late Arrival"},
	}
	a := newTestAnalyzer(source, rec, nil, manualOptions())

	var reports []Report
	a.OnReport(func(r Report) { reports = append(reports, r) })
	_ = a.Start("set")

	done := make(chan Report, 1)
	go func() { done <- a.Analyze(context.Background()) }()
	<-rec.entered
	a.Stop()
	<-done

	if len(a.Tracks()) != 0 {
		t.Fatalf("expected no tracks after stop, got %+v", a.Tracks())
	}
	if len(reports) != 0 {
		t.Fatalf("expected no reports after stop, got %+v", reports)
	}
	if report := a.Analyze(context.Background()); report.Status != StatusInactive {
		t.Fatalf("expected inactive after stop, got %s", report.Status)
	}
}

func TestIdentifiedTrackNotifiesProducer(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	source.add(t, "audio", 30*time.Second)
	rec := &scriptedRecognizer{results: []Recognition{
		{Success: true, Title: "Promo Cut", Artist: "Producer", ExternalTrackID: "sp-42", ProducerID: "prod-7"},
	}}
	notifier := &recordingNotifier{done: make(chan struct{}, 1)}
	a := newTestAnalyzer(source, rec, notifier, manualOptions())

	var tracked []storage.IdentifiedTrack
	a.OnTrack(func(track storage.IdentifiedTrack) { tracked = append(tracked, track) })
	_ = a.Start("set")
	defer a.Stop()

	report := a.Analyze(context.Background())
	if report.Track == nil || !report.Track.NotificationSent {
		t.Fatalf("expected notified track in report, got %+v", report)
	}
	if report.Track.Offset != 30*time.Second {
		t.Fatalf("expected offset from latest segment, got %s", report.Track.Offset)
	}

	select {
	case <-notifier.done:
	case <-time.After(time.Second):
		t.Fatal("expected producer notification")
	}
	if len(tracked) != 1 || tracked[0].ID != "track-1" {
		t.Fatalf("unexpected track callbacks: %+v", tracked)
	}
}

func TestExactMatcherKeepsRemixes(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &scriptedRecognizer{results: []Recognition{
		{Success: true, Title: "Track One"},
		{Success: true, Title: "Track One (Remix)"},
	}}
	opts := manualOptions()
	opts.Matcher = dedup.Exact{}
	a := newTestAnalyzer(source, rec, nil, opts)
	_ = a.Start("set")
	defer a.Stop()

	a.Analyze(context.Background())
	a.Analyze(context.Background())
	if got := len(a.Tracks()); got != 2 {
		t.Fatalf("expected exact matcher to keep both tracks, got %d", got)
	}
}

func TestScheduledTicksFire(t *testing.T) {
	source := &fakeSource{}
	source.add(t, "audio", 0)
	rec := &scriptedRecognizer{}
	a := newTestAnalyzer(source, rec, nil, Options{
		FirstDelay: 5 * time.Millisecond,
		Interval:   15 * time.Millisecond,
		Timeout:    time.Second,
	})

	reports := make(chan Report, 16)
	a.OnReport(func(r Report) { reports <- r })
	_ = a.Start("set")

	for i := 0; i < 3; i++ {
		select {
		case <-reports:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected scheduled report %d", i)
		}
	}
	a.Stop()

	if err := a.Start("next"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := a.Start("again"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	a.Stop()
}
