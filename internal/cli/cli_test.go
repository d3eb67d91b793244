package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spynners/setcapture/internal/acrcloud"
	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/backend"
	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/config"
	"github.com/spynners/setcapture/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DBPath:       filepath.Join(dir, "setcapture.db"),
		SegmentDir:   filepath.Join(dir, "segments"),
		SetDir:       filepath.Join(dir, "sets"),
		ExportDir:    filepath.Join(dir, "exports"),
		TracklistDir: filepath.Join(dir, "tracklists"),
		Recognizer:   "backend",
		OutputFormat: "m4a",
	}
}

func TestPickRecognizer(t *testing.T) {
	client := backend.NewClient("https://api.example.test", "tok", backend.Timeouts{})

	cfg := config.Config{Recognizer: "backend", BackendURL: "https://api.example.test"}
	if r := pickRecognizer(cfg, client); r != client {
		t.Fatalf("expected backend recognizer, got %T", r)
	}

	cfg = config.Config{Recognizer: "acrcloud", ACRCloudKey: "k", ACRCloudSecret: "s"}
	if r, ok := pickRecognizer(cfg, client).(*acrcloud.Client); !ok || r == nil {
		t.Fatal("expected *acrcloud.Client")
	}

	cfg = config.Config{Recognizer: "acrcloud"}
	if _, err := pickRecognizer(cfg, client).Recognize(context.Background(), nil); !errors.Is(err, errRecognitionDisabled) {
		t.Fatalf("expected disabled recognizer, got %v", err)
	}
}

type fileDevice struct{}

func (fileDevice) Open(_ context.Context, path string) (capture.Resource, error) {
	return fileResource{path: path}, nil
}

type fileResource struct{ path string }

func (fileResource) Pause() error  { return nil }
func (fileResource) Resume() error { return nil }
func (r fileResource) Close() error {
	return os.WriteFile(r.path, []byte("pcm"), 0o644)
}

type payloadRecognizer struct {
	mu    sync.Mutex
	sizes []int
}

func (r *payloadRecognizer) Recognize(_ context.Context, audio []byte) (analyzer.Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, len(audio))
	return analyzer.Recognition{Success: true, Title: "Strobe", Artist: "deadmau5"}, nil
}

func TestScheduledCaptureAndAnalyzerRotateOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotateEvery = "300ms"
	cfg.ReleaseGrace = "1ms"
	cfg.FirstAnalysis = "150ms"
	cfg.AnalysisInterval = "300ms"

	ctrl := capture.NewController(fileDevice{}, captureOptions(cfg))
	rec := &payloadRecognizer{}
	an := analyzer.New(ctrl, rec, nil, analyzerOptions(cfg))

	ctx := context.Background()
	if err := ctrl.Start(ctx, "set"); err != nil {
		t.Fatalf("Start capture: %v", err)
	}
	if err := an.Start("set"); err != nil {
		t.Fatalf("Start analyzer: %v", err)
	}
	time.Sleep(650 * time.Millisecond)
	an.Stop()
	segments, err := ctrl.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop capture: %v", err)
	}

	if len(segments) < 2 || len(segments) > 3 {
		t.Fatalf("expected one segment per rotation plus one, got %d", len(segments))
	}
	for _, seg := range segments[:len(segments)-1] {
		if seg.Duration < 250*time.Millisecond {
			t.Fatalf("segment %d is only %v long", seg.Index, seg.Duration)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, size := range rec.sizes {
		if size == 0 {
			t.Fatal("analyzer sent an empty segment for recognition")
		}
	}
}

func TestBuildRecapNeedsModelAndKey(t *testing.T) {
	if buildRecap(config.Config{RecapModel: "openai/gpt-4o-mini"}) != nil {
		t.Fatal("expected no recap writer without key")
	}
	if buildRecap(config.Config{RecapModel: "nope/model", RecapAPIKey: "k"}) != nil {
		t.Fatal("expected no recap writer for unknown provider")
	}
	if buildRecap(config.Config{RecapModel: "openai/gpt-4o-mini", RecapAPIKey: "k"}) == nil {
		t.Fatal("expected recap writer")
	}
}

func TestUnavailableDeviceFailsStart(t *testing.T) {
	a, err := buildApp(testConfig(t), unavailableDevice{})
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer func() { _ = a.store.Close() }()

	if _, err := a.manager.Start(context.Background(), storage.Metadata{DJName: "DJ Kay"}); !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("expected capture unavailable, got %v", err)
	}
}

func TestOutboxListEmpty(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(config.EnvPrefix+"DB_PATH", cfg.DBPath)
	t.Setenv(config.EnvPrefix+"BACKEND_URL", "")

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "outbox", "list"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "Outbox is empty.") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestOutboxSyncRequiresBackend(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv(config.EnvPrefix+"DB_PATH", cfg.DBPath)
	t.Setenv(config.EnvPrefix+"BACKEND_URL", "")

	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "outbox", "sync"})

	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "backend_url") {
		t.Fatalf("expected backend_url error, got %v", err)
	}
}
