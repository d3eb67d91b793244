package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spynners/setcapture/internal/acrcloud"
	"github.com/spynners/setcapture/internal/analyzer"
	"github.com/spynners/setcapture/internal/backend"
	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/concat"
	"github.com/spynners/setcapture/internal/config"
	"github.com/spynners/setcapture/internal/connectivity"
	"github.com/spynners/setcapture/internal/export"
	"github.com/spynners/setcapture/internal/outbox"
	"github.com/spynners/setcapture/internal/recap"
	"github.com/spynners/setcapture/internal/server"
	"github.com/spynners/setcapture/internal/session"
	"github.com/spynners/setcapture/internal/storage"
)

var errRecognitionDisabled = errors.New("no recognizer configured")

// app holds every long-lived component of a running client.
type app struct {
	cfg      config.Config
	store    *storage.SQLiteStore
	backend  *backend.Client
	monitor  *connectivity.Monitor
	outbox   *outbox.Outbox
	hub      *server.Hub
	manager  *session.Manager
	exporter *export.Exporter
	tracks   *storage.TracklistWriter
}

func openStore(cfg config.Config) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("storage init: %w", err)
	}
	return store, nil
}

func credential(cfg config.Config) outbox.Credential {
	return outbox.Credential{UserID: cfg.UserID, Token: cfg.BackendToken}
}

func newOutbox(cfg config.Config, store outbox.Store, client *backend.Client, signal connectivity.Signal) *outbox.Outbox {
	return outbox.New(store, client, signal, outbox.Options{
		Retention:   config.Duration(cfg.Retention, 7*24*time.Hour),
		BackoffBase: config.Duration(cfg.SyncBackoffBase, 30*time.Second),
		BackoffMax:  config.Duration(cfg.SyncBackoffMax, 30*time.Minute),
	})
}

// buildApp wires the components around device, which feeds every capture.
func buildApp(cfg config.Config, device capture.Device) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(cfg.BackendURL, cfg.BackendToken, backend.Timeouts{})
	hasBackend := cfg.BackendURL != ""

	var prober connectivity.Prober
	if hasBackend {
		prober = client
	}
	monitor := connectivity.NewMonitor(prober, config.Duration(cfg.HealthInterval, 15*time.Second))

	hub := server.NewHub()
	ob := newOutbox(cfg, store, client, monitor)

	recognizer := pickRecognizer(cfg, client)
	var notifier analyzer.Notifier
	if hasBackend {
		notifier = client
	}
	analyzerOpts := analyzerOptions(cfg)

	var joiner concat.Joiner = concat.WAVJoiner{}
	format := "wav"
	var converter export.Converter
	if hasBackend {
		joiner = client
		format = cfg.OutputFormat
		converter = client
	}

	captureOpts := captureOptions(cfg)

	tracks := storage.NewTracklistWriter(cfg.TracklistDir)

	deps := session.Deps{
		NewCapture: func() session.Capture {
			return capture.NewController(device, captureOpts)
		},
		NewAnalyzer: func(source analyzer.Source) session.Analyzer {
			return analyzer.New(source, recognizer, notifier, analyzerOpts)
		},
		Concat:    concat.New(joiner, cfg.SetDir, format, 0),
		Outbox:    ob,
		History:   store,
		Tracklist: tracks,
		Hub:       hub,
		Detector:  session.NewDetector(config.Duration(cfg.IdleStop, 0)),
	}
	if writer := buildRecap(cfg); writer != nil {
		deps.Recap = writer
	}

	return &app{
		cfg:      cfg,
		store:    store,
		backend:  client,
		monitor:  monitor,
		outbox:   ob,
		hub:      hub,
		manager:  session.NewManager(deps),
		exporter: export.New(converter, cfg.ExportDir),
		tracks:   tracks,
	}, nil
}

// captureOptions rotates on the configured schedule. The analyzer reads the
// latest finished segment, so it must not rotate as well.
func captureOptions(cfg config.Config) capture.Options {
	return capture.Options{
		Dir:          cfg.SegmentDir,
		Extension:    "wav",
		RotateEvery:  config.Duration(cfg.RotateEvery, 30*time.Second),
		ReleaseGrace: config.Duration(cfg.ReleaseGrace, 250*time.Millisecond),
	}
}

func analyzerOptions(cfg config.Config) analyzer.Options {
	return analyzer.Options{
		FirstDelay: config.Duration(cfg.FirstAnalysis, 15*time.Second),
		Interval:   config.Duration(cfg.AnalysisInterval, 30*time.Second),
	}
}

func pickRecognizer(cfg config.Config, client *backend.Client) analyzer.Recognizer {
	switch {
	case cfg.Recognizer == "acrcloud" && cfg.ACRCloudConfigured():
		return acrcloud.NewClient(cfg.ACRCloudHost, cfg.ACRCloudKey, cfg.ACRCloudSecret)
	case cfg.Recognizer == "backend" && cfg.BackendURL != "":
		return client
	default:
		return disabledRecognizer{}
	}
}

type disabledRecognizer struct{}

func (disabledRecognizer) Recognize(context.Context, []byte) (analyzer.Recognition, error) {
	return analyzer.Recognition{}, errRecognitionDisabled
}

func buildRecap(cfg config.Config) *recap.Writer {
	if cfg.RecapModel == "" || cfg.RecapAPIKey == "" {
		return nil
	}
	completer, err := recap.NewCompleter(cfg.RecapModel, cfg.RecapAPIKey, cfg.RecapBaseURL)
	if err != nil {
		log.Printf("warning: set recaps disabled: %v", err)
		return nil
	}
	return recap.NewWriter(completer, cfg.RecapPrompt)
}

// controller fills in the configured DJ name when a start request omits it.
type controller struct {
	*session.Manager
	djName string
}

func (c controller) Start(ctx context.Context, meta storage.Metadata) (string, error) {
	if meta.DJName == "" {
		meta.DJName = c.djName
	}
	return c.Manager.Start(ctx, meta)
}

func (a *app) serverDeps(warnings []string) server.Deps {
	return server.Deps{
		Sessions:           controller{Manager: a.manager, djName: a.cfg.DJName},
		Outbox:             a.outbox,
		History:            a.store,
		Exporter:           a.exporter,
		ACRCloudConfigured: a.cfg.ACRCloudConfigured(),
		Online:             a.monitor.Online,
		Warnings:           func() []string { return warnings },
	}
}

// watch forwards connectivity and outbox changes to websocket clients.
func (a *app) watch(ctx context.Context) func() {
	unsubscribe := a.monitor.Subscribe(a.hub.BroadcastConnectivity)
	a.outbox.OnChange(func() {
		pending, err := a.outbox.GetPendingCount(ctx)
		if err != nil {
			log.Printf("warning: pending count failed: %v", err)
			return
		}
		a.hub.BroadcastOutboxChanged(pending)
	})
	return unsubscribe
}

// unavailableDevice stands in for a microphone that could not be opened.
type unavailableDevice struct{}

func (unavailableDevice) Open(context.Context, string) (capture.Resource, error) {
	return nil, capture.ErrCaptureUnavailable
}
