package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
	"github.com/spf13/cobra"

	"github.com/spynners/setcapture/internal/capture"
	"github.com/spynners/setcapture/internal/config"
	"github.com/spynners/setcapture/internal/gdrive"
	"github.com/spynners/setcapture/internal/server"
)

func NewRunCmd(deps *Dependencies) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the microphone and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if listen != "" {
				cfg.ListenAddr = listen
			}
			return run(cmd.Context(), cfg, deps.Warnings)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override listen_addr")
	return cmd
}

func run(parent context.Context, cfg config.Config, warnings []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("setcapture: starting")

	microphone.Initialize()
	defer microphone.Teardown()

	mic, rate := openMicrophone(cfg.SampleRateCandidates())

	var device capture.Device = unavailableDevice{}
	var pcm *capture.PCMDevice
	if mic != nil {
		pcm = capture.NewPCMDevice(rate)
		device = pcm
	} else {
		warnings = append(warnings, "Microphone unavailable: capture is disabled.")
	}

	a, err := buildApp(cfg, device)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	go a.monitor.Run(ctx)
	unsubscribe := a.watch(ctx)
	defer unsubscribe()
	a.outbox.Init(ctx, credential(cfg))

	if cfg.GDriveFolderID != "" {
		backup, err := gdrive.NewBackup(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Printf("warning: gdrive backup disabled: %v", err)
		} else {
			go backup.Run(ctx, config.Duration(cfg.BackupInterval, 6*time.Hour), a.store, a.tracks.CurrentPath)
		}
	}

	if pcm != nil {
		go capture.StreamWithRetry(ctx, mic, pcm.Writer(nil), time.Sleep, log.Printf)
	}

	log.Printf("setcapture: control API on http://%s", cfg.ListenAddr)
	serveErr := server.Serve(ctx, cfg.ListenAddr, a.hub, a.serverDeps(warnings))

	log.Println("setcapture: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if a.manager.Active() {
		summary, err := a.manager.Stop(shutdownCtx)
		if err != nil {
			log.Printf("warning: stopping session failed: %v", err)
		} else {
			log.Printf("setcapture: session %s queued as %s", summary.SessionID, summary.OutboxID)
		}
	}
	a.manager.Wait()
	a.outbox.Shutdown()

	if mic != nil {
		_ = mic.Stop()
	}

	if serveErr != nil {
		return fmt.Errorf("control server: %w", serveErr)
	}
	return nil
}

// openMicrophone tries each rate in order and returns the first microphone
// that opens and starts.
func openMicrophone(rates []int) (*microphone.Microphone, int) {
	for _, rate := range rates {
		mic, err := microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(rate)})
		if err != nil {
			log.Printf("warning: microphone open failed at %d Hz: %v", rate, err)
			continue
		}
		if err := mic.Start(); err != nil {
			log.Printf("warning: microphone start failed at %d Hz: %v", rate, err)
			continue
		}
		log.Printf("microphone started at %d Hz", rate)
		return mic, rate
	}
	return nil, 0
}
