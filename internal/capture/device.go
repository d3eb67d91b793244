package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

const defaultSampleRate = 16000

// PCMDevice turns a continuous PCM16-LE stream (the microphone) into
// file-backed capture resources. Only one resource may be open at a time, and
// its WAV file is written when the resource closes, so an in-progress segment
// is never readable.
type PCMDevice struct {
	mu         sync.Mutex
	sampleRate int
	active     *pcmResource

	encode func(rawPath, outPath string, sampleRate int) error
}

func NewPCMDevice(sampleRate int) *PCMDevice {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &PCMDevice{sampleRate: sampleRate, encode: pcmToWav}
}

func (d *PCMDevice) SetSampleRate(sampleRate int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sampleRate > 0 {
		d.sampleRate = sampleRate
	}
}

// Writer returns a writer that forwards to dst (when non-nil) and records into
// whichever resource is currently open.
func (d *PCMDevice) Writer(dst io.Writer) io.Writer {
	if dst == nil {
		dst = io.Discard
	}
	return &teeWriter{device: d, dst: dst}
}

func (d *PCMDevice) Open(_ context.Context, path string) (Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, ErrDeviceBusy
	}

	rawPath := path + ".pcm"
	rawFile, err := os.OpenFile(rawPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open raw pcm file: %w", err)
	}

	res := &pcmResource{device: d, rawPath: rawPath, outPath: path, rawFile: rawFile}
	d.active = res
	return res, nil
}

func (d *PCMDevice) writePCM(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := d.active
	if res == nil || res.paused {
		return nil
	}
	if _, err := res.rawFile.Write(data); err != nil {
		return fmt.Errorf("write raw pcm bytes: %w", err)
	}
	return nil
}

type pcmResource struct {
	device  *PCMDevice
	rawPath string
	outPath string
	rawFile *os.File
	paused  bool
	closed  bool
}

func (r *pcmResource) Pause() error {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()
	r.paused = true
	return nil
}

func (r *pcmResource) Resume() error {
	r.device.mu.Lock()
	defer r.device.mu.Unlock()
	r.paused = false
	return nil
}

func (r *pcmResource) Close() error {
	d := r.device

	d.mu.Lock()
	if r.closed {
		d.mu.Unlock()
		return nil
	}
	r.closed = true
	if d.active == r {
		d.active = nil
	}
	sampleRate := d.sampleRate
	d.mu.Unlock()

	if err := r.rawFile.Close(); err != nil {
		return fmt.Errorf("close raw pcm file: %w", err)
	}

	if err := d.encode(r.rawPath, r.outPath, sampleRate); err != nil {
		return fmt.Errorf("finalize %s: %w", r.outPath, err)
	}

	_ = os.Remove(r.rawPath)
	return nil
}

type teeWriter struct {
	device *PCMDevice
	dst    io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if err != nil {
		return n, err
	}

	if err := w.device.writePCM(p[:n]); err != nil {
		return n, err
	}

	return n, nil
}
