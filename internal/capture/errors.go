package capture

import "errors"

var (
	// ErrCaptureUnavailable is returned by Start when the device refuses to open.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrRecordingInterrupted marks a forced stop after a rotation could not
	// reopen the device. Segments finalized before the failure are kept.
	ErrRecordingInterrupted = errors.New("recording interrupted")

	ErrAlreadyStarted = errors.New("capture already started")
	ErrNotRecording   = errors.New("not recording")
	ErrNotPaused      = errors.New("not paused")
	ErrDeviceBusy     = errors.New("capture device busy")
)
