package capture

import (
	"context"
	"io"
	"strings"
	"time"
)

// Streamer is a live PCM source such as the portaudio-backed microphone.
type Streamer interface {
	Stream(writer io.Writer) error
}

// StreamWithRetry pumps the streamer into writer until ctx ends. Input
// overflows restart the stream after a short pause; any other error ends it.
func StreamWithRetry(
	ctx context.Context,
	streamer Streamer,
	writer io.Writer,
	wait func(time.Duration),
	logf func(string, ...any),
) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := streamer.Stream(writer)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logf("warning: mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logf("mic stream error: %v", err)
		return
	}
}
