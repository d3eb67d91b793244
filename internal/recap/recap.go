// Package recap writes a short prose recap of a finished set from its
// identified tracklist.
package recap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spynners/setcapture/internal/storage"
)

const defaultSystemPrompt = `You write short recaps of DJ sets for the DJ's own archive.
Given the set details and the identified tracklist, write two or three sentences
describing the arc of the set: how it opened, where it peaked and how it closed.
Refer to tracks as "Artist - Title". Do not invent tracks that are not listed.`

// MinTracks is the smallest tracklist worth recapping.
const MinTracks = 2

type Writer struct {
	completer Completer
	system    string
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewWriter builds a recap writer. An empty system prompt uses the built-in one.
func NewWriter(completer Completer, systemPrompt string) *Writer {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Writer{completer: completer, system: systemPrompt, sleep: sleepContext}
}

// Write returns the recap for session. Sessions with fewer than MinTracks
// identified tracks get an empty recap and no model call.
func (w *Writer) Write(ctx context.Context, session storage.RecordingSession) (string, error) {
	if len(session.Tracks) < MinTracks {
		return "", nil
	}

	prompt := Prompt{System: w.system, User: BuildPrompt(session)}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		text, err := w.completer.Complete(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(backoff)-1 {
			if err := w.sleep(ctx, backoff[attempt]); err != nil {
				return "", fmt.Errorf("recap cancelled: %w", err)
			}
		}
	}

	return "", fmt.Errorf("recap failed after retries: %w", lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BuildPrompt renders the user message for session.
func BuildPrompt(session storage.RecordingSession) string {
	var b strings.Builder

	meta := session.Metadata
	if meta.DJName != "" {
		fmt.Fprintf(&b, "DJ: %s\n", meta.DJName)
	}
	if venue := joinNonEmpty(meta.Venue, meta.City, meta.Country); venue != "" {
		fmt.Fprintf(&b, "Venue: %s\n", venue)
	}
	if !session.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", session.StartedAt.UTC().Format("2006-01-02"))
		if session.EndedAt != nil {
			fmt.Fprintf(&b, "Length: %s\n", session.EndedAt.Sub(session.StartedAt).Round(time.Minute))
		}
	}

	b.WriteString("\nTracklist:\n")
	for _, track := range session.Tracks {
		b.WriteString(track.FormatMarkdown())
		b.WriteByte('\n')
	}
	return b.String()
}

func joinNonEmpty(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
