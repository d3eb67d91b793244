package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Device opens capture resources. Each resource records into its own file and
// only makes that file readable once closed.
type Device interface {
	Open(ctx context.Context, path string) (Resource, error)
}

type Resource interface {
	Pause() error
	Resume() error
	Close() error
}

// Options tune a Controller. A negative RotateEvery disables scheduled
// rotation; Rotate can still be called directly. ReleaseGrace is the pause
// between closing a segment and reopening the device (250ms when zero, none
// when negative).
type Options struct {
	Dir          string
	Extension    string
	RotateEvery  time.Duration
	ReleaseGrace time.Duration
}

const defaultReleaseGrace = 250 * time.Millisecond

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = filepath.Join("data", "segments")
	}
	if o.Extension == "" {
		o.Extension = "wav"
	}
	if o.RotateEvery == 0 {
		o.RotateEvery = 30 * time.Second
	}
	switch {
	case o.ReleaseGrace == 0:
		o.ReleaseGrace = defaultReleaseGrace
	case o.ReleaseGrace < 0:
		o.ReleaseGrace = 0
	}
	return o
}

// Controller owns the capture lifecycle for one session and slices the
// recording into segments by periodically closing and reopening the device.
type Controller struct {
	device Device
	opts   Options

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error

	// ops serializes everything that touches the device so a Stop never races
	// a rotation in the middle of its close/reopen cycle.
	ops sync.Mutex

	mu            sync.Mutex
	state         State
	sessionID     string
	active        Resource
	segStart      time.Time
	pausedAt      time.Time
	pausedInSeg   time.Duration
	offset        time.Duration
	segments      []Segment
	timer         *time.Timer
	gen           uint64
	err           error
	onSegment     []func(Segment)
	onInterrupted func(error)
}

func NewController(device Device, opts Options) *Controller {
	return &Controller{
		device: device,
		opts:   opts.withDefaults(),
		now:    time.Now,
		wait:   sleepContext,
	}
}

// OnSegment registers a callback fired after each segment is finalized.
func (c *Controller) OnSegment(fn func(Segment)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSegment = append(c.onSegment, fn)
}

// OnInterrupted registers the callback fired when a rotation forces a stop.
func (c *Controller) OnInterrupted(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInterrupted = fn
}

func (c *Controller) Start(ctx context.Context, sessionID string) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.sessionID = sessionID
	c.mu.Unlock()

	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create segment directory: %w", ErrCaptureUnavailable, err)
	}

	res, err := c.device.Open(ctx, c.segmentPath(0))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRecording
	c.active = res
	c.segStart = c.now()
	c.gen++
	c.scheduleLocked()

	slog.Info("capture: started", "session", sessionID, "rotate_every", c.opts.RotateEvery)
	return nil
}

func (c *Controller) Pause() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	res := c.active
	c.mu.Unlock()

	if res != nil {
		if err := res.Pause(); err != nil {
			return fmt.Errorf("pause capture: %w", err)
		}
	}

	c.mu.Lock()
	c.state = StatePaused
	c.pausedAt = c.now()
	c.mu.Unlock()
	return nil
}

func (c *Controller) Resume() error {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	res := c.active
	c.mu.Unlock()

	if res != nil {
		if err := res.Resume(); err != nil {
			return fmt.Errorf("resume capture: %w", err)
		}
	}

	c.mu.Lock()
	c.pausedInSeg += c.now().Sub(c.pausedAt)
	c.pausedAt = time.Time{}
	c.state = StateRecording
	c.mu.Unlock()
	return nil
}

// Rotate finalizes the active resource as the next segment and opens a fresh
// one. A failed reopen forces the controller into StateStopped.
func (c *Controller) Rotate(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.state != StateRecording || c.active == nil {
		c.mu.Unlock()
		return ErrNotRecording
	}
	res := c.active
	index := len(c.segments)
	now := c.now()
	seg := Segment{
		Index:    index,
		Path:     c.segmentPath(index),
		Offset:   c.offset,
		Duration: c.activeDurationLocked(now),
	}
	c.active = nil
	c.mu.Unlock()

	if err := res.Close(); err != nil {
		return c.interrupt(fmt.Errorf("%w: close segment %d: %w", ErrRecordingInterrupted, index, err))
	}
	c.finalize(seg)

	if err := c.wait(ctx, c.opts.ReleaseGrace); err != nil {
		slog.Warn("capture: release grace cut short", "error", err)
	}

	next, err := c.device.Open(ctx, c.segmentPath(index+1))
	if err != nil {
		return c.interrupt(fmt.Errorf("%w: reopen segment %d: %w", ErrRecordingInterrupted, index+1, err))
	}

	c.mu.Lock()
	c.active = next
	c.segStart = c.now()
	c.pausedInSeg = 0
	c.mu.Unlock()
	return nil
}

// Stop finalizes the active segment and returns every segment in order. Timers
// are cancelled under the same lock as the state change, so nothing scheduled
// earlier can fire into a stopped session.
func (c *Controller) Stop(_ context.Context) ([]Segment, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil, ErrNotRecording
	case StateStopped:
		segs := c.segmentsLocked()
		c.mu.Unlock()
		return segs, nil
	}

	now := c.now()
	c.cancelLocked()
	res := c.active
	index := len(c.segments)
	seg := Segment{
		Index:    index,
		Path:     c.segmentPath(index),
		Offset:   c.offset,
		Duration: c.activeDurationLocked(now),
	}
	c.active = nil
	c.state = StateStopped
	c.mu.Unlock()

	if res != nil {
		if err := res.Close(); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("close final segment: %w", err)
			segs := c.segmentsLocked()
			c.mu.Unlock()
			return segs, c.err
		}
		c.finalize(seg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	slog.Info("capture: stopped", "session", c.sessionID, "segments", len(c.segments))
	return c.segmentsLocked(), nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Segments() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segmentsLocked()
}

func (c *Controller) LatestSegment() (Segment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.segments) == 0 {
		return Segment{}, false
	}
	return c.segments[len(c.segments)-1], true
}

// Elapsed is the amount of audio captured so far, excluding pauses.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return c.offset
	}
	return c.offset + c.activeDurationLocked(c.now())
}

func (c *Controller) finalize(seg Segment) {
	seg.FinalizedAt = c.now()

	c.mu.Lock()
	c.segments = append(c.segments, seg)
	c.offset += seg.Duration
	callbacks := append([]func(Segment){}, c.onSegment...)
	c.mu.Unlock()

	slog.Debug("capture: segment finalized", "index", seg.Index, "duration", seg.Duration)
	for _, fn := range callbacks {
		fn(seg)
	}
}

func (c *Controller) interrupt(err error) error {
	c.mu.Lock()
	c.cancelLocked()
	c.state = StateStopped
	c.active = nil
	c.err = err
	callback := c.onInterrupted
	kept := len(c.segments)
	c.mu.Unlock()

	slog.Error("capture: forced stop", "error", err, "segments_kept", kept)
	if callback != nil {
		go callback(err)
	}
	return err
}

func (c *Controller) scheduleLocked() {
	if c.opts.RotateEvery <= 0 {
		return
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.opts.RotateEvery, func() { c.rotationDue(gen) })
}

func (c *Controller) rotationDue(gen uint64) {
	c.mu.Lock()
	live := c.gen == gen && c.state != StateStopped
	c.mu.Unlock()
	if !live {
		return
	}

	if err := c.Rotate(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
		slog.Warn("capture: scheduled rotation failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen && c.state != StateStopped {
		c.scheduleLocked()
	}
}

func (c *Controller) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) activeDurationLocked(now time.Time) time.Duration {
	d := now.Sub(c.segStart) - c.pausedInSeg
	if c.state == StatePaused && !c.pausedAt.IsZero() {
		d -= now.Sub(c.pausedAt)
	}
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) segmentsLocked() []Segment {
	return append([]Segment(nil), c.segments...)
}

func (c *Controller) segmentPath(index int) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf("%s-%04d.%s", c.sessionID, index, c.opts.Extension))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
