package session

import (
	"sync"
	"time"
)

// Detector fires its callback when no track has been identified for the
// configured timeout. It is disarmed until Arm is called.
type Detector struct {
	timeout time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	onIdle  func()
}

// NewDetector returns nil for a non-positive timeout, which disables idle
// auto-stop. All methods are safe on a nil Detector.
func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		return nil
	}
	return &Detector{timeout: timeout}
}

func (d *Detector) OnIdle(callback func()) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onIdle = callback
}

// Arm (re)starts the idle countdown.
func (d *Detector) Arm() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		callback := d.onIdle
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
}

func (d *Detector) Disarm() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
