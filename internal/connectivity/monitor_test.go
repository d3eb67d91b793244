package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type toggleProber struct {
	mu  sync.Mutex
	err error
}

func (p *toggleProber) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *toggleProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestMonitorNotifiesOnlyOnChange(t *testing.T) {
	prober := &toggleProber{err: errors.New("dial tcp: no route")}
	m := NewMonitor(prober, time.Hour)

	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	m.Check(context.Background())
	m.Check(context.Background())
	prober.set(nil)
	m.Check(context.Background())
	m.Check(context.Background())

	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Fatalf("expected [false true], got %v", seen)
	}
	if !m.Online() {
		t.Fatal("expected monitor to report online")
	}

	unsubscribe()
	m.Set(false)
	if len(seen) != 2 {
		t.Fatalf("expected no notification after unsubscribe, got %v", seen)
	}
}

func TestMonitorWithoutProberIsOffline(t *testing.T) {
	m := NewMonitor(nil, 0)
	if m.Check(context.Background()) {
		t.Fatal("expected offline without a prober")
	}
}

func TestMonitorRunProbesUntilCancelled(t *testing.T) {
	prober := &toggleProber{}
	m := NewMonitor(prober, 5*time.Millisecond)

	changes := make(chan bool, 8)
	m.Subscribe(func(online bool) { changes <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	if online := <-changes; !online {
		t.Fatal("expected initial online notification")
	}
	prober.set(errors.New("down"))
	select {
	case online := <-changes:
		if online {
			t.Fatal("expected offline notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected periodic probe to detect outage")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
