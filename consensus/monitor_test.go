package consensus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// quorumTrap records suspicion quorum callbacks.
type quorumTrap struct {
	fired []Suspicion
	mu    sync.Mutex
}

func (q *quorumTrap) onQuorum(instance, view int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fired = append(q.fired, Suspicion{Instance: instance, View: view})
}

func (q *quorumTrap) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fired)
}

func TestMonitorQuorum(t *testing.T) {
	m := testMembership(t)
	trap := &quorumTrap{}
	mon := NewMonitor("Beta", m, 1, time.Hour, time.Hour, nil, trap.onQuorum, nil)

	mon.OnSuspicion(Suspicion{Instance: 0, View: 0, Sender: "Beta"})
	mon.OnSuspicion(Suspicion{Instance: 0, View: 0, Sender: "Gamma"})
	if trap.count() != 0 {
		t.Fatal("Two suspicions must not reach quorum in a 4 node pool")
	}

	mon.OnSuspicion(Suspicion{Instance: 0, View: 0, Sender: "Delta"})
	if trap.count() != 1 {
		t.Fatalf("Expected quorum to fire once, got %d", trap.count())
	}

	// A duplicate sender and a late vote must not re-fire.
	mon.OnSuspicion(Suspicion{Instance: 0, View: 0, Sender: "Delta"})
	mon.OnSuspicion(Suspicion{Instance: 0, View: 0, Sender: "Alpha"})
	if trap.count() != 1 {
		t.Errorf("Quorum fired %d times, want 1", trap.count())
	}
}

func TestMonitorIgnoresStaleViews(t *testing.T) {
	m := testMembership(t)
	trap := &quorumTrap{}
	mon := NewMonitor("Beta", m, 1, time.Hour, time.Hour, nil, trap.onQuorum, nil)

	mon.SetView(2)
	for _, sender := range []string{"Alpha", "Beta", "Gamma"} {
		mon.OnSuspicion(Suspicion{Instance: 0, View: 1, Sender: sender})
	}
	if trap.count() != 0 {
		t.Error("Suspicions for a superseded view must be ignored")
	}
	if mon.Suspicions(0, 1) != 0 {
		t.Errorf("Expected no recorded votes, got %d", mon.Suspicions(0, 1))
	}
}

func TestMonitorRaisesOnSilence(t *testing.T) {
	m := testMembership(t)

	var mu sync.Mutex
	var sent []Suspicion
	broadcast := func(kind string, msg any) {
		if kind != KindSuspicion {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, msg.(Suspicion))
	}

	var raised int64
	mon := NewMonitor("Beta", m, 1, 30*time.Millisecond, 10*time.Millisecond,
		broadcast, nil, func() { atomic.AddInt64(&raised, 1) })
	mon.Start()
	defer mon.Stop()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Monitor never raised a suspicion despite silence")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	first := sent[0]
	mu.Unlock()
	if first.Instance != 0 || first.View != 0 || first.Sender != "Beta" {
		t.Errorf("Unexpected suspicion: %+v", first)
	}
	if mon.Suspicions(0, 0) != 1 {
		t.Errorf("Expected 1 recorded vote, got %d", mon.Suspicions(0, 0))
	}
	if atomic.LoadInt64(&raised) != 1 {
		t.Errorf("Expected onRaised to fire once, got %d", atomic.LoadInt64(&raised))
	}

	// The same (instance, view) is never raised twice.
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	n := len(sent)
	mu.Unlock()
	if n != 1 {
		t.Errorf("Suspicion raised %d times for one view, want 1", n)
	}
}

func TestMonitorProgressResetsTimer(t *testing.T) {
	m := testMembership(t)

	var mu sync.Mutex
	var sent int
	broadcast := func(kind string, msg any) {
		mu.Lock()
		defer mu.Unlock()
		sent++
	}

	mon := NewMonitor("Beta", m, 1, 60*time.Millisecond, 10*time.Millisecond, broadcast, nil, nil)
	mon.Start()
	defer mon.Stop()

	// Keep feeding progress past the threshold window.
	for i := 0; i < 10; i++ {
		mon.Progress(0)
		time.Sleep(15 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if sent != 0 {
		t.Errorf("Monitor raised %d suspicions despite steady progress", sent)
	}
}
