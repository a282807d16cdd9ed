package pool

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeNode records stop/start cycles for restart orchestration tests.
type fakeNode struct {
	name     string
	stops    int
	starts   int
	startErr error
	mu       sync.Mutex
}

func (f *fakeNode) Name() string { return f.name }

func (f *fakeNode) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeNode) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeNode) cycles() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops, f.starts
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ToleratePrimaryDisconnection = 10 * time.Millisecond
	cfg.ElectionTimeout = func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return cfg
}

func TestRestartBulkWithinFaultBudget(t *testing.T) {
	m, _ := NewMembership(names(7))
	r := NewRestarter(m, fastConfig(), func(timeout time.Duration) error { return nil })

	targets := []Restartable{
		&fakeNode{name: "Beta"},
		&fakeNode{name: "Gamma"},
	}
	if err := r.Restart(targets, false); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	for _, target := range targets {
		f := target.(*fakeNode)
		stops, starts := f.cycles()
		if stops != 1 || starts != 1 {
			t.Errorf("Node %s cycled %d/%d times, want 1/1", f.name, stops, starts)
		}
	}
}

func TestRestartBulkBeyondFProceedsFlagged(t *testing.T) {
	m, _ := NewMembership(names(7))

	probes := 0
	r := NewRestarter(m, fastConfig(), func(timeout time.Duration) error {
		probes++
		return nil
	})

	// f = 2 for a 7 node pool: restarting 6 at once loses the quorum
	// until the nodes rejoin. The subset is flagged but still cycled.
	var targets []Restartable
	for _, name := range []string{"Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta"} {
		targets = append(targets, &fakeNode{name: name})
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	if err := r.Restart(targets, false); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	for _, target := range targets {
		f := target.(*fakeNode)
		stops, starts := f.cycles()
		if stops != 1 || starts != 1 {
			t.Errorf("Node %s cycled %d/%d times, want 1/1", f.name, stops, starts)
		}
	}
	if probes != 1 {
		t.Errorf("Expected a single shared probe round, got %d", probes)
	}
	if !strings.Contains(buf.String(), "exceeds fault tolerance") {
		t.Error("Bulk restart beyond f must be flagged in the log")
	}
}

func TestRestartOneByOneExceedsF(t *testing.T) {
	m, _ := NewMembership(names(7))

	probes := 0
	r := NewRestarter(m, fastConfig(), func(timeout time.Duration) error {
		probes++
		return nil
	})

	// One-by-one may cycle more than f nodes total, since at most one is
	// down at a time.
	var targets []Restartable
	for _, name := range []string{"Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta"} {
		targets = append(targets, &fakeNode{name: name})
	}
	if err := r.Restart(targets, true); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if probes != 6 {
		t.Errorf("Expected 6 probe rounds, got %d", probes)
	}
}

func TestRestartUnknownNode(t *testing.T) {
	m, _ := NewMembership(names(4))
	r := NewRestarter(m, fastConfig(), nil)

	err := r.Restart([]Restartable{&fakeNode{name: "Omega"}}, false)
	if !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
}

func TestRestartProbeFailure(t *testing.T) {
	m, _ := NewMembership(names(4))
	r := NewRestarter(m, fastConfig(), func(timeout time.Duration) error {
		return errors.New("no commits observed")
	})

	err := r.Restart([]Restartable{&fakeNode{name: "Beta"}}, false)
	if !errors.Is(err, ErrPoolNotLive) {
		t.Errorf("Expected ErrPoolNotLive, got %v", err)
	}
}

func TestRestartStartFailure(t *testing.T) {
	m, _ := NewMembership(names(4))
	r := NewRestarter(m, fastConfig(), nil)

	bad := &fakeNode{name: "Beta", startErr: errors.New("bind failed")}
	if err := r.Restart([]Restartable{bad}, false); err == nil {
		t.Error("Expected relaunch error, got nil")
	}
}
