package pool

import (
	"errors"
	"testing"
	"time"
)

func names(n int) []string {
	all := []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta"}
	return all[:n]
}

func TestNewMembership(t *testing.T) {
	m, err := NewMembership(names(4))
	if err != nil {
		t.Fatalf("NewMembership failed: %v", err)
	}
	if m.Size() != 4 {
		t.Errorf("Expected size 4, got %d", m.Size())
	}
	if m.F() != 1 {
		t.Errorf("Expected f=1, got %d", m.F())
	}
	if m.Quorum() != 3 {
		t.Errorf("Expected quorum 3, got %d", m.Quorum())
	}
}

func TestNewMembershipTooSmall(t *testing.T) {
	_, err := NewMembership([]string{"Alpha", "Beta", "Gamma"})
	if !errors.Is(err, ErrPoolTooSmall) {
		t.Errorf("Expected ErrPoolTooSmall, got %v", err)
	}
}

func TestNewMembershipDuplicate(t *testing.T) {
	_, err := NewMembership([]string{"Alpha", "Beta", "Alpha", "Delta"})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("Expected ErrDuplicateNode, got %v", err)
	}
}

func TestSevenNodeQuorum(t *testing.T) {
	m, err := NewMembership(names(7))
	if err != nil {
		t.Fatalf("NewMembership failed: %v", err)
	}
	if m.F() != 2 {
		t.Errorf("Expected f=2, got %d", m.F())
	}
	if m.Quorum() != 5 {
		t.Errorf("Expected quorum 5, got %d", m.Quorum())
	}
}

func TestPrimaryRotation(t *testing.T) {
	m, _ := NewMembership(names(4))

	for view := 0; view < 12; view++ {
		want := view % 4
		if got := m.Primary(view); got != want {
			t.Errorf("Primary(%d) = %d, want %d", view, got, want)
		}
	}
	if m.PrimaryName(0) != "Alpha" {
		t.Errorf("Expected view 0 primary Alpha, got %s", m.PrimaryName(0))
	}
	if m.PrimaryName(5) != "Beta" {
		t.Errorf("Expected view 5 primary Beta, got %s", m.PrimaryName(5))
	}
}

func TestPeers(t *testing.T) {
	m, _ := NewMembership(names(4))

	peers := m.Peers("Beta")
	if len(peers) != 3 {
		t.Fatalf("Expected 3 peers, got %d", len(peers))
	}
	for _, p := range peers {
		if p == "Beta" {
			t.Error("Peers must not include self")
		}
	}
}

func TestIndexUnknownNode(t *testing.T) {
	m, _ := NewMembership(names(4))

	if _, err := m.Index("Omega"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
	if m.Contains("Omega") {
		t.Error("Contains should be false for a non-member")
	}
}

func TestConfigTimeouts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ToleratePrimaryDisconnection = 10 * time.Second

	// Default election timeout is n*3s, so both derived timeouts are
	// 10s + 12s for a 4 node pool.
	want := 22 * time.Second
	if got := cfg.SuspicionThreshold(4); got != want {
		t.Errorf("SuspicionThreshold(4) = %v, want %v", got, want)
	}
	if got := cfg.RestartTimeout(4); got != want {
		t.Errorf("RestartTimeout(4) = %v, want %v", got, want)
	}

	cfg.ElectionTimeout = func(n int) time.Duration { return time.Duration(n) * time.Second }
	if got := cfg.RestartTimeout(7); got != 17*time.Second {
		t.Errorf("RestartTimeout(7) = %v, want 17s", got)
	}
}
