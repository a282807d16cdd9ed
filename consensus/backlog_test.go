package consensus

import (
	"errors"
	"fmt"
	"testing"
)

func TestBacklogAddNext(t *testing.T) {
	b := NewBacklog(10)

	for i := 0; i < 3; i++ {
		if err := b.Add(testRequest(fmt.Sprintf("r%d", i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if b.Size() != 3 {
		t.Errorf("Expected size 3, got %d", b.Size())
	}

	// FIFO per arrival order.
	for i := 0; i < 3; i++ {
		req, ok := b.Next()
		if !ok {
			t.Fatal("Next returned empty")
		}
		if req.ID != fmt.Sprintf("r%d", i) {
			t.Errorf("Expected r%d, got %s", i, req.ID)
		}
	}
	if _, ok := b.Next(); ok {
		t.Error("Next on empty backlog should report false")
	}
}

func TestBacklogDuplicate(t *testing.T) {
	b := NewBacklog(10)

	_ = b.Add(testRequest("r1"))
	if err := b.Add(testRequest("r1")); !errors.Is(err, ErrRequestExists) {
		t.Errorf("Expected ErrRequestExists, got %v", err)
	}
}

func TestBacklogFull(t *testing.T) {
	b := NewBacklog(2)

	_ = b.Add(testRequest("r1"))
	_ = b.Add(testRequest("r2"))
	if err := b.Add(testRequest("r3")); !errors.Is(err, ErrBacklogFull) {
		t.Errorf("Expected ErrBacklogFull, got %v", err)
	}
}

func TestBacklogInvalid(t *testing.T) {
	b := NewBacklog(10)

	if err := b.Add(Request{Client: "wallet-1"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}

func TestBacklogRemove(t *testing.T) {
	b := NewBacklog(10)

	_ = b.Add(testRequest("r1"))
	_ = b.Add(testRequest("r2"))

	b.Remove(testRequest("r1").Key())
	if b.Size() != 1 {
		t.Errorf("Expected size 1, got %d", b.Size())
	}
	req, _ := b.Next()
	if req.ID != "r2" {
		t.Errorf("Expected r2, got %s", req.ID)
	}

	// Removing a request that was already drained is a no-op.
	b.Remove(testRequest("r2").Key())

	stats := b.GetStats()
	if stats.Accepted != 2 || stats.Proposed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
