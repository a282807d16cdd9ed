package consensus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExecutorAppliesInOrder(t *testing.T) {
	e := NewExecutor("test", 1)
	defer e.Shutdown()

	var mu sync.Mutex
	var applied []int
	for seq := 1; seq <= 10; seq++ {
		s := seq
		err := e.Submit(ExecTask{Instance: 0, Seq: s, Apply: func() error {
			mu.Lock()
			defer mu.Unlock()
			applied = append(applied, s)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(applied)
		mu.Unlock()
		if n == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Only %d of 10 tasks applied", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range applied {
		if seq != i+1 {
			t.Fatalf("Task %d applied out of order: seq %d", i, seq)
		}
	}
}

func TestExecutorIsolatesPanics(t *testing.T) {
	e := NewExecutor("test", 1)
	defer e.Shutdown()

	_ = e.Submit(ExecTask{Instance: 0, Seq: 1, Apply: func() error { panic("boom") }})
	_ = e.Submit(ExecTask{Instance: 0, Seq: 2, Apply: func() error { return errors.New("apply failed") }})

	done := make(chan struct{})
	_ = e.Submit(ExecTask{Instance: 0, Seq: 3, Apply: func() error {
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lane did not survive a panicking task")
	}

	stats := e.GetStats()
	if stats.Failed != 2 || stats.Completed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestExecutorRejectsAfterShutdown(t *testing.T) {
	e := NewExecutor("test", 2)
	e.Shutdown()

	if err := e.Submit(ExecTask{Instance: 0, Seq: 1, Apply: func() error { return nil }}); err == nil {
		t.Error("Submit after shutdown should fail")
	}
	if err := e.Submit(ExecTask{Instance: 5, Seq: 1}); err == nil {
		t.Error("Out-of-range instance should fail")
	}
}
