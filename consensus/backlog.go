package consensus

import (
	"errors"
	"sync"
)

// Common errors for backlog operations
var (
	ErrBacklogFull    = errors.New("request backlog is full")
	ErrRequestExists  = errors.New("request already pending")
	ErrInvalidRequest = errors.New("invalid request")
)

// Backlog queues client requests at the primary until they are assigned a
// sequence number. Requests leave in arrival order, which keeps ordering
// FIFO per sender; beyond that no fairness is guaranteed.
type Backlog struct {
	pending map[string]bool
	queue   []Request
	maxSize int

	accepted int64
	proposed int64

	mu sync.Mutex
}

// NewBacklog creates a backlog bounded to maxSize pending requests.
func NewBacklog(maxSize int) *Backlog {
	return &Backlog{
		pending: make(map[string]bool),
		maxSize: maxSize,
	}
}

// Add queues a request. Duplicate (client, id) pairs and overflow are
// rejected.
func (b *Backlog) Add(req Request) error {
	if req.Client == "" || req.ID == "" {
		return ErrInvalidRequest
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := req.Key()
	if b.pending[key] {
		return ErrRequestExists
	}
	if len(b.queue) >= b.maxSize {
		return ErrBacklogFull
	}

	b.pending[key] = true
	b.queue = append(b.queue, req)
	b.accepted++
	return nil
}

// Next pops the oldest pending request.
func (b *Backlog) Next() (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Request{}, false
	}
	req := b.queue[0]
	b.queue = b.queue[1:]
	delete(b.pending, req.Key())
	b.proposed++
	return req, true
}

// Remove drops a request that was ordered elsewhere, typically after a
// view change re-proposed it.
func (b *Backlog) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pending[key] {
		return
	}
	delete(b.pending, key)
	for i, req := range b.queue {
		if req.Key() == key {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
}

// Size returns the number of pending requests.
func (b *Backlog) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// BacklogStats contains backlog statistics.
type BacklogStats struct {
	Pending  int   `json:"pending"`
	Accepted int64 `json:"accepted"`
	Proposed int64 `json:"proposed"`
}

// GetStats returns current backlog statistics.
func (b *Backlog) GetStats() BacklogStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BacklogStats{
		Pending:  len(b.queue),
		Accepted: b.accepted,
		Proposed: b.proposed,
	}
}
