package consensus

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// ExecTask applies one committed request to the application state.
type ExecTask struct {
	Instance int
	Seq      int
	Digest   string
	Apply    func() error
}

// Executor runs one worker lane per consensus instance. A lane applies its
// instance's committed requests strictly in submission order, which keeps
// the application state single-writer per instance while distinct
// instances apply in parallel.
type Executor struct {
	name  string
	lanes []chan ExecTask

	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewExecutor creates an executor with one lane per instance.
func NewExecutor(name string, instances int) *Executor {
	if instances <= 0 {
		instances = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		name:    name,
		lanes:   make([]chan ExecTask, instances),
		ctx:     ctx,
		cancel:  cancel,
		running: true,
	}

	for i := range e.lanes {
		e.lanes[i] = make(chan ExecTask, 1024)
		e.wg.Add(1)
		go e.lane(i)
	}
	return e
}

// lane is the goroutine applying one instance's tasks in order.
func (e *Executor) lane(instance int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case task, ok := <-e.lanes[instance]:
			if !ok {
				return
			}
			e.run(task)
		}
	}
}

// run executes a single task with panic isolation.
func (e *Executor) run(task ExecTask) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&e.failed, 1)
			log.Printf("error: panic applying instance %d seq %d: %v", task.Instance, task.Seq, r)
		}
	}()

	if task.Apply == nil {
		atomic.AddInt64(&e.failed, 1)
		return
	}
	if err := task.Apply(); err != nil {
		atomic.AddInt64(&e.failed, 1)
		log.Printf("error: applying instance %d seq %d: %v", task.Instance, task.Seq, err)
		return
	}
	atomic.AddInt64(&e.completed, 1)
}

// Submit queues a committed request on its instance's lane. It blocks when
// the lane is saturated rather than dropping a committed entry.
func (e *Executor) Submit(task ExecTask) error {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()

	if !running {
		return errors.New("executor is shut down")
	}
	if task.Instance < 0 || task.Instance >= len(e.lanes) {
		return errors.New("task instance out of range")
	}

	select {
	case e.lanes[task.Instance] <- task:
		return nil
	case <-e.ctx.Done():
		return errors.New("executor is shut down")
	}
}

// ExecutorStats contains executor statistics.
type ExecutorStats struct {
	Name      string `json:"name"`
	Lanes     int    `json:"lanes"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Pending   int    `json:"pending"`
}

// GetStats returns current executor statistics.
func (e *Executor) GetStats() ExecutorStats {
	pending := 0
	for _, lane := range e.lanes {
		pending += len(lane)
	}
	return ExecutorStats{
		Name:      e.name,
		Lanes:     len(e.lanes),
		Completed: atomic.LoadInt64(&e.completed),
		Failed:    atomic.LoadInt64(&e.failed),
		Pending:   pending,
	}
}

// Shutdown stops the lanes after the in-flight task of each lane finishes.
func (e *Executor) Shutdown() {
	e.cancel()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
}
