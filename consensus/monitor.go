package consensus

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ordopool/ordopool/pool"
)

// Monitor watches per-instance primary progress and tracks suspicion
// quorums. A single slow node raising suspicion is recorded but never acted
// on; only 2f+1 distinct suspicions for the same (instance, view) trigger
// a view change.
type Monitor struct {
	self      string
	member    *pool.Membership
	instances int
	threshold time.Duration
	interval  time.Duration

	view         int
	lastProgress map[int]time.Time
	raised       map[string]bool
	votes        map[string]map[string]bool
	fired        map[string]bool

	broadcast func(kind string, msg any)
	onQuorum  func(instance, view int)
	onRaised  func()

	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor for the given number of instances.
// threshold is the silence tolerance (already scaled for pool size);
// onQuorum fires once per (instance, view) reaching suspicion quorum;
// onRaised, when set, observes every suspicion this node raises itself.
func NewMonitor(self string, member *pool.Membership, instances int, threshold, interval time.Duration,
	broadcast func(kind string, msg any), onQuorum func(instance, view int), onRaised func()) *Monitor {
	return &Monitor{
		self:         self,
		member:       member,
		instances:    instances,
		threshold:    threshold,
		interval:     interval,
		lastProgress: make(map[int]time.Time),
		raised:       make(map[string]bool),
		votes:        make(map[string]map[string]bool),
		fired:        make(map[string]bool),
		broadcast:    broadcast,
		onQuorum:     onQuorum,
		onRaised:     onRaised,
	}
}

func suspicionKey(instance, view int) string {
	return fmt.Sprintf("%d:%d", instance, view)
}

// Start begins watching. The timers run against the monotonic clock; each
// observed progress pushes them forward.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	now := time.Now()
	for i := 0; i < m.instances; i++ {
		m.lastProgress[i] = now
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watchLoop()
}

// Stop halts the watcher.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) watchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// check raises a suspicion for every instance whose primary stayed silent
// past the threshold. Each (instance, view) is raised at most once.
func (m *Monitor) check() {
	now := time.Now()

	m.mu.Lock()
	var due []Suspicion
	for i := 0; i < m.instances; i++ {
		key := suspicionKey(i, m.view)
		if m.raised[key] || now.Sub(m.lastProgress[i]) < m.threshold {
			continue
		}
		m.raised[key] = true
		due = append(due, Suspicion{Instance: i, View: m.view, Sender: m.self})
	}
	m.mu.Unlock()

	for _, s := range due {
		log.Printf("warning: no primary progress on instance %d past %v, raising suspicion for view %d",
			s.Instance, m.threshold, s.View)
		if m.onRaised != nil {
			m.onRaised()
		}
		m.OnSuspicion(s)
		if m.broadcast != nil {
			m.broadcast(KindSuspicion, s)
		}
	}
}

// Progress records ordering progress attributable to the current primary
// and cancels the pending suspicion for the instance.
func (m *Monitor) Progress(instance int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastProgress[instance] = time.Now()
	delete(m.raised, suspicionKey(instance, m.view))
}

// SetView moves the monitor to a new view and restarts the silence timers.
// Suspicion state for superseded views stops mattering; quorums are only
// evaluated per (instance, view).
func (m *Monitor) SetView(view int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if view < m.view {
		return
	}
	m.view = view
	now := time.Now()
	for i := 0; i < m.instances; i++ {
		m.lastProgress[i] = now
	}
}

// OnSuspicion records a suspicion vote. On the 2f+1st distinct sender for
// one (instance, view) the quorum callback fires, exactly once.
func (m *Monitor) OnSuspicion(s Suspicion) {
	m.mu.Lock()
	if s.View < m.view {
		m.mu.Unlock()
		return
	}

	key := suspicionKey(s.Instance, s.View)
	set, ok := m.votes[key]
	if !ok {
		set = make(map[string]bool)
		m.votes[key] = set
	}
	set[s.Sender] = true

	quorum := len(set) >= m.member.Quorum() && !m.fired[key]
	if quorum {
		m.fired[key] = true
	}
	onQuorum := m.onQuorum
	m.mu.Unlock()

	if quorum && onQuorum != nil {
		log.Printf("suspicion quorum reached for instance %d view %d", s.Instance, s.View)
		onQuorum(s.Instance, s.View)
	}
}

// Suspicions returns how many distinct nodes suspect (instance, view).
func (m *Monitor) Suspicions(instance, view int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes[suspicionKey(instance, view)])
}
