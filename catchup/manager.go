// Package catchup brings a lagging or restarted node back to the pool's
// certified state by replaying ledger segments fetched from peers.
package catchup

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ordopool/ordopool/ledger"
	"github.com/ordopool/ordopool/metrics"
)

// Common errors for catch-up operations
var (
	ErrPeersExhausted = errors.New("all peers exhausted without a valid segment")
)

// Status is the catch-up condition of one instance.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusDegraded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Peer is the view of a remote node catch-up needs: its stable checkpoint
// and the ledger segments backing it.
type Peer interface {
	Name() string
	StableCheckpoint(instance int) (ledger.Checkpoint, error)
	FetchSegment(instance, after, through int) ([]byte, error)
}

// Config holds catch-up tuning parameters.
type Config struct {
	// MaxRetries is how many rounds over the peer set to attempt before
	// declaring the instance degraded.
	MaxRetries int

	// Backoff is the pause between retry rounds.
	Backoff time.Duration
}

// DefaultConfig returns the default catch-up configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// Manager drives the catch-up procedure for a node's instances. The target
// is never taken on a single peer's word: only a checkpoint certificate
// carrying a quorum of signers is trusted, and fetched segments must
// reproduce its state digest before they are applied.
type Manager struct {
	self   string
	store  *ledger.Store
	quorum int
	cfg    Config

	onResume func(instance, seq int)
	met      *metrics.Metrics

	status map[int]Status
	mu     sync.Mutex
}

// NewManager creates a catch-up manager over the local store. onResume is
// called after an instance reaches its target, with the sequence number the
// instance resumes from; met may be nil.
func NewManager(self string, store *ledger.Store, quorum int, cfg Config,
	onResume func(instance, seq int), met *metrics.Metrics) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Manager{
		self:     self,
		store:    store,
		quorum:   quorum,
		cfg:      cfg,
		onResume: onResume,
		met:      met,
		status:   make(map[int]Status),
	}
}

// Status returns the catch-up condition of an instance.
func (m *Manager) Status(instance int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[instance]
}

// Degraded reports whether any instance gave up catching up.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.status {
		if s == StatusDegraded {
			return true
		}
	}
	return false
}

func (m *Manager) setStatus(instance int, s Status) {
	m.mu.Lock()
	m.status[instance] = s
	m.mu.Unlock()
}

// discoverTarget asks every peer for its stable checkpoint and returns the
// highest certified one ahead of the local ledger. A false result means the
// instance is already up to date as far as any reachable peer can prove.
func (m *Manager) discoverTarget(peers []Peer, instance int) (ledger.Checkpoint, bool) {
	var target ledger.Checkpoint
	found := false

	for _, p := range peers {
		if p.Name() == m.self {
			continue
		}
		cp, err := p.StableCheckpoint(instance)
		if err != nil {
			log.Printf("warning: checkpoint query to %s failed: %v", p.Name(), err)
			continue
		}
		if !cp.Certified(m.quorum) {
			continue
		}
		if !found || cp.Seq > target.Seq {
			target = cp
			found = true
		}
	}

	if !found || target.Seq <= m.store.LastSeq(instance) {
		return ledger.Checkpoint{}, false
	}
	return target, true
}

// CatchupInstance brings one instance up to the highest certified
// checkpoint reachable through peers. It is idempotent: running it on an
// already current instance is a no-op, and replaying a segment that was
// partially applied converges to the same state.
func (m *Manager) CatchupInstance(peers []Peer, instance int) error {
	target, ok := m.discoverTarget(peers, instance)
	if !ok {
		m.setStatus(instance, StatusIdle)
		return nil
	}

	m.setStatus(instance, StatusRunning)
	if m.met != nil {
		m.met.CatchupRuns.Inc()
	}
	log.Printf("catch-up: instance %d from seq %d to certified seq %d", instance, m.store.LastSeq(instance), target.Seq)

	for round := 0; round < m.cfg.MaxRetries; round++ {
		if round > 0 {
			time.Sleep(m.cfg.Backoff)
		}
		for _, p := range peers {
			if p.Name() == m.self {
				continue
			}
			if err := m.fetchAndApply(p, instance, target); err != nil {
				log.Printf("warning: catch-up fetch from %s failed: %v", p.Name(), err)
				if m.met != nil {
					m.met.CatchupRetries.Inc()
				}
				continue
			}

			m.setStatus(instance, StatusIdle)
			log.Printf("catch-up: instance %d caught up to seq %d via %s", instance, target.Seq, p.Name())
			if m.onResume != nil {
				m.onResume(instance, target.Seq)
			}
			return nil
		}
	}

	m.setStatus(instance, StatusDegraded)
	if m.met != nil {
		m.met.CatchupFailed.Inc()
	}
	return fmt.Errorf("%w: instance %d target seq %d", ErrPeersExhausted, instance, target.Seq)
}

// fetchAndApply transfers the missing segment from one peer and applies it
// against the target certificate.
func (m *Manager) fetchAndApply(p Peer, instance int, target ledger.Checkpoint) error {
	after := m.store.LastSeq(instance)
	if after >= target.Seq {
		return nil
	}

	data, err := p.FetchSegment(instance, after, target.Seq)
	if err != nil {
		return err
	}
	seg, err := ledger.DecodeSegment(data)
	if err != nil {
		return err
	}
	return m.store.ApplySegment(seg, target)
}

// Run catches up every instance. Failures are collected per instance so one
// degraded instance does not stop the others.
func (m *Manager) Run(peers []Peer, instances int) error {
	var errs []error
	for i := 0; i < instances; i++ {
		if err := m.CatchupInstance(peers, i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
