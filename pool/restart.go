package pool

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Common errors for restart orchestration
var (
	ErrPoolNotLive = errors.New("pool did not resume within the restart timeout")
)

// Restartable is a pool node that can be stopped and relaunched in place.
type Restartable interface {
	Name() string
	Stop()
	Start() error
}

// ProbeFunc checks pool functionality after a restart, typically by
// committing a no-op client request end to end. It must return nil once
// the pool orders requests again.
type ProbeFunc func(timeout time.Duration) error

// Restarter coordinates stopping and relaunching subsets of pool nodes
// while preserving liveness guarantees.
type Restarter struct {
	member *Membership
	cfg    Config
	probe  ProbeFunc
}

// NewRestarter creates a restarter for the given pool.
func NewRestarter(member *Membership, cfg Config, probe ProbeFunc) *Restarter {
	return &Restarter{member: member, cfg: cfg, probe: probe}
}

// Restart stops and relaunches the given nodes, then waits up to
// ToleratePrimaryDisconnection + ExpectedPoolElectionTimeout(n) for the
// pool to resume ordering.
//
// With oneByOne set, nodes are cycled sequentially, waiting for the pool
// to recover after each one. Otherwise the whole subset restarts
// simultaneously (bulk); a bulk subset larger than f takes the pool below
// quorum until the nodes rejoin, so it is flagged before proceeding.
func (r *Restarter) Restart(targets []Restartable, oneByOne bool) error {
	for _, t := range targets {
		if !r.member.Contains(t.Name()) {
			return fmt.Errorf("%w: %s", ErrUnknownNode, t.Name())
		}
	}

	if !oneByOne && len(targets) > r.member.F() {
		log.Printf("warning: restarter: bulk restart of %d nodes exceeds fault tolerance %d, pool loses quorum until they rejoin",
			len(targets), r.member.F())
	}

	timeout := r.cfg.RestartTimeout(r.member.Size())
	if oneByOne {
		for _, t := range targets {
			if err := r.cycle([]Restartable{t}, timeout); err != nil {
				return err
			}
		}
		return nil
	}
	return r.cycle(targets, timeout)
}

// cycle stops the given nodes, starts them again, and waits for the pool
// probe to succeed.
func (r *Restarter) cycle(targets []Restartable, timeout time.Duration) error {
	for _, t := range targets {
		log.Printf("restarter: stopping node %s", t.Name())
		t.Stop()
	}
	for _, t := range targets {
		log.Printf("restarter: starting node %s", t.Name())
		if err := t.Start(); err != nil {
			return fmt.Errorf("failed to relaunch node %s: %w", t.Name(), err)
		}
	}

	if r.probe == nil {
		return nil
	}
	if err := r.probe(timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrPoolNotLive, err)
	}
	return nil
}
