// Package pool provides the static membership table of a permissioned
// replica pool, the client admission gateway, and restart orchestration.
package pool

import (
	"errors"
	"fmt"
)

// Common errors for pool operations
var (
	ErrPoolTooSmall   = errors.New("pool needs at least 4 nodes")
	ErrDuplicateNode  = errors.New("duplicate node name in membership")
	ErrUnknownNode    = errors.New("node is not a member of the pool")
	ErrTooManyOffline = errors.New("taking down more than f nodes at once loses the honest quorum")
)

// Node is a stable member identity within the pool.
type Node struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Membership is the ordered, per-view-static record of pool members.
// It is immutable after construction.
type Membership struct {
	nodes []Node
	byIdx map[string]int
}

// NewMembership builds a membership table from ordered node names.
// The pool must hold n = 3f+1 nodes for some f >= 1; smaller pools cannot
// tolerate any fault and are rejected.
func NewMembership(names []string) (*Membership, error) {
	if len(names) < 4 {
		return nil, fmt.Errorf("%w: got %d", ErrPoolTooSmall, len(names))
	}

	m := &Membership{byIdx: make(map[string]int, len(names))}
	for i, name := range names {
		if _, ok := m.byIdx[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, name)
		}
		m.byIdx[name] = i
		m.nodes = append(m.nodes, Node{Name: name, Index: i})
	}
	return m, nil
}

// Size returns the number of pool members n.
func (m *Membership) Size() int { return len(m.nodes) }

// F returns the number of faulty nodes the pool tolerates, f = (n-1)/3.
func (m *Membership) F() int { return (len(m.nodes) - 1) / 3 }

// Quorum returns the certificate size 2f+1.
func (m *Membership) Quorum() int { return 2*m.F() + 1 }

// Primary returns the index of the primary for a view:
// primary(view, n) = view mod n. The function is pure and total, so every
// honest node derives the same primary for the same view.
func (m *Membership) Primary(view int) int {
	if view < 0 {
		view = -view
	}
	return view % len(m.nodes)
}

// PrimaryName returns the name of the primary for a view.
func (m *Membership) PrimaryName(view int) string {
	return m.nodes[m.Primary(view)].Name
}

// Names returns the node names in membership order.
func (m *Membership) Names() []string {
	names := make([]string, len(m.nodes))
	for i, n := range m.nodes {
		names[i] = n.Name
	}
	return names
}

// Index returns the membership index of a node name.
func (m *Membership) Index(name string) (int, error) {
	idx, ok := m.byIdx[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return idx, nil
}

// Contains reports whether name is a pool member.
func (m *Membership) Contains(name string) bool {
	_, ok := m.byIdx[name]
	return ok
}

// Peers returns the names of all members except self, in membership order.
func (m *Membership) Peers(self string) []string {
	peers := make([]string, 0, len(m.nodes)-1)
	for _, n := range m.nodes {
		if n.Name != self {
			peers = append(peers, n.Name)
		}
	}
	return peers
}
