package pool

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// NodeNameCollisionError rejects a client name that equals or is prefixed
// by a pool member's name. Its message enumerates the current node names in
// membership order, as surfaced to the operator shell.
type NodeNameCollisionError struct {
	NodeNames []string
}

func (e *NodeNameCollisionError) Error() string {
	return fmt.Sprintf("Client name cannot start with node names, which are %s.", strings.Join(e.NodeNames, ", "))
}

// DuplicateClientError rejects a client name that is already registered.
type DuplicateClientError struct {
	Name string
}

func (e *DuplicateClientError) Error() string {
	return fmt.Sprintf("Client %s already exists.", e.Name)
}

// ClientSession is a registered client. Sessions are bound at most once and
// live for the lifetime of the gateway process.
type ClientSession struct {
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Gateway is the admission gate for client registrations. The client table
// is owned by the gateway; mutation happens only through Register.
type Gateway struct {
	member  *Membership
	clients map[string]*ClientSession
	mu      sync.RWMutex
}

// NewGateway creates a gateway over the given membership.
func NewGateway(member *Membership) *Gateway {
	return &Gateway{
		member:  member,
		clients: make(map[string]*ClientSession),
	}
}

// Register admits a new client name. A name colliding with a node identity
// or an existing client is refused with a descriptive error and no state
// change.
func (g *Gateway) Register(name string) (*ClientSession, error) {
	for _, nodeName := range g.member.Names() {
		if strings.HasPrefix(name, nodeName) {
			return nil, &NodeNameCollisionError{NodeNames: g.member.Names()}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[name]; ok {
		return nil, &DuplicateClientError{Name: name}
	}

	session := &ClientSession{Name: name, RegisteredAt: time.Now()}
	g.clients[name] = session
	return session, nil
}

// Lookup returns the session registered under name, if any.
func (g *Gateway) Lookup(name string) (*ClientSession, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.clients[name]
	return s, ok
}

// Count returns the number of registered clients.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Clients returns the registered client names, unordered.
func (g *Gateway) Clients() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.clients))
	for name := range g.clients {
		names = append(names, name)
	}
	return names
}
