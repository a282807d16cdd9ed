package network

import (
	"sync"
)

// Hub routes envelopes between in-process Loopback transports. It stands in
// for the wire during multi-node tests and single-process pools.
type Hub struct {
	nodes map[string]*Loopback
	mu    sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Loopback)}
}

// Join creates (or returns) the loopback transport for a node name.
func (h *Hub) Join(name string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lb, ok := h.nodes[name]; ok {
		return lb
	}
	lb := &Loopback{hub: h, name: name}
	h.nodes[name] = lb
	return lb
}

// route delivers an envelope to a node's inbox. Envelopes to stopped nodes
// are dropped, as they would be on the wire.
func (h *Hub) route(to string, env *Envelope) {
	h.mu.RLock()
	lb, ok := h.nodes[to]
	h.mu.RUnlock()
	if !ok {
		return
	}

	lb.mu.Lock()
	if !lb.running {
		lb.mu.Unlock()
		return
	}
	in := lb.in
	lb.mu.Unlock()

	select {
	case in <- env:
	default:
		// Inbox full, drop envelope
	}
}

// members returns all joined node names.
func (h *Hub) members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.nodes))
	for name := range h.nodes {
		names = append(names, name)
	}
	return names
}

// Loopback is an in-process Transport. Delivery is FIFO per receiver, each
// receiver draining its inbox on a single goroutine.
type Loopback struct {
	hub     *Hub
	name    string
	handler Handler

	in      chan *Envelope
	stopCh  chan struct{}
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// Self returns the transport's node ID.
func (l *Loopback) Self() string { return l.name }

// SetHandler sets the envelope handler callback.
func (l *Loopback) SetHandler(handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Start begins draining the inbox.
func (l *Loopback) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.in = make(chan *Envelope, 1000)
	l.stopCh = make(chan struct{})
	l.running = true
	in, stopCh := l.in, l.stopCh
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case env := <-in:
				l.mu.RLock()
				handler := l.handler
				l.mu.RUnlock()
				if handler != nil {
					handler(env)
				}
			}
		}
	}()
	return nil
}

// Stop halts delivery. Envelopes sent while stopped are dropped.
func (l *Loopback) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
}

// Send delivers an envelope to a single peer.
func (l *Loopback) Send(to string, env *Envelope) error {
	e := *env
	e.From = l.name
	e.To = to
	l.hub.route(to, &e)
	return nil
}

// Broadcast delivers an envelope to every other node on the hub.
func (l *Loopback) Broadcast(env *Envelope) error {
	for _, name := range l.hub.members() {
		if name == l.name {
			continue
		}
		e := *env
		e.From = l.name
		e.To = name
		l.hub.route(name, &e)
	}
	return nil
}
