// Package network provides ZeroMQ-based transport for consensus envelopes.
//
// This package implements:
//   - ZmqTransport: ROUTER/DEALER transport between pool nodes
//   - Hub / Loopback: in-process transport for multi-node tests
package network

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Common errors for transport operations
var (
	ErrNotRunning   = errors.New("transport is not running")
	ErrPeerNotFound = errors.New("peer not found")
	ErrSendFailed   = errors.New("failed to send envelope")
	ErrBadSignature = errors.New("envelope signature verification failed")
)

// Envelope is the wire frame carrying one consensus message between nodes.
// The payload is an opaque JSON encoding of the protocol message; Kind
// tells the receiver how to decode it.
type Envelope struct {
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Nonce     string          `json:"nonce,omitempty"`
	Sig       []byte          `json:"sig,omitempty"`
}

// signedBytes returns the canonical bytes covered by the signature.
func (e *Envelope) signedBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", e.Kind, e.From, e.Nonce, e.Payload))
}

// Handler is a callback for processing received envelopes.
type Handler func(env *Envelope)

// Transport moves envelopes between pool nodes. Implementations must keep
// per-sender FIFO delivery.
type Transport interface {
	Start() error
	Stop()
	Self() string
	SetHandler(Handler)
	Send(to string, env *Envelope) error
	Broadcast(env *Envelope) error
}

// PeerKey binds a peer name to its Ed25519 public key for envelope
// verification.
type PeerKey struct {
	Name   string
	PubKey ed25519.PublicKey
}

// ZmqTransport is a ZeroMQ-based transport node. It receives on a ROUTER
// socket and keeps one DEALER socket per peer for sending.
type ZmqTransport struct {
	nodeID  string
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket
	peers   map[string]string // name -> address

	privKey  ed25519.PrivateKey
	peerKeys map[string]ed25519.PublicKey

	handler Handler
	envChan chan *Envelope

	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewZmqTransport creates a transport bound to address (e.g.
// "tcp://127.0.0.1:5555"). privKey may be nil to send unsigned envelopes.
func NewZmqTransport(nodeID, address string, privKey ed25519.PrivateKey) *ZmqTransport {
	return &ZmqTransport{
		nodeID:          nodeID,
		address:         address,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]string),
		privKey:         privKey,
		peerKeys:        make(map[string]ed25519.PublicKey),
		envChan:         make(chan *Envelope, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// RegisterPeer adds a peer address, with an optional verification key.
func (t *ZmqTransport) RegisterPeer(name, address string, pubKey ed25519.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peers[name] = address
	if pubKey != nil {
		t.peerKeys[name] = pubKey
	}
}

// Self returns the transport's node ID.
func (t *ZmqTransport) Self() string { return t.nodeID }

// SetHandler sets the envelope handler callback.
func (t *ZmqTransport) SetHandler(handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Start binds the ROUTER socket and begins receiving. The context and
// sockets are created here rather than at construction, so a stopped
// transport can be started again under the same identity.
func (t *ZmqTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("transport already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	router := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := router.Listen(t.address); err != nil {
		cancel()
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	t.ctx = ctx
	t.cancel = cancel
	t.router = router
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiverLoop(ctx, router)

	t.wg.Add(1)
	go t.dispatchLoop(ctx)

	t.wg.Add(1)
	go t.replayCacheCleaner(ctx)

	return nil
}

// Stop shuts the transport down and closes its sockets. A later Start
// rebinds and redials from scratch.
func (t *ZmqTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	router := t.router
	dealers := t.dealers
	t.router = nil
	t.dealers = make(map[string]zmq4.Socket)
	t.mu.Unlock()

	cancel()

	if router != nil {
		_ = router.Close()
	}
	for _, dealer := range dealers {
		_ = dealer.Close()
	}

	t.wg.Wait()
}

// Send delivers an envelope to a single peer.
func (t *ZmqTransport) Send(to string, env *Envelope) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNotRunning
	}
	address, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, to)
	}

	t.seal(env, to)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	dealer, err := t.getOrCreateDealer(to, address)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Broadcast delivers an envelope to every registered peer. The sender does
// not receive its own broadcast.
func (t *ZmqTransport) Broadcast(env *Envelope) error {
	t.mu.RLock()
	peers := make([]string, 0, len(t.peers))
	for name := range t.peers {
		peers = append(peers, name)
	}
	t.mu.RUnlock()

	var lastErr error
	for _, name := range peers {
		if name == t.nodeID {
			continue
		}
		e := *env
		if err := t.Send(name, &e); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// seal stamps and signs an outgoing envelope.
func (t *ZmqTransport) seal(env *Envelope, to string) {
	env.From = t.nodeID
	env.To = to
	env.Timestamp = time.Now()
	env.Nonce = fmt.Sprintf("%d-%s", time.Now().UnixNano(), t.nodeID)
	if t.privKey != nil {
		env.Sig = ed25519.Sign(t.privKey, env.signedBytes())
	}
}

// getOrCreateDealer returns the DEALER socket for a peer, dialing if needed.
func (t *ZmqTransport) getOrCreateDealer(name, address string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil, ErrNotRunning
	}
	if dealer, ok := t.dealers[name]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	t.dealers[name] = dealer
	return dealer, nil
}

// receiverLoop continuously receives envelopes from the ROUTER socket.
func (t *ZmqTransport) receiverLoop(ctx context.Context, router zmq4.Socket) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := router.Recv()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}

			var env Envelope
			if err := json.Unmarshal(msg.Bytes(), &env); err != nil {
				continue
			}
			if !t.freshNonce(&env) {
				continue
			}
			if err := t.verify(&env); err != nil {
				log.Printf("warning: dropping envelope from %s: %v", env.From, err)
				continue
			}

			select {
			case t.envChan <- &env:
			default:
				// Channel full, drop envelope
			}
		}
	}
}

// dispatchLoop hands received envelopes to the handler.
func (t *ZmqTransport) dispatchLoop(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-t.envChan:
			t.mu.RLock()
			handler := t.handler
			t.mu.RUnlock()
			if handler != nil {
				handler(env)
			}
		}
	}
}

// verify checks the envelope signature when the sender's key is known.
// Signature verification itself is delegated to the crypto layer; an
// unknown sender key passes through unverified.
func (t *ZmqTransport) verify(env *Envelope) error {
	t.mu.RLock()
	key, ok := t.peerKeys[env.From]
	t.mu.RUnlock()

	if !ok || len(env.Sig) == 0 {
		return nil
	}
	if !ed25519.Verify(key, env.signedBytes(), env.Sig) {
		return ErrBadSignature
	}
	return nil
}

// freshNonce rejects replayed or stale envelopes.
func (t *ZmqTransport) freshNonce(env *Envelope) bool {
	if env.Nonce == "" {
		return true
	}

	t.replayCacheMu.Lock()
	defer t.replayCacheMu.Unlock()

	if _, seen := t.replayCache[env.Nonce]; seen {
		return false
	}
	if time.Since(env.Timestamp) > t.replayTolerance {
		return false
	}
	t.replayCache[env.Nonce] = time.Now()
	return true
}

// replayCacheCleaner periodically expires old nonces.
func (t *ZmqTransport) replayCacheCleaner(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.replayCacheMu.Lock()
			cutoff := time.Now().Add(-t.replayTolerance)
			for nonce, ts := range t.replayCache {
				if ts.Before(cutoff) {
					delete(t.replayCache, nonce)
				}
			}
			t.replayCacheMu.Unlock()
		}
	}
}

// TransportStats contains transport statistics.
type TransportStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
}

// GetStats returns current transport statistics.
func (t *ZmqTransport) GetStats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		NodeID:    t.nodeID,
		Address:   t.address,
		PeerCount: len(t.peers),
		IsRunning: t.running,
		QueueSize: len(t.envChan),
	}
}
