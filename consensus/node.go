package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/ordopool/ordopool/catchup"
	"github.com/ordopool/ordopool/ledger"
	"github.com/ordopool/ordopool/metrics"
	"github.com/ordopool/ordopool/network"
	"github.com/ordopool/ordopool/pool"
)

// Common errors for node operations
var (
	ErrNodeStopped   = errors.New("node is stopped")
	ErrCommitTimeout = errors.New("request was not committed in time")
)

// ckTally collects checkpoint votes for one (instance, seq).
type ckTally struct {
	votes map[string]string // sender -> state digest
	done  bool
}

// Node is one pool member: the replicas of every ordering instance, the
// primary monitor, the view change controller, the ledger store and the
// catch-up manager, glued to a transport.
type Node struct {
	name   string
	member *pool.Membership
	cfg    pool.Config

	transport network.Transport
	met       *metrics.Metrics
	store     *ledger.Store
	gateway   *pool.Gateway
	backlog   *Backlog
	executor  *Executor
	replicas  map[int]*Replica
	monitor   *Monitor
	vc        *ViewChangeController
	catcher   *catchup.Manager

	peersFn func() []catchup.Peer

	ck        map[string]*ckTally
	waiters   map[string]chan struct{}
	submitted map[string]time.Time

	running bool
	mu      sync.Mutex
}

// NewNode assembles a pool node on top of the given transport. The node is
// inert until Start.
func NewNode(name string, member *pool.Membership, cfg pool.Config,
	transport network.Transport, met *metrics.Metrics) *Node {
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = pool.DefaultConfig().CheckpointInterval
	}

	n := &Node{
		name:      name,
		member:    member,
		cfg:       cfg,
		transport: transport,
		met:       met,
		store:     ledger.NewStore(),
		gateway:   pool.NewGateway(member),
		backlog:   NewBacklog(1024),
		executor:  NewExecutor(name, cfg.Instances),
		replicas:  make(map[int]*Replica),
		ck:        make(map[string]*ckTally),
		waiters:   make(map[string]chan struct{}),
		submitted: make(map[string]time.Time),
	}

	for i := 0; i < cfg.Instances; i++ {
		n.replicas[i] = NewReplica(i, name, member, n.broadcastMsg, n.deliver, n.onProgress)
	}

	size := member.Size()
	threshold := cfg.SuspicionThreshold(size)
	n.monitor = NewMonitor(name, member, cfg.Instances, threshold, monitorInterval(threshold),
		n.broadcastMsg, n.onSuspicionQuorum, n.onSuspicionRaised)

	n.vc = NewViewChangeController(name, member, electionWindow(cfg, size),
		n.broadcastMsg, n.gatherProofs, n.stableCheckpoints, n.suspendReplicas, n.installView, n.onViolation)

	n.catcher = catchup.NewManager(name, n.store, member.Quorum(), catchup.DefaultConfig(), n.onCaughtUp, met)

	transport.SetHandler(n.handleEnvelope)
	return n
}

// monitorInterval derives the watch tick from the suspicion threshold.
func monitorInterval(threshold time.Duration) time.Duration {
	interval := threshold / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	return interval
}

// electionWindow is the grace period a view change gets before escalating.
func electionWindow(cfg pool.Config, n int) time.Duration {
	if cfg.ElectionTimeout != nil {
		return cfg.ElectionTimeout(n)
	}
	return pool.DefaultElectionTimeout(n)
}

// Name returns the node's member name.
func (n *Node) Name() string { return n.name }

// View returns the view the node currently operates in.
func (n *Node) View() int { return n.vc.View() }

// Store exposes the node's ledger store.
func (n *Node) Store() *ledger.Store { return n.store }

// Gateway exposes the node's client admission gateway.
func (n *Node) Gateway() *pool.Gateway { return n.gateway }

// Catchup exposes the node's catch-up manager.
func (n *Node) Catchup() *catchup.Manager { return n.catcher }

// SetPeers installs the provider of catch-up peers. The provider is
// consulted on every catch-up run, so membership of reachable peers may
// change between restarts.
func (n *Node) SetPeers(peersFn func() []catchup.Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peersFn = peersFn
}

// Start brings the node online: transport first, then catch-up against the
// reachable peers, then the primary monitor. A restarted node therefore
// rejoins with a current ledger before it starts judging the primary.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	peersFn := n.peersFn
	n.mu.Unlock()

	if err := n.transport.Start(); err != nil {
		n.mu.Lock()
		n.running = false
		n.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}

	if peersFn != nil {
		if err := n.catcher.Run(peersFn(), n.cfg.Instances); err != nil {
			log.Printf("warning: %s starting degraded: %v", n.name, err)
		}
	}

	n.monitor.Start()
	if n.met != nil {
		n.met.CurrentView.Set(float64(n.vc.View()))
	}
	log.Printf("node %s started, view %d, primary %s", n.name, n.vc.View(), n.member.PrimaryName(n.vc.View()))
	return nil
}

// Stop takes the node offline. Ledger, view and replica state survive, so a
// later Start resumes the same identity.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.mu.Unlock()

	n.monitor.Stop()
	n.transport.Stop()
	log.Printf("node %s stopped", n.name)
}

// Shutdown stops the node and tears down its executor lanes.
func (n *Node) Shutdown() {
	n.Stop()
	n.executor.Shutdown()
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// broadcastMsg packs a protocol message and fans it out to all peers.
func (n *Node) broadcastMsg(kind string, msg any) {
	env, err := pack(kind, msg)
	if err != nil {
		log.Printf("error: %v", err)
		return
	}
	if err := n.transport.Broadcast(env); err != nil {
		log.Printf("warning: broadcast of %s failed: %v", kind, err)
	}
}

// handleEnvelope dispatches a received envelope to the owning component.
// Envelopes from outside the membership are dropped at the door.
func (n *Node) handleEnvelope(env *network.Envelope) {
	if !n.isRunning() {
		return
	}
	if !n.member.Contains(env.From) {
		log.Printf("warning: dropping %s envelope from non-member %s", env.Kind, env.From)
		return
	}

	switch env.Kind {
	case KindRequest:
		var req Request
		if unpack(env, &req) == nil {
			n.handleForwardedRequest(req)
		}
	case KindPrePrepare:
		var pp PrePrepare
		if unpack(env, &pp) == nil {
			if r, ok := n.replicas[pp.Instance]; ok {
				r.OnPrePrepare(pp)
			}
		}
	case KindPrepare:
		var p Prepare
		if unpack(env, &p) == nil {
			if r, ok := n.replicas[p.Instance]; ok {
				r.OnPrepare(p)
			}
		}
	case KindCommit:
		var c Commit
		if unpack(env, &c) == nil {
			if r, ok := n.replicas[c.Instance]; ok {
				r.OnCommit(c)
			}
		}
	case KindCheckpoint:
		var cm CheckpointMsg
		if unpack(env, &cm) == nil {
			n.onCheckpointMsg(cm)
		}
	case KindSuspicion:
		var s Suspicion
		if unpack(env, &s) == nil {
			n.monitor.OnSuspicion(s)
		}
	case KindViewChange:
		var vcr ViewChangeReq
		if unpack(env, &vcr) == nil {
			n.vc.OnViewChangeReq(vcr)
		}
	case KindNewView:
		var nv NewView
		if unpack(env, &nv) == nil {
			n.vc.OnNewView(nv)
		}
	default:
		log.Printf("warning: unknown envelope kind %s from %s", env.Kind, env.From)
	}
}

// instanceFor deterministically maps a request key to an ordering instance,
// so every node routes the same request to the same lane. The modulo runs
// on the unsigned hash so the lane index stays in range on 32-bit ints.
func (n *Node) instanceFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n.cfg.Instances))
}

// SubmitRequest accepts a client request for ordering. A backup forwards it
// to the primary of the current view; the primary queues and proposes.
func (n *Node) SubmitRequest(req Request) error {
	if !n.isRunning() {
		return ErrNodeStopped
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if n.met != nil {
		n.met.RequestsSubmitted.Inc()
	}

	n.mu.Lock()
	n.submitted[req.Key()] = time.Now()
	n.mu.Unlock()

	primary := n.member.PrimaryName(n.vc.View())
	if primary != n.name {
		env, err := pack(KindRequest, req)
		if err != nil {
			return err
		}
		return n.transport.Send(primary, env)
	}

	if err := n.backlog.Add(req); err != nil && !errors.Is(err, ErrRequestExists) {
		return err
	}
	n.drainBacklog()
	return nil
}

// SubmitAndWait submits a request and blocks until this node delivers its
// commit, or the timeout expires.
func (n *Node) SubmitAndWait(req Request, timeout time.Duration) error {
	done := make(chan struct{})
	n.mu.Lock()
	n.waiters[req.Key()] = done
	n.mu.Unlock()

	if err := n.SubmitRequest(req); err != nil {
		n.mu.Lock()
		delete(n.waiters, req.Key())
		n.mu.Unlock()
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		n.mu.Lock()
		delete(n.waiters, req.Key())
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCommitTimeout, req.Key())
	}
}

// ProbeFunctional commits a no-op request end to end within the timeout.
// It satisfies the restart orchestrator's probe contract.
func (n *Node) ProbeFunctional(timeout time.Duration) error {
	req := Request{
		Client: "probe",
		ID:     fmt.Sprintf("%s-%d", n.name, time.Now().UnixNano()),
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: probe %s", ErrCommitTimeout, req.ID)
		}
		err := n.SubmitAndWait(req, remaining)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCommitTimeout) {
			return err
		}
		// Submission itself failed, e.g. the primary is still down.
		// Retry until the deadline; the view change should unblock us.
		time.Sleep(50 * time.Millisecond)
	}
}

// handleForwardedRequest processes a request relayed by a backup. Only the
// current primary acts on it; anyone else drops it and lets the client
// retry against the new primary.
func (n *Node) handleForwardedRequest(req Request) {
	if n.member.PrimaryName(n.vc.View()) != n.name {
		return
	}
	if err := n.backlog.Add(req); err != nil && !errors.Is(err, ErrRequestExists) {
		log.Printf("warning: rejecting forwarded request %s: %v", req.Key(), err)
		return
	}
	n.drainBacklog()
}

// drainBacklog assigns sequence numbers to pending requests. Suspended
// instances push their requests back until the view change settles.
func (n *Node) drainBacklog() {
	for {
		req, ok := n.backlog.Next()
		if !ok {
			return
		}
		r := n.replicas[n.instanceFor(req.Key())]
		pp, err := r.Propose(req)
		if err != nil {
			if addErr := n.backlog.Add(req); addErr != nil && !errors.Is(addErr, ErrRequestExists) {
				log.Printf("warning: dropping request %s: %v", req.Key(), addErr)
			}
			if !errors.Is(err, ErrSuspended) && !errors.Is(err, ErrNotPrimary) {
				log.Printf("warning: propose failed for %s: %v", req.Key(), err)
			}
			return
		}
		n.broadcastMsg(KindPrePrepare, pp)
	}
}

// deliver appends a committed request to the ledger and finishes its
// lifecycle: executor lane, waiter wake-up, metrics, checkpoint vote.
// Replicas call it in strict sequence order per instance.
func (n *Node) deliver(d Deliverable) {
	payload, err := json.Marshal(d.Request)
	if err != nil {
		log.Printf("error: failed to encode request %s: %v", d.Request.Key(), err)
		return
	}
	entry := ledger.Entry{Instance: d.Instance, Seq: d.Seq, Digest: d.Digest, Payload: payload}
	if err := n.store.Append(entry); err != nil {
		log.Printf("error: ledger append failed: %v", err)
		return
	}

	key := d.Request.Key()
	n.backlog.Remove(key)

	n.mu.Lock()
	waiter := n.waiters[key]
	delete(n.waiters, key)
	start, timed := n.submitted[key]
	delete(n.submitted, key)
	n.mu.Unlock()

	task := ExecTask{Instance: d.Instance, Seq: d.Seq, Digest: d.Digest, Apply: func() error {
		if waiter != nil {
			close(waiter)
		}
		return nil
	}}
	if err := n.executor.Submit(task); err != nil {
		log.Printf("warning: executor rejected instance %d seq %d: %v", d.Instance, d.Seq, err)
	}

	if n.met != nil {
		n.met.RequestsCommitted.Inc()
		if timed {
			n.met.CommitLatency.Observe(time.Since(start).Seconds())
		}
	}

	if d.Seq%n.cfg.CheckpointInterval == 0 {
		cm := CheckpointMsg{
			Instance:    d.Instance,
			Seq:         d.Seq,
			StateDigest: n.store.StateDigest(d.Instance),
			Sender:      n.name,
		}
		n.onCheckpointMsg(cm)
		n.broadcastMsg(KindCheckpoint, cm)
	}
}

// onCheckpointMsg tallies a checkpoint vote. When 2f+1 distinct nodes agree
// on the state digest for (instance, seq) the checkpoint becomes stable,
// old ordering records are collected, and a lagging local ledger triggers
// catch-up.
func (n *Node) onCheckpointMsg(cm CheckpointMsg) {
	key := fmt.Sprintf("%d:%d", cm.Instance, cm.Seq)

	n.mu.Lock()
	tally, ok := n.ck[key]
	if !ok {
		tally = &ckTally{votes: make(map[string]string)}
		n.ck[key] = tally
	}
	tally.votes[cm.Sender] = cm.StateDigest

	var signers []string
	for sender, digest := range tally.votes {
		if digest == cm.StateDigest {
			signers = append(signers, sender)
		}
	}
	certified := !tally.done && len(signers) >= n.member.Quorum()
	if certified {
		tally.done = true
	}
	n.mu.Unlock()

	if !certified {
		return
	}

	cp := ledger.Checkpoint{Instance: cm.Instance, Seq: cm.Seq, StateDigest: cm.StateDigest, Signers: signers}
	if err := n.store.MarkStable(cp); err != nil {
		log.Printf("warning: %v", err)
		return
	}

	lag := cp.Seq - n.store.LastSeq(cm.Instance)
	if n.met != nil {
		n.met.InstanceLag.WithLabelValues(fmt.Sprintf("%d", cm.Instance)).Set(float64(lag))
	}

	if lag <= 0 {
		if r, ok := n.replicas[cm.Instance]; ok {
			r.GarbageCollect(cp.Seq)
		}
		return
	}
	if lag > n.cfg.CatchupSlack {
		log.Printf("warning: instance %d lags %d sequences behind stable checkpoint, starting catch-up", cm.Instance, lag)
		go n.catchupInstance(cm.Instance)
	}
}

// catchupInstance runs catch-up for one instance against the current peers.
func (n *Node) catchupInstance(instance int) {
	n.mu.Lock()
	peersFn := n.peersFn
	n.mu.Unlock()

	if peersFn == nil {
		return
	}
	if err := n.catcher.CatchupInstance(peersFn(), instance); err != nil {
		log.Printf("error: %v", err)
	}
}

// onCaughtUp fast-forwards the instance's replica past the replayed ledger
// prefix once catch-up lands it.
func (n *Node) onCaughtUp(instance, seq int) {
	if r, ok := n.replicas[instance]; ok {
		r.GarbageCollect(seq)
	}
	n.monitor.Progress(instance)
}

// onProgress relays replica progress to the primary monitor.
func (n *Node) onProgress(instance int) {
	n.monitor.Progress(instance)
}

// onSuspicionQuorum reacts to 2f+1 suspicions by moving to the next view.
func (n *Node) onSuspicionQuorum(instance, view int) {
	n.vc.Begin(view + 1)
}

func (n *Node) onSuspicionRaised() {
	if n.met != nil {
		n.met.SuspicionsRaised.Inc()
	}
}

func (n *Node) onViolation(reason string) {
	if n.met != nil {
		n.met.ProtocolViolations.Inc()
	}
}

// suspendReplicas blocks every instance while a view change is in flight.
func (n *Node) suspendReplicas() {
	for _, r := range n.replicas {
		r.Suspend()
	}
}

// gatherProofs snapshots the prepared-but-undelivered requests of every
// instance for a view change vote.
func (n *Node) gatherProofs() []PreparedProof {
	var proofs []PreparedProof
	for _, r := range n.replicas {
		proofs = append(proofs, r.PreparedProofs()...)
	}
	return proofs
}

// stableCheckpoints snapshots the stable checkpoint of every instance.
func (n *Node) stableCheckpoints() []ledger.Checkpoint {
	var cps []ledger.Checkpoint
	for i := 0; i < n.cfg.Instances; i++ {
		cp := n.store.StableCheckpoint(i)
		if cp.Seq > 0 {
			cps = append(cps, cp)
		}
	}
	return cps
}

// installView applies an accepted NewView: resume the replicas in the new
// view, replay the re-proposed requests, and restart the monitor clocks.
func (n *Node) installView(nv NewView) {
	for _, cp := range nv.Checkpoints {
		if err := n.store.MarkStable(cp); err != nil && !errors.Is(err, ledger.ErrStaleCheckpoint) {
			log.Printf("warning: %v", err)
		}
	}

	for _, r := range n.replicas {
		r.Resume(nv.View)
	}

	maxSeq := make(map[int]int)
	for _, pp := range nv.Reproposed {
		if pp.Seq > maxSeq[pp.Instance] {
			maxSeq[pp.Instance] = pp.Seq
		}
		n.backlog.Remove(pp.Request.Key())
	}
	for instance, seq := range maxSeq {
		if r, ok := n.replicas[instance]; ok {
			r.SkipTo(seq)
		}
	}
	for _, pp := range nv.Reproposed {
		if r, ok := n.replicas[pp.Instance]; ok {
			r.OnPrePrepare(pp)
		}
	}

	n.monitor.SetView(nv.View)
	if n.met != nil {
		n.met.ViewChanges.Inc()
		n.met.CurrentView.Set(float64(nv.View))
	}

	// A new primary drains whatever queued up during the change.
	if n.member.PrimaryName(nv.View) == n.name {
		n.drainBacklog()
	}
}

// StableCheckpoint serves a peer's catch-up query for this node's stable
// checkpoint of an instance.
func (n *Node) StableCheckpoint(instance int) (ledger.Checkpoint, error) {
	if !n.isRunning() {
		return ledger.Checkpoint{}, ErrNodeStopped
	}
	return n.store.StableCheckpoint(instance), nil
}

// FetchSegment serves a peer's catch-up query for a ledger segment, encoded
// for the wire.
func (n *Node) FetchSegment(instance, after, through int) ([]byte, error) {
	if !n.isRunning() {
		return nil, ErrNodeStopped
	}
	seg, err := n.store.Segment(instance, after, through)
	if err != nil {
		return nil, err
	}
	return ledger.EncodeSegment(seg)
}

// NodeStats aggregates the component statistics of one node.
type NodeStats struct {
	Name     string              `json:"name"`
	View     int                 `json:"view"`
	Running  bool                `json:"running"`
	Backlog  BacklogStats        `json:"backlog"`
	Executor ExecutorStats       `json:"executor"`
	Ledgers  []ledger.StoreStats `json:"ledgers"`
}

// GetStats returns current node statistics.
func (n *Node) GetStats() NodeStats {
	st := NodeStats{
		Name:     n.name,
		View:     n.vc.View(),
		Running:  n.isRunning(),
		Backlog:  n.backlog.GetStats(),
		Executor: n.executor.GetStats(),
	}
	for i := 0; i < n.cfg.Instances; i++ {
		st.Ledgers = append(st.Ledgers, n.store.GetStats(i))
	}
	return st
}
