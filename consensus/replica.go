package consensus

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ordopool/ordopool/pool"
)

// Common errors for replica operations
var (
	ErrNotPrimary = errors.New("node is not the primary for the current view")
	ErrSuspended  = errors.New("instance is suspended for a view change")
)

// EntryState is the ordering progress of one (instance, seq) slot.
type EntryState int

const (
	StateIdle EntryState = iota
	StatePrePrepared
	StatePrepared
	StateCommitted
)

func (s EntryState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrePrepared:
		return "preprepared"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Deliverable is a committed request ready for in-order delivery to the
// application layer.
type Deliverable struct {
	Instance int
	Seq      int
	Digest   string
	Request  Request
}

// logEntry tracks one sequence number slot. Votes are bucketed by digest so
// a faulty sender cannot pollute the count for the accepted proposal.
type logEntry struct {
	state      EntryState
	view       int
	digest     string
	request    Request
	hasRequest bool
	prepares   map[string]map[string]bool // digest -> senders
	commits    map[string]map[string]bool // digest -> senders
}

func newLogEntry() *logEntry {
	return &logEntry{
		prepares: make(map[string]map[string]bool),
		commits:  make(map[string]map[string]bool),
	}
}

func vote(buckets map[string]map[string]bool, digest, sender string) int {
	set, ok := buckets[digest]
	if !ok {
		set = make(map[string]bool)
		buckets[digest] = set
	}
	set[sender] = true
	return len(set)
}

// Replica is the ordering state machine of one consensus instance on one
// node. All message handling for the instance runs under its mutex, so
// transitions for a given (view, seq) are serialized; separate instances
// advance in parallel.
type Replica struct {
	instance int
	self     string
	member   *pool.Membership

	view        int
	entries     map[int]*logEntry
	nextDeliver int
	proposeSeq  int
	suspended   bool
	held        map[int]Deliverable
	violations  int

	broadcast func(kind string, msg any)
	deliver   func(d Deliverable)
	progress  func(instance int)

	mu sync.Mutex
}

// NewReplica creates the state machine for one instance. broadcast sends a
// protocol message to all peers, deliver hands a committed request to the
// application layer in order, and progress reports primary progress to the
// monitor. Any callback may be nil.
func NewReplica(instance int, self string, member *pool.Membership,
	broadcast func(kind string, msg any), deliver func(d Deliverable), progress func(instance int)) *Replica {
	return &Replica{
		instance:    instance,
		self:        self,
		member:      member,
		entries:     make(map[int]*logEntry),
		nextDeliver: 1,
		held:        make(map[int]Deliverable),
		broadcast:   broadcast,
		deliver:     deliver,
		progress:    progress,
	}
}

// View returns the view the replica currently operates in.
func (r *Replica) View() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Violations returns how many protocol violations the replica rejected.
func (r *Replica) Violations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

// NextDeliver returns the next sequence number awaiting delivery.
func (r *Replica) NextDeliver() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextDeliver
}

// State returns the ordering state of a sequence number slot.
func (r *Replica) State(seq int) EntryState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq < r.nextDeliver {
		return StateCommitted
	}
	if e, ok := r.entries[seq]; ok {
		return e.state
	}
	return StateIdle
}

// Propose assigns the next sequence number to a request. Only the primary
// of the current view may propose; the caller broadcasts the returned
// PrePrepare and the replica accepts it locally.
func (r *Replica) Propose(req Request) (PrePrepare, error) {
	r.mu.Lock()
	if r.suspended {
		r.mu.Unlock()
		return PrePrepare{}, ErrSuspended
	}
	if r.member.PrimaryName(r.view) != r.self {
		r.mu.Unlock()
		return PrePrepare{}, fmt.Errorf("%w: view %d primary is %s", ErrNotPrimary, r.view, r.member.PrimaryName(r.view))
	}
	if r.proposeSeq < r.nextDeliver-1 {
		r.proposeSeq = r.nextDeliver - 1
	}
	r.proposeSeq++
	pp := PrePrepare{
		Instance: r.instance,
		View:     r.view,
		Seq:      r.proposeSeq,
		Digest:   req.Digest(),
		Request:  req,
		Sender:   r.self,
	}
	r.mu.Unlock()

	r.OnPrePrepare(pp)
	return pp, nil
}

// OnPrePrepare handles an ordering proposal. A proposal conflicting with
// the first-accepted digest for the same (view, seq) is a protocol
// violation: rejected, counted, and logged, never fatal.
func (r *Replica) OnPrePrepare(pp PrePrepare) {
	r.mu.Lock()
	if pp.Instance != r.instance || pp.View != r.view || pp.Seq < r.nextDeliver {
		r.mu.Unlock()
		return
	}
	if pp.Sender != r.member.PrimaryName(pp.View) {
		r.violations++
		r.mu.Unlock()
		log.Printf("warning: pre-prepare from non-primary %s rejected: instance = %d, view = %d, seq = %d",
			pp.Sender, pp.Instance, pp.View, pp.Seq)
		return
	}
	if pp.Digest != pp.Request.Digest() {
		r.violations++
		r.mu.Unlock()
		log.Printf("warning: pre-prepare digest does not match request: instance = %d, seq = %d", pp.Instance, pp.Seq)
		return
	}

	if _, isHeld := r.held[pp.Seq]; isHeld {
		r.mu.Unlock()
		return
	}
	e, ok := r.entries[pp.Seq]
	if !ok {
		e = newLogEntry()
		r.entries[pp.Seq] = e
	}
	if e.state >= StatePrePrepared && e.view == pp.View {
		conflict := e.digest != pp.Digest
		if conflict {
			r.violations++
		}
		r.mu.Unlock()
		if conflict {
			log.Printf("warning: conflicting pre-prepare rejected: instance = %d, view = %d, seq = %d",
				pp.Instance, pp.View, pp.Seq)
		}
		return
	}

	e.state = StatePrePrepared
	e.view = pp.View
	e.digest = pp.Digest
	e.request = pp.Request
	e.hasRequest = true

	p := Prepare{Instance: r.instance, View: pp.View, Seq: pp.Seq, Digest: pp.Digest, Sender: r.self}
	progress := r.progress
	r.mu.Unlock()

	// Pre-prepare from the live primary counts as primary progress.
	if progress != nil {
		progress(r.instance)
	}
	r.OnPrepare(p)
	if r.broadcast != nil {
		r.broadcast(KindPrepare, p)
	}
}

// OnPrepare handles a prepare vote. On collecting 2f+1 matching prepares
// (own included) the slot becomes Prepared and a commit vote goes out.
func (r *Replica) OnPrepare(p Prepare) {
	r.mu.Lock()
	if p.Instance != r.instance || p.View != r.view || p.Seq < r.nextDeliver {
		r.mu.Unlock()
		return
	}

	e, ok := r.entries[p.Seq]
	if !ok {
		e = newLogEntry()
		r.entries[p.Seq] = e
	}
	count := vote(e.prepares, p.Digest, p.Sender)

	if e.state != StatePrePrepared || e.digest != p.Digest || count < r.member.Quorum() {
		r.mu.Unlock()
		return
	}
	e.state = StatePrepared

	c := Commit{Instance: r.instance, View: p.View, Seq: p.Seq, Digest: p.Digest, Sender: r.self}
	r.mu.Unlock()

	r.OnCommit(c)
	if r.broadcast != nil {
		r.broadcast(KindCommit, c)
	}
}

// OnCommit handles a commit vote. On collecting 2f+1 matching commits the
// request is committed and delivered in strictly increasing sequence order
// with no gaps; out-of-order commits are held until the gap closes.
func (r *Replica) OnCommit(c Commit) {
	r.mu.Lock()
	if c.Instance != r.instance || c.View != r.view || c.Seq < r.nextDeliver {
		r.mu.Unlock()
		return
	}

	e, ok := r.entries[c.Seq]
	if !ok {
		e = newLogEntry()
		r.entries[c.Seq] = e
	}
	count := vote(e.commits, c.Digest, c.Sender)

	if e.state != StatePrepared || e.digest != c.Digest || count < r.member.Quorum() {
		r.mu.Unlock()
		return
	}
	e.state = StateCommitted
	r.held[c.Seq] = Deliverable{Instance: r.instance, Seq: c.Seq, Digest: e.digest, Request: e.request}

	ready, progress := r.flushLocked(), r.progress
	r.mu.Unlock()

	// A commit certificate in the current view is primary progress too.
	if progress != nil {
		progress(r.instance)
	}
	r.deliverAll(ready)
}

// flushLocked drains held deliverables that are next in sequence order.
// Callers must hold r.mu and deliver the result after unlocking.
func (r *Replica) flushLocked() []Deliverable {
	var ready []Deliverable
	for !r.suspended {
		d, ok := r.held[r.nextDeliver]
		if !ok {
			break
		}
		delete(r.held, r.nextDeliver)
		delete(r.entries, r.nextDeliver)
		r.nextDeliver++
		ready = append(ready, d)
	}
	return ready
}

func (r *Replica) deliverAll(ready []Deliverable) {
	if r.deliver == nil {
		return
	}
	for _, d := range ready {
		r.deliver(d)
	}
}

// Suspend blocks commits and delivery while a view change is in flight.
func (r *Replica) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = true
}

// Resume atomically installs the new view and unblocks the instance.
// In-flight slots from older views that never committed are void; the new
// primary re-proposes their requests.
func (r *Replica) Resume(view int) {
	r.mu.Lock()
	if view < r.view {
		r.mu.Unlock()
		return
	}
	r.view = view
	r.suspended = false
	for seq, e := range r.entries {
		if e.view < view && e.state != StateCommitted {
			delete(r.entries, seq)
		}
	}
	r.proposeSeq = r.nextDeliver - 1
	ready := r.flushLocked()
	r.mu.Unlock()

	r.deliverAll(ready)
}

// SkipTo raises the propose counter so fresh proposals start after seq.
// The incoming primary calls this after re-proposing prepared requests.
func (r *Replica) SkipTo(seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proposeSeq < seq {
		r.proposeSeq = seq
	}
}

// PreparedProofs returns the prepared-but-undelivered requests, carried
// into a view change so they survive the primary switch.
func (r *Replica) PreparedProofs() []PreparedProof {
	r.mu.Lock()
	defer r.mu.Unlock()

	var proofs []PreparedProof
	for seq, e := range r.entries {
		if e.state >= StatePrepared && e.hasRequest {
			proofs = append(proofs, PreparedProof{
				Instance: r.instance,
				View:     e.view,
				Seq:      seq,
				Digest:   e.digest,
				Request:  e.request,
			})
		}
	}
	return proofs
}

// GarbageCollect discards ordering records at or below a stable checkpoint
// and fast-forwards delivery past it. Called after a checkpoint
// certificate forms or catch-up applied a certified segment.
func (r *Replica) GarbageCollect(stableSeq int) {
	r.mu.Lock()
	for seq := range r.entries {
		if seq <= stableSeq {
			delete(r.entries, seq)
		}
	}
	for seq := range r.held {
		if seq <= stableSeq {
			delete(r.held, seq)
		}
	}
	if r.nextDeliver <= stableSeq {
		r.nextDeliver = stableSeq + 1
	}
	if r.proposeSeq < stableSeq {
		r.proposeSeq = stableSeq
	}
	ready := r.flushLocked()
	r.mu.Unlock()

	r.deliverAll(ready)
}
