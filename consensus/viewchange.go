package consensus

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ordopool/ordopool/ledger"
	"github.com/ordopool/ordopool/pool"
)

// Phase is the view change controller's coarse state.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseViewChanging
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseViewChanging:
		return "viewchanging"
	default:
		return "unknown"
	}
}

// ViewChangeController coordinates the transition to a new primary. It
// enters ViewChanging on quorum suspicion, collects ViewChangeReq votes,
// and either builds the NewView (when this node is the incoming primary)
// or validates the one it receives.
type ViewChangeController struct {
	self    string
	member  *pool.Membership
	timeout time.Duration

	phase  Phase
	view   int
	target int
	timer  *time.Timer
	reqs   map[int]map[string]ViewChangeReq
	built  map[int]bool

	broadcast   func(kind string, msg any)
	proofs      func() []PreparedProof
	checkpoints func() []ledger.Checkpoint
	suspend     func()
	install     func(nv NewView)
	onViolation func(reason string)

	mu sync.Mutex
}

// NewViewChangeController wires a controller. timeout bounds how long the
// controller waits for a NewView before escalating to the next view.
// proofs and checkpoints snapshot local replica and ledger state; suspend
// blocks the replicas while a change is in flight; install applies an
// accepted NewView. Callbacks run without the controller lock held.
func NewViewChangeController(self string, member *pool.Membership, timeout time.Duration,
	broadcast func(kind string, msg any),
	proofs func() []PreparedProof,
	checkpoints func() []ledger.Checkpoint,
	suspend func(),
	install func(nv NewView),
	onViolation func(reason string)) *ViewChangeController {
	return &ViewChangeController{
		self:        self,
		member:      member,
		timeout:     timeout,
		reqs:        make(map[int]map[string]ViewChangeReq),
		built:       make(map[int]bool),
		broadcast:   broadcast,
		proofs:      proofs,
		checkpoints: checkpoints,
		suspend:     suspend,
		install:     install,
		onViolation: onViolation,
	}
}

// View returns the last installed view.
func (c *ViewChangeController) View() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Phase returns the controller's current phase.
func (c *ViewChangeController) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetView fast-forwards the installed view, e.g. after catch-up. It never
// moves backwards.
func (c *ViewChangeController) SetView(view int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view > c.view {
		c.view = view
	}
}

// Begin starts (or joins) a view change towards targetView. Targets at or
// below the installed view, or below an in-flight target, are ignored;
// view numbers never decrease and a view is never retried.
func (c *ViewChangeController) Begin(targetView int) {
	c.mu.Lock()
	if targetView <= c.view || (c.phase == PhaseViewChanging && targetView <= c.target) {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseViewChanging
	c.target = targetView
	if c.timer != nil {
		c.timer.Stop()
	}
	// The escalation closure re-checks state under the lock, so a timer
	// that outlives its view change cannot act.
	c.timer = time.AfterFunc(c.timeout, func() { c.escalate(targetView) })
	c.mu.Unlock()

	log.Printf("view change: %s moving to ViewChanging(%d)", c.self, targetView)
	if c.suspend != nil {
		c.suspend()
	}

	req := ViewChangeReq{TargetView: targetView, Sender: c.self}
	if c.checkpoints != nil {
		req.Checkpoints = c.checkpoints()
	}
	if c.proofs != nil {
		req.Proven = c.proofs()
	}

	c.OnViewChangeReq(req)
	if c.broadcast != nil {
		c.broadcast(KindViewChange, req)
	}
}

// escalate fires when no NewView quorum formed in time: move directly to
// the next view, never retrying the same one.
func (c *ViewChangeController) escalate(from int) {
	c.mu.Lock()
	stillPending := c.phase == PhaseViewChanging && c.target == from && c.view < from
	c.mu.Unlock()

	if stillPending {
		log.Printf("view change: no NewView for view %d in %v, escalating to %d", from, c.timeout, from+1)
		c.Begin(from + 1)
	}
}

// OnViewChangeReq records a view change vote. A quorum for a view higher
// than anything in flight is credible evidence the pool moved on: the
// controller discards its in-flight state and joins. When this node is the
// incoming primary and holds a quorum for its target, it builds the
// NewView.
func (c *ViewChangeController) OnViewChangeReq(req ViewChangeReq) {
	c.mu.Lock()
	if req.TargetView <= c.view {
		c.mu.Unlock()
		return
	}

	set, ok := c.reqs[req.TargetView]
	if !ok {
		set = make(map[string]ViewChangeReq)
		c.reqs[req.TargetView] = set
	}
	set[req.Sender] = req

	quorum := len(set) >= c.member.Quorum()
	joinHigher := quorum && req.TargetView > c.target
	buildNew := quorum &&
		c.phase == PhaseViewChanging &&
		c.target == req.TargetView &&
		c.member.PrimaryName(req.TargetView) == c.self &&
		!c.built[req.TargetView]
	if buildNew {
		c.built[req.TargetView] = true
	}

	var nv NewView
	if buildNew {
		nv = c.buildNewViewLocked(req.TargetView)
	}
	c.mu.Unlock()

	if joinHigher {
		c.Begin(req.TargetView)
		return
	}
	if buildNew {
		log.Printf("view change: %s is primary for view %d, broadcasting NewView with %d re-proposals",
			c.self, nv.View, len(nv.Reproposed))
		c.OnNewView(nv)
		if c.broadcast != nil {
			c.broadcast(KindNewView, nv)
		}
	}
}

// buildNewViewLocked assembles the NewView for target from the collected
// ViewChangeReq set: highest certified checkpoint per instance, plus the
// union of proven-prepared requests above it, re-proposed in the new view.
// Callers must hold c.mu.
func (c *ViewChangeController) buildNewViewLocked(target int) NewView {
	checkpoints := make(map[int]ledger.Checkpoint)
	proofs := make(map[int]map[int]PreparedProof) // instance -> seq -> best proof

	for _, req := range c.reqs[target] {
		for _, cp := range req.Checkpoints {
			if cp.Certified(c.member.Quorum()) && cp.Seq > checkpoints[cp.Instance].Seq {
				checkpoints[cp.Instance] = cp
			}
		}
		for _, p := range req.Proven {
			byseq, ok := proofs[p.Instance]
			if !ok {
				byseq = make(map[int]PreparedProof)
				proofs[p.Instance] = byseq
			}
			if best, ok := byseq[p.Seq]; !ok || p.View > best.View {
				byseq[p.Seq] = p
			}
		}
	}

	nv := NewView{View: target, Sender: c.self}
	for _, cp := range checkpoints {
		nv.Checkpoints = append(nv.Checkpoints, cp)
	}
	for instance, byseq := range proofs {
		for seq, p := range byseq {
			if seq <= checkpoints[instance].Seq {
				continue
			}
			nv.Reproposed = append(nv.Reproposed, PrePrepare{
				Instance: p.Instance,
				View:     target,
				Seq:      p.Seq,
				Digest:   p.Digest,
				Request:  p.Request,
				Sender:   c.self,
			})
		}
	}
	sort.Slice(nv.Reproposed, func(i, j int) bool {
		if nv.Reproposed[i].Instance != nv.Reproposed[j].Instance {
			return nv.Reproposed[i].Instance < nv.Reproposed[j].Instance
		}
		return nv.Reproposed[i].Seq < nv.Reproposed[j].Seq
	})
	sort.Slice(nv.Checkpoints, func(i, j int) bool {
		return nv.Checkpoints[i].Instance < nv.Checkpoints[j].Instance
	})
	return nv
}

// OnNewView validates and installs an announced new view. Coverage is
// checked against every proven-prepared request this node has seen: a
// NewView that lost one is a protocol violation and the controller stays
// ViewChanging, awaiting retry or escalation.
func (c *ViewChangeController) OnNewView(nv NewView) {
	c.mu.Lock()
	if nv.View <= c.view {
		c.mu.Unlock()
		return
	}
	if nv.Sender != c.member.PrimaryName(nv.View) {
		c.mu.Unlock()
		c.reportViolation("NewView from non-primary " + nv.Sender)
		return
	}

	if missing, ok := c.coverageGapLocked(nv); ok {
		c.mu.Unlock()
		c.reportViolation("NewView missing proven-prepared request " + missing)
		return
	}

	c.view = nv.View
	c.phase = PhaseNormal
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for target := range c.reqs {
		if target <= nv.View {
			delete(c.reqs, target)
		}
	}
	c.mu.Unlock()

	log.Printf("view change: %s accepted NewView, now operating in view %d", c.self, nv.View)
	if c.install != nil {
		c.install(nv)
	}
}

// coverageGapLocked reports the first proven-prepared request the NewView
// fails to cover, if any. Callers must hold c.mu.
func (c *ViewChangeController) coverageGapLocked(nv NewView) (string, bool) {
	stable := make(map[int]int)
	for _, cp := range nv.Checkpoints {
		stable[cp.Instance] = cp.Seq
	}
	covered := make(map[string]string) // instance:seq -> digest
	for _, pp := range nv.Reproposed {
		covered[suspicionKey(pp.Instance, pp.Seq)] = pp.Digest
	}

	check := func(p PreparedProof) (string, bool) {
		if p.Seq <= stable[p.Instance] {
			return "", false
		}
		key := suspicionKey(p.Instance, p.Seq)
		if covered[key] != p.Digest {
			return key, true
		}
		return "", false
	}

	for _, req := range c.reqs[nv.View] {
		for _, p := range req.Proven {
			if key, gap := check(p); gap {
				return key, true
			}
		}
	}
	return "", false
}

func (c *ViewChangeController) reportViolation(reason string) {
	log.Printf("warning: %s", reason)
	if c.onViolation != nil {
		c.onViolation(reason)
	}
}
