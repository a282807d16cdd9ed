package consensus

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ordopool/ordopool/pool"
)

func testMembership(t *testing.T) *pool.Membership {
	t.Helper()
	m, err := pool.NewMembership([]string{"Alpha", "Beta", "Gamma", "Delta"})
	if err != nil {
		t.Fatalf("NewMembership failed: %v", err)
	}
	return m
}

// capture collects replica callback output for assertions.
type capture struct {
	broadcasts []string
	delivered  []Deliverable
	mu         sync.Mutex
}

func (c *capture) broadcast(kind string, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts = append(c.broadcasts, kind)
}

func (c *capture) deliver(d Deliverable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, d)
}

func (c *capture) deliveredSeqs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]int, len(c.delivered))
	for i, d := range c.delivered {
		seqs[i] = d.Seq
	}
	return seqs
}

func testRequest(id string) Request {
	return Request{Client: "wallet-1", ID: id, Op: []byte("op-" + id)}
}

// driveCommit walks one sequence number through the full three-phase
// exchange on a backup replica, with Alpha as the view 0 primary.
func driveCommit(r *Replica, req Request, seq int) {
	digest := req.Digest()
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: seq, Digest: digest, Request: req, Sender: "Alpha"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: seq, Digest: digest, Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: seq, Digest: digest, Sender: "Delta"})
	r.OnCommit(Commit{Instance: 0, View: 0, Seq: seq, Digest: digest, Sender: "Gamma"})
	r.OnCommit(Commit{Instance: 0, View: 0, Seq: seq, Digest: digest, Sender: "Delta"})
}

func TestReplicaCommitFlow(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Beta", m, cap.broadcast, cap.deliver, nil)

	req := testRequest("r1")
	driveCommit(r, req, 1)

	seqs := cap.deliveredSeqs()
	if len(seqs) != 1 || seqs[0] != 1 {
		t.Fatalf("Expected delivery of seq 1, got %v", seqs)
	}
	if cap.delivered[0].Request.Key() != req.Key() {
		t.Errorf("Delivered wrong request: %s", cap.delivered[0].Request.Key())
	}
	if r.NextDeliver() != 2 {
		t.Errorf("Expected nextDeliver 2, got %d", r.NextDeliver())
	}
	if r.State(1) != StateCommitted {
		t.Errorf("Expected committed, got %v", r.State(1))
	}
}

func TestReplicaOrderedDelivery(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Beta", m, cap.broadcast, cap.deliver, nil)

	// Seq 2 commits first; delivery must wait for seq 1.
	req2 := testRequest("r2")
	driveCommit(r, req2, 2)
	if len(cap.deliveredSeqs()) != 0 {
		t.Fatal("Seq 2 must be held until seq 1 delivers")
	}

	req1 := testRequest("r1")
	driveCommit(r, req1, 1)

	seqs := cap.deliveredSeqs()
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("Expected ordered delivery [1 2], got %v", seqs)
	}
}

func TestReplicaPropose(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Alpha", m, cap.broadcast, cap.deliver, nil)

	pp, err := r.Propose(testRequest("r1"))
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if pp.Seq != 1 || pp.View != 0 || pp.Sender != "Alpha" {
		t.Errorf("Unexpected pre-prepare: %+v", pp)
	}
	if r.State(1) != StatePrePrepared {
		t.Errorf("Expected preprepared after self-accept, got %v", r.State(1))
	}

	pp2, _ := r.Propose(testRequest("r2"))
	if pp2.Seq != 2 {
		t.Errorf("Expected seq 2, got %d", pp2.Seq)
	}
}

func TestReplicaProposeNotPrimary(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	_, err := r.Propose(testRequest("r1"))
	if !errors.Is(err, ErrNotPrimary) {
		t.Errorf("Expected ErrNotPrimary, got %v", err)
	}
}

func TestReplicaEquivocationRejected(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Beta", m, cap.broadcast, cap.deliver, nil)

	reqA, reqB := testRequest("a"), testRequest("b")
	first := PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: reqA.Digest(), Request: reqA, Sender: "Alpha"}
	second := PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: reqB.Digest(), Request: reqB, Sender: "Alpha"}

	r.OnPrePrepare(first)
	r.OnPrePrepare(second)

	if r.Violations() != 1 {
		t.Errorf("Expected 1 violation, got %d", r.Violations())
	}

	// The first proposal stays accepted; the conflict changes nothing.
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: reqA.Digest(), Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: reqA.Digest(), Sender: "Delta"})
	if r.State(1) != StatePrepared {
		t.Errorf("Expected prepared on original digest, got %v", r.State(1))
	}
}

func TestReplicaPrePrepareFromNonPrimary(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	req := testRequest("r1")
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: req.Digest(), Request: req, Sender: "Gamma"})

	if r.Violations() != 1 {
		t.Errorf("Expected 1 violation, got %d", r.Violations())
	}
	if r.State(1) != StateIdle {
		t.Errorf("Proposal from a backup must not be accepted, state %v", r.State(1))
	}
}

func TestReplicaDigestMismatchRejected(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	req := testRequest("r1")
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: "forged", Request: req, Sender: "Alpha"})

	if r.Violations() != 1 {
		t.Errorf("Expected 1 violation, got %d", r.Violations())
	}
}

func TestReplicaMismatchedVotesDoNotCount(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	req := testRequest("r1")
	digest := req.Digest()
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Request: req, Sender: "Alpha"})

	// Votes for a different digest land in their own bucket.
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: "other", Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: "other", Sender: "Delta"})
	if r.State(1) != StatePrePrepared {
		t.Errorf("Mismatched prepares must not advance the slot, state %v", r.State(1))
	}

	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Delta"})
	if r.State(1) != StatePrepared {
		t.Errorf("Expected prepared, got %v", r.State(1))
	}
}

func TestReplicaSuspendResume(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Beta", m, cap.broadcast, cap.deliver, nil)

	req := testRequest("r1")
	digest := req.Digest()
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Request: req, Sender: "Alpha"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Delta"})

	r.Suspend()
	r.OnCommit(Commit{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Gamma"})
	r.OnCommit(Commit{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Delta"})
	if len(cap.deliveredSeqs()) != 0 {
		t.Fatal("Suspended replica must not deliver")
	}

	r.Resume(0)
	seqs := cap.deliveredSeqs()
	if len(seqs) != 1 || seqs[0] != 1 {
		t.Errorf("Expected delivery of seq 1 after resume, got %v", seqs)
	}
}

func TestReplicaPreparedProofs(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	req := testRequest("r1")
	digest := req.Digest()
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Request: req, Sender: "Alpha"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Gamma"})
	r.OnPrepare(Prepare{Instance: 0, View: 0, Seq: 1, Digest: digest, Sender: "Delta"})

	proofs := r.PreparedProofs()
	if len(proofs) != 1 {
		t.Fatalf("Expected 1 proof, got %d", len(proofs))
	}
	if proofs[0].Seq != 1 || proofs[0].Digest != digest {
		t.Errorf("Unexpected proof: %+v", proofs[0])
	}
	if proofs[0].Request.Key() != req.Key() {
		t.Error("Proof must carry the full request")
	}
}

func TestReplicaResumeDropsStaleSlots(t *testing.T) {
	m := testMembership(t)
	r := NewReplica(0, "Beta", m, nil, nil, nil)

	req := testRequest("r1")
	r.OnPrePrepare(PrePrepare{Instance: 0, View: 0, Seq: 1, Digest: req.Digest(), Request: req, Sender: "Alpha"})

	r.Suspend()
	r.Resume(1)

	if r.View() != 1 {
		t.Errorf("Expected view 1, got %d", r.View())
	}
	if r.State(1) != StateIdle {
		t.Errorf("Uncommitted slot from the old view must be void, state %v", r.State(1))
	}
}

func TestReplicaGarbageCollect(t *testing.T) {
	m := testMembership(t)
	cap := &capture{}
	r := NewReplica(0, "Beta", m, cap.broadcast, cap.deliver, nil)

	for seq := 1; seq <= 3; seq++ {
		driveCommit(r, testRequest(fmt.Sprintf("r%d", seq)), seq)
	}

	r.GarbageCollect(3)
	if r.NextDeliver() != 4 {
		t.Errorf("Expected nextDeliver 4, got %d", r.NextDeliver())
	}

	// A lagging replica fast-forwards past the stable prefix.
	fresh := NewReplica(0, "Beta", m, nil, nil, nil)
	fresh.GarbageCollect(10)
	if fresh.NextDeliver() != 11 {
		t.Errorf("Expected nextDeliver 11, got %d", fresh.NextDeliver())
	}
}
