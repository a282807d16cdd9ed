// Package ledger provides the per-instance append-only ledgers backing the
// consensus engine.
//
// This package implements:
//   - Store: ordered committed entries with chained state digests
//   - Checkpoint: quorum-certified stable markers bounding retained history
//   - Segment: contiguous ledger slices with an Arrow IPC wire codec
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// Common errors for ledger operations
var (
	ErrSeqGap          = errors.New("entry sequence leaves a gap")
	ErrDigestMismatch  = errors.New("segment does not match checkpoint certificate")
	ErrStaleCheckpoint = errors.New("checkpoint is older than the current stable one")
	ErrEmptySegment    = errors.New("segment contains no entries")
)

// Digest returns the hex-encoded SHAKE256 digest of data.
func Digest(data []byte) string {
	h := make([]byte, 32)
	sha3.ShakeSum256(h, data)
	return hex.EncodeToString(h)
}

// Entry is one committed request within an instance's ledger.
type Entry struct {
	Instance int    `json:"instance"`
	Seq      int    `json:"seq"`
	Digest   string `json:"digest"`
	Payload  []byte `json:"payload,omitempty"`
}

// Checkpoint is a stable marker of (instance, seq, state digest) certified
// by the signers listed. It bounds what must be retained and what catch-up
// must replay.
type Checkpoint struct {
	Instance    int      `json:"instance"`
	Seq         int      `json:"seq"`
	StateDigest string   `json:"state_digest"`
	Signers     []string `json:"signers,omitempty"`
}

// Certified reports whether the checkpoint carries at least quorum distinct
// signers.
func (c Checkpoint) Certified(quorum int) bool {
	seen := make(map[string]bool, len(c.Signers))
	for _, s := range c.Signers {
		seen[s] = true
	}
	return len(seen) >= quorum
}

// ChainDigest folds entries into a running state digest starting from base.
// It is a pure function: replaying the same entries from the same base
// always yields the same digest.
func ChainDigest(base string, entries []Entry) string {
	state := base
	for _, e := range entries {
		state = Digest([]byte(fmt.Sprintf("%s|%d|%d|%s", state, e.Instance, e.Seq, e.Digest)))
	}
	return state
}

// instanceLedger holds the ordered entries of a single consensus instance.
type instanceLedger struct {
	entries []Entry
	lastSeq int
	state   string
	stable  Checkpoint
}

// Store holds the ledgers of every local instance. The application state is
// single-writer per instance; the store serializes writes internally so
// instances may be written concurrently from their own lanes.
type Store struct {
	instances map[int]*instanceLedger
	mu        sync.RWMutex
}

// NewStore creates an empty ledger store.
func NewStore() *Store {
	return &Store{
		instances: make(map[int]*instanceLedger),
	}
}

// instance returns the ledger for id, creating it on first use.
// Callers must hold s.mu.
func (s *Store) instance(id int) *instanceLedger {
	il, ok := s.instances[id]
	if !ok {
		il = &instanceLedger{stable: Checkpoint{Instance: id}}
		s.instances[id] = il
	}
	return il
}

// Append adds the committed entry at lastSeq+1. Re-appending an already
// applied sequence number is a no-op, which keeps segment replay idempotent.
func (s *Store) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	il := s.instance(e.Instance)
	if e.Seq <= il.lastSeq {
		return nil
	}
	if e.Seq != il.lastSeq+1 {
		return fmt.Errorf("%w: instance %d seq %d after %d", ErrSeqGap, e.Instance, e.Seq, il.lastSeq)
	}

	il.entries = append(il.entries, e)
	il.lastSeq = e.Seq
	il.state = ChainDigest(il.state, []Entry{e})
	return nil
}

// LastSeq returns the highest committed sequence number of an instance.
func (s *Store) LastSeq(instance int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if il, ok := s.instances[instance]; ok {
		return il.lastSeq
	}
	return 0
}

// StateDigest returns the current chained state digest of an instance.
func (s *Store) StateDigest(instance int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if il, ok := s.instances[instance]; ok {
		return il.state
	}
	return ""
}

// MarkStable records a certified checkpoint for its instance. Checkpoints
// behind the current stable one are rejected.
func (s *Store) MarkStable(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	il := s.instance(cp.Instance)
	if cp.Seq < il.stable.Seq {
		return fmt.Errorf("%w: instance %d seq %d behind %d", ErrStaleCheckpoint, cp.Instance, cp.Seq, il.stable.Seq)
	}
	il.stable = cp
	return nil
}

// StableCheckpoint returns the latest stable checkpoint of an instance.
func (s *Store) StableCheckpoint(instance int) Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if il, ok := s.instances[instance]; ok {
		return il.stable
	}
	return Checkpoint{Instance: instance}
}

// Segment extracts the entries of an instance with after < seq <= through,
// for transfer to a lagging peer.
func (s *Store) Segment(instance, after, through int) (Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	il, ok := s.instances[instance]
	if !ok || through > il.lastSeq {
		return Segment{}, fmt.Errorf("%w: instance %d has no entries through seq %d", ErrSeqGap, instance, through)
	}

	seg := Segment{Instance: instance, After: after, Through: through}
	for _, e := range il.entries {
		if e.Seq > after && e.Seq <= through {
			seg.Entries = append(seg.Entries, e)
		}
	}
	if len(seg.Entries) == 0 {
		return Segment{}, ErrEmptySegment
	}
	return seg, nil
}

// VerifySegment checks that applying seg on top of the current local state
// would reproduce the state digest certified by cert. Entries already
// applied locally are skipped, so verification holds for replayed segments
// too.
func (s *Store) VerifySegment(seg Segment, cert Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lastSeq, state := 0, ""
	if il, ok := s.instances[seg.Instance]; ok {
		lastSeq, state = il.lastSeq, il.state
	}
	pending, err := seg.pendingAfter(lastSeq)
	if err != nil {
		return err
	}
	if got := ChainDigest(state, pending); got != cert.StateDigest {
		return fmt.Errorf("%w: instance %d computed %s want %s", ErrDigestMismatch, seg.Instance, got, cert.StateDigest)
	}
	return nil
}

// ApplySegment verifies seg against cert and appends its not-yet-applied
// entries in order. Applying the same segment twice yields the same state
// digest as applying it once.
func (s *Store) ApplySegment(seg Segment, cert Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	il := s.instance(seg.Instance)
	pending, err := seg.pendingAfter(il.lastSeq)
	if err != nil {
		return err
	}
	if got := ChainDigest(il.state, pending); got != cert.StateDigest {
		return fmt.Errorf("%w: instance %d computed %s want %s", ErrDigestMismatch, seg.Instance, got, cert.StateDigest)
	}

	for _, e := range pending {
		il.entries = append(il.entries, e)
		il.lastSeq = e.Seq
		il.state = ChainDigest(il.state, []Entry{e})
	}
	if cert.Seq >= il.stable.Seq {
		il.stable = cert
	}
	return nil
}

// StoreStats contains ledger statistics for one instance.
type StoreStats struct {
	Instance    int    `json:"instance"`
	LastSeq     int    `json:"last_seq"`
	StableSeq   int    `json:"stable_seq"`
	StateDigest string `json:"state_digest"`
	EntryCount  int    `json:"entry_count"`
}

// GetStats returns statistics for an instance's ledger.
func (s *Store) GetStats(instance int) StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := StoreStats{Instance: instance}
	if il, ok := s.instances[instance]; ok {
		st.LastSeq = il.lastSeq
		st.StableSeq = il.stable.Seq
		st.StateDigest = il.state
		st.EntryCount = len(il.entries)
	}
	return st
}
