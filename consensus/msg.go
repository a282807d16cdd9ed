package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordopool/ordopool/ledger"
	"github.com/ordopool/ordopool/network"
)

// Envelope kinds for the protocol messages.
const (
	KindRequest    = "request"
	KindPrePrepare = "preprepare"
	KindPrepare    = "prepare"
	KindCommit     = "commit"
	KindCheckpoint = "checkpoint"
	KindSuspicion  = "suspicion"
	KindViewChange = "viewchange"
	KindNewView    = "newview"
)

// Request is a client operation. Its content is opaque to the consensus
// core; ordering identity is (client, request id).
type Request struct {
	Client      string    `json:"client"`
	ID          string    `json:"id"`
	Op          []byte    `json:"op,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Key returns the request's ordering identity.
func (r Request) Key() string { return r.Client + "/" + r.ID }

// Digest returns the request digest used in ordering records.
func (r Request) Digest() string {
	return ledger.Digest([]byte(fmt.Sprintf("%s|%s|%x", r.Client, r.ID, r.Op)))
}

// PrePrepare is the primary's ordering proposal for one sequence number.
// The full request rides along so backups can verify the digest.
type PrePrepare struct {
	Instance int     `json:"instance"`
	View     int     `json:"view"`
	Seq      int     `json:"seq"`
	Digest   string  `json:"digest"`
	Request  Request `json:"request"`
	Sender   string  `json:"sender"`
}

// Prepare is a backup's vote that it accepted the primary's proposal.
type Prepare struct {
	Instance int    `json:"instance"`
	View     int    `json:"view"`
	Seq      int    `json:"seq"`
	Digest   string `json:"digest"`
	Sender   string `json:"sender"`
}

// Commit is a replica's vote that the proposal reached prepare quorum.
type Commit struct {
	Instance int    `json:"instance"`
	View     int    `json:"view"`
	Seq      int    `json:"seq"`
	Digest   string `json:"digest"`
	Sender   string `json:"sender"`
}

// CheckpointMsg is a replica's vote for a stable checkpoint.
type CheckpointMsg struct {
	Instance    int    `json:"instance"`
	Seq         int    `json:"seq"`
	StateDigest string `json:"state_digest"`
	Sender      string `json:"sender"`
}

// Suspicion announces that the sender has seen no primary progress on an
// instance past the configured threshold. 2f+1 distinct suspicions for the
// same (instance, view) are the sole trigger for a view change.
type Suspicion struct {
	Instance int    `json:"instance"`
	View     int    `json:"view"`
	Sender   string `json:"sender"`
}

// PreparedProof carries one prepared-but-not-committed request into a view
// change, so the new primary can re-propose it.
type PreparedProof struct {
	Instance int     `json:"instance"`
	View     int     `json:"view"`
	Seq      int     `json:"seq"`
	Digest   string  `json:"digest"`
	Request  Request `json:"request"`
}

// ViewChangeReq is a node's vote to move to TargetView, carrying its
// highest stable checkpoints and its proven-prepared requests.
type ViewChangeReq struct {
	TargetView  int                 `json:"target_view"`
	Checkpoints []ledger.Checkpoint `json:"checkpoints,omitempty"`
	Proven      []PreparedProof     `json:"proven,omitempty"`
	Sender      string              `json:"sender"`
}

// NewView is the incoming primary's announcement of the new view: the
// checkpoints it starts from and the prepared requests it re-proposes.
type NewView struct {
	View        int                 `json:"view"`
	Checkpoints []ledger.Checkpoint `json:"checkpoints,omitempty"`
	Reproposed  []PrePrepare        `json:"reproposed,omitempty"`
	Sender      string              `json:"sender"`
}

// pack wraps a protocol message into a transport envelope.
func pack(kind string, msg any) (*network.Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return &network.Envelope{Kind: kind, Payload: payload}, nil
}

// unpack decodes an envelope payload into msg.
func unpack(env *network.Envelope, msg any) error {
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %s from %s: %w", env.Kind, env.From, err)
	}
	return nil
}
