// Package consensus implements the BFT ordering engine of a permissioned
// replica pool.
//
// This package implements:
//   - Replica: the per-instance ordering state machine
//     (Idle -> PrePrepared -> Prepared -> Committed)
//   - Backlog: the primary's pending client request queue
//   - Executor: per-instance lanes applying committed requests
//   - Monitor: primary progress watchdog and suspicion quorum tracking
//   - ViewChangeController: coordinated transition to a new primary
//   - Node: wiring of all components over a network transport
//
// Agreement is reached purely through quorum certificates of 2f+1 matching
// records out of n = 3f+1 nodes; no shared clock is assumed.
package consensus
