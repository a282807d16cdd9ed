package pool

import "time"

// ElectionTimeoutFunc maps pool size to the grace period a pool of that
// size needs to elect a primary. Larger pools get proportionally longer
// windows to absorb broadcast fan-out; implementations must be monotonic
// in n.
type ElectionTimeoutFunc func(n int) time.Duration

// DefaultElectionTimeout grows linearly with pool size.
func DefaultElectionTimeout(n int) time.Duration {
	return time.Duration(n) * 3 * time.Second
}

// Config holds the pool-wide timing and checkpointing knobs shared by the
// consensus components.
type Config struct {
	// ToleratePrimaryDisconnection is the base grace period before a
	// silent primary is suspected.
	ToleratePrimaryDisconnection time.Duration `json:"tolerate_primary_disconnection"`

	// ElectionTimeout scales the suspicion threshold and the restart
	// wait with pool size.
	ElectionTimeout ElectionTimeoutFunc `json:"-"`

	// CheckpointInterval is the number of committed sequences between
	// checkpoints on each instance.
	CheckpointInterval int `json:"checkpoint_interval"`

	// CatchupSlack is how many sequences an instance may lag behind the
	// pool's stable checkpoint before catch-up is forced.
	CatchupSlack int `json:"catchup_slack"`

	// Instances is the number of parallel ordering lanes per node.
	Instances int `json:"instances"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ToleratePrimaryDisconnection: 30 * time.Second,
		ElectionTimeout:              DefaultElectionTimeout,
		CheckpointInterval:           10,
		CatchupSlack:                 2,
		Instances:                    1,
	}
}

// SuspicionThreshold is the time without primary progress after which a
// node raises suspicion for a pool of n nodes.
func (c Config) SuspicionThreshold(n int) time.Duration {
	return c.ToleratePrimaryDisconnection + c.electionTimeout(n)
}

// RestartTimeout is how long restarted nodes get to rejoin before the pool
// is considered non-functional:
// ToleratePrimaryDisconnection + ExpectedPoolElectionTimeout(n).
func (c Config) RestartTimeout(n int) time.Duration {
	return c.ToleratePrimaryDisconnection + c.electionTimeout(n)
}

func (c Config) electionTimeout(n int) time.Duration {
	if c.ElectionTimeout == nil {
		return DefaultElectionTimeout(n)
	}
	return c.ElectionTimeout(n)
}
