package raft

import "fmt"

// Config carries the tunables of one engine instance. Grounded on the
// teacher's core/conf.Config, expanded with the snapshotting and
// catch-up knobs original_source/src/raft.c's raft_init/raft_set_*
// accessors expose. Every timeout is counted in Engine.Tick calls; the
// fixture and the tests treat one Tick as one millisecond.
type Config struct {
	// ID identifies this node within the cluster. Must be non-zero.
	ID uint64

	// ElectionTimeout is the duration, with no contact from a leader,
	// after which a follower starts an election. Each election randomizes
	// its actual timeout in [ElectionTimeout, 2*ElectionTimeout) to avoid
	// split votes (§4.2).
	ElectionTimeout uint64

	// HeartbeatTimeout is how often a leader sends AppendEntries (empty
	// or not) to maintain authority. Must be smaller than ElectionTimeout.
	HeartbeatTimeout uint64

	// SnapshotThreshold is the number of applied log entries since the
	// last snapshot after which the engine asks the FSM to snapshot
	// again (§4.4).
	SnapshotThreshold uint64

	// SnapshotTrailing is the number of log entries to retain beyond the
	// snapshot's index, so a slightly-behind follower can still be
	// brought up to date with entries rather than a new snapshot (§4.4).
	SnapshotTrailing uint64

	// MaxCatchUpRounds bounds how many catch-up rounds a server added by
	// AddVoter (as a non-voter) gets before the leader abandons its
	// promotion; the server stays in the configuration as a non-voter
	// (§4.7).
	MaxCatchUpRounds uint64

	// MaxCatchUpRoundDuration is the length, in ticks, of a single
	// catch-up round.
	MaxCatchUpRoundDuration uint64

	// MaxAppendEntriesSize bounds how many entries are batched into a
	// single AppendEntries RPC.
	MaxAppendEntriesSize uint64
}

// DefaultConfig returns a Config with a 1000-tick election timeout, a
// 100-tick heartbeat, a 1024-entry snapshot threshold with 100 trailing
// entries kept after each snapshot, 10 catch-up rounds of 1000 ticks
// each, and at most 64 entries per AppendEntries.
func DefaultConfig(id uint64) *Config {
	return &Config{
		ID:                      id,
		ElectionTimeout:         1000,
		HeartbeatTimeout:        100,
		SnapshotThreshold:       1024,
		SnapshotTrailing:        100,
		MaxCatchUpRounds:        10,
		MaxCatchUpRoundDuration: 1000,
		MaxAppendEntriesSize:    64,
	}
}

// Validate reports the first invalid field, mirroring the teacher's
// Config.Verify panics but returned as an error instead: this engine
// hands misconfiguration back to its caller rather than aborting, since
// Raft is a library embedded in other programs.
func (c *Config) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("raft: config: ID must be non-zero")
	}
	if c.HeartbeatTimeout == 0 {
		return fmt.Errorf("raft: config: HeartbeatTimeout must be > 0")
	}
	if c.ElectionTimeout == 0 {
		return fmt.Errorf("raft: config: ElectionTimeout must be > 0")
	}
	if c.ElectionTimeout <= c.HeartbeatTimeout {
		return fmt.Errorf("raft: config: ElectionTimeout (%d) must exceed HeartbeatTimeout (%d)",
			c.ElectionTimeout, c.HeartbeatTimeout)
	}
	if c.MaxAppendEntriesSize == 0 {
		return fmt.Errorf("raft: config: MaxAppendEntriesSize must be > 0")
	}
	return nil
}
