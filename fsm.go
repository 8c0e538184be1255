package raft

// FSM is the state machine the engine drives. Apply is called, in log
// order, once per committed command entry; Snapshot and Restore are
// called by the engine's snapshot coordinator (§4.4). Grounded on the
// teacher's simu/raft.Application (ApplyEntry/ApplySnapshot/ReadSnapshot),
// trimmed of the read-index-only ReadStateNotice method this repository
// does not carry over.
type FSM interface {
	// Apply applies one committed command entry's payload to the state
	// machine. It must not retain payload beyond the call.
	Apply(index uint64, payload []byte)

	// Snapshot captures the current state machine state. It is called
	// with the engine otherwise idle (no concurrent Apply), matching the
	// original's synchronous raft_fsm->snapshot contract.
	Snapshot() ([]byte, error)

	// Restore replaces the state machine's state with the given
	// snapshot payload, called when InstallSnapshot delivers a snapshot
	// and when Bootstrap restarts a node from a persisted snapshot.
	Restore(payload []byte) error
}
