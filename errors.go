package raft

import "errors"

// Sentinel errors returned by Engine and Raft methods, grounded on the
// error taxonomy original_source/src/err.c assigns to the C library
// (RAFT_NOTLEADER, RAFT_BUSY, RAFT_CANTBOOTSTRAP, ...), translated to Go
// idiom as distinct values testable with errors.Is.
var (
	// ErrNotLeader is returned by Propose and membership-change calls
	// when this node is not currently the cluster leader.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrShutdown is returned by Raft's Propose, AddVoter and
	// RemoveServer after Close.
	ErrShutdown = errors.New("raft: engine is shut down")

	// ErrBusy is returned when a configuration change is proposed while
	// another configuration change is still uncommitted (§4.7: one
	// membership change in flight at a time).
	ErrBusy = errors.New("raft: a configuration change is already in progress")

	// ErrBadConfiguration is returned when a requested membership change
	// is a no-op or otherwise invalid (adding an already-present server,
	// removing an absent one).
	ErrBadConfiguration = errors.New("raft: invalid configuration change")

	// ErrSnapshotInProgress reports that a snapshot is already being
	// taken. No function in this module returns it.
	ErrSnapshotInProgress = errors.New("raft: a snapshot is already in progress")

	// ErrNoSnapshot reports that no snapshot exists to send. No function
	// in this module returns it; the leader instead skips the send.
	ErrNoSnapshot = errors.New("raft: no snapshot available")

	// ErrIO is a generic wrapper for storage/transport failures reported
	// through the Storage or Transport ports.
	ErrIO = errors.New("raft: i/o error")
)
