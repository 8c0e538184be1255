// Package raft implements the replicated-log core of the Raft consensus
// algorithm: a role state machine (follower/candidate/leader), a
// ring-buffered reference-counted log (package raftlog), per-follower
// replication progress tracking (package progress), the AppendEntries /
// RequestVote / InstallSnapshot handlers, one-at-a-time membership
// changes, and log-based snapshotting.
//
// The engine itself (Engine) is single-threaded and synchronous: every
// exported method runs to completion and calls the Storage and Transport
// ports directly as it goes. Raft wraps an Engine with a mutex so it can
// be driven from several goroutines, the way the teacher's top-level
// Raft type wraps core.Raft with a mutex around a WAL and a transport.
package raft
