package raft

import (
	"sync"

	"github.com/brauner/raft/raftpb"
)

// Storage is the durable-state port the engine drives: hard state
// (current term and vote), the log, and snapshots. Grounded on the
// teacher's logStorage (raft/raft.go's wal field) and
// original_source/src/raft.c's raft_io vtable, but reshaped to this
// repository's direct-callback model (§5): every method either returns
// synchronously or invokes the supplied callback from the goroutine the
// engine's facade chooses to run it on, rather than polling a Ready().
type Storage interface {
	// SaveHardState persists the current term and vote. Must complete
	// before any message granting that vote, or any AppendEntries reply
	// acknowledging entries of that term, is sent (§4.2, Election Safety).
	SaveHardState(hs raftpb.HardState) error

	// AppendEntries durably appends entries and, when done is non-nil,
	// invokes it with the result once persisted. The engine always
	// passes a nil done and sends its replies as soon as the call
	// returns, so it does not wait for an asynchronous completion; both
	// storages in this module persist before returning.
	AppendEntries(entries []raftpb.Entry, done func(error))

	// TruncateSuffix removes persisted entries at and after fromIndex,
	// used when a conflicting AppendEntries overwrites the tail of the
	// log (§4.3).
	TruncateSuffix(fromIndex uint64) error

	// SaveSnapshot persists a snapshot and the entries retained beyond
	// it (§4.4), discarding older entries and any older snapshot.
	SaveSnapshot(snap raftpb.Snapshot, trailing []raftpb.Entry) error

	// LoadState returns the durable state recorded for a restart or a
	// fresh fixture node: hard state, snapshot (zero value if none), and
	// the log entries following the snapshot.
	LoadState() (raftpb.HardState, raftpb.Snapshot, []raftpb.Entry, error)
}

// Transport is the network port: it sends one message to one peer, best
// effort, with no completion callback; a known delivery failure can be
// reported through Raft.Unreachable (matching §6: "the transport makes no delivery
// guarantee; handlers must tolerate duplicated, dropped, or reordered
// messages"). Grounded on the teacher's Transporter in raft/raft.go and
// simu/raft's network.Handler-backed Send.
type Transport interface {
	Send(to uint64, msg raftpb.Message)
}

// MemoryStorage is a volatile Storage backed by a raftlog.Log-compatible
// slice, for the fixture and for tests. It never fails. Grounded on
// ShubhamNegi4-Distributed-Key-Value-Cache/raft.memoryStorage.
type MemoryStorage struct {
	mu       sync.Mutex
	hs       raftpb.HardState
	snapshot raftpb.Snapshot
	entries  []raftpb.Entry // entries with Index > snapshot.Metadata.Index
}

// NewMemoryStorage returns an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) SaveHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *MemoryStorage) AppendEntries(entries []raftpb.Entry, done func(error)) {
	s.mu.Lock()
	s.entries = append(s.entries, entries...)
	s.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (s *MemoryStorage) TruncateSuffix(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Index < fromIndex {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (s *MemoryStorage) SaveSnapshot(snap raftpb.Snapshot, trailing []raftpb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	s.entries = append([]raftpb.Entry(nil), trailing...)
	return nil
}

func (s *MemoryStorage) LoadState() (raftpb.HardState, raftpb.Snapshot, []raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]raftpb.Entry(nil), s.entries...)
	return s.hs, s.snapshot, entries, nil
}

// MemoryTransport routes messages directly to registered peer engines in
// the same process, for tests that do not need the fixture's scheduled
// delivery. Grounded on
// ShubhamNegi4-Distributed-Key-Value-Cache/raft.memoryTransport.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[uint64]func(raftpb.Message)
}

// NewMemoryTransport returns a Transport that delivers synchronously to
// whatever handlers have been registered with it.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{handlers: make(map[uint64]func(raftpb.Message))}
}

// Register binds id's inbound message handler, typically Raft.Step.
func (t *MemoryTransport) Register(id uint64, handle func(raftpb.Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = handle
}

func (t *MemoryTransport) Send(to uint64, msg raftpb.Message) {
	t.mu.RLock()
	h := t.handlers[to]
	t.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}
