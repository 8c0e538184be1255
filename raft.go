package raft

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/brauner/raft/raftpb"
)

// Raft wraps an Engine with a mutex, giving every exported method a
// consistent view and serializing storage/transport callbacks back onto
// it. Grounded on the teacher's top-level Raft type (raft/raft.go),
// which wraps core.Raft the same way; the difference is that this
// facade drives its ports by calling them directly from within the
// locked section (§5's callback model) instead of batching work into a
// polled Ready() struct.
type Raft struct {
	mu     sync.Mutex
	engine *Engine
	logger *log.Entry
	closed bool
}

// New constructs a Raft for a fresh cluster and, when transport is a
// *MemoryTransport, registers its Step under cfg.ID, mirroring MakeRaft's
// bootstrap path in the teacher.
func New(cfg *Config, initial Configuration, fsm FSM, storage Storage, transport Transport) (*Raft, error) {
	engine, err := NewEngine(cfg, initial, fsm, storage, transport)
	if err != nil {
		return nil, err
	}
	r := &Raft{engine: engine, logger: log.WithField("id", cfg.ID)}
	if mt, ok := transport.(*MemoryTransport); ok {
		mt.Register(cfg.ID, r.Step)
	}
	return r, nil
}

// Restart constructs a Raft that first loads previously persisted state
// from storage, mirroring RebuildRaft in the teacher.
func Restart(cfg *Config, initial Configuration, fsm FSM, storage Storage, transport Transport) (*Raft, error) {
	r, err := New(cfg, initial, fsm, storage, transport)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	err = r.engine.Bootstrap()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Tick advances the engine's logical clock by one unit.
func (r *Raft) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.engine.Tick()
}

// Step delivers an inbound message to the engine, as the Transport's
// registered handler for this node's ID.
func (r *Raft) Step(msg raftpb.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.engine.HandleMessage(msg)
}

// Unreachable notifies the engine that delivery to peer is known to
// have failed.
func (r *Raft) Unreachable(peer uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.engine.Unreachable(peer)
}

// Propose submits a command to the cluster. See Engine.Propose.
func (r *Raft) Propose(payload []byte) (index, term uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, 0, ErrShutdown
	}
	return r.engine.Propose(payload)
}

// AddVoter proposes adding id to the cluster. See Engine.AddVoter.
func (r *Raft) AddVoter(id uint64, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	return r.engine.AddVoter(id, address)
}

// RemoveServer proposes removing id from the cluster.
func (r *Raft) RemoveServer(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShutdown
	}
	return r.engine.RemoveServer(id)
}

// State reports (term, role, leaderID) under lock, for callers wanting a
// consistent snapshot of cluster position without reaching into Engine.
func (r *Raft) State() (term uint64, role Role, leaderID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Term(), r.engine.Role(), r.engine.LeaderID()
}

// Configuration returns the currently effective cluster configuration.
func (r *Raft) Configuration() Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Configuration()
}

// LogBounds reports the log's current (first, last) live index range.
func (r *Raft) LogBounds() (first, last uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.LogBounds()
}

// Entries returns a copy of the log entries at and after from. Meant for
// test harnesses comparing logs across nodes, not for the replication
// hot path.
func (r *Raft) Entries(from uint64) []raftpb.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Entries(from)
}

// Close shuts the Raft instance down: further Tick, Step and Unreachable
// calls are ignored, and Propose, AddVoter and RemoveServer return
// ErrShutdown.
func (r *Raft) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
