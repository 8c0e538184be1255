// Package raftpb defines the wire types exchanged between raft engines:
// log entries, the RPC messages of the protocol, and the persisted hard
// state. Grounded on the teacher's raft/proto package; kept gob-friendly
// (Reset + gob.Register) the way the teacher does, since wire encoding is
// delegated to the transport and out of this module's scope — gob is
// what raftfile's FileStorage uses to persist these types, while the
// in-memory transport and the fixture pass them as plain Go values.
package raftpb

import (
	"encoding/gob"
	"fmt"
)

// EntryType distinguishes the three kinds of log entries the core kernel
// understands.
type EntryType int

const (
	// EntryCommand carries an opaque application payload.
	EntryCommand EntryType = iota
	// EntryConfiguration carries a serialized Configuration.
	EntryConfiguration
	// EntryBarrier is a no-op entry appended by a new leader so that it
	// can commit (and thus apply) entries from earlier terms.
	EntryBarrier
)

var entryTypeNames = [...]string{"Command", "Configuration", "Barrier"}

func (t EntryType) String() string {
	if int(t) < 0 || int(t) >= len(entryTypeNames) {
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
	return entryTypeNames[t]
}

// Entry is a single slot in the replicated log.
type Entry struct {
	Index   uint64
	Term    uint64
	Type    EntryType
	Payload []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("raftpb.Entry{index: %d, term: %d, type: %v, len(payload): %d}",
		e.Index, e.Term, e.Type, len(e.Payload))
}

// HardState is the minimal state that must be durable before a node
// replies to any RPC: the current term and the candidate it voted for.
type HardState struct {
	Term uint64
	Vote uint64
}

func (h *HardState) Reset() { *h = HardState{} }

func (h HardState) String() string {
	return fmt.Sprintf("raftpb.HardState{term: %d, vote: %d}", h.Term, h.Vote)
}

// SnapshotMetadata describes a snapshot without its payload.
type SnapshotMetadata struct {
	Index             uint64
	Term              uint64
	ConfigurationIndex uint64
	Configuration     []byte // serialized Configuration
}

func (m *SnapshotMetadata) Reset() { *m = SnapshotMetadata{} }

// Snapshot is a full (metadata, payload) snapshot as produced by the FSM
// port and persisted through the storage port.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

func (s *Snapshot) Reset() { *s = Snapshot{} }

func init() {
	gob.Register(Entry{})
	gob.Register(HardState{})
	gob.Register(SnapshotMetadata{})
	gob.Register(Snapshot{})
}
