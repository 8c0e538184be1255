package raftpb

import "encoding/gob"

// MessageType enumerates the three RPC kinds (RequestVote,
// AppendEntries, InstallSnapshot) plus their responses.
type MessageType int

const (
	MsgRequestVote MessageType = iota
	MsgRequestVoteResult
	MsgAppendEntries
	MsgAppendEntriesResult
	MsgInstallSnapshot
	MsgInstallSnapshotResult
)

var messageTypeNames = [...]string{
	"RequestVote",
	"RequestVoteResult",
	"AppendEntries",
	"AppendEntriesResult",
	"InstallSnapshot",
	"InstallSnapshotResult",
}

func (t MessageType) String() string {
	if int(t) < 0 || int(t) >= len(messageTypeNames) {
		return "Unknown"
	}
	return messageTypeNames[t]
}

// Message is the single envelope type used for every RPC exchanged between
// engines. Every field is flattened into one struct (rather than six
// distinct wire messages) to mirror the teacher's raftpd.Message — one
// type to marshal, switch on MsgType to interpret.
type Message struct {
	MsgType MessageType
	Term    uint64
	From    uint64
	To      uint64

	// RequestVote / RequestVoteResult
	LastLogIndex uint64
	LastLogTerm  uint64
	VoteGranted  bool

	// AppendEntries / AppendEntriesResult
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
	Success      bool
	// LastLogIndexHint lets a rejecting follower tell the leader where to
	// resume: its own last index when PrevLogIndex is past the end of its
	// log, or the first index of its conflicting term on a term mismatch,
	// so the leader can jump NextIndex down in one round trip instead of
	// decrementing by one. On success it carries the follower's last index.
	LastLogIndexHint uint64

	// InstallSnapshot / InstallSnapshotResult
	Snapshot *Snapshot
	// InProgress marks an InstallSnapshotResult as "busy with a snapshot,
	// retry later" (§4.6). The engine in this module never sets it and
	// does not read it.
	InProgress bool
}

func (m *Message) Reset() { *m = Message{} }

func init() {
	gob.Register(Message{})
}
