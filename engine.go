package raft

import (
	"math/rand"

	log "github.com/sirupsen/logrus"

	"github.com/brauner/raft/internal/assertutil"
	"github.com/brauner/raft/internal/wire"
	"github.com/brauner/raft/progress"
	"github.com/brauner/raft/raftlog"
	"github.com/brauner/raft/raftpb"
)

// unresponsiveThreshold is the number of ticks without contact after
// which a leader abandons the catch-up of a joining server (tickCatchUp,
// §4.7). It is a fixed constant, not a
// Config knob: original_source/src/replication.c hardcodes an analogous
// bound (a follower silent for longer than the election timeout cannot
// possibly be caught up) rather than exposing it for tuning.
const unresponsiveThreshold = 5000

// Engine is the single-threaded core of the role state machine: it owns
// the log, the current term/vote, the cluster configuration, and (while
// leader) per-follower replication progress, and mutates them only in
// response to Tick, a received Message, or a local Propose / AddVoter /
// RemoveServer call. It is not safe for concurrent use; Raft
// provides that by serializing access with a mutex, the way the
// teacher's Raft type serializes access to core.Raft.
type Engine struct {
	id uint64

	role Role
	term uint64
	vote uint64

	log *raftlog.Log

	config            Configuration
	configIndex       uint64 // index of the log entry the current config came from
	pendingConfChange bool
	pendingConfIndex  uint64
	catchingUpID      uint64
	catchUpRound      uint64
	catchUpRoundTicks uint64

	// committedConfig/committedConfigIndex track the last configuration
	// known to have committed, so a truncation that discards an
	// uncommitted configuration entry (§3: "uncommitted changes revert
	// on truncation") can restore config/configIndex to it rather than
	// keep using a configuration the log no longer contains.
	committedConfig      Configuration
	committedConfigIndex uint64

	leaderID uint64

	electionElapsed  uint64
	heartbeatElapsed uint64
	// randomizedElectionTimeout is re-rolled every time the election
	// timer resets (§4.2), in [ElectionTimeout, 2*ElectionTimeout).
	randomizedElectionTimeout uint64

	commitIndex uint64
	lastApplied uint64

	progress map[uint64]*progress.Progress

	// votesReceived records RequestVoteResult replies for the current
	// election.
	votesReceived map[uint64]bool

	snapshotting         bool
	entriesSinceSnapshot uint64

	cfg       *Config
	fsm       FSM
	storage   Storage
	transport Transport

	ticks uint64

	logger *log.Entry
	rand   *rand.Rand
}

// NewEngine constructs an Engine for a fresh cluster: cfg.ID must be a
// member of initial, and the log starts empty with the initial
// configuration recorded as the implicit state at index 0 (committed
// from the start, per original_source/src/configuration.c's bootstrap
// behavior — §Non-goals excludes joint consensus, so there is no
// interim "joint" configuration to model here).
func NewEngine(cfg *Config, initial Configuration, fsm FSM, storage Storage, transport Transport) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		id:              cfg.ID,
		role:            Follower,
		log:             raftlog.New(),
		config:          initial.Clone(),
		committedConfig: initial.Clone(),
		progress:        make(map[uint64]*progress.Progress),
		cfg:             cfg,
		fsm:             fsm,
		storage:         storage,
		transport:       transport,
		rand:            rand.New(rand.NewSource(int64(cfg.ID))),
	}
	e.logger = log.WithFields(log.Fields{"id": e.id})
	e.resetElectionTimeout()
	return e, nil
}

// Bootstrap loads previously persisted state (term, vote, snapshot, log
// entries) from storage, for restarting a node that crashed or was
// disconnected. Grounded on the teacher's RebuildRaft path.
func (e *Engine) Bootstrap() error {
	hs, snap, entries, err := e.storage.LoadState()
	if err != nil {
		return err
	}
	e.term = hs.Term
	e.vote = hs.Vote
	if snap.Metadata.Index > 0 {
		e.log.SetOffset(snap.Metadata.Index, snap.Metadata.Term)
		e.installConfigurationFromSnapshot(snap)
		if err := e.fsm.Restore(snap.Data); err != nil {
			return err
		}
		e.commitIndex = snap.Metadata.Index
		e.lastApplied = snap.Metadata.Index
	}
	for _, ent := range entries {
		e.log.Append(ent.Term, ent.Type, ent.Payload, nil)
		if ent.Type == raftpb.EntryConfiguration {
			e.loadConfigurationEntry(ent)
		}
	}
	return nil
}

func (e *Engine) installConfigurationFromSnapshot(snap raftpb.Snapshot) {
	if len(snap.Metadata.Configuration) == 0 {
		return
	}
	var cfg Configuration
	wire.MustUnmarshal(configResettable{&cfg}, snap.Metadata.Configuration)
	e.config = cfg
	e.configIndex = snap.Metadata.Index
	// A snapshot only ever covers committed state (§4.4), so the
	// configuration it carries is, by construction, committed too.
	e.committedConfig = cfg.Clone()
	e.committedConfigIndex = snap.Metadata.Index
}

func (e *Engine) loadConfigurationEntry(ent raftpb.Entry) {
	var cfg Configuration
	wire.MustUnmarshal(configResettable{&cfg}, ent.Payload)
	e.config = cfg
	e.configIndex = ent.Index
}

// configResettable adapts *Configuration to wire.Resettable without
// forcing Configuration itself (a plain value type callers construct
// literally) to carry a Reset method.
type configResettable struct{ c *Configuration }

func (r configResettable) Reset() { *r.c = Configuration{} }

// Role reports the node's current role.
func (e *Engine) Role() Role { return e.role }

// Term reports the node's current term.
func (e *Engine) Term() uint64 { return e.term }

// CommitIndex reports the highest log index known committed.
func (e *Engine) CommitIndex() uint64 { return e.commitIndex }

// LeaderID reports the last known leader in the current term, or 0 if
// unknown (e.g. mid-election).
func (e *Engine) LeaderID() uint64 { return e.leaderID }

// Configuration returns the currently effective cluster configuration.
func (e *Engine) Configuration() Configuration { return e.config.Clone() }

// LogBounds reports the log's current live index range, for invariant
// checking against other nodes (§4.8) rather than for anything the
// replication path itself needs (which uses Acquire/Release directly).
func (e *Engine) LogBounds() (first, last uint64) {
	return e.log.FirstIndex(), e.log.LastIndex()
}

// Entries returns a copy of the live log entries at and after from
// (clamped up to FirstIndex() if lower), for invariant checking.
func (e *Engine) Entries(from uint64) []raftpb.Entry {
	if from < e.log.FirstIndex() {
		from = e.log.FirstIndex()
	}
	view, n := e.log.Acquire(from)
	out := append([]raftpb.Entry(nil), view[:n]...)
	e.log.Release(view)
	return out
}

func (e *Engine) resetElectionTimeout() {
	e.electionElapsed = 0
	span := e.cfg.ElectionTimeout
	e.randomizedElectionTimeout = e.cfg.ElectionTimeout + uint64(e.rand.Int63n(int64(span)))
}

// Tick advances the engine's logical clock by one unit (milliseconds, in
// the fixture's virtual-clock ticks). A follower or candidate whose
// election timer elapses starts an election (§4.2); a leader whose
// heartbeat timer elapses broadcasts AppendEntries to all peers.
func (e *Engine) Tick() {
	e.ticks++
	switch e.role {
	case Leader:
		e.heartbeatElapsed++
		if e.heartbeatElapsed >= e.cfg.HeartbeatTimeout {
			e.heartbeatElapsed = 0
			e.broadcastAppendEntries()
		}
		e.tickCatchUp()
		e.checkLeaderQuorum()
	default:
		e.electionElapsed++
		if e.electionElapsed >= e.randomizedElectionTimeout {
			e.startElection()
		}
	}
}

func (e *Engine) quorumIDs() []uint64 { return e.config.VotingIDs() }

func (e *Engine) isVotingMember(id uint64) bool {
	s, ok := e.config.Get(id)
	return ok && s.Voting
}

// startElection transitions to Candidate, increments the term, votes for
// itself, and requests votes from every other voting member (§4.2).
func (e *Engine) startElection() {
	e.becomeCandidate()
	if len(e.quorumIDs()) == 1 && e.isVotingMember(e.id) {
		e.becomeLeader()
		return
	}
	for _, peer := range e.quorumIDs() {
		if peer == e.id {
			continue
		}
		e.transport.Send(peer, raftpb.Message{
			MsgType:      raftpb.MsgRequestVote,
			Term:         e.term,
			From:         e.id,
			To:           peer,
			LastLogIndex: e.log.LastIndex(),
			LastLogTerm:  e.log.LastTerm(),
		})
	}
}

func (e *Engine) becomeFollower(term, leaderID uint64) {
	e.role = Follower
	e.term = term
	e.vote = 0
	e.leaderID = leaderID
	e.votesReceived = nil
	e.progress = make(map[uint64]*progress.Progress)
	e.resetElectionTimeout()
	e.persistHardState()
}

func (e *Engine) becomeCandidate() {
	e.role = Candidate
	e.term++
	e.vote = e.id
	e.leaderID = 0
	e.votesReceived = map[uint64]bool{e.id: true}
	e.resetElectionTimeout()
	e.persistHardState()
}

func (e *Engine) becomeLeader() {
	assertutil.Assert(e.role != Follower, "becomeLeader from Follower")
	e.role = Leader
	e.leaderID = e.id
	e.heartbeatElapsed = 0
	e.progress = make(map[uint64]*progress.Progress)
	for _, peer := range e.quorumIDs() {
		if peer == e.id {
			continue
		}
		p := progress.New(peer, e.log.LastIndex()+1)
		// Optimistically mark every peer contacted as of right now, so
		// checkLeaderQuorum gives a freshly elected leader a full
		// election timeout before it can conclude a peer it hasn't
		// heard from yet is unreachable.
		p.RecordContact(e.ticks)
		e.progress[peer] = p
	}
	// A no-op barrier entry establishes this leader's authority over
	// the new term before any client command is acknowledged (§4.3:
	// a leader never commits an entry from a prior term by counting
	// replicas alone).
	barrierIndex := e.log.Append(e.term, raftpb.EntryBarrier, nil, nil)
	e.storage.AppendEntries([]raftpb.Entry{{Index: barrierIndex, Term: e.term, Type: raftpb.EntryBarrier}}, nil)
	e.broadcastAppendEntries()
	if len(e.quorumIDs()) == 1 && e.isVotingMember(e.id) {
		e.advanceCommit()
	}
}

// checkLeaderQuorum steps a leader down to follower if it has not been
// contacted by a majority of voters within the last election timeout
// (§4.2: "step down if partitioned"). A single-voter cluster has nothing
// to check against and never steps down this way.
func (e *Engine) checkLeaderQuorum() {
	voting := e.quorumIDs()
	if len(voting) <= 1 {
		return
	}
	active := 0
	for _, id := range voting {
		if id == e.id {
			active++
			continue
		}
		if p, ok := e.progress[id]; ok && e.ticks-p.LastContact() <= e.cfg.ElectionTimeout {
			active++
		}
	}
	if active < e.config.Quorum() {
		e.logger.Warnf("leader heard from only %d/%d voters within the last election timeout, stepping down", active, len(voting))
		e.becomeFollower(e.term, 0)
	}
}

func (e *Engine) persistHardState() {
	if err := e.storage.SaveHardState(raftpb.HardState{Term: e.term, Vote: e.vote}); err != nil {
		e.logger.WithError(err).Error("failed to persist hard state")
	}
}

// HandleMessage dispatches an inbound RPC or RPC reply to the matching
// handler (§6). A message bearing a newer term first forces a step-down;
// requests bearing a stale term are answered with a rejection, and
// replies from another term are ignored. This is the single entry point
// Transport deliveries are routed through.
func (e *Engine) HandleMessage(msg raftpb.Message) {
	if msg.Term > e.term {
		leader := uint64(0)
		if msg.MsgType == raftpb.MsgAppendEntries || msg.MsgType == raftpb.MsgInstallSnapshot {
			leader = msg.From
		}
		e.becomeFollower(msg.Term, leader)
	}

	switch msg.MsgType {
	case raftpb.MsgRequestVote:
		e.handleRequestVote(msg)
	case raftpb.MsgRequestVoteResult:
		e.handleRequestVoteResult(msg)
	case raftpb.MsgAppendEntries:
		e.handleAppendEntries(msg)
	case raftpb.MsgAppendEntriesResult:
		e.handleAppendEntriesResult(msg)
	case raftpb.MsgInstallSnapshot:
		e.handleInstallSnapshot(msg)
	case raftpb.MsgInstallSnapshotResult:
		e.handleInstallSnapshotResult(msg)
	}
}

func (e *Engine) handleRequestVote(msg raftpb.Message) {
	reply := raftpb.Message{
		MsgType: raftpb.MsgRequestVoteResult,
		Term:    e.term,
		From:    e.id,
		To:      msg.From,
	}
	if msg.Term < e.term {
		reply.VoteGranted = false
		e.transport.Send(msg.From, reply)
		return
	}
	canVote := e.vote == 0 || e.vote == msg.From
	upToDate := e.log.IsUpToDate(msg.LastLogIndex, msg.LastLogTerm)
	if canVote && upToDate && e.isVotingMember(msg.From) {
		e.vote = msg.From
		e.persistHardState()
		e.resetElectionTimeout()
		reply.VoteGranted = true
	}
	e.transport.Send(msg.From, reply)
}

func (e *Engine) handleRequestVoteResult(msg raftpb.Message) {
	if e.role != Candidate || msg.Term != e.term {
		return
	}
	e.votesReceived[msg.From] = msg.VoteGranted
	granted, rejected := 0, 0
	for _, v := range e.quorumIDs() {
		switch {
		case e.votesReceived[v]:
			granted++
		case e.votesReceived[v] == false && e.hasVoteRecord(v):
			rejected++
		}
	}
	quorum := e.config.Quorum()
	if granted >= quorum {
		e.becomeLeader()
	} else if rejected >= quorum {
		e.becomeFollower(e.term, 0)
	}
}

func (e *Engine) hasVoteRecord(id uint64) bool {
	_, ok := e.votesReceived[id]
	return ok
}

func (e *Engine) handleAppendEntries(msg raftpb.Message) {
	reply := raftpb.Message{
		MsgType:      raftpb.MsgAppendEntriesResult,
		Term:         e.term,
		From:         e.id,
		To:           msg.From,
		PrevLogIndex: msg.PrevLogIndex,
	}
	if msg.Term < e.term {
		reply.Success = false
		e.transport.Send(msg.From, reply)
		return
	}
	e.leaderID = msg.From
	e.resetElectionTimeout()
	if e.role == Candidate {
		e.role = Follower
	}

	if msg.PrevLogIndex > 0 {
		if msg.PrevLogIndex > e.log.LastIndex() {
			reply.Success = false
			reply.LastLogIndexHint = e.log.LastIndex()
			e.transport.Send(msg.From, reply)
			return
		}
		if e.termAt(msg.PrevLogIndex) != msg.PrevLogTerm {
			reply.Success = false
			reply.LastLogIndexHint = e.firstIndexOfConflictingTerm(msg.PrevLogIndex)
			e.transport.Send(msg.From, reply)
			return
		}
	}

	for _, ent := range msg.Entries {
		if ent.Index <= e.log.LastIndex() {
			if e.log.TermOf(ent.Index) == ent.Term {
				continue
			}
			if e.configIndex >= ent.Index {
				// The configuration entry this cached config came from is
				// about to be discarded; it was never committed (only one
				// change may be in flight at a time), so revert to the
				// last configuration known committed (§3, §4.4 step 5).
				e.config = e.committedConfig.Clone()
				e.configIndex = e.committedConfigIndex
				e.pendingConfChange = false
				e.pendingConfIndex = 0
				e.catchingUpID = 0
				e.reconcileProgressWithConfiguration()
			}
			e.log.Truncate(ent.Index)
			if err := e.storage.TruncateSuffix(ent.Index); err != nil {
				e.logger.WithError(err).Error("failed to truncate suffix")
			}
		}
		idx := e.log.Append(ent.Term, ent.Type, ent.Payload, nil)
		assertutil.Assert(idx == ent.Index, "append produced index %d, want %d", idx, ent.Index)
		if ent.Type == raftpb.EntryConfiguration {
			e.loadConfigurationEntry(ent)
		}
	}
	if len(msg.Entries) > 0 {
		if err := e.storage.SaveHardState(raftpb.HardState{Term: e.term, Vote: e.vote}); err != nil {
			e.logger.WithError(err).Error("failed to persist hard state")
		}
		e.storage.AppendEntries(msg.Entries, nil)
	}

	if msg.LeaderCommit > e.commitIndex {
		newCommit := msg.LeaderCommit
		if last := e.log.LastIndex(); newCommit > last {
			newCommit = last
		}
		e.advanceCommitTo(newCommit)
	}

	reply.Success = true
	reply.LastLogIndexHint = e.log.LastIndex()
	e.transport.Send(msg.From, reply)
}

// termAt returns the term of the entry at index, consulting the log's
// snapshot boundary (§4.4 step 4) when index lands exactly on it: Log.
// TermOf only answers for the live range, but the entry immediately
// before FirstIndex() still has a known term, tracked separately since
// it no longer occupies a ring slot.
func (e *Engine) termAt(index uint64) uint64 {
	if index == e.log.SnapshotIndex() {
		return e.log.SnapshotTerm()
	}
	return e.log.TermOf(index)
}

// firstIndexOfConflictingTerm walks backward from conflictIndex to find
// the first entry of the conflicting term, so the leader can skip its
// NextIndex back past the whole rejected term in one round trip.
func (e *Engine) firstIndexOfConflictingTerm(conflictIndex uint64) uint64 {
	term := e.log.TermOf(conflictIndex)
	if term == 0 {
		return e.log.FirstIndex()
	}
	idx := conflictIndex
	for idx > e.log.FirstIndex() && e.log.TermOf(idx-1) == term {
		idx--
	}
	return idx
}

func (e *Engine) handleAppendEntriesResult(msg raftpb.Message) {
	if e.role != Leader || msg.Term != e.term {
		return
	}
	p, ok := e.progress[msg.From]
	if !ok {
		return
	}
	p.RecordContact(e.ticks)
	advanced := p.OnAppendEntriesResponse(msg.Success, msg.PrevLogIndex, msg.LastLogIndexHint)
	if advanced {
		e.advanceCommit()
		if e.pendingConfChange && msg.From == e.catchingUpID && p.Match >= e.pendingConfIndex {
			e.completeCatchUp()
		}
	}
	if !p.IsPaused() {
		e.sendAppendEntriesTo(msg.From)
	}
}

func (e *Engine) handleInstallSnapshot(msg raftpb.Message) {
	if msg.Term < e.term || msg.Snapshot == nil {
		e.transport.Send(msg.From, raftpb.Message{
			MsgType: raftpb.MsgInstallSnapshotResult, Term: e.term, From: e.id, To: msg.From,
		})
		return
	}
	e.leaderID = msg.From
	e.resetElectionTimeout()

	snap := *msg.Snapshot
	// §4.6 names two no-op conditions, either of which means this
	// snapshot is already subsumed by what's on disk: (1) the local
	// snapshot boundary is already at or past this one, or (2) the local
	// log still holds an entry at the snapshot's index whose term is at
	// least as new, meaning nothing would actually be learned by
	// reinstalling.
	alreadyCovered := snap.Metadata.Index <= e.log.SnapshotIndex()
	if ent, ok := e.log.Get(snap.Metadata.Index); ok && ent.Term >= snap.Metadata.Term {
		alreadyCovered = true
	}
	if alreadyCovered {
		e.transport.Send(msg.From, raftpb.Message{
			MsgType: raftpb.MsgInstallSnapshotResult, Term: e.term, From: e.id, To: msg.From, Success: true,
		})
		return
	}

	if err := e.fsm.Restore(snap.Data); err != nil {
		e.logger.WithError(err).Error("failed to restore snapshot")
		e.transport.Send(msg.From, raftpb.Message{
			MsgType: raftpb.MsgInstallSnapshotResult, Term: e.term, From: e.id, To: msg.From,
		})
		return
	}
	// Truncate unconditionally: any existing log contents are discarded
	// in favor of the snapshot, regardless of overlap (§4.6) -- matching
	// original_source's recv_install_snapshot, which never attempts a
	// partial merge with the existing log.
	e.log = raftlog.NewWithOffset(snap.Metadata.Index, snap.Metadata.Term)
	e.installConfigurationFromSnapshot(snap)
	e.commitIndex = snap.Metadata.Index
	e.lastApplied = snap.Metadata.Index
	if err := e.storage.SaveSnapshot(snap, nil); err != nil {
		e.logger.WithError(err).Error("failed to persist installed snapshot")
	}

	e.transport.Send(msg.From, raftpb.Message{
		MsgType: raftpb.MsgInstallSnapshotResult, Term: e.term, From: e.id, To: msg.From,
		Success: true, LastLogIndexHint: e.log.LastIndex(),
	})
}

func (e *Engine) handleInstallSnapshotResult(msg raftpb.Message) {
	if e.role != Leader || msg.Term != e.term {
		return
	}
	p, ok := e.progress[msg.From]
	if !ok || p.State() != progress.StateSnapshot {
		return
	}
	p.OnInstallSnapshotResponse(msg.Success)
	if !p.IsPaused() {
		e.sendAppendEntriesTo(msg.From)
	}
}

// Unreachable notifies the engine that a send to peer is known to have
// failed, letting a leader fall back from Pipeline to Probe rather than
// waiting out a full round trip (§4.3).
func (e *Engine) Unreachable(peer uint64) {
	if e.role != Leader {
		return
	}
	if p, ok := e.progress[peer]; ok {
		p.OnUnreachable()
	}
}
