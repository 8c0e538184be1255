package raft

import (
	"github.com/brauner/raft/internal/wire"
	"github.com/brauner/raft/progress"
	"github.com/brauner/raft/raftpb"
)

// Propose appends a command entry to the leader's log and returns its
// (index, term). It does not wait for the entry to commit; the caller
// observes commitment through FSM.Apply (§4.3). Returns ErrNotLeader if
// this node is not currently leader.
func (e *Engine) Propose(payload []byte) (index, term uint64, err error) {
	if e.role != Leader {
		return 0, 0, ErrNotLeader
	}
	term = e.term
	index = e.log.Append(term, raftpb.EntryCommand, payload, nil)
	e.storage.AppendEntries([]raftpb.Entry{{Index: index, Term: term, Type: raftpb.EntryCommand, Payload: payload}}, nil)
	if len(e.quorumIDs()) == 1 && e.isVotingMember(e.id) {
		e.advanceCommit()
	} else {
		e.broadcastAppendEntries()
	}
	return index, term, nil
}

// AddVoter proposes adding id as a non-voting server first, starts its
// catch-up, and promotes it to voting once caught up (§4.7: one
// membership change in flight at a time, and a joining server is only
// given a vote once its log is close enough to not stall the cluster).
func (e *Engine) AddVoter(id uint64, address string) error {
	if e.role != Leader {
		return ErrNotLeader
	}
	if e.hasUncommittedConfigChange() {
		return ErrBusy
	}
	newConfig, err := e.config.AddServer(id, address, false)
	if err != nil {
		return err
	}
	return e.proposeConfiguration(newConfig, id)
}

// RemoveServer proposes removing id from the configuration (§4.7).
func (e *Engine) RemoveServer(id uint64) error {
	if e.role != Leader {
		return ErrNotLeader
	}
	if e.hasUncommittedConfigChange() {
		return ErrBusy
	}
	newConfig, err := e.config.RemoveServer(id)
	if err != nil {
		return err
	}
	return e.proposeConfiguration(newConfig, 0)
}

// hasUncommittedConfigChange reports whether the most recent
// configuration entry has not yet committed, the condition under which
// a new configuration change must be rejected (§4.7).
func (e *Engine) hasUncommittedConfigChange() bool {
	return e.configIndex > e.commitIndex
}

func (e *Engine) proposeConfiguration(newConfig Configuration, catchingUp uint64) error {
	payload := wire.MustMarshal(configResettable{&newConfig})
	index := e.log.AppendConfiguration(e.term, payload)
	e.storage.AppendEntries([]raftpb.Entry{{Index: index, Term: e.term, Type: raftpb.EntryConfiguration, Payload: payload}}, nil)

	e.config = newConfig
	e.configIndex = index
	e.reconcileProgressWithConfiguration()

	if catchingUp != 0 {
		e.pendingConfChange = true
		e.pendingConfIndex = index
		e.catchingUpID = catchingUp
		e.catchUpRound = 0
		e.catchUpRoundTicks = 0
	}

	e.broadcastAppendEntries()
	if len(e.quorumIDs()) <= 1 {
		e.advanceCommit()
	}
	return nil
}

// reconcileProgressWithConfiguration adds a Progress entry for any newly
// added server and drops any for a removed one, preserving the state of
// servers common to both configurations.
func (e *Engine) reconcileProgressWithConfiguration() {
	for _, s := range e.config.Servers {
		if s.ID == e.id {
			continue
		}
		if _, ok := e.progress[s.ID]; !ok {
			e.progress[s.ID] = progress.New(s.ID, e.log.LastIndex()+1)
		}
	}
	for id := range e.progress {
		if _, ok := e.config.Get(id); !ok {
			delete(e.progress, id)
		}
	}
}

// completeCatchUp promotes the catching-up server to a voting member
// once its Match has reached the log index the configuration change
// itself was proposed at, i.e. it has replicated everything the leader
// had when the change began.
func (e *Engine) completeCatchUp() {
	promoted, err := e.config.Promote(e.catchingUpID)
	if err != nil {
		e.logger.WithError(err).Warn("failed to promote caught-up server")
		return
	}
	payload := wire.MustMarshal(configResettable{&promoted})
	index := e.log.AppendConfiguration(e.term, payload)
	e.storage.AppendEntries([]raftpb.Entry{{Index: index, Term: e.term, Type: raftpb.EntryConfiguration, Payload: payload}}, nil)
	e.config = promoted
	e.configIndex = index
	e.pendingConfChange = false
	e.catchingUpID = 0
	e.broadcastAppendEntries()
}

// tickCatchUp is called once per Tick while a catch-up is outstanding,
// failing it if the joining server has gone unresponsive for too long
// or exceeded its allotted catch-up rounds (§4.7).
func (e *Engine) tickCatchUp() {
	if !e.pendingConfChange || e.role != Leader {
		return
	}
	if p, ok := e.progress[e.catchingUpID]; ok && e.ticks-p.LastContact() > unresponsiveThreshold {
		e.logger.Warnf("server %d unresponsive for over %d ticks, abandoning catch-up",
			e.catchingUpID, unresponsiveThreshold)
		e.pendingConfChange = false
		e.catchingUpID = 0
		return
	}
	e.catchUpRoundTicks++
	if e.catchUpRoundTicks < e.cfg.MaxCatchUpRoundDuration {
		return
	}
	e.catchUpRoundTicks = 0
	e.catchUpRound++
	if e.catchUpRound >= e.cfg.MaxCatchUpRounds {
		e.logger.Warnf("catch-up for server %d exceeded %d rounds, abandoning",
			e.catchingUpID, e.cfg.MaxCatchUpRounds)
		e.pendingConfChange = false
		e.catchingUpID = 0
	}
}

// maybeSnapshot asks the FSM to snapshot once enough entries have been
// applied since the last one (§4.4), then shifts the log and tells
// storage to retain only SnapshotTrailing entries beyond it.
func (e *Engine) maybeSnapshot() {
	if e.snapshotting || e.entriesSinceSnapshot < e.cfg.SnapshotThreshold {
		return
	}
	e.snapshotting = true
	defer func() { e.snapshotting = false }()

	data, err := e.fsm.Snapshot()
	if err != nil {
		e.logger.WithError(err).Error("fsm snapshot failed")
		return
	}
	confPayload := wire.MustMarshal(configResettable{&e.config})
	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			Index:              e.lastApplied,
			Term:               e.log.TermOf(e.lastApplied),
			ConfigurationIndex: e.configIndex,
			Configuration:      confPayload,
		},
		Data: data,
	}

	trailingFrom := e.lastApplied
	if e.cfg.SnapshotTrailing < trailingFrom {
		trailingFrom -= e.cfg.SnapshotTrailing
	} else {
		trailingFrom = e.log.FirstIndex() - 1
	}
	var trailing []raftpb.Entry
	if trailingFrom < e.log.LastIndex() {
		view, n := e.log.Acquire(trailingFrom + 1)
		trailing = append(trailing, view[:n]...)
		e.log.Release(view)
	}
	if err := e.storage.SaveSnapshot(snap, trailing); err != nil {
		e.logger.WithError(err).Error("failed to persist snapshot")
		return
	}
	e.log.Shift(trailingFrom)
	e.entriesSinceSnapshot = 0
}
