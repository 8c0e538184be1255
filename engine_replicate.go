package raft

import (
	"github.com/brauner/raft/progress"
	"github.com/brauner/raft/raftpb"
)

// broadcastAppendEntries sends an AppendEntries (heartbeat or carrying
// entries, depending on each follower's progress) to every other voting
// and non-voting member currently known, including one mid-catch-up.
func (e *Engine) broadcastAppendEntries() {
	for id := range e.progress {
		if id == e.id {
			continue
		}
		e.sendAppendEntriesTo(id)
	}
}

// sendAppendEntriesTo sends this follower whatever its progress state
// calls for next: a snapshot if it has fallen behind the log's
// FirstIndex, or up to MaxAppendEntriesSize log entries starting at its
// NextIndex (§4.3).
func (e *Engine) sendAppendEntriesTo(peer uint64) {
	p, ok := e.progress[peer]
	if !ok || p.IsPaused() {
		return
	}

	if p.Next < e.log.FirstIndex() {
		e.sendInstallSnapshot(peer, p)
		return
	}

	prevIndex := p.Next - 1
	prevTerm := e.termAt(prevIndex)

	var entries []raftpb.Entry
	if p.Next <= e.log.LastIndex() {
		view, n := e.log.Acquire(p.Next)
		limit := n
		if uint64(limit) > e.cfg.MaxAppendEntriesSize {
			limit = int(e.cfg.MaxAppendEntriesSize)
		}
		entries = append(entries, view[:limit]...)
		e.log.Release(view)
	}

	msg := raftpb.Message{
		MsgType:      raftpb.MsgAppendEntries,
		Term:         e.term,
		From:         e.id,
		To:           peer,
		LeaderID:     e.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: e.commitIndex,
	}
	lastSent := prevIndex
	if len(entries) > 0 {
		lastSent = entries[len(entries)-1].Index
	}
	p.OnSendEntries(lastSent, len(entries))
	e.transport.Send(peer, msg)
}

func (e *Engine) sendInstallSnapshot(peer uint64, p *progress.Progress) {
	_, snap, _, err := e.storage.LoadState()
	if err != nil || snap.Metadata.Index == 0 {
		// nothing to send; Next is left as it is, so replication to this
		// follower stalls until a snapshot exists.
		return
	}
	p.BeginSnapshot(snap.Metadata.Index)
	e.transport.Send(peer, raftpb.Message{
		MsgType:  raftpb.MsgInstallSnapshot,
		Term:     e.term,
		From:     e.id,
		To:       peer,
		Snapshot: &snap,
	})
}

// advanceCommit recomputes commitIndex from the progress of every voting
// member and, if it changed, applies newly committed entries (§4.3:
// a leader commits index N once a majority of voting members have
// Match >= N and the entry at N was proposed in the leader's own term).
func (e *Engine) advanceCommit() {
	voting := e.quorumIDs()
	if len(voting) == 0 {
		return
	}
	matches := make([]uint64, 0, len(voting))
	for _, id := range voting {
		if id == e.id {
			matches = append(matches, e.log.LastIndex())
			continue
		}
		if p, ok := e.progress[id]; ok {
			matches = append(matches, p.Match)
		} else {
			matches = append(matches, 0)
		}
	}
	sortUint64Desc(matches)
	quorumMatch := matches[e.config.Quorum()-1]
	if quorumMatch > e.commitIndex && e.log.TermOf(quorumMatch) == e.term {
		e.advanceCommitTo(quorumMatch)
	}
}

func (e *Engine) advanceCommitTo(index uint64) {
	if index <= e.commitIndex {
		return
	}
	e.commitIndex = index
	e.applyCommitted()
	if e.role == Leader {
		e.broadcastAppendEntries()
	}
}

func (e *Engine) applyCommitted() {
	for e.lastApplied < e.commitIndex {
		next := e.lastApplied + 1
		ent, ok := e.log.Get(next)
		if !ok {
			break
		}
		switch ent.Type {
		case raftpb.EntryCommand:
			e.fsm.Apply(ent.Index, ent.Payload)
		case raftpb.EntryConfiguration:
			// The configuration was already installed into e.config when
			// it was appended (loadConfigurationEntry/proposeConfiguration);
			// committing it just means it can no longer be rolled back, and
			// a leader that committed its own removal must step down
			// (§4.3, §4.7).
			e.committedConfig = e.config.Clone()
			e.committedConfigIndex = ent.Index
			if e.role == Leader && !e.isVotingMember(e.id) {
				e.becomeFollower(e.term, 0)
			}
		}
		e.lastApplied = next
		e.entriesSinceSnapshot++
	}
	e.maybeSnapshot()
}

func sortUint64Desc(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
