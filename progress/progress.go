// Package progress tracks, from the leader's perspective, how much of the
// log each follower has accepted and what replication strategy to use with
// it next. Grounded on the teacher's core/peer package (Node, inFlights,
// nodeState), renamed and reshaped to the vocabulary of the replication
// algorithm this repository implements: Probe, Pipeline and Snapshot.
package progress

import (
	log "github.com/sirupsen/logrus"

	"github.com/brauner/raft/internal/assertutil"
)

// State is the replication strategy currently used for one follower.
type State int

const (
	// StateProbe sends at most one AppendEntries per round and waits for
	// the reply before sending another, used while the leader does not
	// yet know how far the follower's log matches its own.
	StateProbe State = iota
	// StatePipeline optimistically advances NextIndex after every send
	// without waiting for a reply, bounded by a sliding window of
	// outstanding sends.
	StatePipeline
	// StateSnapshot means a snapshot install is outstanding; no log
	// entries are sent until it completes.
	StateSnapshot
)

func (s State) String() string {
	switch s {
	case StateProbe:
		return "Probe"
	case StatePipeline:
		return "Pipeline"
	case StateSnapshot:
		return "Snapshot"
	default:
		return "Unknown"
	}
}

const invalidIndex = 0

const defaultInflightWindow = 10

// Progress is the leader's view of one follower's replication state (§4.3).
type Progress struct {
	peerID uint64

	// Match is the highest log index known to be present (and matching)
	// on the follower.
	Match uint64
	// Next is the index of the next entry to send it.
	Next uint64

	state State

	// paused suppresses sending another probe until the outstanding one
	// is answered.
	paused bool

	// pendingSnapshotIndex is the snapshot index being installed, while
	// state == StateSnapshot.
	pendingSnapshotIndex uint64

	ins inflights

	// lastContact is advanced whenever the follower is heard from and is
	// used by the leader to detect an unresponsive follower (§4.3).
	lastContact uint64
}

// New returns a Progress for a follower starting in StateProbe with the
// given initial Next index.
func New(peerID, next uint64) *Progress {
	return &Progress{
		peerID: peerID,
		Match:  invalidIndex,
		Next:   next,
		state:  StateProbe,
		ins:    newInflights(defaultInflightWindow),
	}
}

// State returns the follower's current replication state.
func (p *Progress) State() State { return p.state }

// IsPaused reports whether the leader should hold off sending another
// AppendEntries to this follower right now.
func (p *Progress) IsPaused() bool {
	switch p.state {
	case StateProbe:
		return p.paused
	case StatePipeline:
		return p.ins.full()
	case StateSnapshot:
		return true
	default:
		panic("unreachable")
	}
}

// LastContact returns the tick value at which this follower was last
// confirmed reachable.
func (p *Progress) LastContact() uint64 { return p.lastContact }

// RecordContact marks the follower reachable as of the given tick.
func (p *Progress) RecordContact(tick uint64) { p.lastContact = tick }

// ResetToProbe resets the follower into StateProbe with a fresh Next
// index, used when a new leader is elected (§4.2: NextIndex initialized
// to leader's LastIndex+1 for every peer).
func (p *Progress) ResetToProbe(next uint64) {
	p.Match = invalidIndex
	p.Next = next
	p.becomeProbe()
}

func (p *Progress) becomeProbe() {
	p.paused = false
	p.state = StateProbe
}

func (p *Progress) becomePipeline() {
	p.ins.reset()
	p.state = StatePipeline
}

// BeginSnapshot transitions the follower into StateSnapshot, recording
// which snapshot index is being sent.
func (p *Progress) BeginSnapshot(index uint64) {
	log.Debugf("peer %d: %v -> Snapshot (index %d)", p.peerID, p.state, index)
	p.pendingSnapshotIndex = index
	p.state = StateSnapshot
}

// OnSendEntries records that entries up to lastIndex (if any) were just
// sent, optimistically advancing Next while in StatePipeline. In
// StateProbe it marks the follower paused until its reply arrives.
func (p *Progress) OnSendEntries(lastIndex uint64, nEntries int) {
	switch p.state {
	case StateProbe:
		p.paused = true
	case StatePipeline:
		if nEntries > 0 {
			p.Next = lastIndex + 1
			p.ins.add(lastIndex)
		}
	default:
		log.Panicf("peer %d: sending entries in state %v", p.peerID, p.state)
	}
}

// OnAppendEntriesResponse applies an AppendEntriesResult. index is the
// PrevLogIndex the request referenced (the rejection key); hintIndex is
// the follower's LastLogIndexHint (its own LastIndex, or on a term
// mismatch the first index of its conflicting term), used to
// fast-forward NextIndex on a rejection or to set Match directly on
// success. Returns whether the
// leader's view of this follower materially advanced (and so more
// entries should be offered immediately).
func (p *Progress) OnAppendEntriesResponse(success bool, index, hintIndex uint64) bool {
	switch p.state {
	case StatePipeline:
		if !success {
			p.Next = p.Match + 1
			p.becomeProbe()
			return false
		}
		if p.Match < index {
			p.ins.freeTo(hintIndex)
			p.Match = hintIndex
			if p.Next <= p.Match {
				p.Next = p.Match + 1
			}
			return true
		}
		return false
	case StateProbe:
		if success {
			if index < p.Match {
				return false // stale reply
			}
			p.Match = hintIndex
			p.Next = p.Match + 1
			p.becomePipeline()
			return true
		}
		// A rejection only tells us something new if it answers the
		// probe we most recently sent (keyed by Next-1).
		if p.Next == 0 || p.Next-1 != index {
			return false
		}
		if hintIndex+1 < index {
			p.Next = hintIndex + 1
		} else {
			p.Next = index
		}
		if p.Next < 1 {
			p.Next = 1
		}
		p.resume()
		return false
	default:
		return false
	}
}

// OnInstallSnapshotResponse applies an InstallSnapshotResult for the
// snapshot started by the matching BeginSnapshot call.
func (p *Progress) OnInstallSnapshotResponse(success bool) {
	assertutil.Assert(p.state == StateSnapshot, "InstallSnapshot response while state=%v", p.state)
	if success {
		p.Match = p.pendingSnapshotIndex
		p.Next = p.pendingSnapshotIndex + 1
		p.becomeProbe()
		return
	}
	p.becomeProbe()
	p.Next = p.pendingSnapshotIndex
}

// OnUnreachable reacts to a transport-reported send failure for this
// follower.
func (p *Progress) OnUnreachable() {
	switch p.state {
	case StatePipeline:
		p.Next = p.Match + 1
		p.becomeProbe()
	case StateProbe:
		p.resume()
	case StateSnapshot:
		p.becomeProbe()
		p.Next = p.pendingSnapshotIndex
	}
}

func (p *Progress) resume() { p.paused = false }
