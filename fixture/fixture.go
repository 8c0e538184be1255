// Package fixture provides a deterministic, single-process cluster
// simulator for exercising the engine end to end: a virtual clock drives
// every node's Tick in lockstep, a simulated network can delay, drop or
// partition individual nodes, and a set of safety invariants (Log
// Matching, Leader Append-Only, Election Safety, Leader Completeness,
// State Machine Safety) are checked after every step.
//
// Grounded on the teacher's simu/env.Environment and simu/raft
// (single-process harness wiring raft.Application instances together
// over a simulated network), reshaped around benbjohnson/clock's mock
// clock (as used for deterministic time in
// other_examples/influxdata-influxdb__log.go) instead of wall-clock
// tickers, since a simulator needs to run many virtual hours in
// milliseconds of real time and replay identically across runs.
package fixture

import (
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"

	raftlib "github.com/brauner/raft"
	"github.com/brauner/raft/raftpb"
)

// maxElectTicks bounds how long Elect waits for its target to win before
// giving up, generous relative to the fixture's 100-tick election
// timeout (addNode).
const maxElectTicks = 400

// Cluster is a deterministic simulation of a Raft cluster running
// entirely in-process.
type Cluster struct {
	clock *clock.Mock

	nodes   map[uint64]*node
	network *Network

	appliedByNode map[uint64][]appliedEntry

	// termLeader records, for each term observed, the single node that
	// became leader in it -- violated by a second leader in the same
	// term (Election Safety).
	termLeader map[uint64]uint64

	// committedLedger records the first payload ever observed applied at
	// each index, across every node, for Leader Completeness: a node that
	// becomes leader must already hold whatever was previously committed
	// at every index it still covers.
	committedLedger map[uint64]appliedEntry

	// leaderLog tracks, per node currently serving as leader, the
	// entries it has shown us so far during its current term, for
	// Leader Append-Only: none of them may ever change underneath us.
	leaderLog map[uint64]*leaderRecord

	// deposed marks nodes Depose put under a reply blackhole, so Tick
	// can lift it once the node notices and steps down.
	deposed map[uint64]bool
}

type appliedEntry struct {
	index   uint64
	payload []byte
}

type leaderRecord struct {
	term    uint64
	entries map[uint64]raftpb.Entry
}

type node struct {
	id      uint64
	raft    *raftlib.Raft
	fsm     *trackingFSM
	storage *raftlib.MemoryStorage
	alive   bool
}

// New builds a Cluster of len(ids) nodes, all initially voting members
// of one configuration, all alive and fully connected.
func New(ids []uint64) *Cluster {
	c := &Cluster{
		clock:           clock.NewMock(),
		nodes:           make(map[uint64]*node),
		appliedByNode:   make(map[uint64][]appliedEntry),
		termLeader:      make(map[uint64]uint64),
		committedLedger: make(map[uint64]appliedEntry),
		leaderLog:       make(map[uint64]*leaderRecord),
		deposed:         make(map[uint64]bool),
	}
	c.network = newNetwork(c.clock, ids)

	var servers []raftlib.Server
	for _, id := range ids {
		servers = append(servers, raftlib.Server{ID: id, Address: fmt.Sprintf("node-%d", id), Voting: true})
	}
	initial := raftlib.Configuration{Servers: servers}

	for _, id := range ids {
		c.addNode(id, initial)
	}
	return c
}

func (c *Cluster) addNode(id uint64, initial raftlib.Configuration) {
	cfg := raftlib.DefaultConfig(id)
	cfg.ElectionTimeout = 100
	cfg.HeartbeatTimeout = 10
	cfg.SnapshotThreshold = 50

	fsm := &trackingFSM{}
	storage := raftlib.NewMemoryStorage()
	transport := &linkTransport{id: id, network: c.network}

	r, err := raftlib.New(cfg, initial, fsm, storage, transport)
	if err != nil {
		panic(err)
	}
	c.network.register(id, r.Step)
	c.nodes[id] = &node{id: id, raft: r, fsm: fsm, storage: storage, alive: true}
}

// Tick advances every live node's logical clock by one unit and drains
// one round of the simulated network, then checks every invariant.
func (c *Cluster) Tick() {
	c.clock.Add(1)
	for _, n := range c.nodes {
		if n.alive {
			n.raft.Tick()
		}
	}
	c.network.deliverDue(c.clock.Now())
	c.recordApplied()
	c.clearResolvedDepose()
	c.checkInvariants()
}

// TickN calls Tick n times.
func (c *Cluster) TickN(n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

func (c *Cluster) recordApplied() {
	for id, n := range c.nodes {
		applied := n.fsm.drain()
		if len(applied) == 0 {
			continue
		}
		c.appliedByNode[id] = append(c.appliedByNode[id], applied...)
		for _, e := range applied {
			if _, ok := c.committedLedger[e.index]; !ok {
				c.committedLedger[e.index] = e
			}
		}
	}
}

// clearResolvedDepose lifts a Depose once its target is no longer
// leader (or is gone), since the point of the reply blackhole was only
// to force that step-down.
func (c *Cluster) clearResolvedDepose() {
	for id := range c.deposed {
		n, ok := c.nodes[id]
		if ok && n.alive {
			if _, role, _ := n.raft.State(); role == raftlib.Leader {
				continue
			}
		}
		delete(c.deposed, id)
		c.network.clearBlackhole(id)
	}
}

// Propose submits a command through whichever node currently believes
// itself leader. Returns an error if none does.
func (c *Cluster) Propose(payload []byte) (index, term uint64, err error) {
	for _, n := range c.nodes {
		if !n.alive {
			continue
		}
		if _, role, _ := n.raft.State(); role != raftlib.Leader {
			continue
		}
		return n.raft.Propose(payload)
	}
	return 0, 0, raftlib.ErrNotLeader
}

// Leader returns the ID of a node that currently believes itself leader,
// and whether one was found.
func (c *Cluster) Leader() (uint64, bool) {
	for id, n := range c.nodes {
		if !n.alive {
			continue
		}
		if _, role, _ := n.raft.State(); role == raftlib.Leader {
			return id, true
		}
	}
	return 0, false
}

// Kill marks a node dead: it stops ticking and stops receiving messages,
// modeling a crashed process (§4.8).
func (c *Cluster) Kill(id uint64) {
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	n.alive = false
	c.network.disconnect(id)
}

// Revive brings a previously killed node back, reconnecting it to the
// network with whatever it had persisted to storage.
func (c *Cluster) Revive(id uint64) {
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	r, err := raftlib.Restart(raftlib.DefaultConfig(id), raftlib.Configuration{}, n.fsm, n.storage, &linkTransport{id: id, network: c.network})
	if err != nil {
		panic(err)
	}
	n.raft = r
	n.alive = true
	c.network.register(id, r.Step)
	c.network.reconnect(id)
}

// Disconnect cuts id off from the rest of the cluster without killing
// its process, modeling a network partition.
func (c *Cluster) Disconnect(id uint64) { c.network.disconnect(id) }

// Reconnect heals a previously disconnected node's network links.
func (c *Cluster) Reconnect(id uint64) { c.network.reconnect(id) }

// SetLatency sets the one-way delivery delay, in ticks, between every
// pair of currently connected nodes.
func (c *Cluster) SetLatency(ticks uint64) { c.network.setLatency(ticks) }

// Elect advances only id's clock until it wins an election, simulating
// "arrange election timeouts so i wins" (§4.8): every other node is
// left untouched so its own timer never competes, but it still answers
// whatever RequestVote/AppendEntries arrives via the network as usual.
// Returns false if id never won within maxElectTicks.
func (c *Cluster) Elect(id uint64) bool {
	n, ok := c.nodes[id]
	if !ok || !n.alive {
		return false
	}
	for i := 0; i < maxElectTicks; i++ {
		c.clock.Add(1)
		n.raft.Tick()
		c.network.deliverDue(c.clock.Now())
		c.recordApplied()
		c.clearResolvedDepose()
		c.checkInvariants()
		if _, role, _ := n.raft.State(); role == raftlib.Leader {
			return true
		}
	}
	return false
}

// Depose drops reply messages (vote/append/snapshot results) addressed
// to id, without touching its outbound requests or its link to anyone
// else, until id notices it has lost contact with a majority of voters
// and steps itself down through checkLeaderQuorum (§4.2, §4.8: depose).
// Unlike Disconnect, id keeps sending; it just never hears back.
func (c *Cluster) Depose(id uint64) {
	c.network.blackholeReplies(id)
	c.deposed[id] = true
}

// Grow adds id to the simulation as a new, not-yet-started node: it has
// durable storage that SetTerm/SetSnapshot/SetEntries can seed, but
// takes no part in the cluster -- no Tick, no messages -- until Revive
// starts it from whatever has been seeded (§4.8: grow).
func (c *Cluster) Grow(id uint64) {
	if _, exists := c.nodes[id]; exists {
		return
	}
	c.nodes[id] = &node{id: id, fsm: &trackingFSM{}, storage: raftlib.NewMemoryStorage(), alive: false}
}

// SetTerm seeds a not-yet-started node's persisted hard state (§4.8:
// set_term), for fixtures that begin mid-term rather than from scratch.
func (c *Cluster) SetTerm(id uint64, term, vote uint64) {
	if n, ok := c.nodes[id]; ok {
		n.storage.SaveHardState(raftpb.HardState{Term: term, Vote: vote})
	}
}

// SetSnapshot seeds a not-yet-started node's persisted snapshot (§4.8:
// set_snapshot), for fixtures that begin mid-way through an install.
func (c *Cluster) SetSnapshot(id uint64, snap raftpb.Snapshot) {
	if n, ok := c.nodes[id]; ok {
		n.storage.SaveSnapshot(snap, nil)
	}
}

// SetEntries seeds a not-yet-started node's persisted log tail -- the
// entries following whatever snapshot it has -- before it starts
// (§4.8: set_entries).
func (c *Cluster) SetEntries(id uint64, entries []raftpb.Entry) {
	if n, ok := c.nodes[id]; ok {
		n.storage.AppendEntries(entries, nil)
	}
}

// StepUntil ticks the cluster until cond reports true or maxTicks is
// reached, returning the final result of cond. Grounds the family of
// step_until_<cond> convergence helpers named in §4.8 (e.g.
// "step_until_leader_elected") in one reusable primitive instead of one
// method per condition.
func (c *Cluster) StepUntil(maxTicks int, cond func(*Cluster) bool) bool {
	for i := 0; i < maxTicks && !cond(c); i++ {
		c.Tick()
	}
	return cond(c)
}

// AppliedSequence returns the ordered payloads node id has applied so
// far, for comparing across nodes in State Machine Safety checks.
func (c *Cluster) AppliedSequence(id uint64) [][]byte {
	entries := c.appliedByNode[id]
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.payload
	}
	return out
}

// checkInvariants panics (failing whichever test is driving the
// cluster) if any of the five safety properties no longer hold.
func (c *Cluster) checkInvariants() {
	c.checkElectionSafety()
	c.checkStateMachineSafety()
	c.checkLogMatching()
	c.checkLeaderAppendOnly()
	c.checkLeaderCompleteness()
}

// checkElectionSafety verifies at most one leader is elected per term
// (§8, Election Safety).
func (c *Cluster) checkElectionSafety() {
	for id, n := range c.nodes {
		if !n.alive {
			continue
		}
		term, role, _ := n.raft.State()
		if role != raftlib.Leader {
			continue
		}
		if prior, ok := c.termLeader[term]; ok && prior != id {
			panic(fmt.Sprintf("election safety violated: both %d and %d claim leadership in term %d", prior, id, term))
		}
		c.termLeader[term] = id
	}
}

// checkStateMachineSafety compares the applied sequences of nodes that
// are adjacent in ID order, position by position, and panics if the two
// entries at one position carry the same index but different payloads
// (§8, State Machine Safety). Positions whose indices differ are skipped,
// and nodes that are not adjacent in ID order are not compared directly.
func (c *Cluster) checkStateMachineSafety() {
	var ids []uint64
	for id := range c.appliedByNode {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 0; i+1 < len(ids); i++ {
		a, b := c.appliedByNode[ids[i]], c.appliedByNode[ids[i+1]]
		n := len(a)
		if len(b) < n {
			n = len(b)
		}
		for k := 0; k < n; k++ {
			if a[k].index != b[k].index {
				continue
			}
			if string(a[k].payload) != string(b[k].payload) {
				panic(fmt.Sprintf("state machine safety violated: node %d and %d disagree on payload at index %d",
					ids[i], ids[i+1], a[k].index))
			}
		}
	}
}

// checkLogMatching verifies that, for every pair of alive nodes, any
// index both logs still hold with the same term also holds the same
// entry (§8, Log Matching).
func (c *Cluster) checkLogMatching() {
	var ids []uint64
	for id, n := range c.nodes {
		if n.alive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for k := 0; k < len(ids)*len(ids); k++ {
		i, j := k/len(ids), k%len(ids)
		if i >= j {
			continue
		}
		a, b := c.nodes[ids[i]], c.nodes[ids[j]]
		aFirst, aLast := a.raft.LogBounds()
		bFirst, bLast := b.raft.LogBounds()
		from := aFirst
		if bFirst > from {
			from = bFirst
		}
		to := aLast
		if bLast < to {
			to = bLast
		}
		if from > to {
			continue
		}
		aEntries := a.raft.Entries(from)
		bEntries := b.raft.Entries(from)
		n := len(aEntries)
		if len(bEntries) < n {
			n = len(bEntries)
		}
		for k := 0; k < n; k++ {
			ae, be := aEntries[k], bEntries[k]
			if ae.Index != be.Index || ae.Index > to {
				break
			}
			if ae.Term != be.Term {
				continue
			}
			if ae.Type != be.Type || string(ae.Payload) != string(be.Payload) {
				panic(fmt.Sprintf("log matching violated: node %d and %d both have term %d at index %d but different entries",
					ids[i], ids[j], ae.Term, ae.Index))
			}
		}
	}
}

// checkLeaderAppendOnly verifies that no node serving as leader ever
// changes an entry it has previously shown us during the same term --
// it may only append (§8, Leader Append-Only; §4.8's "verify against
// the previous leader-log snapshot").
func (c *Cluster) checkLeaderAppendOnly() {
	for id, n := range c.nodes {
		if !n.alive {
			delete(c.leaderLog, id)
			continue
		}
		term, role, _ := n.raft.State()
		if role != raftlib.Leader {
			delete(c.leaderLog, id)
			continue
		}
		first, _ := n.raft.LogBounds()
		cur := n.raft.Entries(first)

		rec, ok := c.leaderLog[id]
		if !ok || rec.term != term {
			rec = &leaderRecord{term: term, entries: make(map[uint64]raftpb.Entry)}
			c.leaderLog[id] = rec
		} else {
			for _, e := range cur {
				prev, seen := rec.entries[e.Index]
				if !seen {
					continue
				}
				if prev.Term != e.Term || prev.Type != e.Type || string(prev.Payload) != string(e.Payload) {
					panic(fmt.Sprintf("leader append-only violated: node %d (term %d) changed entry at index %d",
						id, term, e.Index))
				}
			}
		}
		for _, e := range cur {
			rec.entries[e.Index] = e
		}
	}
}

// checkLeaderCompleteness verifies that any node currently serving as
// leader still holds, unchanged, every entry previously observed
// committed at an index its log has not since shifted past via a
// snapshot (§8, Leader Completeness).
func (c *Cluster) checkLeaderCompleteness() {
	for id, n := range c.nodes {
		if !n.alive {
			continue
		}
		_, role, _ := n.raft.State()
		if role != raftlib.Leader {
			continue
		}
		first, _ := n.raft.LogBounds()
		byIndex := make(map[uint64]raftpb.Entry)
		for _, e := range n.raft.Entries(first) {
			byIndex[e.Index] = e
		}
		for index, committed := range c.committedLedger {
			if index < first {
				continue
			}
			e, ok := byIndex[index]
			if !ok {
				panic(fmt.Sprintf("leader completeness violated: node %d is leader but missing previously committed index %d", id, index))
			}
			if string(e.Payload) != string(committed.payload) {
				panic(fmt.Sprintf("leader completeness violated: node %d is leader but disagrees with the previously committed entry at index %d",
					id, index))
			}
		}
	}
}

// trackingFSM is the fixture's FSM: it records every applied entry so
// the cluster can compare sequences across nodes, and snapshots by
// serializing its applied list's length (the simulator only needs
// snapshotting to exercise InstallSnapshot, not to model a real
// application's state).
type trackingFSM struct {
	applied []appliedEntry
	pending []appliedEntry
}

func (f *trackingFSM) Apply(index uint64, payload []byte) {
	cp := append([]byte(nil), payload...)
	e := appliedEntry{index: index, payload: cp}
	f.applied = append(f.applied, e)
	f.pending = append(f.pending, e)
}

func (f *trackingFSM) drain() []appliedEntry {
	out := f.pending
	f.pending = nil
	return out
}

func (f *trackingFSM) Snapshot() ([]byte, error) {
	buf := make([]byte, 8)
	n := len(f.applied)
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	return buf, nil
}

func (f *trackingFSM) Restore(payload []byte) error {
	return nil
}
