package fixture

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/brauner/raft/raftpb"
)

// Network is a simulated, fully-connected transport among a fixed set of
// node IDs: every Send is queued with a delivery deadline derived from
// the current per-link latency, and a disconnected node's outbound and
// inbound messages are simply dropped rather than delayed indefinitely,
// matching how a real partition behaves from each side's perspective.
// Grounded on the teacher's simu/raft (network.Handler-backed Send) and
// the virtual-time delivery queue idiom of
// other_examples/influxdata-influxdb__log.go.
type Network struct {
	clock    *clock.Mock
	handlers map[uint64]func(raftpb.Message)
	up       map[uint64]bool
	latency  uint64 // ticks

	// blackholed drops reply messages (vote/append/snapshot results)
	// addressed to a node while leaving requests flowing, for Depose
	// (§4.8): a leader that keeps sending AppendEntries but never hears
	// back looks, from its own perspective, just like a leader cut off
	// from a majority, without the full-partition side effects of
	// disconnect/reconnect.
	blackholed map[uint64]bool

	pending []pendingMessage
}

type pendingMessage struct {
	to       uint64
	msg      raftpb.Message
	deadline time.Time
}

func newNetwork(mockClock *clock.Mock, ids []uint64) *Network {
	n := &Network{
		clock:    mockClock,
		handlers: make(map[uint64]func(raftpb.Message)),
		up:       make(map[uint64]bool),
		latency:  1,
	}
	for _, id := range ids {
		n.up[id] = true
	}
	return n
}

func (n *Network) register(id uint64, handle func(raftpb.Message)) {
	n.handlers[id] = handle
	if _, ok := n.up[id]; !ok {
		n.up[id] = true
	}
}

func (n *Network) setLatency(ticks uint64) { n.latency = ticks }

func (n *Network) disconnect(id uint64) { n.up[id] = false }

func (n *Network) reconnect(id uint64) { n.up[id] = true }

func (n *Network) blackholeReplies(id uint64) {
	if n.blackholed == nil {
		n.blackholed = make(map[uint64]bool)
	}
	n.blackholed[id] = true
}

func (n *Network) clearBlackhole(id uint64) { delete(n.blackholed, id) }

func isReplyMessage(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgRequestVoteResult, raftpb.MsgAppendEntriesResult, raftpb.MsgInstallSnapshotResult:
		return true
	default:
		return false
	}
}

// linkTransport is the raft.Transport a single node is given; it queues
// onto the shared Network rather than delivering synchronously, so
// message delivery respects the network's configured latency.
type linkTransport struct {
	id      uint64
	network *Network
}

func (t *linkTransport) Send(to uint64, msg raftpb.Message) {
	t.network.send(to, msg)
}

func (n *Network) send(to uint64, msg raftpb.Message) {
	if !n.up[msg.From] || !n.up[to] {
		return
	}
	if n.blackholed[to] && isReplyMessage(msg.MsgType) {
		return
	}
	deadline := n.clock.Now().Add(time.Duration(n.latency))
	n.pending = append(n.pending, pendingMessage{to: to, msg: msg, deadline: deadline})
}

// deliverDue hands every message whose deadline has passed to its
// destination's registered handler, in the order they were sent.
func (n *Network) deliverDue(now time.Time) {
	due := n.pending
	n.pending = nil
	var remaining []pendingMessage
	for _, p := range due {
		if p.deadline.After(now) {
			remaining = append(remaining, p)
			continue
		}
		if !n.up[p.msg.From] || !n.up[p.to] {
			continue
		}
		if h, ok := n.handlers[p.to]; ok {
			h(p.msg)
		}
	}
	// Messages the handlers sent during this round were queued onto
	// n.pending; keep them after the ones still waiting from before.
	n.pending = append(remaining, n.pending...)
}
