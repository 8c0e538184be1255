package fixture

import (
	"testing"

	raftlib "github.com/brauner/raft"
)

func TestClusterElectsLeader(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)
	if _, ok := c.Leader(); !ok {
		t.Fatalf("no leader elected after 200 ticks")
	}
}

func TestClusterReplicatesProposals(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)

	if _, _, err := c.Propose([]byte("a")); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	c.TickN(100)

	for _, id := range []uint64{1, 2, 3} {
		seq := c.AppliedSequence(id)
		if len(seq) == 0 {
			t.Fatalf("node %d applied nothing", id)
		}
	}
}

func TestClusterSurvivesLeaderCrash(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)

	first, ok := c.Leader()
	if !ok {
		t.Fatalf("no leader elected")
	}
	c.Kill(first)
	c.TickN(300)

	second, ok := c.Leader()
	if !ok {
		t.Fatalf("no new leader elected after crash")
	}
	if second == first {
		t.Fatalf("crashed leader %d still reports itself leader", first)
	}
}

func TestClusterHealsAfterPartition(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)

	leader, ok := c.Leader()
	if !ok {
		t.Fatalf("no leader elected")
	}
	c.Disconnect(leader)
	c.TickN(300)

	newLeader, ok := c.Leader()
	if !ok {
		t.Fatalf("no leader elected after partition")
	}
	if newLeader == leader {
		t.Fatalf("partitioned node %d still reports itself leader", leader)
	}

	c.Reconnect(leader)
	c.TickN(200)
	if _, _, err := c.Propose([]byte("post-heal")); err != nil {
		t.Fatalf("Propose after heal: %v", err)
	}
}

func TestClusterRejoiningNodeCatchesUp(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)

	var follower uint64
	leader, _ := c.Leader()
	for _, id := range []uint64{1, 2, 3} {
		if id != leader {
			follower = id
			break
		}
	}

	c.Disconnect(follower)
	for i := 0; i < 5; i++ {
		if _, _, err := c.Propose([]byte{byte(i)}); err != nil {
			t.Fatalf("Propose %d: %v", i, err)
		}
		c.TickN(20)
	}

	c.Reconnect(follower)
	c.TickN(200)

	leaderSeq := c.AppliedSequence(leader)
	followerSeq := c.AppliedSequence(follower)
	if len(followerSeq) != len(leaderSeq) {
		t.Fatalf("rejoined follower %d applied %d entries, leader applied %d", follower, len(followerSeq), len(leaderSeq))
	}
}

func TestElectPicksRequestedLeader(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	if !c.Elect(1) {
		t.Fatalf("node 1 never won an election")
	}
	leader, ok := c.Leader()
	if !ok || leader != 1 {
		t.Fatalf("Leader() = %d, %v, want 1, true", leader, ok)
	}
}

func TestDeposeForcesLeaderStepDown(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	if !c.Elect(1) {
		t.Fatalf("node 1 never won an election")
	}
	c.Depose(1)

	ok := c.StepUntil(500, func(c *Cluster) bool {
		_, role, _ := c.nodes[1].raft.State()
		return role != raftlib.Leader
	})
	if !ok {
		t.Fatalf("deposed leader 1 never stepped down")
	}
	if !c.Elect(2) {
		t.Fatalf("node 2 never won an election after depose")
	}

	newLeader, ok := c.Leader()
	if !ok {
		t.Fatalf("no leader elected after depose")
	}
	if newLeader == 1 {
		t.Fatalf("deposed node 1 still reports itself leader")
	}
}

func TestGrowNodeCatchesUpAfterAddVoter(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.TickN(200)

	leader, ok := c.Leader()
	if !ok {
		t.Fatalf("no leader elected")
	}
	if _, _, err := c.Propose([]byte("before-growth")); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	c.TickN(50)

	c.Grow(4)
	if err := c.nodes[leader].raft.AddVoter(4, "node-4"); err != nil {
		t.Fatalf("AddVoter(4): %v", err)
	}
	c.Revive(4)
	c.TickN(300)

	leaderSeq := c.AppliedSequence(leader)
	grownSeq := c.AppliedSequence(4)
	if len(grownSeq) != len(leaderSeq) {
		t.Fatalf("grown node 4 applied %d entries, leader applied %d", len(grownSeq), len(leaderSeq))
	}
}

func TestClusterHighLatencyStillConverges(t *testing.T) {
	c := New([]uint64{1, 2, 3})
	c.SetLatency(5)
	c.TickN(400)

	if _, ok := c.Leader(); !ok {
		t.Fatalf("no leader elected under added latency")
	}
}
