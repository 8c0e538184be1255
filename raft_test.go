package raft

import (
	"sync"
	"testing"
)

// counterFSM is a minimal FSM recording a copy of every applied payload,
// just enough to assert commands actually reach Apply in order.
type counterFSM struct {
	mu      sync.Mutex
	applied [][]byte
}

func (f *counterFSM) Apply(index uint64, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	f.applied = append(f.applied, cp)
}

func (f *counterFSM) Snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte{byte(len(f.applied))}, nil
}

func (f *counterFSM) Restore(payload []byte) error { return nil }

func (f *counterFSM) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func threeNodeConfig() Configuration {
	return Configuration{Servers: []Server{
		{ID: 1, Address: "n1", Voting: true},
		{ID: 2, Address: "n2", Voting: true},
		{ID: 3, Address: "n3", Voting: true},
	}}
}

type cluster struct {
	nodes     map[uint64]*Raft
	transport *MemoryTransport
	fsms      map[uint64]*counterFSM
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	transport := NewMemoryTransport()
	c := &cluster{nodes: make(map[uint64]*Raft), transport: transport, fsms: make(map[uint64]*counterFSM)}
	cfgSet := threeNodeConfig()
	for _, s := range cfgSet.Servers {
		fsm := &counterFSM{}
		cfg := DefaultConfig(s.ID)
		cfg.ElectionTimeout = 100
		cfg.HeartbeatTimeout = 10
		r, err := New(cfg, cfgSet, fsm, NewMemoryStorage(), transport)
		if err != nil {
			t.Fatalf("New(%d): %v", s.ID, err)
		}
		c.nodes[s.ID] = r
		c.fsms[s.ID] = fsm
	}
	return c
}

func (c *cluster) tickAll(n int) {
	for i := 0; i < n; i++ {
		for _, r := range c.nodes {
			r.Tick()
		}
	}
}

func (c *cluster) leader() *Raft {
	for _, r := range c.nodes {
		if _, role, _ := r.State(); role == Leader {
			return r
		}
	}
	return nil
}

func TestElectsASingleLeader(t *testing.T) {
	c := newCluster(t)
	c.tickAll(150)

	leaders := 0
	var term uint64
	for _, r := range c.nodes {
		tm, role, _ := r.State()
		if role == Leader {
			leaders++
			term = tm
		}
	}
	if leaders != 1 {
		t.Fatalf("elected %d leaders, want 1", leaders)
	}
	if term == 0 {
		t.Fatalf("leader term = 0")
	}
}

func TestProposeReplicatesAndApplies(t *testing.T) {
	c := newCluster(t)
	c.tickAll(150)

	leader := c.leader()
	if leader == nil {
		t.Fatalf("no leader elected")
	}
	if _, _, err := leader.Propose([]byte("hello")); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	c.tickAll(50)

	for id, fsm := range c.fsms {
		if fsm.appliedCount() == 0 {
			t.Fatalf("node %d applied nothing", id)
		}
	}
}

func TestOnlyLeaderAcceptsProposals(t *testing.T) {
	c := newCluster(t)
	c.tickAll(150)

	for id, r := range c.nodes {
		_, role, _ := r.State()
		if role == Leader {
			continue
		}
		if _, _, err := r.Propose([]byte("x")); err != ErrNotLeader {
			t.Fatalf("node %d (non-leader) Propose err = %v, want ErrNotLeader", id, err)
		}
	}
}

func TestAddVoterCatchesUpAndPromotes(t *testing.T) {
	c := newCluster(t)
	c.tickAll(150)

	leader := c.leader()
	if leader == nil {
		t.Fatalf("no leader elected")
	}

	fsm := &counterFSM{}
	cfg := DefaultConfig(4)
	cfg.ElectionTimeout = 100
	cfg.HeartbeatTimeout = 10
	newNode, err := New(cfg, Configuration{}, fsm, NewMemoryStorage(), c.transport)
	if err != nil {
		t.Fatalf("New(4): %v", err)
	}
	c.nodes[4] = newNode
	c.fsms[4] = fsm

	if err := leader.AddVoter(4, "n4"); err != nil {
		t.Fatalf("AddVoter: %v", err)
	}

	c.tickAll(200)

	cfgAfter := leader.Configuration()
	s, ok := cfgAfter.Get(4)
	if !ok {
		t.Fatalf("server 4 missing from configuration after AddVoter")
	}
	if !s.Voting {
		t.Fatalf("server 4 not promoted to voting after catch-up")
	}
}

func TestBusyRejectsConcurrentConfigChange(t *testing.T) {
	c := newCluster(t)
	c.tickAll(150)
	leader := c.leader()
	if leader == nil {
		t.Fatalf("no leader elected")
	}
	if err := leader.RemoveServer(2); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	if err := leader.AddVoter(4, "n4"); err != ErrBusy {
		t.Fatalf("second config change err = %v, want ErrBusy", err)
	}
}
