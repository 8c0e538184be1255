package raft

import (
	"encoding/gob"
	"fmt"
)

// Server describes one member of the cluster. Grounded on the teacher's
// proto.ConfState (a pair of ID lists) and original_source/src/configuration.c
// (struct raft_server{id, address, role}), merged here into one type
// carrying a voting flag rather than a tri-state role, since this
// implementation does not carry over the original's non-voting/stand-by
// distinction (§ Non-goals).
type Server struct {
	ID      uint64
	Address string
	// Voting is false for a server still catching up (§4.7): it receives
	// log entries but does not count toward quorum or vote in elections.
	Voting bool
}

// Configuration is the ordered set of servers comprising the cluster at
// one point in the log. It is stored as the payload of an
// EntryConfiguration log entry (§4.7) and gob-encoded for that purpose.
type Configuration struct {
	Servers []Server
}

func init() {
	gob.Register(Configuration{})
}

// Clone returns a deep copy, so callers may freely mutate the result.
func (c Configuration) Clone() Configuration {
	out := Configuration{Servers: make([]Server, len(c.Servers))}
	copy(out.Servers, c.Servers)
	return out
}

// Get returns the server with the given ID, if present.
func (c Configuration) Get(id uint64) (Server, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// VotingIDs returns the IDs of every voting member, used to compute
// quorum and election majorities (§4.2, §4.3).
func (c Configuration) VotingIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Servers))
	for _, s := range c.Servers {
		if s.Voting {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Quorum returns the number of voting servers required for a majority.
func (c Configuration) Quorum() int {
	return len(c.VotingIDs())/2 + 1
}

// AddServer returns a copy of c with a new server appended.
func (c Configuration) AddServer(id uint64, address string, voting bool) (Configuration, error) {
	if _, ok := c.Get(id); ok {
		return c, fmt.Errorf("%w: server %d already present", ErrBadConfiguration, id)
	}
	out := c.Clone()
	out.Servers = append(out.Servers, Server{ID: id, Address: address, Voting: voting})
	return out, nil
}

// RemoveServer returns a copy of c with the server matching id removed.
func (c Configuration) RemoveServer(id uint64) (Configuration, error) {
	if _, ok := c.Get(id); !ok {
		return c, fmt.Errorf("%w: server %d not present", ErrBadConfiguration, id)
	}
	out := Configuration{Servers: make([]Server, 0, len(c.Servers)-1)}
	for _, s := range c.Servers {
		if s.ID != id {
			out.Servers = append(out.Servers, s)
		}
	}
	return out, nil
}

// Promote returns a copy of c with the given server's Voting flag set,
// used once a catching-up server's log has matched the leader (§4.7).
func (c Configuration) Promote(id uint64) (Configuration, error) {
	if _, ok := c.Get(id); !ok {
		return c, fmt.Errorf("%w: server %d not present", ErrBadConfiguration, id)
	}
	out := c.Clone()
	for i := range out.Servers {
		if out.Servers[i].ID == id {
			out.Servers[i].Voting = true
		}
	}
	return out, nil
}
