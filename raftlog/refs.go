package raftlog

import "github.com/brauner/raft/internal/assertutil"

// refsTable is an open-addressed hash table keyed by (index, term) holding
// a reference count per entry, as described in §3/§4.1 of the spec. It is
// grounded on the ring-buffer/refcount design of CanonicalLtd's raft C
// library (original_source/src/log.c): linear probing, an initial size of
// 256 and a resize once the load factor crosses 75%.
type refsState int

const (
	refsEmpty refsState = iota
	refsOccupied
	refsTombstone
)

type refsBucket struct {
	state refsState
	index uint64
	term  uint64
	count int
}

type refsTable struct {
	buckets    []refsBucket
	used       int // occupied, excludes tombstones
	tombstones int
}

const refsInitialSize = 256
const refsMaxLoadFactor = 0.75

func newRefsTable() *refsTable {
	return &refsTable{buckets: make([]refsBucket, refsInitialSize)}
}

func refsHash(index, term uint64) uint64 {
	// multiplicative hash (Fibonacci constant), mixed with term so that an
	// index re-used at a different term (post-truncate) does not probe the
	// same initial bucket.
	return index*11400714819323198485 + term*2654435761
}

// findOccupied looks for an existing (index, term) entry.
func (t *refsTable) findOccupied(index, term uint64) (slot int, found bool) {
	n := uint64(len(t.buckets))
	start := refsHash(index, term) % n
	for i := uint64(0); i < n; i++ {
		s := int((start + i) % n)
		b := &t.buckets[s]
		switch b.state {
		case refsEmpty:
			return -1, false
		case refsOccupied:
			if b.index == index && b.term == term {
				return s, true
			}
		case refsTombstone:
			// keep probing
		}
	}
	return -1, false
}

// findSlotForInsert returns the slot to use for inserting (index, term):
// an existing occupied slot for that key if present, otherwise the first
// empty-or-tombstone slot encountered on the probe sequence.
func (t *refsTable) findSlotForInsert(index, term uint64) (slot int, found bool) {
	n := uint64(len(t.buckets))
	start := refsHash(index, term) % n
	firstFree := -1
	for i := uint64(0); i < n; i++ {
		s := int((start + i) % n)
		b := &t.buckets[s]
		switch b.state {
		case refsEmpty:
			if firstFree == -1 {
				firstFree = s
			}
			return firstFree, false
		case refsTombstone:
			if firstFree == -1 {
				firstFree = s
			}
		case refsOccupied:
			if b.index == index && b.term == term {
				return s, true
			}
		}
	}
	assertutil.Assert(firstFree != -1, "refs table probe exhausted without free slot")
	return firstFree, false
}

func (t *refsTable) maybeGrow() {
	if float64(t.used+t.tombstones+1) <= float64(len(t.buckets))*refsMaxLoadFactor {
		return
	}
	old := t.buckets
	t.buckets = make([]refsBucket, len(old)*2)
	t.used, t.tombstones = 0, 0
	for _, b := range old {
		if b.state == refsOccupied {
			slot, found := t.findSlotForInsert(b.index, b.term)
			assertutil.Assert(!found, "refs table rehash found duplicate key")
			t.buckets[slot] = b
			t.used++
		}
	}
}

// acquire increments the refcount for (index, term), creating the entry
// if absent, and returns the new count.
func (t *refsTable) acquire(index, term uint64) int {
	t.maybeGrow()
	slot, found := t.findSlotForInsert(index, term)
	if !found {
		if t.buckets[slot].state == refsTombstone {
			t.tombstones--
		}
		t.buckets[slot] = refsBucket{state: refsOccupied, index: index, term: term, count: 0}
		t.used++
	}
	t.buckets[slot].count++
	return t.buckets[slot].count
}

// release decrements the refcount for (index, term) and returns the new
// count. It is a no-op returning 0 if the key is not present.
func (t *refsTable) release(index, term uint64) int {
	slot, found := t.findOccupied(index, term)
	if !found {
		return 0
	}
	assertutil.Assert(t.buckets[slot].count > 0, "release of entry with zero refcount")
	t.buckets[slot].count--
	c := t.buckets[slot].count
	if c == 0 {
		t.buckets[slot] = refsBucket{state: refsTombstone}
		t.used--
		t.tombstones++
	}
	return c
}

// get returns the current refcount for (index, term), 0 if absent.
func (t *refsTable) get(index, term uint64) int {
	slot, found := t.findOccupied(index, term)
	if !found {
		return 0
	}
	return t.buckets[slot].count
}

func (t *refsTable) size() int { return t.used }
