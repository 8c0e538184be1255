// Package raftlog implements the ring-buffered, reference-counted log
// described in spec.md §3/§4.1. It is a from-scratch rewrite (the teacher
// repo's core/holder package uses a plain growing slice with a dummy
// first entry) grounded on the ring-buffer-with-refcounts design of
// CanonicalLtd's raft C library (original_source/src/log.c): capacity
// grows 2 -> 6 -> 14 -> 30 (next = 2*size + 2), entries are relaid out in
// index order on growth, and a side table tracks reference counts per
// (index, term) so borrowers (in-flight replication sends, FSM apply)
// can outlive a truncate/shift of the live range.
package raftlog

import (
	"github.com/brauner/raft/internal/assertutil"
	"github.com/brauner/raft/raftpb"
)

// Log is NOT safe for concurrent use; per §5 the owning engine is the
// sole mutator and serializes all access itself.
type Log struct {
	// entries and batches are parallel ring buffers of capacity `size`;
	// slot i of both describes the same logical entry.
	entries []raftpb.Entry
	batches []*Batch

	size  int // capacity, 0 or a member of 2, 6, 14, 30, ...
	front int // ring slot of the first live entry
	count int // number of live entries

	offset uint64 // base index; k-th live entry has Raft index offset+k+1
	// snapshotTerm is the term of the entry at index offset: either the
	// term of the last entry shifted out by Shift, or the term of the
	// snapshot a fresh log was initialized from (NewWithOffset/SetOffset).
	// TermOf cannot answer for index offset itself (it is off the live
	// range by definition), so AppendEntries handlers compare against
	// this directly when prevIndex lands exactly on the snapshot boundary
	// (§4.4 step 4).
	snapshotTerm uint64

	refs *refsTable
	// detached holds entries removed from the live range (by Truncate or
	// Shift) while still referenced by an outstanding Acquire. They are
	// reachable only through Release, never through Get.
	detached map[detachedKey]detachedEntry
}

type detachedKey struct {
	index uint64
	term  uint64
}

type detachedEntry struct {
	entry raftpb.Entry
	batch *Batch
}

// New returns an empty log whose first live index would be 1 (offset 0).
func New() *Log {
	return NewWithOffset(0, 0)
}

// NewWithOffset returns an empty log whose first live index will be
// offset+1 and whose snapshot boundary term is term, for use after
// installing a snapshot (§4.6, SetOffset).
func NewWithOffset(offset, term uint64) *Log {
	return &Log{
		offset:       offset,
		snapshotTerm: term,
		refs:         newRefsTable(),
		detached:     make(map[detachedKey]detachedEntry),
	}
}

// FirstIndex returns offset+1: the index the next live entry would need
// to have, regardless of whether the log currently holds any entries.
func (l *Log) FirstIndex() uint64 { return l.offset + 1 }

// LastIndex returns the index of the last live entry, or offset if the
// log holds no live entries (I1).
func (l *Log) LastIndex() uint64 { return l.offset + uint64(l.count) }

// NEntries returns the number of live entries.
func (l *Log) NEntries() int { return l.count }

// LastTerm returns TermOf(LastIndex()), 0 for an empty log, or
// SnapshotTerm() if the log is empty but was initialized from a snapshot.
func (l *Log) LastTerm() uint64 {
	if l.count == 0 {
		return l.snapshotTerm
	}
	return l.TermOf(l.LastIndex())
}

// SnapshotIndex returns the index of the entry immediately before
// FirstIndex(): the boundary a snapshot was taken or installed at, or 0
// if the log has never been shifted or initialized with an offset.
func (l *Log) SnapshotIndex() uint64 { return l.offset }

// SnapshotTerm returns the term of the entry at SnapshotIndex(), tracked
// across Shift/SetOffset/NewWithOffset since that entry itself is no
// longer part of the live range TermOf can answer for.
func (l *Log) SnapshotTerm() uint64 { return l.snapshotTerm }

// TermOf returns the term of the entry at index, or 0 if index is below
// FirstIndex() or above LastIndex().
func (l *Log) TermOf(index uint64) uint64 {
	if index < l.FirstIndex() || index > l.LastIndex() {
		return 0
	}
	return l.entries[l.slotOf(index)].Term
}

// Get returns the entry at index and whether it is present in the live
// range.
func (l *Log) Get(index uint64) (raftpb.Entry, bool) {
	if index < l.FirstIndex() || index > l.LastIndex() {
		return raftpb.Entry{}, false
	}
	return l.entries[l.slotOf(index)], true
}

func (l *Log) slotOf(index uint64) int {
	return (l.front + int(index-l.offset-1)) % l.size
}

// Append places a new entry at LastIndex()+1. batch may be nil for a
// singly-owned payload.
func (l *Log) Append(term uint64, typ raftpb.EntryType, payload []byte, batch *Batch) uint64 {
	l.growIfFull()
	index := l.LastIndex() + 1
	slot := (l.front + l.count) % l.size
	l.entries[slot] = raftpb.Entry{Index: index, Term: term, Type: typ, Payload: payload}
	l.batches[slot] = batch
	batch.retain()
	l.count++
	return index
}

// AppendConfiguration appends a pre-serialized configuration as an
// EntryConfiguration entry; callers in the root package own the
// Configuration <-> []byte mapping so this package stays data-agnostic.
func (l *Log) AppendConfiguration(term uint64, serialized []byte) uint64 {
	return l.Append(term, raftpb.EntryConfiguration, serialized, nil)
}

func (l *Log) growIfFull() {
	if l.count < l.size {
		return
	}
	newSize := 2
	if l.size > 0 {
		newSize = 2*l.size + 2
	}
	newEntries := make([]raftpb.Entry, newSize)
	newBatches := make([]*Batch, newSize)
	for i := 0; i < l.count; i++ {
		src := (l.front + i) % max(l.size, 1)
		newEntries[i] = l.entries[src]
		newBatches[i] = l.batches[src]
	}
	l.entries, l.batches = newEntries, newBatches
	l.size = newSize
	l.front = 0
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Acquire returns a contiguous slice of entries starting at fromIndex,
// bumping their refcount. When the live range does not wrap the ring,
// the returned slice aliases the ring's backing array (a true view, so
// payload pointers are preserved); when it wraps, the entries are copied
// into a freshly allocated contiguous slice. Returns (nil, 0) if
// fromIndex > LastIndex() or fromIndex <= offset.
func (l *Log) Acquire(fromIndex uint64) ([]raftpb.Entry, int) {
	if l.count == 0 || fromIndex > l.LastIndex() || fromIndex <= l.offset {
		return nil, 0
	}
	n := int(l.LastIndex() - fromIndex + 1)
	startSlot := l.slotOf(fromIndex)

	var view []raftpb.Entry
	if startSlot+n <= l.size {
		view = l.entries[startSlot : startSlot+n]
	} else {
		view = make([]raftpb.Entry, n)
		for i := 0; i < n; i++ {
			view[i] = l.entries[(startSlot+i)%l.size]
		}
	}
	for i := 0; i < n; i++ {
		l.refs.acquire(view[i].Index, view[i].Term)
	}
	return view, n
}

// Release decrements the refcount for each entry in slice (as previously
// returned by Acquire), reclaiming any entry whose refcount has reached
// zero and that is no longer present in the live range.
func (l *Log) Release(slice []raftpb.Entry) {
	for i := range slice {
		index, term := slice[i].Index, slice[i].Term
		if l.refs.release(index, term) > 0 {
			continue
		}
		key := detachedKey{index, term}
		if d, ok := l.detached[key]; ok {
			d.batch.destroy()
			delete(l.detached, key)
		}
	}
}

// Truncate discards entries at and after fromIndex. Entries still
// outstanding via Acquire are moved to the detached set and remain valid
// until Released; they become unreachable through Get immediately.
func (l *Log) Truncate(fromIndex uint64) {
	if fromIndex > l.LastIndex() {
		return
	}
	if fromIndex < l.FirstIndex() {
		fromIndex = l.FirstIndex()
	}
	removeFrom := int(fromIndex - l.offset - 1)
	for i := l.count - 1; i >= removeFrom; i-- {
		slot := (l.front + i) % l.size
		l.evictSlot(slot)
	}
	l.count = removeFrom
}

// Shift discards entries at or below upToIndex and advances offset to
// upToIndex, as done after taking a snapshot (§4.3) or installing one
// (§4.6).
func (l *Log) Shift(upToIndex uint64) {
	if upToIndex <= l.offset {
		return
	}
	n := int(upToIndex - l.offset)
	if n > l.count {
		n = l.count
	}
	if n > 0 {
		l.snapshotTerm = l.entries[(l.front+n-1)%max(l.size, 1)].Term
	}
	for i := 0; i < n; i++ {
		slot := (l.front + i) % max(l.size, 1)
		l.evictSlot(slot)
	}
	l.front = (l.front + n) % max(l.size, 1)
	l.count -= n
	l.offset = upToIndex
}

// SetOffset installs the starting index and boundary term after loading a
// snapshot into an empty log (§4.1). Requires the log to currently hold
// no live entries.
func (l *Log) SetOffset(value, term uint64) {
	assertutil.Assert(l.count == 0, "SetOffset requires an empty log")
	l.offset = value
	l.snapshotTerm = term
}

// evictSlot removes the live entry at slot from the ring, detaching it
// if it is still held by an outstanding Acquire.
func (l *Log) evictSlot(slot int) {
	e := l.entries[slot]
	b := l.batches[slot]
	if l.refs.get(e.Index, e.Term) > 0 {
		// The slot may still be aliased by an Acquire view, so its entry
		// is left in place until a later Append overwrites it.
		l.detached[detachedKey{e.Index, e.Term}] = detachedEntry{entry: e, batch: b}
	} else {
		b.destroy()
		l.entries[slot] = raftpb.Entry{}
	}
	l.batches[slot] = nil
}

// IsUpToDate reports whether a candidate whose log ends at
// (lastLogIndex, lastLogTerm) is at least as up-to-date as this log,
// per the comparison rule of §4.5.
func (l *Log) IsUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := l.LastTerm()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= l.LastIndex()
}
