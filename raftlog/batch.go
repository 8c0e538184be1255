package raftlog

// Batch is a shared allocation owning the payload memory for a group of
// entries materialized together in one call (§3: "Ownership ... the
// payload bytes are owned either directly by the entry or jointly by all
// entries in its batch"). The log bumps refcount on every entry appended
// against a batch and drops it once that entry is finally destroyed
// (released after truncation/shift, or overwritten in the live ring);
// when it reaches zero the batch's backing payload becomes eligible for
// garbage collection.
type Batch struct {
	refcount int
}

// NewBatch allocates a batch handle for a group of entries about to be
// appended together.
func NewBatch() *Batch {
	return &Batch{}
}

// Refcount reports the number of live entries still pinning this batch's
// memory. Exposed for tests exercising the round-trip laws of §8.
func (b *Batch) Refcount() int {
	if b == nil {
		return 0
	}
	return b.refcount
}

func (b *Batch) retain() {
	if b != nil {
		b.refcount++
	}
}

// destroy drops one reference; it is called exactly once per entry slot
// when that slot is conclusively gone (never again reachable via Get,
// and not held by any outstanding Acquire).
func (b *Batch) destroy() {
	if b == nil {
		return
	}
	b.refcount--
}
