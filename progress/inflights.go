package progress

import "github.com/brauner/raft/internal/assertutil"

// inflights is a fixed-size sliding window recording the highest log index
// sent in each outstanding AppendEntries RPC to one follower, in order.
// Grounded on the teacher's core/peer.inFlights.
type inflights struct {
	start  int
	count  int
	buffer []uint64
}

func newInflights(capacity int) inflights {
	return inflights{buffer: make([]uint64, capacity)}
}

func (f *inflights) full() bool { return f.count == len(f.buffer) }

func (f *inflights) mod(i int) int { return i % len(f.buffer) }

// add records that an AppendEntries carrying entries up to lastIndex was
// just sent.
func (f *inflights) add(lastIndex uint64) {
	assertutil.Assert(!f.full(), "inflights: add on full window")
	next := f.mod(f.start + f.count)
	f.buffer[next] = lastIndex
	f.count++
}

// freeTo drops every inflight entry up to and including to, sliding the
// window's start forward.
func (f *inflights) freeTo(to uint64) {
	if f.count == 0 || to < f.buffer[f.start] {
		return
	}
	for i := 0; i < f.count; i++ {
		idx := f.mod(f.start + i)
		if to >= f.buffer[idx] {
			continue
		}
		f.count -= i
		f.start = idx
		return
	}
	f.reset()
}

func (f *inflights) reset() {
	f.count = 0
	f.start = 0
}
