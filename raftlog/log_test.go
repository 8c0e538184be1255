package raftlog

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/brauner/raft/raftpb"
)

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		l.Append(1, raftpb.EntryCommand, []byte{byte(i)}, nil)
	}
}

func TestEmptyLog(t *testing.T) {
	l := New()
	if l.FirstIndex() != 1 {
		t.Fatalf("FirstIndex = %d, want 1", l.FirstIndex())
	}
	if l.LastIndex() != 0 {
		t.Fatalf("LastIndex = %d, want 0", l.LastIndex())
	}
	if l.NEntries() != 0 {
		t.Fatalf("NEntries = %d, want 0", l.NEntries())
	}
	if l.LastTerm() != 0 {
		t.Fatalf("LastTerm = %d, want 0", l.LastTerm())
	}
	if _, ok := l.Get(1); ok {
		t.Fatalf("Get(1) on empty log: found")
	}
}

func TestAppendGetRoundTrip(t *testing.T) {
	l := New()
	idx := l.Append(3, raftpb.EntryCommand, []byte("hello"), nil)
	if idx != 1 {
		t.Fatalf("first append index = %d, want 1", idx)
	}
	e, ok := l.Get(1)
	if !ok {
		t.Fatalf("Get(1): not found")
	}
	if e.Term != 3 || string(e.Payload) != "hello" {
		t.Fatalf("Get(1) = %+v, want term 3 payload hello", e)
	}
	if l.LastIndex() != 1 || l.LastTerm() != 3 {
		t.Fatalf("LastIndex/LastTerm = %d/%d, want 1/3", l.LastIndex(), l.LastTerm())
	}
}

func TestAcquirePayloadAliasesNonWrapped(t *testing.T) {
	l := New()
	appendN(t, l, 4)
	view, n := l.Acquire(2)
	if n != 3 {
		t.Fatalf("Acquire(2) n = %d, want 3", n)
	}
	got, _ := l.Get(2)
	if &view[0].Payload[0] != &got.Payload[0] {
		t.Fatalf("Acquire view does not alias live entry payload for non-wrapped range")
	}
	l.Release(view[:n])
}

func TestAcquireReleaseRoundTripLeavesRefsEmpty(t *testing.T) {
	l := New()
	appendN(t, l, 10)
	view, n := l.Acquire(3)
	if l.refs.size() == 0 {
		t.Fatalf("expected refs table to be non-empty after Acquire")
	}
	l.Release(view[:n])
	if l.refs.size() != 0 {
		t.Fatalf("refs table size = %d after matched Acquire/Release, want 0", l.refs.size())
	}
}

func TestTruncateAfterAppendReturnsToPriorSize(t *testing.T) {
	l := New()
	appendN(t, l, 5)
	before := l.NEntries()
	l.Append(1, raftpb.EntryCommand, []byte{9}, nil)
	l.Truncate(6)
	if l.NEntries() != before {
		t.Fatalf("NEntries after truncate-back = %d, want %d", l.NEntries(), before)
	}
	if l.LastIndex() != 5 {
		t.Fatalf("LastIndex after truncate-back = %d, want 5", l.LastIndex())
	}
}

func TestAppendAfterTruncateDifferentTerm(t *testing.T) {
	l := New()
	appendN(t, l, 5)
	l.Truncate(4)
	idx := l.Append(2, raftpb.EntryCommand, []byte{42}, nil)
	if idx != 4 {
		t.Fatalf("re-append index = %d, want 4", idx)
	}
	e, _ := l.Get(4)
	if e.Term != 2 {
		t.Fatalf("re-appended entry term = %d, want 2", e.Term)
	}
}

func TestShiftAdvancesFirstIndexKeepsLastIndex(t *testing.T) {
	l := New()
	appendN(t, l, 8)
	last := l.LastIndex()
	l.Shift(5)
	if l.FirstIndex() != 6 {
		t.Fatalf("FirstIndex after Shift(5) = %d, want 6", l.FirstIndex())
	}
	if l.LastIndex() != last {
		t.Fatalf("LastIndex after Shift changed: got %d, want %d", l.LastIndex(), last)
	}
	if _, ok := l.Get(5); ok {
		t.Fatalf("Get(5) after Shift(5): still present")
	}
	if _, ok := l.Get(6); !ok {
		t.Fatalf("Get(6) after Shift(5): missing")
	}
	if l.SnapshotTerm() != 1 {
		t.Fatalf("SnapshotTerm after Shift(5) = %d, want 1", l.SnapshotTerm())
	}
}

func TestSetOffsetOnEmptyLog(t *testing.T) {
	l := New()
	l.SetOffset(100, 7)
	if l.FirstIndex() != 101 {
		t.Fatalf("FirstIndex after SetOffset(100) = %d, want 101", l.FirstIndex())
	}
	if l.SnapshotIndex() != 100 {
		t.Fatalf("SnapshotIndex after SetOffset(100, 7) = %d, want 100", l.SnapshotIndex())
	}
	if l.SnapshotTerm() != 7 {
		t.Fatalf("SnapshotTerm after SetOffset(100, 7) = %d, want 7", l.SnapshotTerm())
	}
	idx := l.Append(1, raftpb.EntryCommand, nil, nil)
	if idx != 101 {
		t.Fatalf("append index after SetOffset = %d, want 101", idx)
	}
}

func TestWrappedAcquireCopiesButMatchesContent(t *testing.T) {
	l := New()
	// Grow past a few capacity boundaries and then shift so that the live
	// range wraps around the end of the backing array.
	appendN(t, l, 12)
	l.Shift(10)
	appendN(t, l, 4)

	view, n := l.Acquire(l.FirstIndex())
	if n != l.NEntries() {
		t.Fatalf("Acquire(FirstIndex) n = %d, want %d", n, l.NEntries())
	}
	for i := 0; i < n; i++ {
		want, ok := l.Get(l.FirstIndex() + uint64(i))
		if !ok {
			t.Fatalf("Get(%d): missing", l.FirstIndex()+uint64(i))
		}
		if diff := deep.Equal(view[i], want); diff != nil {
			t.Fatalf("Acquire entry %d mismatch: %v", i, diff)
		}
	}
	l.Release(view[:n])
}

func TestGrowthCadence(t *testing.T) {
	l := New()
	wantSizes := []int{2, 2, 6, 6, 6, 6, 14}
	for i, want := range wantSizes {
		l.Append(1, raftpb.EntryCommand, nil, nil)
		if l.size != want {
			t.Fatalf("after %d appends size = %d, want %d", i+1, l.size, want)
		}
	}
}

func TestReleaseAfterTruncateFreesDetachedEntry(t *testing.T) {
	l := New()
	appendN(t, l, 3)
	view, n := l.Acquire(1)
	l.Truncate(1)
	if _, ok := l.Get(1); ok {
		t.Fatalf("Get(1) after Truncate(1): still present")
	}
	if len(l.detached) == 0 {
		t.Fatalf("expected truncated-but-acquired entries to be detached")
	}
	l.Release(view[:n])
	if len(l.detached) != 0 {
		t.Fatalf("detached set not drained after Release, has %d entries", len(l.detached))
	}
}

func TestIsUpToDate(t *testing.T) {
	l := New()
	appendN(t, l, 3) // term 1, indices 1-3
	cases := []struct {
		lastIndex, lastTerm uint64
		want                bool
	}{
		{3, 1, true},
		{2, 1, false},
		{3, 2, true},
		{0, 0, false},
	}
	for _, c := range cases {
		if got := l.IsUpToDate(c.lastIndex, c.lastTerm); got != c.want {
			t.Fatalf("IsUpToDate(%d,%d) = %v, want %v", c.lastIndex, c.lastTerm, got, c.want)
		}
	}
}
