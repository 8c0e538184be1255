package raftfile

import (
	"os"
	"testing"

	"github.com/brauner/raft/raftpb"
)

func readAll(path string) ([]byte, error)     { return os.ReadFile(path) }
func writeAll(path string, data []byte) error { return os.WriteFile(path, data, 0o644) }

func TestHardStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveHardState(raftpb.HardState{Term: 4, Vote: 2}); err != nil {
		t.Fatalf("SaveHardState: %v", err)
	}
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	hs, _, _, err := reopened.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if hs.Term != 4 || hs.Vote != 2 {
		t.Fatalf("LoadState HardState = %+v, want {4 2}", hs)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	entries := []raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryCommand, Payload: []byte("a")},
		{Index: 2, Term: 1, Type: raftpb.EntryCommand, Payload: []byte("b")},
		{Index: 3, Term: 2, Type: raftpb.EntryCommand, Payload: []byte("c")},
	}
	done := make(chan error, 1)
	s.AppendEntries(entries, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	_, _, loaded, err := reopened.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("LoadState entries = %d, want 3", len(loaded))
	}
	for i, e := range loaded {
		if e.Index != entries[i].Index || e.Term != entries[i].Term || string(e.Payload) != string(entries[i].Payload) {
			t.Fatalf("entry %d = %+v, want %+v", i, e, entries[i])
		}
	}
}

func TestTruncateSuffixDropsNewerEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.AppendEntries([]raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryCommand},
		{Index: 2, Term: 1, Type: raftpb.EntryCommand},
		{Index: 3, Term: 1, Type: raftpb.EntryCommand},
	}, nil)
	if err := s.TruncateSuffix(2); err != nil {
		t.Fatalf("TruncateSuffix: %v", err)
	}

	_, _, loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Index != 1 {
		t.Fatalf("LoadState after truncate = %+v, want only index 1", loaded)
	}
}

func TestSnapshotReplacesLogPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 5, Term: 2},
		Data:     []byte("state"),
	}
	trailing := []raftpb.Entry{{Index: 6, Term: 2, Type: raftpb.EntryCommand}}
	if err := s.SaveSnapshot(snap, trailing); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	_, loadedSnap, loadedEntries, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loadedSnap.Metadata.Index != 5 || string(loadedSnap.Data) != "state" {
		t.Fatalf("LoadState snapshot = %+v, want index 5 data \"state\"", loadedSnap)
	}
	if len(loadedEntries) != 1 || loadedEntries[0].Index != 6 {
		t.Fatalf("LoadState trailing entries = %+v, want only index 6", loadedEntries)
	}
}

func TestCorruptRecordIsDetected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.AppendEntries([]raftpb.Entry{{Index: 1, Term: 1, Type: raftpb.EntryCommand, Payload: []byte("x")}}, nil)
	s.Close()

	// Flip a byte inside the file's payload region, past the length
	// prefix, to simulate on-disk corruption.
	path := dir + "/raft.log"
	data, err := readAll(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(data) < 16 {
		t.Fatalf("file too short to corrupt: %d bytes", len(data))
	}
	// Flip a byte a few positions past the 4-byte length prefix, inside
	// the encoded record rather than any trailing zero padding.
	data[8] ^= 0xff
	if err := writeAll(path, data); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}

	if _, err := Open(dir); err == nil {
		t.Fatalf("Open succeeded on corrupted log, want checksum error")
	}
}
