// Package raftfile is a durable, file-backed raft.Storage, adapted from
// the teacher's raft/wal package: a single append-only log of
// length-prefixed, CRC-checked gob records. Segment rotation across
// multiple files (wal.go's fileRotation/SegmentSizeBytes) is dropped in
// favor of one file that only grows: a snapshot is appended as one more
// record, and replay discards the entries recorded before it. The file
// itself is never compacted.
package raftfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	raftlib "github.com/brauner/raft"
	"github.com/brauner/raft/internal/wire"
	"github.com/brauner/raft/raftpb"
)

const frameAlignment = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type recordType int32

const (
	recordHardState recordType = iota
	recordEntry
	recordSnapshot
)

// record is the on-disk envelope around one piece of durable state.
// Grounded on the teacher's wal/proto.Record.
type record struct {
	Type recordType
	CRC  uint32
	Data []byte
}

func (r *record) Reset() { *r = record{} }

// FileStorage is a raft.Storage that appends every write to one file on
// disk and replays it in full on LoadState. It is meant for the
// fixture's durability tests and for small deployments; a production
// user wanting segment rotation and compaction-in-place would extend
// it the way the teacher's wal package rotates segments.
type FileStorage struct {
	mu   sync.Mutex
	file *os.File

	hs       raftpb.HardState
	snapshot raftpb.Snapshot
	entries  []raftpb.Entry
}

// Open creates or reopens a FileStorage rooted at dir, replaying any
// existing records to rebuild its in-memory view before returning.
func Open(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "raft.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s := &FileStorage{file: f}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStorage) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch rec.Type {
		case recordHardState:
			wire.MustUnmarshal(&s.hs, rec.Data)
		case recordEntry:
			var e raftpb.Entry
			wire.MustUnmarshal(&e, rec.Data)
			s.appendReplayed(e)
		case recordSnapshot:
			wire.MustUnmarshal(&s.snapshot, rec.Data)
			s.entries = nil
		}
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (s *FileStorage) appendReplayed(e raftpb.Entry) {
	trimmed := s.entries[:0]
	for _, existing := range s.entries {
		if existing.Index < e.Index {
			trimmed = append(trimmed, existing)
		}
	}
	s.entries = append(trimmed, e)
}

func (s *FileStorage) SaveHardState(hs raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(recordHardState, wire.MustMarshal(&hs)); err != nil {
		return err
	}
	s.hs = hs
	return s.file.Sync()
}

func (s *FileStorage) AppendEntries(entries []raftpb.Entry, done func(error)) {
	s.mu.Lock()
	var err error
	for i := range entries {
		ent := entries[i]
		if err = s.writeRecord(recordEntry, wire.MustMarshal(&ent)); err != nil {
			break
		}
		s.entries = append(s.entries, ent)
	}
	if err == nil {
		err = s.file.Sync()
	}
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (s *FileStorage) TruncateSuffix(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Index < fromIndex {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	// The truncation is recorded implicitly: a subsequent AppendEntries
	// call for the same index will be replayed last and win, since
	// appendReplayed keeps only the newest record per index.
	return nil
}

func (s *FileStorage) SaveSnapshot(snap raftpb.Snapshot, trailing []raftpb.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(recordSnapshot, wire.MustMarshal(&snap)); err != nil {
		return err
	}
	s.snapshot = snap
	s.entries = append([]raftpb.Entry(nil), trailing...)
	for _, e := range trailing {
		if err := s.writeRecord(recordEntry, wire.MustMarshal(&e)); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

func (s *FileStorage) LoadState() (raftpb.HardState, raftpb.Snapshot, []raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]raftpb.Entry(nil), s.entries...)
	return s.hs, s.snapshot, entries, nil
}

// Close releases the underlying file handle.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *FileStorage) writeRecord(t recordType, data []byte) error {
	rec := record{Type: t, CRC: crc32.Checksum(data, crcTable), Data: data}
	encoded := wire.MustMarshal(&rec)
	length := int32(len(encoded))
	padded := ceilToFrame(length)
	if err := binary.Write(s.file, binary.LittleEndian, length); err != nil {
		return err
	}
	if _, err := s.file.Write(encoded); err != nil {
		return err
	}
	if padded > length {
		if _, err := s.file.Write(make([]byte, padded-length)); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r *bufio.Reader) (*record, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, io.EOF
	}
	padded := ceilToFrame(length)
	buf := make([]byte, padded)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	rec := &record{}
	if err := wire.Unmarshal(rec, buf[:length]); err != nil {
		return nil, fmt.Errorf("%w: %v", raftlib.ErrIO, err)
	}
	if crc32.Checksum(rec.Data, crcTable) != rec.CRC {
		return nil, raftlib.ErrIO
	}
	return rec, nil
}

func ceilToFrame(length int32) int32 {
	return ((length + frameAlignment - 1) / frameAlignment) * frameAlignment
}
