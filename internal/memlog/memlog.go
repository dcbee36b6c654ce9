// Package memlog is an in-memory LogSource fake used by this module's own
// tests and by cmd/replicatorsim. It is not a durable log store; it exists
// only to exercise raftreplicator.Replicator against a controllable
// implementation of the external LogSource contract, in the style of
// sidecus-raft's hand-written test fakes (no mocking framework).
package memlog

import (
	"io"
	"sync"

	raftreplicator "github.com/yucl80/raftreplicator"
)

// Store is a goroutine-safe in-memory LogSource.
type Store struct {
	mu sync.RWMutex

	startIndex uint64
	entries    []raftreplicator.Entry // entries[i] has Index == startIndex+i

	snapshot   raftreplicator.Snapshot
	hasSnap    bool
	files      map[string][]byte
}

// New constructs an empty store whose first retained index is startIndex
// (1 for a brand new log).
func New(startIndex uint64) *Store {
	return &Store{
		startIndex: startIndex,
		files:      make(map[string][]byte),
	}
}

// Append adds entries to the tail. Callers are responsible for indices
// being dense and contiguous with NextIndex().
func (s *Store) Append(entries ...raftreplicator.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
}

// StartIndex implements raftreplicator.LogSource.
func (s *Store) StartIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startIndex
}

// NextIndex implements raftreplicator.LogSource.
func (s *Store) NextIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startIndex + uint64(len(s.entries))
}

// Get implements raftreplicator.LogSource.
func (s *Store) Get(i uint64) (raftreplicator.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < s.startIndex || i >= s.startIndex+uint64(len(s.entries)) {
		return raftreplicator.Entry{}, false
	}
	return s.entries[i-s.startIndex], true
}

// GetRange implements raftreplicator.LogSource: returns [lo, hi).
func (s *Store) GetRange(lo, hi uint64) ([]raftreplicator.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if lo > hi {
		return nil, nil
	}
	if lo < s.startIndex || hi > s.startIndex+uint64(len(s.entries)) {
		return nil, raftreplicator.ErrLogTruncated
	}
	out := make([]raftreplicator.Entry, hi-lo)
	copy(out, s.entries[lo-s.startIndex:hi-s.startIndex])
	return out, nil
}

// LatestSnapshot implements raftreplicator.LogSource.
func (s *Store) LatestSnapshot() (raftreplicator.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.hasSnap
}

// PutSnapshotFile registers file contents under relativePath so
// OpenSnapshotFile can serve it, and returns a FileInfo with the content's
// size and digest pre-computed the way a real snapshot manifest would carry
// them.
func (s *Store) PutSnapshotFile(relativePath string, data []byte, digest []byte) raftreplicator.FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[relativePath] = data
	return raftreplicator.FileInfo{
		RelativePath: relativePath,
		Size:         uint64(len(data)),
		Digest:       digest,
	}
}

// SetSnapshot installs the current snapshot manifest, compacting the log:
// entries up to and including tip.Index are dropped and StartIndex advances
// past them.
func (s *Store) SetSnapshot(tip raftreplicator.TermIndex, files []raftreplicator.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = raftreplicator.Snapshot{TermIndex: tip, Files: files}
	s.hasSnap = true

	if tip.Index+1 > s.startIndex {
		drop := tip.Index + 1 - s.startIndex
		if drop > uint64(len(s.entries)) {
			drop = uint64(len(s.entries))
		}
		s.entries = append([]raftreplicator.Entry(nil), s.entries[drop:]...)
		s.startIndex = tip.Index + 1
	}
}

// OpenSnapshotFile implements raftreplicator.LogSource.
func (s *Store) OpenSnapshotFile(relativePath string) (raftreplicator.SnapshotFile, error) {
	s.mu.RLock()
	data, ok := s.files[relativePath]
	s.mu.RUnlock()
	if !ok {
		return nil, &fileNotFoundError{relativePath}
	}
	return &memFile{data: data}, nil
}

type fileNotFoundError struct{ path string }

func (e *fileNotFoundError) Error() string { return "memlog: snapshot file not found: " + e.path }

// memFile is a sequential reader over an in-memory byte slice.
type memFile struct {
	data []byte
	pos  int
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *memFile) Close() error { return nil }
