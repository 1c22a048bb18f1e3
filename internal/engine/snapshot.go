package engine

import (
	"sync/atomic"
)

// Snapshot is an immutable read view pinned to the sequence number current at
// creation. Reads through a snapshot never reflect later commits. A snapshot
// borrows the engine and must be released; every live pin forces the engine
// to retain superseded versions, so leaking one is a resource leak (not a
// correctness bug).
type Snapshot struct {
	eng      *Engine
	seq      uint64
	released atomic.Bool
}

// Sequence returns the commit sequence number this snapshot is pinned to.
func (s *Snapshot) Sequence() uint64 { return s.seq }

// Get reads a key as of the pin point. The read cache is bypassed: it holds
// only latest versions.
func (s *Snapshot) Get(cf string, key []byte) ([]byte, error) {
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	return s.eng.getAt(cf, key, s.seq)
}

// NewIterator returns a cursor over one CF bounded to rng, reading as of the
// pin point. The iterator borrows the snapshot and must be closed before the
// snapshot is released.
func (s *Snapshot) NewIterator(cf string, rng KeyRange, dir Direction) (*Iterator, error) {
	if s.released.Load() {
		return nil, ErrSnapshotReleased
	}
	return s.eng.newIteratorAt(cf, rng, dir, s.seq)
}

// Release unpins the snapshot. Idempotent; always safe to call on every exit
// path, including after the engine is closed.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.eng.releaseSnapshot(s.seq)
	}
}
