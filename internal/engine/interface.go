package engine

// Capability interfaces consumed by the layers above the adapter (the
// transaction/MVCC encoder, the replication log consumer, the metrics
// exporter). The concrete Engine satisfies all of them; callers should accept
// the narrowest interface that covers their needs so the native handle never
// leaks across the boundary.

// KvReader covers point reads and range scans.
type KvReader interface {
	Get(cf string, key []byte) ([]byte, error)
	NewIterator(cf string, rng KeyRange, dir Direction) (*Iterator, error)
}

// KvWriter covers single mutations and atomic batch commits. Put and Delete
// are one-entry batches; Write returns the sequence number the batch became
// visible at.
type KvWriter interface {
	Put(cf string, key, value []byte) error
	Delete(cf string, key []byte) error
	Write(batch *WriteBatch) (uint64, error)
}

// SnapshotProvider hands out point-in-time read views. Every snapshot must be
// released; an unreleased snapshot pins historical versions the engine cannot
// reclaim.
type SnapshotProvider interface {
	NewSnapshot() (*Snapshot, error)
}

// KvAdmin covers the administrative surface: blocking maintenance, bulk load
// and column-family lifecycle.
type KvAdmin interface {
	Flush(cf string) error
	CompactRange(cf string, rng KeyRange) error
	IngestExternalFile(cf string, path string) error
	CreateColumnFamily(name string) error
	DropColumnFamily(name string) error
}

// KvEngine is the full adapter contract.
type KvEngine interface {
	KvReader
	KvWriter
	SnapshotProvider
	KvAdmin
	Close() error
}

var _ KvEngine = (*Engine)(nil)

// Direction selects iteration order over a key range.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// KeyRange is a half-open interval [Start, End) of user keys. A nil Start
// means the beginning of the column family, a nil End means its end.
type KeyRange struct {
	Start []byte
	End   []byte
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if r.Start != nil && bytesCompare(key, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytesCompare(key, r.End) >= 0 {
		return false
	}
	return true
}

// Empty reports whether the range can never contain a key.
func (r KeyRange) Empty() bool {
	return r.Start != nil && r.End != nil && bytesCompare(r.Start, r.End) >= 0
}
