package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// ColumnFamily is the resolved handle for a named logical partition. Handles
// are valid for exactly the Engine's lifetime; callers must not retain them
// across Close.
type ColumnFamily struct {
	name string
	id   uint32
}

// Name returns the CF's logical name.
func (cf *ColumnFamily) Name() string { return cf.name }

// ID returns the CF's stable numeric id inside the shared keyspace.
func (cf *ColumnFamily) ID() uint32 { return cf.id }

// cfRegistry resolves names to handles. The map is copy-on-write: lookups are
// a single atomic load, administrative additions swap in a fresh map under the
// write lock so concurrent readers never observe a partially extended
// registry.
type cfRegistry struct {
	mu      sync.Mutex // serializes create/drop
	handles atomic.Pointer[map[string]*ColumnFamily]
	nextID  uint32
}

func newCFRegistry() *cfRegistry {
	r := &cfRegistry{nextID: 1}
	empty := make(map[string]*ColumnFamily)
	r.handles.Store(&empty)
	return r
}

// HandleFor resolves a CF name. Lock-free.
func (r *cfRegistry) HandleFor(name string) (*ColumnFamily, error) {
	m := *r.handles.Load()
	cf, ok := m[name]
	if !ok {
		return nil, &UnknownCFError{Name: name}
	}
	return cf, nil
}

// Names returns the registered CF names in unspecified order.
func (r *cfRegistry) Names() []string {
	m := *r.handles.Load()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	return out
}

func (r *cfRegistry) snapshot() map[string]*ColumnFamily {
	return *r.handles.Load()
}

func (r *cfRegistry) replace(m map[string]*ColumnFamily) {
	r.handles.Store(&m)
}

// load reads the persisted name→id records and primes the registry. Called
// once at open, before the engine is visible to any other goroutine.
func (r *cfRegistry) load(db *badger.DB, readTs uint64) error {
	m := make(map[string]*ColumnFamily)
	maxID := uint32(0)

	txn := db.NewTransactionAt(readTs, false)
	defer txn.Discard()

	prefix := metaCFKey("")
	itOpts := badger.DefaultIteratorOptions
	itOpts.Prefix = prefix
	it := txn.NewIterator(itOpts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		name := string(item.Key()[len(prefix):])
		v, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read cf record %q: %w", name, err)
		}
		id := decodeCFID(v)
		m[name] = &ColumnFamily{name: name, id: id}
		if id > maxID {
			maxID = id
		}
	}

	if item, err := txn.Get(encodeKey(metaCFID, metaNextIDKey)); err == nil {
		v, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read cf id allocator: %w", err)
		}
		r.nextID = decodeCFID(v)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("read cf id allocator: %w", err)
	}
	if maxID >= r.nextID {
		r.nextID = maxID + 1
	}

	r.replace(m)
	return nil
}

// create persists a new CF record at commitTs and publishes the extended map.
// Caller holds r.mu.
func (r *cfRegistry) create(db *badger.DB, commitTs uint64, name string) (*ColumnFamily, error) {
	old := r.snapshot()
	if _, ok := old[name]; ok {
		return nil, fmt.Errorf("column family %q already exists", name)
	}

	id := r.nextID
	txn := db.NewTransactionAt(commitTs, true)
	defer txn.Discard()
	if err := txn.Set(metaCFKey(name), encodeCFID(id)); err != nil {
		return nil, err
	}
	if err := txn.Set(encodeKey(metaCFID, metaNextIDKey), encodeCFID(id+1)); err != nil {
		return nil, err
	}
	if err := txn.CommitAt(commitTs, nil); err != nil {
		return nil, err
	}

	cf := &ColumnFamily{name: name, id: id}
	next := make(map[string]*ColumnFamily, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = cf
	r.replace(next)
	r.nextID = id + 1
	return cf, nil
}

// drop removes the CF record at commitTs and publishes the shrunk map. The
// CF's data range is deleted by the caller. Caller holds r.mu.
func (r *cfRegistry) drop(db *badger.DB, commitTs uint64, name string) (*ColumnFamily, error) {
	old := r.snapshot()
	cf, ok := old[name]
	if !ok {
		return nil, &UnknownCFError{Name: name}
	}

	txn := db.NewTransactionAt(commitTs, true)
	defer txn.Discard()
	if err := txn.Delete(metaCFKey(name)); err != nil {
		return nil, err
	}
	if err := txn.CommitAt(commitTs, nil); err != nil {
		return nil, err
	}

	next := make(map[string]*ColumnFamily, len(old))
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	r.replace(next)
	return cf, nil
}
