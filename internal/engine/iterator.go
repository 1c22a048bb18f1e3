package engine

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// IteratorState is the explicit validity state of a cursor.
type IteratorState int

const (
	// IterCreated: no positioning call has been made yet.
	IterCreated IteratorState = iota
	// IterValid: the cursor rests on a key inside its bounds; Key and
	// Value are defined.
	IterValid
	// IterInvalid: the cursor ran off either bound or the range is empty.
	IterInvalid
	// IterErrored: an I/O failure was hit; Err holds it.
	IterErrored
)

func (s IteratorState) String() string {
	switch s {
	case IterCreated:
		return "created"
	case IterValid:
		return "valid"
	case IterInvalid:
		return "invalid"
	case IterErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Iterator is a bounded cursor over one column family within one read view.
// It is confined to a single goroutine. Key and Value are defined only in the
// IterValid state; accessing them otherwise is a misuse error that panics
// under strict checking and returns nil under relaxed checking.
//
// Forward movement yields strictly increasing keys, reverse movement strictly
// decreasing ones, both within [lower, upper). Closing an iterator mid-scan
// only releases its borrow.
type Iterator struct {
	cf     *ColumnFamily
	txn    *badger.Txn
	it     *badger.Iterator
	lower  []byte // native, inclusive
	upper  []byte // native, exclusive
	dir    Direction
	strict bool

	reverse bool // orientation of the underlying native cursor
	state   IteratorState
	key     []byte
	value   []byte
	err     error
	closed  bool
}

func newIterator(txn *badger.Txn, cf *ColumnFamily, rng KeyRange, dir Direction, strict bool) *Iterator {
	lower, upper := nativeRange(cf.id, rng)
	return &Iterator{
		cf:     cf,
		txn:    txn,
		lower:  lower,
		upper:  upper,
		dir:    dir,
		strict: strict,
		state:  IterCreated,
	}
}

// reopen swaps the underlying native cursor to the given orientation. The
// native engine fixes direction at cursor creation, so flips recreate it.
func (i *Iterator) reopen(reverse bool) {
	if i.it != nil {
		i.it.Close()
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	i.it = i.txn.NewIterator(opts)
	i.reverse = reverse
}

// settle reads the underlying position into the iterator state, enforcing
// bounds and copying out key and value.
func (i *Iterator) settle() bool {
	if !i.it.Valid() {
		return i.exhaust()
	}
	item := i.it.Item()
	raw := item.Key()
	if bytes.Compare(raw, i.lower) < 0 || bytes.Compare(raw, i.upper) >= 0 {
		return i.exhaust()
	}
	i.key = append(i.key[:0], decodeKey(raw)...)
	value, err := item.ValueCopy(nil)
	if err != nil {
		i.state = IterErrored
		i.err = &IOError{CF: i.cf.name, Op: "iterate", Start: i.key, Err: err}
		i.value = nil
		return false
	}
	i.value = value
	i.state = IterValid
	return true
}

func (i *Iterator) exhaust() bool {
	i.state = IterInvalid
	i.key = nil
	i.value = nil
	return false
}

// Seek positions the cursor relative to key, honoring the iterator's
// direction: a forward iterator lands on the first key >= key inside the
// bounds, a reverse iterator on the last key <= key.
func (i *Iterator) Seek(key []byte) bool {
	if !i.movable("Seek") {
		return false
	}
	target := encodeKey(i.cf.id, key)
	if i.dir == Reverse {
		return i.seekBackward(target)
	}
	return i.seekForward(target)
}

// SeekToFirst positions the cursor on the smallest key in the range.
func (i *Iterator) SeekToFirst() bool {
	if !i.movable("SeekToFirst") {
		return false
	}
	return i.seekForward(i.lower)
}

// SeekToLast positions the cursor on the largest key in the range.
func (i *Iterator) SeekToLast() bool {
	if !i.movable("SeekToLast") {
		return false
	}
	return i.seekBackward(i.upper)
}

// Next advances to the key's successor. Defined only in the IterValid state.
func (i *Iterator) Next() bool {
	if !i.stepable("Next") {
		return false
	}
	current := encodeKey(i.cf.id, i.key)
	if i.reverse {
		// Orientation flip: re-land on the current key going forward,
		// then step once.
		i.reopen(false)
		i.it.Seek(current)
	}
	if i.it.Valid() && bytes.Equal(i.it.Item().Key(), current) {
		i.it.Next()
	}
	return i.settle()
}

// Prev retreats to the key's predecessor. Defined only in the IterValid
// state.
func (i *Iterator) Prev() bool {
	if !i.stepable("Prev") {
		return false
	}
	current := encodeKey(i.cf.id, i.key)
	if !i.reverse {
		i.reopen(true)
		i.it.Seek(current)
	}
	if i.it.Valid() && bytes.Equal(i.it.Item().Key(), current) {
		i.it.Next() // reverse cursor: moves backward
	}
	return i.settle()
}

// seekForward lands on the first key >= target within bounds.
func (i *Iterator) seekForward(target []byte) bool {
	if i.it == nil || i.reverse {
		i.reopen(false)
	}
	if bytes.Compare(target, i.lower) < 0 {
		target = i.lower
	}
	i.it.Seek(target)
	return i.settle()
}

// seekBackward lands on the last key <= target within bounds. The upper
// bound is exclusive, so a target at or past it starts from upper and skips
// the exact-match position.
func (i *Iterator) seekBackward(target []byte) bool {
	if i.it == nil || !i.reverse {
		i.reopen(true)
	}
	skipExact := false
	if bytes.Compare(target, i.upper) >= 0 {
		target = i.upper
		skipExact = true
	}
	i.it.Seek(target)
	if skipExact && i.it.Valid() && bytes.Equal(i.it.Item().Key(), target) {
		i.it.Next()
	}
	return i.settle()
}

// Valid reports whether the cursor rests on a key and Key/Value are defined.
func (i *Iterator) Valid() bool {
	return i.state == IterValid
}

// State returns the cursor's validity state.
func (i *Iterator) State() IteratorState {
	return i.state
}

// Key returns the current key. The slice is owned by the iterator and is
// overwritten by the next movement.
func (i *Iterator) Key() []byte {
	if i.state != IterValid {
		i.misuse("Key")
		return nil
	}
	return i.key
}

// Value returns the current value. The slice is owned by the iterator and is
// overwritten by the next movement.
func (i *Iterator) Value() []byte {
	if i.state != IterValid {
		i.misuse("Value")
		return nil
	}
	return i.value
}

// Err returns the I/O error that moved the iterator into IterErrored, if
// any. Exhaustion is not an error.
func (i *Iterator) Err() error {
	return i.err
}

// Close releases the cursor and its read view. Safe to call at any point of
// a scan, and idempotent.
func (i *Iterator) Close() {
	if i.closed {
		return
	}
	i.closed = true
	if i.it != nil {
		i.it.Close()
		i.it = nil
	}
	if i.txn != nil {
		i.txn.Discard()
		i.txn = nil
	}
	i.state = IterInvalid
	i.key = nil
	i.value = nil
}

// movable gates positioning calls (seeks), which are legal in every state
// except after Close or an I/O error.
func (i *Iterator) movable(op string) bool {
	if i.closed || i.state == IterErrored {
		i.misuse(op)
		return false
	}
	return true
}

// stepable gates relative movement, which is defined only on a valid cursor.
func (i *Iterator) stepable(op string) bool {
	if i.closed || i.state != IterValid {
		i.misuse(op)
		return false
	}
	return true
}

func (i *Iterator) misuse(op string) {
	if i.strict {
		panic(&InvalidIteratorStateError{CF: i.cf.name, State: i.state, Op: op})
	}
}
