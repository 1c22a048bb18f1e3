package engine

// WriteBatch buffers an ordered set of mutations, possibly spanning several
// column families, for one atomic commit via Engine.Write. Keys and values
// are copied, so callers may reuse their buffers after each call.
//
// A WriteBatch is not goroutine-safe and is ephemeral: build it, commit it,
// then Clear it for reuse or drop it. Dropping an uncommitted batch has no
// side effect.

type batchOpKind uint8

const (
	opPut batchOpKind = iota
	opDelete
	opDeleteRange
)

type batchEntry struct {
	kind  batchOpKind
	cf    string
	key   []byte // start key for opDeleteRange
	value []byte
	end   []byte // exclusive end for opDeleteRange
}

type WriteBatch struct {
	entries []batchEntry
}

func NewWriteBatch() *WriteBatch {
	return &WriteBatch{}
}

// Put buffers a key-value write.
func (b *WriteBatch) Put(cf string, key, value []byte) {
	b.entries = append(b.entries, batchEntry{
		kind:  opPut,
		cf:    cf,
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
}

// Delete buffers a point deletion.
func (b *WriteBatch) Delete(cf string, key []byte) {
	b.entries = append(b.entries, batchEntry{
		kind: opDelete,
		cf:   cf,
		key:  append([]byte{}, key...),
	})
}

// DeleteRange buffers a logical tombstone over [start, end). Every key in
// the interval reads as absent once the batch commits; physical reclamation
// happens during later maintenance, not on the commit path.
func (b *WriteBatch) DeleteRange(cf string, start, end []byte) {
	b.entries = append(b.entries, batchEntry{
		kind: opDeleteRange,
		cf:   cf,
		key:  append([]byte{}, start...),
		end:  append([]byte{}, end...),
	})
}

// Len returns the number of buffered operations.
func (b *WriteBatch) Len() int {
	return len(b.entries)
}

// Empty reports whether the batch holds no operations.
func (b *WriteBatch) Empty() bool {
	return len(b.entries) == 0
}

// Clear resets the batch for reuse.
func (b *WriteBatch) Clear() {
	b.entries = b.entries[:0]
}

// columnFamilies returns the distinct CF names the batch touches.
func (b *WriteBatch) columnFamilies() []string {
	seen := make(map[string]struct{}, 2)
	var out []string
	for _, e := range b.entries {
		if _, ok := seen[e.cf]; !ok {
			seen[e.cf] = struct{}{}
			out = append(out, e.cf)
		}
	}
	return out
}
