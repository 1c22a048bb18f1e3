package engine

import (
	"bytes"
	"encoding/binary"
)

// Column families share one native keyspace. Every user key is stored under a
// fixed-width big-endian column-family id prefix, which keeps per-CF key
// ordering intact and makes a whole CF one contiguous native key range.
//
// Id 0 is reserved for adapter metadata (the name→id registry and the id
// allocator) and never holds user data.

const cfIDLen = 4

const metaCFID uint32 = 0

var (
	metaCFNamePrefix = []byte("cf:")
	metaNextIDKey    = []byte("next-cf-id")
)

func bytesCompare(a, b []byte) int { return bytes.Compare(a, b) }

// encodeKey prepends the CF id to a user key.
func encodeKey(cfID uint32, key []byte) []byte {
	out := make([]byte, cfIDLen+len(key))
	binary.BigEndian.PutUint32(out, cfID)
	copy(out[cfIDLen:], key)
	return out
}

// decodeKey strips the CF id prefix. The returned slice aliases raw.
func decodeKey(raw []byte) []byte {
	return raw[cfIDLen:]
}

// cfPrefix returns the native key prefix owned by a CF.
func cfPrefix(cfID uint32) []byte {
	out := make([]byte, cfIDLen)
	binary.BigEndian.PutUint32(out, cfID)
	return out
}

// cfUpperBound returns the exclusive native upper bound of a CF's keyspace,
// i.e. the prefix of the next possible id.
func cfUpperBound(cfID uint32) []byte {
	out := make([]byte, cfIDLen)
	binary.BigEndian.PutUint32(out, cfID+1)
	return out
}

// nativeRange maps a user-level [start, end) range in a CF onto native key
// bounds. Both bounds are always non-nil.
func nativeRange(cfID uint32, rng KeyRange) (lower, upper []byte) {
	if rng.Start != nil {
		lower = encodeKey(cfID, rng.Start)
	} else {
		lower = cfPrefix(cfID)
	}
	if rng.End != nil {
		upper = encodeKey(cfID, rng.End)
	} else {
		upper = cfUpperBound(cfID)
	}
	return lower, upper
}

// metaCFKey is the registry record for a named column family.
func metaCFKey(name string) []byte {
	return encodeKey(metaCFID, append(append([]byte{}, metaCFNamePrefix...), name...))
}

func encodeCFID(id uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, id)
	return out
}

func decodeCFID(v []byte) uint32 {
	return binary.BigEndian.Uint32(v)
}
