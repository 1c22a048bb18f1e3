package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrKeyNotFound is returned by point reads when the key is absent.
	// Absence is a normal result, not a failure.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEngineClosed is returned by any operation issued after Close.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrSnapshotReleased is returned by reads against a released snapshot.
	ErrSnapshotReleased = errors.New("snapshot already released")
)

// OpenError reports a failure to open the engine. Reason distinguishes the
// recoverable cases (lock contention may be retried with backoff) from the
// fatal ones (corruption must not be retried).
type OpenError struct {
	Path   string
	Reason OpenFailureReason
	Err    error
}

type OpenFailureReason string

const (
	OpenMissingCF      OpenFailureReason = "missing column family"
	OpenLockContention OpenFailureReason = "directory locked by another process"
	OpenCorruption     OpenFailureReason = "corruption detected"
	OpenEncryption     OpenFailureReason = "encryption setup failed"
	OpenIO             OpenFailureReason = "io failure"
)

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// UnknownCFError is returned when an operation names a column family that is
// not present in the registry.
type UnknownCFError struct {
	Name string
}

func (e *UnknownCFError) Error() string {
	return fmt.Sprintf("unknown column family %q", e.Name)
}

// CorruptionError reports a checksum or format violation. It is fatal to the
// triggering operation and must never be retried.
type CorruptionError struct {
	Source string
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corruption in %s: %v", e.Source, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IOError reports a device-level read or write failure with enough context
// (column family, operation, key range) for the caller to decide between
// abort and retry.
type IOError struct {
	CF    string
	Op    string
	Start []byte
	End   []byte
	Err   error
}

func (e *IOError) Error() string {
	if e.Start == nil && e.End == nil {
		return fmt.Sprintf("io error: cf=%s op=%s: %v", e.CF, e.Op, e.Err)
	}
	return fmt.Sprintf("io error: cf=%s op=%s range=[%q,%q): %v", e.CF, e.Op, e.Start, e.End, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// EncryptionKeyError reports that the key manager was unavailable, returned
// an unusable key, or the stored key no longer matches. The triggering
// operation is aborted; the engine never falls back to plaintext.
type EncryptionKeyError struct {
	Method string
	Err    error
}

func (e *EncryptionKeyError) Error() string {
	return fmt.Sprintf("encryption key error (method=%s): %v", e.Method, e.Err)
}

func (e *EncryptionKeyError) Unwrap() error { return e.Err }

// WriteError reports a rejected batch commit. Batches are never split
// internally, so an oversized batch surfaces here rather than being applied
// partially.
type WriteError struct {
	Entries int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch rejected (%d entries): %v", e.Entries, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IngestError reports a rejected external file ingestion.
type IngestError struct {
	Path string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Path, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// InvalidIteratorStateError reports a Key/Value access on an iterator that is
// not in the Valid state. This is a programming error: under strict checking
// (the default) the iterator panics with this error, under relaxed checking
// the access returns nil.
type InvalidIteratorStateError struct {
	CF    string
	State IteratorState
	Op    string
}

func (e *InvalidIteratorStateError) Error() string {
	return fmt.Sprintf("iterator misuse: %s called in state %s (cf=%s)", e.Op, e.State, e.CF)
}

// classifyOpenError maps a native open failure onto the open taxonomy.
func classifyOpenError(path string, err error) *OpenError {
	reason := OpenIO
	switch {
	case errors.Is(err, badger.ErrEncryptionKeyMismatch):
		reason = OpenEncryption
	case isLockError(err):
		reason = OpenLockContention
	case isCorruptionError(err):
		reason = OpenCorruption
	}
	return &OpenError{Path: path, Reason: reason, Err: err}
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot acquire directory lock") ||
		strings.Contains(msg, "resource temporarily unavailable")
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "checksum") ||
		strings.Contains(msg, "corrupt") ||
		strings.Contains(msg, "MANIFEST")
}

// mapReadError normalizes native read failures.
func mapReadError(cf string, op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrEngineClosed
	case isCorruptionError(err):
		return &CorruptionError{Source: cf, Err: err}
	default:
		return &IOError{CF: cf, Op: op, Err: err}
	}
}
