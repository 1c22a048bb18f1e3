package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// External file format, the bulk-load input of IngestExternalFile:
//
//	header:  8-byte magic, 1-byte compression id
//	body:    repeated records (uvarint key len, key, uvarint value len,
//	         value), keys strictly increasing, compressed per the header
//	trailer: 8-byte record count, 8-byte xxh3 of the stored body,
//	         8-byte end magic
//
// The checksum covers the body exactly as stored, so corruption is detected
// before any decompression work.

var (
	extFileMagic    = []byte("KVEXT001")
	extFileEndMagic = []byte("KVEXTEND")
)

const (
	extCompressionNone   byte = 0
	extCompressionSnappy byte = 1
	extCompressionZstd   byte = 2

	extHeaderLen  = 9
	extTrailerLen = 24
)

func extCompressionID(name string) (byte, error) {
	switch name {
	case CompressionNone, "":
		return extCompressionNone, nil
	case CompressionSnappy:
		return extCompressionSnappy, nil
	case CompressionZstd:
		return extCompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// ExternalFileWriter builds a sorted external file. Keys must be added in
// strictly increasing order; Finish seals the file with its trailer. A
// writer abandoned without Finish leaves a partial file the ingest side will
// reject.
type ExternalFileWriter struct {
	f     *os.File
	hash  *xxh3.Hasher
	body  io.Writer
	zw    *zstd.Encoder
	sw    *snappy.Writer
	last  []byte
	count uint64
	done  bool
}

// NewExternalFileWriter creates path and writes the header. compression is
// one of "none", "snappy", "zstd".
func NewExternalFileWriter(path string, compression string) (*ExternalFileWriter, error) {
	id, err := extCompressionID(compression)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	header := append(append([]byte{}, extFileMagic...), id)
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, err
	}

	w := &ExternalFileWriter{f: f, hash: xxh3.New()}
	stored := io.MultiWriter(f, w.hash)
	switch id {
	case extCompressionNone:
		w.body = stored
	case extCompressionSnappy:
		w.sw = snappy.NewBufferedWriter(stored)
		w.body = w.sw
	case extCompressionZstd:
		zw, err := zstd.NewWriter(stored)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.zw = zw
		w.body = zw
	}
	return w, nil
}

// NewExternalFileWriter creates a writer whose compression follows the CF's
// configured options, so ingested files match what the engine would write
// itself.
func (e *Engine) NewExternalFileWriter(cf string, path string) (*ExternalFileWriter, error) {
	if _, err := e.reg.HandleFor(cf); err != nil {
		return nil, err
	}
	e.tunMu.Lock()
	compression := e.opts.compressionFor(cf)
	e.tunMu.Unlock()
	return NewExternalFileWriter(path, compression)
}

// Put appends one record. Keys must arrive in strictly increasing order.
func (w *ExternalFileWriter) Put(key, value []byte) error {
	if w.done {
		return fmt.Errorf("writer already finished")
	}
	if len(key) == 0 {
		return fmt.Errorf("empty key")
	}
	if w.last != nil && bytes.Compare(key, w.last) <= 0 {
		return fmt.Errorf("keys out of order: %q after %q", key, w.last)
	}

	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(key)))
	if _, err := w.body.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.body.Write(key); err != nil {
		return err
	}
	n = binary.PutUvarint(buf[:], uint64(len(value)))
	if _, err := w.body.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.body.Write(value); err != nil {
		return err
	}

	w.last = append(w.last[:0], key...)
	w.count++
	return nil
}

// Count returns the number of records added so far.
func (w *ExternalFileWriter) Count() uint64 {
	return w.count
}

// Finish flushes the body, writes the trailer and syncs the file.
func (w *ExternalFileWriter) Finish() error {
	if w.done {
		return fmt.Errorf("writer already finished")
	}
	w.done = true

	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.f.Close()
			return err
		}
	}
	if w.sw != nil {
		if err := w.sw.Close(); err != nil {
			w.f.Close()
			return err
		}
	}

	trailer := make([]byte, 0, extTrailerLen)
	trailer = binary.BigEndian.AppendUint64(trailer, w.count)
	trailer = binary.BigEndian.AppendUint64(trailer, w.hash.Sum64())
	trailer = append(trailer, extFileEndMagic...)
	if _, err := w.f.Write(trailer); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type extRecord struct {
	key   []byte
	value []byte
}

// readExternalFile parses and verifies an external file.
func readExternalFile(path string) ([]extRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < extHeaderLen+extTrailerLen {
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("truncated file (%d bytes)", len(data))}
	}
	if !bytes.Equal(data[:len(extFileMagic)], extFileMagic) {
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("bad magic")}
	}
	if !bytes.Equal(data[len(data)-len(extFileEndMagic):], extFileEndMagic) {
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("missing trailer, file not finished")}
	}
	compression := data[len(extFileMagic)]

	trailer := data[len(data)-extTrailerLen:]
	count := binary.BigEndian.Uint64(trailer[:8])
	wantHash := binary.BigEndian.Uint64(trailer[8:16])
	body := data[extHeaderLen : len(data)-extTrailerLen]

	if got := xxh3.Hash(body); got != wantHash {
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("checksum mismatch: got %x want %x", got, wantHash)}
	}

	switch compression {
	case extCompressionNone:
	case extCompressionSnappy:
		body, err = io.ReadAll(snappy.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("snappy: %w", err)}
		}
	case extCompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("zstd: %w", err)}
		}
		body, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("zstd: %w", err)}
		}
	default:
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("unknown compression id %d", compression)}
	}

	records := make([]extRecord, 0, count)
	var last []byte
	for len(body) > 0 {
		key, rest, err := readLenPrefixed(body)
		if err != nil {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("record %d key: %w", len(records), err)}
		}
		value, rest, err := readLenPrefixed(rest)
		if err != nil {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("record %d value: %w", len(records), err)}
		}
		if last != nil && bytes.Compare(key, last) <= 0 {
			return nil, &CorruptionError{Source: path, Err: fmt.Errorf("keys out of order at record %d", len(records))}
		}
		records = append(records, extRecord{key: key, value: value})
		last = key
		body = rest
	}
	if uint64(len(records)) != count {
		return nil, &CorruptionError{Source: path, Err: fmt.Errorf("record count mismatch: got %d want %d", len(records), count)}
	}
	return records, nil
}

func readLenPrefixed(data []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, errors.New("bad length varint")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, fmt.Errorf("payload truncated: want %d have %d", length, len(data))
	}
	return data[:length], data[length:], nil
}

// IngestExternalFile bulk-loads a pre-built sorted file into cf at one new
// sequence number, bypassing the WriteBatch staging path. The whole file
// becomes visible atomically. Corrupt or unsorted files are rejected before
// any key is written.
func (e *Engine) IngestExternalFile(cf string, path string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	start := time.Now()
	err := e.ingestExternalFile(cf, path)
	e.log.Operation("ingest", cf, time.Since(start), err)
	return err
}

func (e *Engine) ingestExternalFile(cf string, path string) error {
	handle, err := e.reg.HandleFor(cf)
	if err != nil {
		return &IngestError{Path: path, Err: err}
	}

	records, err := readExternalFile(path)
	if err != nil {
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			return err
		}
		return &IngestError{Path: path, Err: err}
	}
	if len(records) == 0 {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	readTs := e.seq.Load()
	commitTs := readTs + 1
	txn := e.db.NewTransactionAt(readTs, true)
	defer txn.Discard()

	for _, rec := range records {
		if err := txn.Set(encodeKey(handle.id, rec.key), rec.value); err != nil {
			if errors.Is(err, badger.ErrTxnTooBig) {
				return &IngestError{Path: path, Err: fmt.Errorf("file too large to ingest atomically: %w", err)}
			}
			return &IngestError{Path: path, Err: err}
		}
	}
	if err := txn.CommitAt(commitTs, nil); err != nil {
		return &IngestError{Path: path, Err: err}
	}
	e.seq.Store(commitTs)

	if e.cache != nil {
		keys := make([]string, 0, len(records))
		for _, rec := range records {
			keys = append(keys, cacheKey(handle.id, rec.key))
		}
		e.cache.invalidate(keys)
	}
	e.log.Info("Ingested external file", "cf", cf, "path", path, "records", len(records), "sequence", commitTs)
	return nil
}
