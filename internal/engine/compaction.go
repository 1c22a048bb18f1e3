package engine

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// FilterDecision is a compaction filter's verdict on one entry.
type FilterDecision int

const (
	// FilterKeep leaves the entry untouched.
	FilterKeep FilterDecision = iota
	// FilterDrop removes the entry.
	FilterDrop
	// FilterRewrite replaces the entry's value with the one returned
	// alongside the decision.
	FilterRewrite
)

// FilterContext is what a filter may depend on besides the entry itself.
// Whatever external state the filter consults (a GC safe point, a TTL clock)
// must be captured in the filter value at construction time.
type FilterContext struct {
	// CF names the column family being compacted.
	CF string
	// Sequence is the read point of the maintenance scan.
	Sequence uint64
	// Manual is true for CompactRange-triggered passes.
	Manual bool
}

// CompactionFilter is invoked by the engine's maintenance pass for each
// candidate entry. Contract: Filter must be a pure function of the entry and
// the context, must not block, and must not call back into the engine's
// write path; decisions are applied by the engine after the scan. It runs
// on an engine-owned goroutine with no locks held on its behalf. Entries
// already covered by a committed range deletion are never presented.
type CompactionFilter interface {
	// Name identifies the filter in logs.
	Name() string

	// Filter returns the verdict for one entry. The key and value slices
	// are only valid for the duration of the call. newValue is consulted
	// only when the decision is FilterRewrite.
	Filter(ctx FilterContext, key, value []byte) (decision FilterDecision, newValue []byte)
}

const filterChunkSize = 1024

// maintenanceLoop runs the periodic pass until Close.
func (e *Engine) maintenanceLoop() {
	defer e.maintWG.Done()
	ticker := time.NewTicker(e.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.runMaintenance(false, "", KeyRange{}); err != nil {
				e.log.WithError(err).Warn("Maintenance pass failed")
			}
		case <-e.maintStop:
			return
		}
	}
}

// CompactRange runs a synchronous maintenance pass over one CF range: the
// compaction filter is applied to every entry in the range, then the native
// store is flattened and its value log garbage-collected. May block for a
// long time on large ranges.
func (e *Engine) CompactRange(cf string, rng KeyRange) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if _, err := e.reg.HandleFor(cf); err != nil {
		return err
	}
	start := time.Now()
	err := e.runMaintenance(true, cf, rng)
	e.log.Operation("compact", cf, time.Since(start), err)
	return err
}

func (e *Engine) runMaintenance(manual bool, cfName string, rng KeyRange) error {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	if e.opts.CompactionFilter != nil {
		targets := e.reg.Names()
		if cfName != "" {
			targets = []string{cfName}
		}
		for _, name := range targets {
			handle, err := e.reg.HandleFor(name)
			if err != nil {
				continue // dropped mid-pass
			}
			if err := e.filterPass(handle, rng, manual); err != nil {
				return err
			}
		}
	}

	// Let compaction reclaim everything no live snapshot still needs.
	e.snapMu.Lock()
	e.db.SetDiscardTs(e.minPinnedLocked())
	e.snapMu.Unlock()

	if e.opts.InMemory {
		return nil
	}
	if err := e.db.Flatten(2); err != nil {
		return &IOError{CF: cfName, Op: "compact", Err: err}
	}
	for {
		err := e.db.RunValueLogGC(0.7)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		return &IOError{CF: cfName, Op: "gc", Err: err}
	}
	e.log.Debug("Maintenance pass completed", "manual", manual, "cf", cfName)
	return nil
}

// filterPass scans one CF range at a fixed read point, consults the filter
// for every entry, and applies the verdicts in chunked commits. An entry that
// was overwritten after the scan is left alone: the verdict applied to the
// old value must not clobber a newer one.
func (e *Engine) filterPass(handle *ColumnFamily, rng KeyRange, manual bool) error {
	filter := e.opts.CompactionFilter
	scanSeq := e.seq.Load()
	fctx := FilterContext{CF: handle.name, Sequence: scanSeq, Manual: manual}
	lower, upper := nativeRange(handle.id, rng)

	txn := e.db.NewTransactionAt(scanSeq, false)
	defer txn.Discard()
	itOpts := badger.DefaultIteratorOptions
	it := txn.NewIterator(itOpts)
	defer it.Close()

	var drops [][]byte
	var rewriteKeys, rewriteVals [][]byte
	dropped, rewritten := 0, 0

	flush := func() error {
		if len(drops) == 0 && len(rewriteKeys) == 0 {
			return nil
		}
		if err := e.applyFilterChunk(handle, scanSeq, drops, rewriteKeys, rewriteVals); err != nil {
			return err
		}
		dropped += len(drops)
		rewritten += len(rewriteKeys)
		drops = drops[:0]
		rewriteKeys, rewriteVals = rewriteKeys[:0], rewriteVals[:0]
		return nil
	}

	for it.Seek(lower); it.Valid(); it.Next() {
		raw := it.Item().Key()
		if bytesCompare(raw, upper) >= 0 {
			break
		}
		key := it.Item().KeyCopy(nil)[cfIDLen:]
		value, err := it.Item().ValueCopy(nil)
		if err != nil {
			return &IOError{CF: handle.name, Op: "compact", Start: key, Err: err}
		}
		decision, newValue := filter.Filter(fctx, key, value)
		switch decision {
		case FilterDrop:
			drops = append(drops, key)
		case FilterRewrite:
			rewriteKeys = append(rewriteKeys, key)
			rewriteVals = append(rewriteVals, append([]byte{}, newValue...))
		}
		if len(drops)+len(rewriteKeys) >= filterChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	if dropped > 0 || rewritten > 0 {
		e.log.Info("Compaction filter applied",
			"filter", filter.Name(),
			"cf", handle.name,
			"dropped", dropped,
			"rewritten", rewritten)
		if e.cache != nil {
			e.cache.clear()
		}
	}
	return nil
}

// applyFilterChunk commits one chunk of filter verdicts. Each target is
// re-checked against the scan point so verdicts never overwrite entries that
// changed after the scan.
func (e *Engine) applyFilterChunk(handle *ColumnFamily, scanSeq uint64, drops, rewriteKeys, rewriteVals [][]byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	readTs := e.seq.Load()
	commitTs := readTs + 1
	txn := e.db.NewTransactionAt(readTs, true)
	defer txn.Discard()

	unchanged := func(key []byte) (bool, error) {
		item, err := txn.Get(encodeKey(handle.id, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return item.Version() <= scanSeq, nil
	}

	touched := 0
	for _, key := range drops {
		ok, err := unchanged(key)
		if err != nil {
			return &IOError{CF: handle.name, Op: "compact-apply", Start: key, Err: err}
		}
		if !ok {
			continue
		}
		if err := txn.Delete(encodeKey(handle.id, key)); err != nil {
			return &IOError{CF: handle.name, Op: "compact-apply", Start: key, Err: err}
		}
		touched++
	}
	for i, key := range rewriteKeys {
		ok, err := unchanged(key)
		if err != nil {
			return &IOError{CF: handle.name, Op: "compact-apply", Start: key, Err: err}
		}
		if !ok {
			continue
		}
		if err := txn.Set(encodeKey(handle.id, key), rewriteVals[i]); err != nil {
			return &IOError{CF: handle.name, Op: "compact-apply", Start: key, Err: err}
		}
		touched++
	}
	if touched == 0 {
		return nil
	}
	if err := txn.CommitAt(commitTs, nil); err != nil {
		return &IOError{CF: handle.name, Op: "compact-apply", Err: err}
	}
	e.seq.Store(commitTs)
	return nil
}
