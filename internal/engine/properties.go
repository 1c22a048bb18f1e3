package engine

import (
	"bytes"
	"errors"
	"time"

	vm "github.com/VictoriaMetrics/metrics"

	"kvengine/internal/metrics"
)

// PropertiesReader exposes read-only aggregated statistics about the engine
// and its column families for external monitoring. It never mutates state;
// every call recomputes from the native table metadata.
type PropertiesReader struct {
	eng *Engine
}

// Properties returns the engine's introspection surface.
func (e *Engine) Properties() *PropertiesReader {
	return &PropertiesReader{eng: e}
}

// EngineProperties are engine-wide aggregates.
type EngineProperties struct {
	Sequence          uint64
	LiveSnapshots     int
	ColumnFamilies    int
	LSMSizeBytes      int64
	ValueLogSizeBytes int64
	LevelsDescription string
}

// Engine reports engine-wide statistics.
func (p *PropertiesReader) Engine() EngineProperties {
	e := p.eng
	lsm, vlog := e.db.Size()
	return EngineProperties{
		Sequence:          e.seq.Load(),
		LiveSnapshots:     e.liveSnapshots(),
		ColumnFamilies:    len(e.reg.Names()),
		LSMSizeBytes:      lsm,
		ValueLogSizeBytes: vlog,
		LevelsDescription: e.db.LevelsToString(),
	}
}

// CFProperties are per-column-family estimates derived from the native
// tables overlapping the CF's key range. Sizes are estimates: a table
// spanning a CF boundary is attributed to both sides.
type CFProperties struct {
	Name              string
	TableCount        int
	KeyCount          int64
	OnDiskBytes       int64
	UncompressedBytes int64
	StaleBytes        int64
	// StaleRatio approximates the tombstone and superseded-version share
	// of the CF's on-disk footprint.
	StaleRatio float64
}

// ColumnFamily reports statistics for one CF.
func (p *PropertiesReader) ColumnFamily(name string) (CFProperties, error) {
	e := p.eng
	handle, err := e.reg.HandleFor(name)
	if err != nil {
		return CFProperties{}, err
	}

	prefix := cfPrefix(handle.id)
	upper := cfUpperBound(handle.id)
	props := CFProperties{Name: name}

	for _, tbl := range e.db.Tables() {
		// Native table bounds carry a version suffix; comparing the raw
		// bytes against the 4-byte CF bounds still orders correctly.
		if len(tbl.Right) > 0 && bytes.Compare(tbl.Right, prefix) < 0 {
			continue
		}
		if len(tbl.Left) > 0 && bytes.Compare(tbl.Left, upper) >= 0 {
			continue
		}
		props.TableCount++
		props.KeyCount += int64(tbl.KeyCount)
		props.OnDiskBytes += int64(tbl.OnDiskSize)
		props.UncompressedBytes += int64(tbl.UncompressedSize)
		props.StaleBytes += int64(tbl.StaleDataSize)
	}
	if props.OnDiskBytes > 0 {
		props.StaleRatio = float64(props.StaleBytes) / float64(props.OnDiskBytes)
	}
	return props, nil
}

// engineStats wires operation counters and property gauges into the injected
// metrics registry. All methods are nil-receiver safe so the hot paths need
// no enabled-check.
type engineStats struct {
	reg *metrics.Registry

	gets         *vm.Counter
	writes       *vm.Counter
	writeEntries *vm.Counter
	snapshots    *vm.Counter
	iterators    *vm.Counter
	cacheHits    *vm.Counter

	getDur   *vm.Histogram
	writeDur *vm.Histogram

	getErrs   *vm.Counter
	writeErrs *vm.Counter
}

func newEngineStats(reg *metrics.Registry, e *Engine) *engineStats {
	s := &engineStats{
		reg:          reg,
		gets:         reg.Counter("kvengine_gets_total"),
		writes:       reg.Counter("kvengine_writes_total"),
		writeEntries: reg.Counter("kvengine_write_entries_total"),
		snapshots:    reg.Counter("kvengine_snapshots_total"),
		iterators:    reg.Counter("kvengine_iterators_total"),
		cacheHits:    reg.Counter("kvengine_read_cache_hits_total"),
		getDur:       reg.Histogram("kvengine_get_duration_seconds"),
		writeDur:     reg.Histogram("kvengine_write_duration_seconds"),
		getErrs:      reg.CounterWithLabels("kvengine_errors_total", map[string]string{"op": "get"}),
		writeErrs:    reg.CounterWithLabels("kvengine_errors_total", map[string]string{"op": "write"}),
	}
	reg.Gauge("kvengine_sequence", func() float64 {
		return float64(e.seq.Load())
	})
	reg.Gauge("kvengine_live_snapshots", func() float64 {
		return float64(e.liveSnapshots())
	})
	reg.Gauge("kvengine_lsm_size_bytes", func() float64 {
		lsm, _ := e.db.Size()
		return float64(lsm)
	})
	reg.Gauge("kvengine_vlog_size_bytes", func() float64 {
		_, vlog := e.db.Size()
		return float64(vlog)
	})
	s.cfChanged(e)
	return s
}

// cfChanged (re)registers per-CF gauges. Gauges for dropped CFs keep
// reporting zero until the registry is torn down; the scrape cost is noise.
func (s *engineStats) cfChanged(e *Engine) {
	if s == nil {
		return
	}
	for _, name := range e.reg.Names() {
		cf := name
		s.reg.GaugeWithLabels("kvengine_cf_disk_bytes", map[string]string{"cf": cf}, func() float64 {
			props, err := e.Properties().ColumnFamily(cf)
			if err != nil {
				return 0
			}
			return float64(props.OnDiskBytes)
		})
		s.reg.GaugeWithLabels("kvengine_cf_keys", map[string]string{"cf": cf}, func() float64 {
			props, err := e.Properties().ColumnFamily(cf)
			if err != nil {
				return 0
			}
			return float64(props.KeyCount)
		})
	}
}

// observeGet records one point read. A key miss is an answer, not an error.
func (s *engineStats) observeGet(start time.Time, err error) {
	if s == nil {
		return
	}
	s.gets.Inc()
	s.getDur.UpdateDuration(start)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		s.getErrs.Inc()
	}
}

func (s *engineStats) observeWrite(start time.Time, entries int) {
	if s == nil {
		return
	}
	s.writes.Inc()
	s.writeEntries.Add(entries)
	s.writeDur.UpdateDuration(start)
}

func (s *engineStats) writeFailed() {
	if s != nil {
		s.writeErrs.Inc()
	}
}

func (s *engineStats) incSnapshot() {
	if s != nil {
		s.snapshots.Inc()
	}
}

func (s *engineStats) incIterator() {
	if s != nil {
		s.iterators.Inc()
	}
}

func (s *engineStats) incCacheHit() {
	if s != nil {
		s.cacheHits.Inc()
	}
}
