package engine

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgeroptions "github.com/dgraph-io/badger/v4/options"

	"kvengine/internal/logging"
	"kvengine/internal/metrics"
)

// Compression names recognized in compression_per_level.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
)

// CFOptions are the per-column-family overrides of the engine-wide tunables.
// The native engine keeps a single shared LSM, so overrides apply where the
// adapter has per-CF control: the read cache and the external-file codec.
type CFOptions struct {
	// BlockCacheDisabled excludes this CF from the adapter read cache.
	BlockCacheDisabled bool

	// Compression overrides the effective compression for external files
	// written for this CF. Empty means inherit the engine-wide setting.
	Compression string
}

// Options is the declarative configuration consumed by Open. The zero value
// is not usable; start from DefaultOptions.
type Options struct {
	// CreateMissingColumnFamilies lets Open register CFs named in the CF
	// list that have no persisted record yet. When false, a missing CF is
	// an OpenError.
	CreateMissingColumnFamilies bool

	// InMemory runs the native engine without touching disk. Test-only.
	InMemory bool

	// SyncWrites makes every commit durable before Write returns.
	SyncWrites bool

	// BlockCacheSize is the native block cache budget in bytes. It also
	// sizes the adapter read cache at a quarter of the budget. Reloadable.
	BlockCacheSize int64

	// WriteBufferSize is the memtable budget in bytes.
	WriteBufferSize int64

	// MaxOpenFiles is accepted for compatibility with callers tuned for
	// file-handle-limited engines. The wrapped engine has no equivalent
	// knob; a non-zero value is logged and ignored.
	MaxOpenFiles int

	// CompressionPerLevel lists the compression per LSM level, top first.
	// The wrapped engine applies one algorithm to all levels, so the
	// bottommost entry is the effective one. Reloadable.
	CompressionPerLevel []string

	// EnableStatistics registers operation counters and per-CF property
	// gauges with the injected metrics registry.
	EnableStatistics bool

	// EncryptionMethod selects encryption-at-rest: "plaintext",
	// "aes-128-ctr", "aes-192-ctr" or "aes-256-ctr". Anything but
	// plaintext requires a KeyManager.
	EncryptionMethod string

	// KeyManager supplies the master key for encryption-at-rest and is
	// consulted again on key rotation. Required when EncryptionMethod is
	// not plaintext.
	KeyManager KeyManager

	// KeyRotationInterval bounds how long one data key may encrypt new
	// files before the engine issues a fresh one.
	KeyRotationInterval time.Duration

	// ColumnFamilyOptions holds per-CF overrides keyed by CF name.
	ColumnFamilyOptions map[string]CFOptions

	// CompactionFilter, when set, is consulted for every candidate entry
	// during maintenance passes. See the CompactionFilter contract.
	CompactionFilter CompactionFilter

	// GCInterval is the cadence of the background maintenance pass
	// (filter application, LSM flattening, value-log GC). Zero disables
	// the background pass; CompactRange still runs it on demand.
	GCInterval time.Duration

	// StrictChecks keeps invariant checking on: iterator misuse panics
	// instead of silently returning nil. Default on; turn off only in
	// production builds that have been validated under strict mode.
	StrictChecks bool

	// Logger receives structured engine and native-engine log lines.
	// Nil means a default JSON logger.
	Logger *logging.Logger

	// Metrics is the injected registry. Nil means a private unexported
	// set, so an engine never writes into ambient global state.
	Metrics *metrics.Registry
}

// DefaultOptions returns the options used by a production open: strict
// checking, synchronous durability, no encryption.
func DefaultOptions() Options {
	return Options{
		CreateMissingColumnFamilies: false,
		SyncWrites:                  true,
		BlockCacheSize:              256 << 20,
		WriteBufferSize:             64 << 20,
		CompressionPerLevel:         []string{CompressionNone, CompressionSnappy, CompressionZstd},
		EncryptionMethod:            EncryptionPlaintext,
		KeyRotationInterval:         10 * 24 * time.Hour,
		GCInterval:                  10 * time.Minute,
		StrictChecks:                true,
	}
}

// Validate rejects option combinations the mapper cannot express.
func (o *Options) Validate() error {
	if o.BlockCacheSize < 0 {
		return fmt.Errorf("block_cache_size must be >= 0, got %d", o.BlockCacheSize)
	}
	if o.WriteBufferSize <= 0 {
		return fmt.Errorf("write_buffer_size must be > 0, got %d", o.WriteBufferSize)
	}
	if o.MaxOpenFiles < 0 {
		return fmt.Errorf("max_open_files must be >= 0, got %d", o.MaxOpenFiles)
	}
	for _, c := range o.CompressionPerLevel {
		if c != CompressionNone && c != CompressionSnappy && c != CompressionZstd {
			return fmt.Errorf("unknown compression %q in compression_per_level", c)
		}
	}
	if _, err := keyLengthFor(o.EncryptionMethod); err != nil {
		return err
	}
	if o.EncryptionMethod != EncryptionPlaintext && o.KeyManager == nil {
		return fmt.Errorf("encryption_method %q requires a key manager", o.EncryptionMethod)
	}
	return nil
}

// effectiveCompression resolves compression_per_level to the single algorithm
// the wrapped engine applies. Data spends its lifetime in the bottom level,
// so the bottommost entry wins.
func (o *Options) effectiveCompression() string {
	if len(o.CompressionPerLevel) == 0 {
		return CompressionNone
	}
	return o.CompressionPerLevel[len(o.CompressionPerLevel)-1]
}

func (o *Options) cfOptions(name string) CFOptions {
	if o.ColumnFamilyOptions == nil {
		return CFOptions{}
	}
	return o.ColumnFamilyOptions[name]
}

// compressionFor resolves the external-file compression for one CF.
func (o *Options) compressionFor(cf string) string {
	if c := o.cfOptions(cf).Compression; c != "" {
		return c
	}
	return o.effectiveCompression()
}

// mapNativeOptions translates declarative options into the wrapped engine's
// option set. Options without a native equivalent are logged and dropped
// here, never silently misapplied.
func mapNativeOptions(path string, o *Options, log *logging.Logger) (badger.Options, error) {
	if o.InMemory {
		// The native engine refuses a directory in diskless mode.
		path = ""
	}
	opts := badger.DefaultOptions(path)
	opts = opts.WithInMemory(o.InMemory)
	opts = opts.WithSyncWrites(o.SyncWrites)
	opts = opts.WithBlockCacheSize(o.BlockCacheSize)
	opts = opts.WithMemTableSize(o.WriteBufferSize)
	opts = opts.WithMetricsEnabled(o.EnableStatistics)
	opts = opts.WithLogger(newNativeLogAdapter(log))

	// The MVCC layer above orders writes; native conflict tracking would
	// only burn memory.
	opts = opts.WithDetectConflicts(false)
	opts = opts.WithNumVersionsToKeep(1)

	if o.MaxOpenFiles > 0 {
		log.Warn("max_open_files has no native equivalent, ignoring",
			"max_open_files", o.MaxOpenFiles)
	}

	switch o.effectiveCompression() {
	case CompressionNone:
		opts = opts.WithCompression(badgeroptions.None)
	case CompressionSnappy:
		opts = opts.WithCompression(badgeroptions.Snappy)
	case CompressionZstd:
		opts = opts.WithCompression(badgeroptions.ZSTD)
		opts = opts.WithZSTDCompressionLevel(3)
	}
	if mixed := len(o.CompressionPerLevel) > 1; mixed {
		for _, c := range o.CompressionPerLevel[:len(o.CompressionPerLevel)-1] {
			if c != o.effectiveCompression() {
				log.Warn("per-level compression is collapsed to the bottommost entry",
					"levels", o.CompressionPerLevel)
				break
			}
		}
	}

	opts, err := applyEncryption(opts, o)
	if err != nil {
		return opts, err
	}
	return opts, nil
}
