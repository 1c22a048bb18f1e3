package testutil

import (
	"fmt"
	"math/rand"
	"testing"

	"kvengine/internal/config"
	"kvengine/internal/engine"
	"kvengine/internal/logging"
	"kvengine/internal/metrics"
)

// TestOptions returns the option set TestEngine opens with: in-memory,
// auto-creating, quiet, and sized down so many engines fit in one test run.
func TestOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.InMemory = true
	opts.SyncWrites = false
	opts.CreateMissingColumnFamilies = true
	opts.GCInterval = 0
	opts.BlockCacheSize = 16 << 20
	opts.WriteBufferSize = 8 << 20
	opts.Logger = logging.NewNopLogger()
	return opts
}

// TestEngine opens an in-memory engine with the given column families and
// tears it down with the test.
func TestEngine(t *testing.T, cfs ...string) *engine.Engine {
	t.Helper()

	if len(cfs) == 0 {
		cfs = []string{"default"}
	}
	eng, err := engine.Open("", cfs, TestOptions())
	if err != nil {
		t.Fatalf("Failed to open test engine: %v", err)
	}

	t.Cleanup(func() {
		eng.Close()
	})

	return eng
}

// TestEngineAt opens a disk-backed engine rooted in a test temp dir.
func TestEngineAt(t *testing.T, opts engine.Options, cfs ...string) *engine.Engine {
	t.Helper()

	if len(cfs) == 0 {
		cfs = []string{"default"}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	dir := t.TempDir()
	eng, err := engine.Open(dir, cfs, opts)
	if err != nil {
		t.Fatalf("Failed to open test engine at %s: %v", dir, err)
	}

	t.Cleanup(func() {
		eng.Close()
	})

	return eng
}

// TestConfig returns a config suitable for tests: in-memory, quiet logs.
func TestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Storage.SyncWrites = false
	cfg.Storage.GCInterval = 0
	cfg.Logging.Level = "error"
	return cfg
}

// TestMetrics returns an isolated registry torn down with the test.
func TestMetrics(t *testing.T) *metrics.Registry {
	t.Helper()
	reg := metrics.NewRegistry()
	t.Cleanup(reg.Close)
	return reg
}

// RandomKey generates a printable key with the given prefix.
func RandomKey(prefix string) []byte {
	return []byte(fmt.Sprintf("%s-%08d", prefix, rand.Intn(100000000)))
}

// SequentialKey generates keys that sort in numeric order.
func SequentialKey(prefix string, i int) []byte {
	return []byte(fmt.Sprintf("%s-%08d", prefix, i))
}
