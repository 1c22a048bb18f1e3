package engine_test

import (
	"fmt"
	"testing"

	"kvengine/internal/engine"
	"kvengine/internal/testutil"
)

// seedKeys writes k01..k10 -> v01..v10 into the default CF.
func seedKeys(t *testing.T, eng *engine.Engine) {
	t.Helper()
	b := engine.NewWriteBatch()
	for i := 1; i <= 10; i++ {
		b.Put("default", []byte(fmt.Sprintf("k%02d", i)), []byte(fmt.Sprintf("v%02d", i)))
	}
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func collectForward(t *testing.T, it *engine.Iterator) []string {
	t.Helper()
	var keys []string
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	return keys
}

func TestIteratorForwardFullScan(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	keys := collectForward(t, it)
	if len(keys) != 10 {
		t.Fatalf("got %d keys, want 10", len(keys))
	}
	for i, key := range keys {
		want := fmt.Sprintf("k%02d", i+1)
		if key != want {
			t.Errorf("keys[%d] = %q, want %q", i, key, want)
		}
	}
	if it.State() != engine.IterInvalid {
		t.Errorf("state after exhaustion = %v, want IterInvalid", it.State())
	}
}

func TestIteratorBounds(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	tests := []struct {
		name string
		rng  engine.KeyRange
		want []string
	}{
		{"inner", engine.KeyRange{Start: []byte("k03"), End: []byte("k07")}, []string{"k03", "k04", "k05", "k06"}},
		{"open start", engine.KeyRange{End: []byte("k03")}, []string{"k01", "k02"}},
		{"open end", engine.KeyRange{Start: []byte("k09")}, []string{"k09", "k10"}},
		{"empty range", engine.KeyRange{Start: []byte("k05"), End: []byte("k05")}, nil},
		{"past data", engine.KeyRange{Start: []byte("z")}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := eng.NewIterator("default", tt.rng, engine.Forward)
			if err != nil {
				t.Fatalf("NewIterator: %v", err)
			}
			defer it.Close()

			keys := collectForward(t, it)
			if len(keys) != len(tt.want) {
				t.Fatalf("got %v, want %v", keys, tt.want)
			}
			for i := range keys {
				if keys[i] != tt.want[i] {
					t.Errorf("keys[%d] = %q, want %q", i, keys[i], tt.want[i])
				}
			}
		})
	}
}

func TestIteratorReverseScan(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default",
		engine.KeyRange{Start: []byte("k03"), End: []byte("k07")}, engine.Reverse)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	want := []string{"k06", "k05", "k04", "k03"}
	var keys []string
	for ok := it.SeekToLast(); ok; ok = it.Prev() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestIteratorSeekSemantics(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	// Forward Seek lands on the first key >= target.
	fwd, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer fwd.Close()

	if !fwd.Seek([]byte("k045")) || string(fwd.Key()) != "k05" {
		t.Errorf("forward Seek(k045) = %q, want k05", fwd.Key())
	}
	if !fwd.Seek([]byte("k07")) || string(fwd.Key()) != "k07" {
		t.Errorf("forward Seek(k07) = %q, want k07 (exact match)", fwd.Key())
	}
	if fwd.Seek([]byte("k11")) {
		t.Errorf("forward Seek past all keys = valid on %q", fwd.Key())
	}
	// Re-seeking after exhaustion is legal.
	if !fwd.Seek([]byte("k01")) || string(fwd.Key()) != "k01" {
		t.Errorf("re-seek after exhaustion failed")
	}

	// Reverse Seek lands on the last key <= target.
	rev, err := eng.NewIterator("default", engine.KeyRange{}, engine.Reverse)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer rev.Close()

	if !rev.Seek([]byte("k045")) || string(rev.Key()) != "k04" {
		t.Errorf("reverse Seek(k045) = %q, want k04", rev.Key())
	}
	if !rev.Seek([]byte("k07")) || string(rev.Key()) != "k07" {
		t.Errorf("reverse Seek(k07) = %q, want k07 (exact match)", rev.Key())
	}
	if rev.Seek([]byte("k00")) {
		t.Errorf("reverse Seek below all keys = valid on %q", rev.Key())
	}
}

func TestIteratorDirectionChange(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if !it.Seek([]byte("k05")) || string(it.Key()) != "k05" {
		t.Fatalf("Seek(k05) = %q", it.Key())
	}
	if !it.Next() || string(it.Key()) != "k06" {
		t.Fatalf("Next = %q, want k06", it.Key())
	}
	// Flip to backward movement mid-scan.
	if !it.Prev() || string(it.Key()) != "k05" {
		t.Fatalf("Prev = %q, want k05", it.Key())
	}
	if !it.Prev() || string(it.Key()) != "k04" {
		t.Fatalf("Prev = %q, want k04", it.Key())
	}
	// And forward again.
	if !it.Next() || string(it.Key()) != "k05" {
		t.Fatalf("Next after Prev = %q, want k05", it.Key())
	}
}

func TestIteratorPrevOffFrontExhausts(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default",
		engine.KeyRange{Start: []byte("k03"), End: []byte("k07")}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if !it.SeekToFirst() || string(it.Key()) != "k03" {
		t.Fatalf("SeekToFirst = %q", it.Key())
	}
	if it.Prev() {
		t.Errorf("Prev off the lower bound = valid on %q", it.Key())
	}
	if it.State() != engine.IterInvalid {
		t.Errorf("state = %v, want IterInvalid", it.State())
	}
}

func TestIteratorValuesMatchKeys(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		wantValue := "v" + string(it.Key()[1:])
		if string(it.Value()) != wantValue {
			t.Errorf("value for %q = %q, want %q", it.Key(), it.Value(), wantValue)
		}
	}
}

func TestIteratorIgnoresOtherColumnFamilies(t *testing.T) {
	eng := testutil.TestEngine(t, "default", "lock")
	seedKeys(t, eng)

	if err := eng.Put("lock", []byte("k99"), []byte("other")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	keys := collectForward(t, it)
	for _, key := range keys {
		if key == "k99" {
			t.Fatal("iterator leaked a key from another column family")
		}
	}
	if len(keys) != 10 {
		t.Errorf("got %d keys, want 10", len(keys))
	}
}

func TestIteratorStrictMisusePanics(t *testing.T) {
	eng := testutil.TestEngine(t) // StrictChecks on by default

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	assertPanics := func(name string, f func()) {
		t.Helper()
		defer func() {
			r := recover()
			if r == nil {
				t.Errorf("%s: no panic", name)
				return
			}
			if _, ok := r.(*engine.InvalidIteratorStateError); !ok {
				t.Errorf("%s: panic value %T, want *InvalidIteratorStateError", name, r)
			}
		}()
		f()
	}

	// The cursor has not been positioned: accessors and steps are misuse.
	assertPanics("Key", func() { it.Key() })
	assertPanics("Value", func() { it.Value() })
	assertPanics("Next", func() { it.Next() })
	assertPanics("Prev", func() { it.Prev() })
}

func TestIteratorRelaxedMisuseReturnsNil(t *testing.T) {
	opts := testutil.TestOptions()
	opts.StrictChecks = false
	eng, err := engine.Open("", []string{"default"}, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if it.Key() != nil {
		t.Errorf("Key on unpositioned relaxed iterator = %q, want nil", it.Key())
	}
	if it.Value() != nil {
		t.Errorf("Value on unpositioned relaxed iterator = %q, want nil", it.Value())
	}
	if it.Next() {
		t.Error("Next on unpositioned relaxed iterator = true")
	}
}

func TestIteratorCloseIsIdempotent(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	it.SeekToFirst()
	it.Close()
	it.Close()

	if it.State() != engine.IterInvalid {
		t.Errorf("state after Close = %v, want IterInvalid", it.State())
	}
}

func TestIteratorReadViewIsFixed(t *testing.T) {
	eng := testutil.TestEngine(t)
	seedKeys(t, eng)

	it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	if err := eng.Put("default", []byte("k00"), []byte("late")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !it.SeekToFirst() || string(it.Key()) != "k01" {
		t.Errorf("SeekToFirst = %q, want k01; a write after creation leaked in", it.Key())
	}
}
