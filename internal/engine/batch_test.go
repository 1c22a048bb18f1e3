package engine_test

import (
	"bytes"
	"errors"
	"testing"

	"kvengine/internal/engine"
	"kvengine/internal/testutil"
)

func TestWriteBatchAtomicVisibility(t *testing.T) {
	eng := testutil.TestEngine(t, "default", "lock", "write")

	b := engine.NewWriteBatch()
	b.Put("default", []byte("k1"), []byte("v1"))
	b.Put("lock", []byte("k1"), []byte("l1"))
	b.Delete("write", []byte("absent"))
	b.Put("default", []byte("k2"), []byte("v2"))

	if b.Len() != 4 {
		t.Fatalf("Len = %d, want 4", b.Len())
	}

	seq, err := eng.Write(b)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if seq != eng.Sequence() {
		t.Errorf("returned seq %d != engine seq %d", seq, eng.Sequence())
	}

	for _, check := range []struct {
		cf, key, want string
	}{
		{"default", "k1", "v1"},
		{"default", "k2", "v2"},
		{"lock", "k1", "l1"},
	} {
		got, err := eng.Get(check.cf, []byte(check.key))
		if err != nil {
			t.Fatalf("Get %s/%s: %v", check.cf, check.key, err)
		}
		if string(got) != check.want {
			t.Errorf("Get %s/%s = %q, want %q", check.cf, check.key, got, check.want)
		}
	}
}

func TestWriteBatchUnknownCFStagesNothing(t *testing.T) {
	eng := testutil.TestEngine(t)

	b := engine.NewWriteBatch()
	b.Put("default", []byte("k"), []byte("v"))
	b.Put("nope", []byte("k"), []byte("v"))

	before := eng.Sequence()
	_, err := eng.Write(b)
	var writeErr *engine.WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Write = %v, want WriteError", err)
	}
	var cfErr *engine.UnknownCFError
	if !errors.As(err, &cfErr) {
		t.Errorf("WriteError does not wrap UnknownCFError: %v", err)
	}
	if eng.Sequence() != before {
		t.Errorf("failed batch advanced sequence")
	}
	// Nothing from the batch may be visible, including the valid entry.
	if _, err := eng.Get("default", []byte("k")); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Errorf("Get = %v, want ErrKeyNotFound", err)
	}
}

func TestWriteBatchLastEntryWins(t *testing.T) {
	eng := testutil.TestEngine(t)

	b := engine.NewWriteBatch()
	b.Put("default", []byte("k"), []byte("first"))
	b.Put("default", []byte("k"), []byte("second"))
	b.Delete("default", []byte("k"))
	b.Put("default", []byte("k"), []byte("third"))
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := eng.Get("default", []byte("k"))
	if err != nil || string(got) != "third" {
		t.Errorf("Get = %q, %v, want %q", got, err, "third")
	}
}

func TestDeleteRangeHonorsCallOrder(t *testing.T) {
	eng := testutil.TestEngine(t)

	b := engine.NewWriteBatch()
	b.Put("default", []byte("a"), []byte("1"))
	b.Put("default", []byte("b"), []byte("2"))
	b.DeleteRange("default", []byte("a"), []byte("b"))
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// "a" was staged before the range delete and is covered by it; "b" sits
	// at the exclusive end and survives.
	if _, err := eng.Get("default", []byte("a")); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Errorf("Get a = %v, want ErrKeyNotFound", err)
	}
	got, err := eng.Get("default", []byte("b"))
	if err != nil || string(got) != "2" {
		t.Errorf("Get b = %q, %v, want %q", got, err, "2")
	}
}

func TestDeleteRangePutAfterSurvives(t *testing.T) {
	eng := testutil.TestEngine(t)

	if err := eng.Put("default", []byte("c"), []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	b := engine.NewWriteBatch()
	b.DeleteRange("default", []byte("a"), []byte("z"))
	b.Put("default", []byte("c"), []byte("new"))
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := eng.Get("default", []byte("c"))
	if err != nil || string(got) != "new" {
		t.Errorf("Get c = %q, %v, want %q", got, err, "new")
	}
}

func TestDeleteRangeSpansExistingKeys(t *testing.T) {
	eng := testutil.TestEngine(t)

	for i := 0; i < 20; i++ {
		if err := eng.Put("default", testutil.SequentialKey("r", i), []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	b := engine.NewWriteBatch()
	b.DeleteRange("default", testutil.SequentialKey("r", 5), testutil.SequentialKey("r", 15))
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	for i := 0; i < 20; i++ {
		_, err := eng.Get("default", testutil.SequentialKey("r", i))
		inRange := i >= 5 && i < 15
		if inRange && !errors.Is(err, engine.ErrKeyNotFound) {
			t.Errorf("key %d inside range: err = %v, want ErrKeyNotFound", i, err)
		}
		if !inRange && err != nil {
			t.Errorf("key %d outside range: err = %v, want nil", i, err)
		}
	}
}

func TestDeleteRangeEmptyAndInverted(t *testing.T) {
	eng := testutil.TestEngine(t)

	if err := eng.Put("default", []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name       string
		start, end []byte
	}{
		{"empty interval", []byte("k"), []byte("k")},
		{"inverted interval", []byte("z"), []byte("a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := engine.NewWriteBatch()
			b.DeleteRange("default", tt.start, tt.end)
			if _, err := eng.Write(b); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if got, err := eng.Get("default", []byte("k")); err != nil || string(got) != "v" {
				t.Errorf("Get = %q, %v; key must be untouched", got, err)
			}
		})
	}
}

func TestWriteBatchCallerBuffersAreCopied(t *testing.T) {
	eng := testutil.TestEngine(t)

	key := []byte("key")
	value := []byte("value")
	b := engine.NewWriteBatch()
	b.Put("default", key, value)

	// Mutating the caller's slices after staging must not corrupt the batch.
	key[0] = 'X'
	value[0] = 'X'

	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := eng.Get("default", []byte("key"))
	if err != nil || !bytes.Equal(got, []byte("value")) {
		t.Errorf("Get = %q, %v, want %q", got, err, "value")
	}
}

func TestWriteBatchClearAndReuse(t *testing.T) {
	eng := testutil.TestEngine(t)

	b := engine.NewWriteBatch()
	b.Put("default", []byte("first"), []byte("1"))
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b.Clear()
	if !b.Empty() {
		t.Fatalf("Empty after Clear = false")
	}
	b.Put("default", []byte("second"), []byte("2"))
	if b.Len() != 1 {
		t.Fatalf("Len after reuse = %d, want 1", b.Len())
	}
	if _, err := eng.Write(b); err != nil {
		t.Fatalf("Write reused batch: %v", err)
	}

	for _, key := range []string{"first", "second"} {
		if _, err := eng.Get("default", []byte(key)); err != nil {
			t.Errorf("Get %s: %v", key, err)
		}
	}
}
