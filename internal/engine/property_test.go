package engine_test

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"kvengine/internal/engine"
	"kvengine/internal/testutil"
)

func propParameters() *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 25
	params.MaxSize = 40
	return params
}

func TestPropertyPutGetRoundTrip(t *testing.T) {
	eng, err := engine.Open("", []string{"default"}, testutil.TestOptions())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	properties := gopter.NewProperties(propParameters())

	properties.Property("a written value reads back unchanged", prop.ForAll(
		func(key string, value string) bool {
			if err := eng.Put("default", []byte(key), []byte(value)); err != nil {
				return false
			}
			got, err := eng.Get("default", []byte(key))
			return err == nil && bytes.Equal(got, []byte(value))
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("a deleted key reads as absent", prop.ForAll(
		func(key string) bool {
			if err := eng.Put("default", []byte(key), []byte("v")); err != nil {
				return false
			}
			if err := eng.Delete("default", []byte(key)); err != nil {
				return false
			}
			_, err := eng.Get("default", []byte(key))
			return errors.Is(err, engine.ErrKeyNotFound)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// modelOp is one randomly generated mutation over a small fixed keyspace.
type modelOp struct {
	kind     int // 0 put, 1 delete, 2 delete range
	key, end int
	value    string
}

const modelKeys = 20

func modelKey(i int) string { return fmt.Sprintf("mk%02d", i) }

func genModelOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, modelKeys-1),
		gen.IntRange(0, modelKeys-1),
		gen.AlphaString(),
	).Map(func(vals []interface{}) modelOp {
		return modelOp{
			kind:  vals[0].(int),
			key:   vals[1].(int),
			end:   vals[2].(int),
			value: vals[3].(string),
		}
	})
}

// applyToModel mirrors one op onto the in-memory reference map.
func applyToModel(model map[string]string, op modelOp) {
	switch op.kind {
	case 0:
		model[modelKey(op.key)] = op.value
	case 1:
		delete(model, modelKey(op.key))
	case 2:
		start, end := modelKey(op.key), modelKey(op.end)
		for k := range model {
			if k >= start && k < end {
				delete(model, k)
			}
		}
	}
}

func applyToEngine(eng *engine.Engine, op modelOp) error {
	b := engine.NewWriteBatch()
	switch op.kind {
	case 0:
		b.Put("default", []byte(modelKey(op.key)), []byte(op.value))
	case 1:
		b.Delete("default", []byte(modelKey(op.key)))
	case 2:
		b.DeleteRange("default", []byte(modelKey(op.key)), []byte(modelKey(op.end)))
	}
	_, err := eng.Write(b)
	return err
}

func TestPropertyEngineMatchesModel(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("any op sequence leaves engine and model agreeing", prop.ForAll(
		func(ops []modelOp) bool {
			eng, err := engine.Open("", []string{"default"}, testutil.TestOptions())
			if err != nil {
				return false
			}
			defer eng.Close()

			model := make(map[string]string)
			for _, op := range ops {
				if err := applyToEngine(eng, op); err != nil {
					return false
				}
				applyToModel(model, op)
			}

			// Point reads agree.
			for i := 0; i < modelKeys; i++ {
				key := modelKey(i)
				got, err := eng.Get("default", []byte(key))
				want, present := model[key]
				if present {
					if err != nil || string(got) != want {
						return false
					}
				} else if !errors.Is(err, engine.ErrKeyNotFound) {
					return false
				}
			}

			// A forward scan yields exactly the model's keys in sorted order.
			wantKeys := make([]string, 0, len(model))
			for k := range model {
				wantKeys = append(wantKeys, k)
			}
			sort.Strings(wantKeys)

			it, err := eng.NewIterator("default", engine.KeyRange{}, engine.Forward)
			if err != nil {
				return false
			}
			defer it.Close()

			var gotKeys []string
			for ok := it.SeekToFirst(); ok; ok = it.Next() {
				gotKeys = append(gotKeys, string(it.Key()))
				if string(it.Value()) != model[string(it.Key())] {
					return false
				}
			}
			if it.Err() != nil || len(gotKeys) != len(wantKeys) {
				return false
			}
			for i := range gotKeys {
				if gotKeys[i] != wantKeys[i] {
					return false
				}
			}

			// A reverse scan is the exact mirror.
			rit, err := eng.NewIterator("default", engine.KeyRange{}, engine.Reverse)
			if err != nil {
				return false
			}
			defer rit.Close()

			idx := len(wantKeys) - 1
			for ok := rit.SeekToLast(); ok; ok = rit.Prev() {
				if idx < 0 || string(rit.Key()) != wantKeys[idx] {
					return false
				}
				idx--
			}
			return rit.Err() == nil && idx == -1
		},
		gen.SliceOf(genModelOp()),
	))

	properties.TestingRun(t)
}

func TestPropertySnapshotUnaffectedByLaterWrites(t *testing.T) {
	properties := gopter.NewProperties(propParameters())

	properties.Property("snapshot reads stay pinned", prop.ForAll(
		func(key string, before string, after string) bool {
			eng, err := engine.Open("", []string{"default"}, testutil.TestOptions())
			if err != nil {
				return false
			}
			defer eng.Close()

			if err := eng.Put("default", []byte(key), []byte(before)); err != nil {
				return false
			}
			snap, err := eng.NewSnapshot()
			if err != nil {
				return false
			}
			defer snap.Release()

			if err := eng.Put("default", []byte(key), []byte(after)); err != nil {
				return false
			}

			pinned, err := snap.Get("default", []byte(key))
			if err != nil || !bytes.Equal(pinned, []byte(before)) {
				return false
			}
			latest, err := eng.Get("default", []byte(key))
			return err == nil && bytes.Equal(latest, []byte(after))
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
