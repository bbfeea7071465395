package bonsaidb

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func createEngine[E BaseIndexEngine](t testing.TB, db *DB, data IndexEngineData) E {
	t.Helper()
	var e E
	write(t, db, func(op *AtomicOperation) {
		e = must(db.CreateIndexEngine(op, data)).(E)
	})
	return e
}

func uniqueData(name string, api int) IndexEngineData {
	return IndexEngineData{Name: name, Algorithm: "SBTREE", ValueContainerAlgorithm: AlgorithmNone, KeySerializerID: StringKeys.ID(), APIVersion: api, NullValuesSupport: true}
}

func multiData(name string, api int) IndexEngineData {
	return IndexEngineData{Name: name, Algorithm: "SBTREE", ValueContainerAlgorithm: AlgorithmSBTreeBonsaiSet, KeySerializerID: StringKeys.ID(), APIVersion: api, Multivalue: true, NullValuesSupport: true}
}

func entries(t testing.TB, c EntryCursor) string {
	t.Helper()
	keys, rids := must2(CollectEntries(c))
	var parts []string
	for i, k := range keys {
		parts = append(parts, formatKey(k)+"="+rids[i].String())
	}
	return strings.Join(parts, " ")
}

func formatKey(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	return "?"
}

func keysOf(t testing.TB, c KeyCursor) []any {
	t.Helper()
	defer c.Close()
	var keys []any
	for c.Next() {
		keys = append(keys, c.Key())
	}
	ensure(c.Err())
	return keys
}

func TestIndexEngineV0_Unique(t *testing.T) {
	db := setup(t)
	e := createEngine[IndexEngine[RID]](t, db, uniqueData("byEmail", EngineAPIVersion0))
	require.Equal(t, EngineOpen, e.State())
	require.Equal(t, "rid", e.Data().ValueSerializer)
	require.Equal(t, -e.ID(), e.Data().AuxClusterID)

	write(t, db, func(op *AtomicOperation) {
		ensure(e.Put(op, "b@x", NewRID(1, 2)))
		ensure(e.Put(op, "a@x", NewRID(1, 1)))
		ensure(e.Put(op, "c@x", NewRID(1, 3)))
		ensure(e.Put(op, nil, NewRID(1, 9)))
		ensure(e.Put(op, "c@x", NewRID(1, 4)))
	})

	read(t, db, func(op *AtomicOperation) {
		rid, found, err := e.Get(op, "c@x")
		if err != nil || !found || rid != NewRID(1, 4) {
			t.Fatalf("Get = (%v, %v, %v), wanted #1:4", rid, found, err)
		}
		_, found, _ = e.Get(op, "zz")
		require.False(t, found)
		rid, _, _ = e.Get(op, nil)
		require.Equal(t, NewRID(1, 9), rid)

		deepEqual(t, entries(t, e.Stream(op, nil)), "a@x=#1:1 b@x=#1:2 c@x=#1:4")
		deepEqual(t, entries(t, e.DescStream(op, nil)), "c@x=#1:4 b@x=#1:2 a@x=#1:1")
		deepEqual(t, entries(t, e.IterateEntriesBetween(op, "a@x", false, "c@x", true, true, nil)), "b@x=#1:2 c@x=#1:4")
		deepEqual(t, entries(t, e.IterateEntriesMajor(op, "b@x", true, false, nil)), "c@x=#1:4 b@x=#1:2")
		deepEqual(t, entries(t, e.IterateEntriesMinor(op, "b@x", false, true, nil)), "a@x=#1:1")
		deepEqual(t, keysOf(t, e.KeyStream(op)), []any{"a@x", "b@x", "c@x"})
		deepEqual(t, must(e.Size(op, nil)), int64(4))
	})

	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(e.Remove(op, "a@x")))
		require.False(t, must(e.Remove(op, "a@x")))
		require.True(t, must(e.Remove(op, nil)))
	})
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(e.Size(op, nil)), int64(2))
	})
}

func TestIndexEngineV0_ValidatedPut(t *testing.T) {
	db := setup(t)
	e := createEngine[IndexEngine[RID]](t, db, uniqueData("u", EngineAPIVersion0))
	v := NewUniqueIndexEngineValidator(e, nil)
	rejected := testutil.ToFloat64(DuplicateKeyRejections.WithLabelValues("u"))

	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(e.ValidatedPut(op, "k", NewRID(3, 1), v)))
		require.False(t, must(e.ValidatedPut(op, "k", NewRID(3, 1), v)))
	})
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		_, err := e.ValidatedPut(op, "k", NewRID(3, 2), v)
		return err
	})
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) || dup.Existing != NewRID(3, 1) || dup.Index != "u" {
		t.Fatalf("ValidatedPut conflict = %v, wanted duplicate of #3:1", err)
	}
	deepEqual(t, testutil.ToFloat64(DuplicateKeyRejections.WithLabelValues("u"))-rejected, 1.0)

	read(t, db, func(op *AtomicOperation) {
		rid, _, _ := e.Get(op, "k")
		require.Equal(t, NewRID(3, 1), rid)
	})
}

func TestIndexEngineV0_MultiValue(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 2)
	e := createEngine[IndexEngine[RIDContainer]](t, db, multiData("tags", EngineAPIVersion0))

	write(t, db, func(op *AtomicOperation) {
		for pos := 5; pos >= 1; pos-- {
			ensure(PutMultiValue(op, e, "go", NewRID(2, int64(pos))))
		}
		ensure(PutMultiValue(op, e, "db", NewRID(2, 7)))
		ensure(PutMultiValue(op, e, nil, NewRID(2, 8)))
	})

	var pointer BonsaiCollectionPointer
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(GetMultiValue(op, e, "go")), rids(2, 1, 2, 2, 2, 3, 2, 4, 2, 5))
		deepEqual(t, must(GetMultiValue(op, e, "none")), []RID(nil))

		c, _, _ := e.Get(op, "go")
		require.IsType(t, &TreeRIDSet{}, c)
		pointer = c.(*TreeRIDSet).Pointer()
		deepEqual(t, pointer.FileID, must(db.Collections().treeOf(op, e.Data().AuxClusterID)).FileID())
		c, _, _ = e.Get(op, "db")
		require.IsType(t, &EmbeddedRIDSet{}, c)

		deepEqual(t, entries(t, e.Stream(op, MultiValuesTransformer)), "db=#2:7 go=#2:1 go=#2:2 go=#2:3 go=#2:4 go=#2:5")
		deepEqual(t, entries(t, e.IterateEntriesMajor(op, "go", true, true, MultiValuesTransformer)), "go=#2:1 go=#2:2 go=#2:3 go=#2:4 go=#2:5")
		deepEqual(t, must(e.Size(op, nil)), int64(3))
		deepEqual(t, must(e.Size(op, MultiValuesTransformer)), int64(7))

		_, _, err := CollectEntries(e.Stream(op, nil))
		require.Error(t, err, "containers need a transformer")
	})

	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(RemoveMultiValue(op, e, "go", NewRID(2, 3))))
		require.False(t, must(RemoveMultiValue(op, e, "go", NewRID(2, 3))))
		require.False(t, must(RemoveMultiValue(op, e, "nope", NewRID(2, 3))))
		require.True(t, must(RemoveMultiValue(op, e, "db", NewRID(2, 7))))
	})
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(GetMultiValue(op, e, "go")), rids(2, 1, 2, 2, 2, 4, 2, 5))
		_, found, _ := e.Get(op, "db")
		require.False(t, found, "emptied embedded container must drop the key")
	})

	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(RemoveMultiValueKey(op, e, "go")))
	})
	read(t, db, func(op *AtomicOperation) {
		bag := must(db.Collections().LoadBTree(pointer))
		require.True(t, must(bag.IsEmpty(op)))
		deepEqual(t, must(e.Size(op, MultiValuesTransformer)), int64(1))
	})

	write(t, db, func(op *AtomicOperation) {
		ensure(e.Clear(op))
	})
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(e.Size(op, nil)), int64(0))
		_, ok := op.FileIDByName(globalCollectionName(e.Data().AuxClusterID) + GlobalCollectionExtension)
		require.False(t, ok, "Clear must drop the engine's shared tree")
	})
}

func TestIndexEngineV0_UpdateFunc(t *testing.T) {
	db := setup(t)
	e := createEngine[IndexEngine[RID]](t, db, uniqueData("counter", EngineAPIVersion0))
	bump := IndexKeyUpdaterFunc[RID](func(op *AtomicOperation, old RID, found bool, _ AuxFileIDSource) (IndexUpdateAction[RID], error) {
		if !found {
			return ChangedAction(NewRID(1, 1)), nil
		}
		if old.ClusterPosition >= 3 {
			return RemoveAction[RID](), nil
		}
		return ChangedAction(NewRID(1, old.ClusterPosition+1)), nil
	})
	write(t, db, func(op *AtomicOperation) {
		ensure(e.Update(op, "k", bump))
		ensure(e.Update(op, "k", bump))
		rid, _, _ := e.Get(op, "k")
		require.Equal(t, NewRID(1, 2), rid)
		ensure(e.Update(op, "k", bump))
		ensure(e.Update(op, "k", bump))
		_, found, _ := e.Get(op, "k")
		require.False(t, found)
		ensure(e.Update(op, "k", IndexKeyUpdaterFunc[RID](func(*AtomicOperation, RID, bool, AuxFileIDSource) (IndexUpdateAction[RID], error) {
			return NothingAction[RID](), nil
		})))
	})
}

func TestIndexEngineV1_SingleValue(t *testing.T) {
	db := setup(t)
	e := createEngine[SingleValueIndexEngine](t, db, uniqueData("byName", EngineAPIVersion1))
	require.False(t, e.IsMultiValue())
	require.Equal(t, EngineAPIVersion1, e.EngineAPIVersion())

	write(t, db, func(op *AtomicOperation) {
		ensure(e.Put(op, "x", NewRID(4, 1)))
		ensure(e.Put(op, "y", NewRID(4, 2)))
		ensure(e.Put(op, "x", NewRID(4, 3)))
		ensure(e.Put(op, nil, NewRID(4, 4)))
	})
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		return e.Put(op, "z", NullRID)
	})
	if !errors.Is(err, ErrNullValue) {
		t.Fatalf("Put(NullRID) = %v, wanted ErrNullValue", err)
	}

	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(e.Get(op, "x")), rids(4, 3))
		deepEqual(t, must(e.Get(op, nil)), rids(4, 4))
		isempty(t, must(e.Get(op, "nope")))
		deepEqual(t, entries(t, e.Stream(op, nil)), "x=#4:3 y=#4:2")
		deepEqual(t, entries(t, e.IterateEntriesMinor(op, "y", false, false, nil)), "x=#4:3")
		deepEqual(t, must(e.Size(op, nil)), int64(3))
	})

	v := NewUniqueIndexEngineValidator(e, IdentityResolverFunc(func(rid RID) (RID, error) {
		return NewRID(rid.ClusterID, 100), nil
	}))
	write(t, db, func(op *AtomicOperation) {
		require.False(t, must(e.ValidatedPut(op, "y", NewRID(4, 2), v)))
		require.True(t, must(e.ValidatedPut(op, "new", NewRID(4, -2), v)))
		deepEqual(t, must(e.Get(op, "new")), rids(4, 100))
		require.True(t, must(e.Remove(op, "new")))
		require.False(t, must(e.Remove(op, "new")))
	})
}

func TestIndexEngineV1_MultiValue(t *testing.T) {
	db := setup(t)
	e := createEngine[MultiValueIndexEngine](t, db, multiData("byTag", EngineAPIVersion1))
	require.True(t, e.IsMultiValue())

	write(t, db, func(op *AtomicOperation) {
		ensure(e.Put(op, "a", NewRID(1, 2)))
		ensure(e.Put(op, "a", NewRID(1, 1)))
		ensure(e.Put(op, "ab", NewRID(1, 3)))
		ensure(e.Put(op, "b", NewRID(1, 4)))
		ensure(e.Put(op, "a", NewRID(1, 1)))
		ensure(e.Put(op, nil, NewRID(1, 5)))
		ensure(e.Put(op, nil, NewRID(1, 6)))
	})

	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(e.Get(op, "a")), rids(1, 1, 1, 2))
		deepEqual(t, must(e.Get(op, "ab")), rids(1, 3))
		deepEqual(t, must(e.Get(op, nil)), rids(1, 5, 1, 6))
		deepEqual(t, entries(t, e.Stream(op, nil)), "a=#1:1 a=#1:2 ab=#1:3 b=#1:4")
		deepEqual(t, entries(t, e.DescStream(op, nil)), "b=#1:4 ab=#1:3 a=#1:2 a=#1:1")
		deepEqual(t, entries(t, e.IterateEntriesBetween(op, "a", true, "ab", true, true, nil)), "a=#1:1 a=#1:2 ab=#1:3")
		deepEqual(t, entries(t, e.IterateEntriesBetween(op, "a", false, "b", false, true, nil)), "ab=#1:3")
		deepEqual(t, entries(t, e.IterateEntriesMajor(op, "ab", false, false, nil)), "b=#1:4")
		deepEqual(t, entries(t, e.IterateEntriesMinor(op, "a", true, false, nil)), "a=#1:2 a=#1:1")
		deepEqual(t, keysOf(t, e.KeyStream(op)), []any{"a", "ab", "b"})
		deepEqual(t, must(e.Size(op, nil)), int64(6))
	})

	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(e.Remove(op, "a", NewRID(1, 1))))
		require.False(t, must(e.Remove(op, "a", NewRID(1, 1))))
		require.True(t, must(e.Remove(op, nil, NewRID(1, 5))))
	})
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(e.Get(op, "a")), rids(1, 2))
		deepEqual(t, must(e.Get(op, nil)), rids(1, 6))
	})
}

func TestIndexEngine_StateMachine(t *testing.T) {
	db := setup(t)
	e := createEngine[SingleValueIndexEngine](t, db, uniqueData("s", EngineAPIVersion1))
	require.ErrorIs(t, e.Init(IndexMetadata{}), ErrEngineState)

	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		_, err := db.CreateIndexEngine(op, uniqueData("s", EngineAPIVersion1))
		return err
	})
	require.ErrorContains(t, err, "already exists")

	e.Close()
	require.Equal(t, EngineClosed, e.State())
	err = db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		return e.Put(op, "k", NewRID(1, 1))
	})
	require.ErrorIs(t, err, ErrEngineState)

	var reopened SingleValueIndexEngine
	read(t, db, func(op *AtomicOperation) {
		reopened = must(db.LoadIndexEngine(op, "s")).(SingleValueIndexEngine)
		_, err := db.LoadIndexEngine(op, "missing")
		require.ErrorIs(t, err, ErrBucketNotFound)
	})
	require.Equal(t, EngineOpen, reopened.State())
	got, _ := db.IndexEngine("s")
	require.Same(t, reopened, got)

	write(t, db, func(op *AtomicOperation) {
		ensure(db.DeleteIndexEngine(op, "s"))
	})
	require.Equal(t, EngineUninitialized, reopened.State())
	read(t, db, func(op *AtomicOperation) {
		isempty(t, op.EngineNames())
		_, err := reopened.Get(op, "k")
		require.ErrorIs(t, err, ErrEngineState)
		_, err = db.LoadIndexEngine(op, "s")
		require.ErrorIs(t, err, ErrBucketNotFound)
	})
}

func TestIndexEngine_InvalidDefinitions(t *testing.T) {
	db := setup(t)
	tests := []struct {
		name string
		data IndexEngineData
		want error
	}{
		{"algorithm", func() IndexEngineData {
			d := multiData("m", EngineAPIVersion0)
			d.ValueContainerAlgorithm = AlgorithmNone
			return d
		}(), ErrUnsupportedAlgorithm},
		{"api", uniqueData("a", 7), nil},
		{"serializer", func() IndexEngineData {
			d := uniqueData("k", EngineAPIVersion1)
			d.KeySerializerID = 99
			return d
		}(), nil},
		{"name", uniqueData("", EngineAPIVersion1), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
				_, err := db.CreateIndexEngine(op, tt.data)
				return err
			})
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, wanted *ConfigError", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, wanted %v", err, tt.want)
			}
		})
	}
}

func TestIndexEngine_Locks(t *testing.T) {
	db := setup(t)
	e := createEngine[SingleValueIndexEngine](t, db, uniqueData("l", EngineAPIVersion1))
	write(t, db, func(op *AtomicOperation) {
		require.False(t, must(e.AcquireAtomicExclusiveLock(op, "k")))
		ensure(e.Put(op, "k", NewRID(1, 1)))
		ensure(e.Put(op, nil, NewRID(1, 2)))
	})
	write(t, db, func(op *AtomicOperation) {
		require.True(t, must(e.AcquireAtomicExclusiveLock(op, nil)))
		ensure(e.Put(op, "k", NewRID(1, 3)))
		ensure(e.Clear(op))
	})
	err := db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		_, err := e.AcquireAtomicExclusiveLock(op, 42)
		return err
	})
	require.Error(t, err, "int key for a string index")
}

func TestIndexEngine_KeyWriteThenWholeLock(t *testing.T) {
	db := setup(t)
	e := createEngine[SingleValueIndexEngine](t, db, uniqueData("upgrade", EngineAPIVersion1))

	op := must(db.BeginAtomicOperation(true))
	ensure(e.Put(op, "k", NewRID(1, 1)))
	ensure(e.Put(op, nil, NewRID(1, 2)))
	ensure(e.Clear(op))
	require.True(t, must(e.AcquireAtomicExclusiveLock(op, nil)))
	ensure(e.Put(op, "k", NewRID(1, 3)))
	ensure(op.Commit())

	write(t, db, func(op *AtomicOperation) {
		require.False(t, must(e.AcquireAtomicExclusiveLock(op, "k")))
		deepEqual(t, must(e.Get(op, "k")), rids(1, 3))
		deepEqual(t, must(e.Get(op, nil)), []RID(nil))
		ensure(e.Delete(op))
	})
}

func TestIndexEngine_SurvivesReopen(t *testing.T) {
	path := tempFile(t)
	db := must(Open(path, Options{Config: testConfig(t, EmbeddedToTreeThresholdKey, 1), IsTesting: true}))
	data := multiData("m", EngineAPIVersion0)
	data.Metadata.MergeKeys = true
	e := createEngine[IndexEngine[RIDContainer]](t, db, data)
	write(t, db, func(op *AtomicOperation) {
		for pos := range 4 {
			ensure(PutMultiValue(op, e, "k", NewRID(1, int64(pos))))
		}
	})
	ensure(db.Close())

	db = must(Open(path, Options{Config: testConfig(t, EmbeddedToTreeThresholdKey, 1), IsTesting: true}))
	defer db.Close()
	write(t, db, func(op *AtomicOperation) {
		loaded := must(db.LoadIndexEngine(op, "m")).(IndexEngine[RIDContainer])
		require.True(t, loaded.Data().Metadata.MergeKeys)
		require.Equal(t, "ridContainer", loaded.Data().ValueSerializer)
		deepEqual(t, must(GetMultiValue(op, loaded, "k")), rids(1, 0, 1, 1, 1, 2, 1, 3))
		ensure(PutMultiValue(op, loaded, "k", NewRID(1, 9)))
		deepEqual(t, must(loaded.Size(op, MultiValuesTransformer)), int64(5))
	})
}
