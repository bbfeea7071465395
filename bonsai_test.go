package bonsaidb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func allOf(t testing.TB, op *AtomicOperation, b *BTreeBonsaiGlobal) []RID {
	t.Helper()
	var out []RID
	ensure(b.LoadAllEntries(op, func(rid RID, _ int32) bool {
		out = append(out, rid)
		return true
	}))
	return out
}

func TestBonsaiGlobal_BagsDoNotInterleave(t *testing.T) {
	db := setup(t)
	var a, b *BTreeBonsaiGlobal
	write(t, db, func(op *AtomicOperation) {
		a = must(db.Collections().CreateBTree(op, 3))
		b = must(db.Collections().CreateBTree(op, 3))
		for pos := range 30 {
			if pos%3 == 0 {
				must(a.Put(op, NewRID(9, int64(30-pos)), 1))
			} else {
				must(b.Put(op, NewRID(9, int64(30-pos)), 1))
			}
		}
	})
	require.Equal(t, a.CollectionPointer().FileID, b.CollectionPointer().FileID)
	require.NotEqual(t, a.RidBagID(), b.RidBagID())

	read(t, db, func(op *AtomicOperation) {
		ra, rb := allOf(t, op, a), allOf(t, op, b)
		require.Len(t, ra, 10)
		require.Len(t, rb, 20)
		for i := 1; i < len(ra); i++ {
			require.Negative(t, ra[i-1].Compare(ra[i]), "bag entries out of order")
		}
		for _, rid := range ra {
			require.Zero(t, (30-rid.ClusterPosition)%3, "rid %v leaked into bag a", rid)
		}
		deepEqual(t, must(a.Size(op)), 10)

		first, _ := must2(a.FirstKey(op))
		require.Equal(t, b.RidBagID(), first.RidBagID, "FirstKey spans the whole tree")
		last, _ := must2(a.LastKey(op))
		require.Equal(t, a.RidBagID(), last.RidBagID)
	})

	write(t, db, func(op *AtomicOperation) {
		ensure(a.Clear(op))
	})
	read(t, db, func(op *AtomicOperation) {
		require.True(t, must(a.IsEmpty(op)))
		require.Len(t, allOf(t, op, b), 20)
	})
}

func TestBonsaiGlobal_RealBagSize(t *testing.T) {
	db := setup(t)
	p := rids(5, 1, 5, 2, 5, 3)
	fresh := NewRID(5, 10)
	var bag *BTreeBonsaiGlobal
	write(t, db, func(op *AtomicOperation) {
		bag = must(db.Collections().CreateBTree(op, 5))
		for _, rid := range p {
			must(bag.Put(op, rid, 1))
		}
	})

	read(t, db, func(op *AtomicOperation) {
		changes := Changes{}
		changes.Increment(fresh)
		changes.Increment(fresh)
		changes.Decrement(p[0])
		deepEqual(t, must(bag.GetRealBagSize(op, changes)), 3+2-1)

		changes.Set(p[1], 5)
		deepEqual(t, must(bag.GetRealBagSize(op, changes)), 1+5+0+2)

		deepEqual(t, must(bag.GetRealBagSize(op, nil)), 3)
	})
}

func TestBonsaiGlobal_Ranges(t *testing.T) {
	db := setup(t)
	var bag, other *BTreeBonsaiGlobal
	write(t, db, func(op *AtomicOperation) {
		bag = must(db.Collections().CreateBTree(op, 1))
		other = must(db.Collections().CreateBTree(op, 1))
		for pos := 1; pos <= 10; pos++ {
			must(bag.Put(op, NewRID(2, int64(pos)), int32(pos)))
			must(other.Put(op, NewRID(2, int64(pos)), -1))
		}
	})

	r := func(pos int64) RID { return NewRID(2, pos) }
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(bag.GetValuesMajor(op, r(3), true, true, 4)), []int32{3, 4, 5, 6})
		deepEqual(t, must(bag.GetValuesMajor(op, r(8), false, false, -1)), []int32{10, 9})
		deepEqual(t, must(bag.GetValuesMinor(op, r(5), false, false, -1)), []int32{4, 3, 2, 1})
		deepEqual(t, must(bag.GetValuesMinor(op, r(2), true, true, -1)), []int32{1, 2})
		deepEqual(t, must(bag.GetValuesBetween(op, r(4), false, r(7), true, true, -1)), []int32{5, 6, 7})
		deepEqual(t, must(bag.GetValuesBetween(op, r(4), true, r(7), false, false, 2)), []int32{6, 5})

		var seen []int32
		ensure(bag.LoadEntriesMajor(op, r(6), true, true, func(_ RID, v int32) bool {
			seen = append(seen, v)
			return len(seen) < 2
		}))
		deepEqual(t, seen, []int32{6, 7})

		seen = nil
		ensure(bag.LoadEntriesBetween(op, r(1), true, r(3), true, false, func(_ RID, v int32) bool {
			seen = append(seen, v)
			return true
		}))
		deepEqual(t, seen, []int32{3, 2, 1})

		seen = nil
		ensure(bag.LoadEntriesMinor(op, r(3), false, true, func(_ RID, v int32) bool {
			seen = append(seen, v)
			return true
		}))
		deepEqual(t, seen, []int32{1, 2})
	})

	write(t, db, func(op *AtomicOperation) {
		v, found := must2(bag.Remove(op, r(4)))
		require.True(t, found)
		require.Equal(t, int32(4), v)
		_, found = must2(bag.Remove(op, r(4)))
		require.False(t, found)
	})
	read(t, db, func(op *AtomicOperation) {
		deepEqual(t, must(bag.Size(op)), 9)
		deepEqual(t, must(other.Size(op)), 10)
		_, found := must2(bag.Get(op, r(4)))
		require.False(t, found)
	})
}
