package bonsaidb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type clusterAux struct {
	mgr     *BTreeCollectionManager
	cluster int32
	created int
}

func (a *clusterAux) NewBonsaiTree(op *AtomicOperation) (*BTreeBonsaiGlobal, error) {
	a.created++
	return a.mgr.CreateBTree(op, a.cluster)
}

// slot plays the role of an index row for a single key.
type slot struct {
	t     testing.TB
	aux   *clusterAux
	c     RIDContainer
	found bool
}

func newSlot(t testing.TB, db *DB) *slot {
	return &slot{t: t, aux: &clusterAux{mgr: db.Collections(), cluster: 1}}
}

func (s *slot) apply(op *AtomicOperation, u IndexKeyUpdater[RIDContainer]) UpdateKind {
	s.t.Helper()
	act, err := u.Update(op, s.c, s.found, s.aux)
	if err != nil {
		s.t.Fatalf("Update failed: %v", err)
	}
	switch act.Kind() {
	case UpdateChanged:
		s.c, s.found = act.Value(), true
	case UpdateRemove:
		s.c, s.found = nil, false
	}
	return act.Kind()
}

func (s *slot) add(op *AtomicOperation, rid RID) UpdateKind {
	return s.apply(op, must(NewMultivalueIndexKeyUpdater(op.DB(), AlgorithmSBTreeBonsaiSet, rid)))
}

func (s *slot) remove(op *AtomicOperation, rid RID) UpdateKind {
	return s.apply(op, NewMultivalueEntityRemover(op.DB(), rid))
}

func TestMultivalueUpdater_AddRemoveRoundTrip(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 3)
	r := rids(1, 1, 1, 2, 1, 3)
	s := newSlot(t, db)
	var pointer BonsaiCollectionPointer
	write(t, db, func(op *AtomicOperation) {
		deepEqual(t, s.add(op, r[0]), UpdateChanged)
		deepEqual(t, s.add(op, r[1]), UpdateChanged)
		require.IsType(t, &EmbeddedRIDSet{}, s.c)
		deepEqual(t, s.add(op, r[1]), UpdateNothing)

		deepEqual(t, s.add(op, r[2]), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
		pointer = s.c.(*TreeRIDSet).Pointer()
		deepEqual(t, s.aux.created, 1)

		deepEqual(t, s.remove(op, r[1]), UpdateChanged)
		deepEqual(t, must(s.c.All(op)), []RID{r[0], r[2]})
		deepEqual(t, s.remove(op, r[1]), UpdateNothing)
	})

	write(t, db, func(op *AtomicOperation) {
		deepEqual(t, s.remove(op, r[0]), UpdateChanged)
		deepEqual(t, s.remove(op, r[2]), UpdateRemove)
		require.False(t, s.found)
	})

	read(t, db, func(op *AtomicOperation) {
		tree := must(db.Collections().treeOf(op, 1))
		lo, hi := EdgeKeyRange(pointer.RidBagID())
		isempty(t, must(tree.IterateEntriesBetween(op, lo, true, hi, true, true).Collect(-1)))
	})
}

func TestMultivalueUpdater_PromotesAtThreshold(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 2)
	s := newSlot(t, db)
	write(t, db, func(op *AtomicOperation) {
		deepEqual(t, s.add(op, NewRID(1, 1)), UpdateChanged)
		require.IsType(t, &EmbeddedRIDSet{}, s.c)
		deepEqual(t, s.add(op, NewRID(1, 2)), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
		deepEqual(t, must(s.c.All(op)), rids(1, 1, 1, 2))
	})
}

func TestMultivalueUpdater_TreeAddIsNothing(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 0)
	s := newSlot(t, db)
	write(t, db, func(op *AtomicOperation) {
		deepEqual(t, s.add(op, NewRID(1, 1)), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
		deepEqual(t, s.add(op, NewRID(1, 2)), UpdateNothing)
		deepEqual(t, must(s.c.Size(op)), 2)
	})
}

func TestMultivalueUpdater_Demotion(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 2, TreeToEmbeddedThresholdKey, 1)
	s := newSlot(t, db)
	r := rids(1, 1, 1, 2, 1, 3)
	write(t, db, func(op *AtomicOperation) {
		for _, rid := range r {
			s.add(op, rid)
		}
		require.IsType(t, &TreeRIDSet{}, s.c)
		pointer := s.c.(*TreeRIDSet).Pointer()

		deepEqual(t, s.remove(op, r[0]), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
		deepEqual(t, s.remove(op, r[1]), UpdateChanged)
		require.IsType(t, &EmbeddedRIDSet{}, s.c)
		deepEqual(t, must(s.c.All(op)), []RID{r[2]})

		bag := must(db.Collections().LoadBTree(pointer))
		require.True(t, must(bag.IsEmpty(op)))
	})
}

func TestMultivalueUpdater_LegacyFormatAlwaysUsesTree(t *testing.T) {
	db := setupOpt(t, Options{Config: testConfig(t), BinaryFormatVersion: 12, IsTesting: true})
	s := newSlot(t, db)
	write(t, db, func(op *AtomicOperation) {
		deepEqual(t, s.add(op, NewRID(1, 1)), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
		deepEqual(t, s.add(op, NewRID(1, 2)), UpdateNothing)

		// legacy containers never shrink back
		deepEqual(t, s.remove(op, NewRID(1, 1)), UpdateChanged)
		require.IsType(t, &TreeRIDSet{}, s.c)
	})
}

func TestMultivalueUpdater_Errors(t *testing.T) {
	db := setup(t)
	_, err := NewMultivalueIndexKeyUpdater(db, "CELL_BTREE", NewRID(1, 1))
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("NewMultivalueIndexKeyUpdater = %v, wanted ErrUnsupportedAlgorithm", err)
	}

	err = db.ExecuteInsideAtomicOperation(func(op *AtomicOperation) error {
		u := must(NewMultivalueIndexKeyUpdater(db, AlgorithmSBTreeBonsaiSet, NullRID))
		_, err := u.Update(op, nil, false, &clusterAux{mgr: db.Collections(), cluster: 1})
		return err
	})
	if !errors.Is(err, ErrNullValue) {
		t.Fatalf("adding a null RID = %v, wanted ErrNullValue", err)
	}
}

func TestMultivalueKeyRemover(t *testing.T) {
	db := setup(t, EmbeddedToTreeThresholdKey, 1)
	s := newSlot(t, db)
	write(t, db, func(op *AtomicOperation) {
		rm := NewMultivalueKeyRemover(db)
		deepEqual(t, s.apply(op, rm), UpdateNothing)
		require.False(t, rm.Removed())

		s.add(op, NewRID(1, 1))
		s.add(op, NewRID(1, 2))
		pointer := s.c.(*TreeRIDSet).Pointer()

		deepEqual(t, s.apply(op, rm), UpdateRemove)
		require.True(t, rm.Removed())
		bag := must(db.Collections().LoadBTree(pointer))
		require.True(t, must(bag.IsEmpty(op)))
	})
}

func TestIndexUpdateAction_String(t *testing.T) {
	deepEqual(t, NothingAction[RID]().String(), "nothing")
	deepEqual(t, RemoveAction[RID]().String(), "remove")
	deepEqual(t, ChangedAction(NewRID(1, 2)).String(), "changed(#1:2)")
}
