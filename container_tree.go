package bonsaidb

import "fmt"

// TreeRIDSet is a RID set kept in a shared Bonsai tree; the index row only
// stores its collection pointer. Changes go to the tree immediately.
type TreeRIDSet struct {
	mgr     *BTreeCollectionManager
	pointer BonsaiCollectionPointer
	bag     *BTreeBonsaiGlobal
}

func newTreeRIDSet(mgr *BTreeCollectionManager, bag *BTreeBonsaiGlobal) *TreeRIDSet {
	return &TreeRIDSet{mgr: mgr, pointer: bag.CollectionPointer(), bag: bag}
}

func (*TreeRIDSet) ridContainer() {}

func (s *TreeRIDSet) Pointer() BonsaiCollectionPointer { return s.pointer }

func (s *TreeRIDSet) tree() (*BTreeBonsaiGlobal, error) {
	if s.bag == nil {
		bag, err := s.mgr.LoadBTree(s.pointer)
		if err != nil {
			return nil, err
		}
		s.bag = bag
	}
	return s.bag, nil
}

// Add inserts rid, reporting false if it was already there.
func (s *TreeRIDSet) Add(op *AtomicOperation, rid RID) (bool, error) {
	if !rid.IsValid() {
		return false, fmt.Errorf("cannot add %v to a tree RID set: %w", rid, ErrNullValue)
	}
	bag, err := s.tree()
	if err != nil {
		return false, err
	}
	return bag.Put(op, rid, 1)
}

func (s *TreeRIDSet) Remove(op *AtomicOperation, rid RID) (bool, error) {
	bag, err := s.tree()
	if err != nil {
		return false, err
	}
	_, found, err := bag.Remove(op, rid)
	return found, err
}

func (s *TreeRIDSet) Size(op *AtomicOperation) (int, error) {
	bag, err := s.tree()
	if err != nil {
		return 0, err
	}
	return bag.Size(op)
}

func (s *TreeRIDSet) IsEmpty(op *AtomicOperation) (bool, error) {
	bag, err := s.tree()
	if err != nil {
		return false, err
	}
	return bag.IsEmpty(op)
}

func (s *TreeRIDSet) Contains(op *AtomicOperation, rid RID) (bool, error) {
	bag, err := s.tree()
	if err != nil {
		return false, err
	}
	_, found, err := bag.Get(op, rid)
	return found, err
}

func (s *TreeRIDSet) All(op *AtomicOperation) ([]RID, error) {
	bag, err := s.tree()
	if err != nil {
		return nil, err
	}
	var rids []RID
	err = bag.LoadAllEntries(op, func(rid RID, _ int32) bool {
		rids = append(rids, rid)
		return true
	})
	return rids, err
}

// Delete releases the tree entries of the set.
func (s *TreeRIDSet) Delete(op *AtomicOperation) error {
	return s.mgr.Delete(op, s.pointer)
}
