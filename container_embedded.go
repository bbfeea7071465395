package bonsaidb

import (
	"fmt"
	"slices"
)

// EmbeddedRIDSet is a sorted set of RIDs stored inline in the index row.
type EmbeddedRIDSet struct {
	rids []RID
}

func NewEmbeddedRIDSet(rids ...RID) (*EmbeddedRIDSet, error) {
	s := &EmbeddedRIDSet{}
	for _, rid := range rids {
		if _, err := s.Add(rid); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (*EmbeddedRIDSet) ridContainer() {}

// Add inserts rid, reporting false if it was already there. Null RIDs are
// rejected with ErrNullValue.
func (s *EmbeddedRIDSet) Add(rid RID) (bool, error) {
	if !rid.IsValid() {
		return false, fmt.Errorf("cannot add %v to an embedded RID set: %w", rid, ErrNullValue)
	}
	i, found := slices.BinarySearchFunc(s.rids, rid, RID.Compare)
	if found {
		return false, nil
	}
	s.rids = slices.Insert(s.rids, i, rid)
	return true, nil
}

func (s *EmbeddedRIDSet) Remove(rid RID) bool {
	i, found := slices.BinarySearchFunc(s.rids, rid, RID.Compare)
	if !found {
		return false
	}
	s.rids = slices.Delete(s.rids, i, i+1)
	return true
}

func (s *EmbeddedRIDSet) Has(rid RID) bool {
	_, found := slices.BinarySearchFunc(s.rids, rid, RID.Compare)
	return found
}

func (s *EmbeddedRIDSet) Len() int { return len(s.rids) }

func (s *EmbeddedRIDSet) RIDs() []RID { return slices.Clone(s.rids) }

func (s *EmbeddedRIDSet) Size(*AtomicOperation) (int, error) { return len(s.rids), nil }

func (s *EmbeddedRIDSet) Contains(_ *AtomicOperation, rid RID) (bool, error) {
	return s.Has(rid), nil
}

func (s *EmbeddedRIDSet) All(*AtomicOperation) ([]RID, error) { return s.RIDs(), nil }
