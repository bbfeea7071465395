package bonsaidb

// BTreeBonsaiGlobal is one RID bag's view of a shared Bonsai tree. Every
// range operation is clamped to the bag's own EdgeKey sub-range, except
// FirstKey and LastKey which look at the whole tree.
type BTreeBonsaiGlobal struct {
	tree     *BTree
	ridBagID int64
	pointer  BonsaiCollectionPointer
}

func newBonsaiGlobal(tree *BTree, ridBagID int64) *BTreeBonsaiGlobal {
	return &BTreeBonsaiGlobal{
		tree:     tree,
		ridBagID: ridBagID,
		pointer:  newCollectionPointer(tree.FileID(), ridBagID),
	}
}

func (b *BTreeBonsaiGlobal) RidBagID() int64 { return b.ridBagID }

func (b *BTreeBonsaiGlobal) CollectionPointer() BonsaiCollectionPointer { return b.pointer }

func (b *BTreeBonsaiGlobal) key(rid RID) EdgeKey {
	return NewEdgeKey(b.ridBagID, rid)
}

// Get returns the counter stored for rid.
func (b *BTreeBonsaiGlobal) Get(op *AtomicOperation, rid RID) (int32, bool, error) {
	return b.tree.Get(op, b.key(rid))
}

// Put stores the counter for rid and reports whether the entry is new.
func (b *BTreeBonsaiGlobal) Put(op *AtomicOperation, rid RID, value int32) (bool, error) {
	return b.tree.Put(op, b.key(rid), value)
}

func (b *BTreeBonsaiGlobal) Remove(op *AtomicOperation, rid RID) (int32, bool, error) {
	return b.tree.Remove(op, b.key(rid))
}

// Clear removes every entry of this bag, leaving other bags of the same
// tree alone.
func (b *BTreeBonsaiGlobal) Clear(op *AtomicOperation) error {
	c := b.allCursor(op, true)
	defer c.Close()
	for c.Next() {
		if _, _, err := b.tree.Remove(op, c.Key()); err != nil {
			return err
		}
	}
	return c.Err()
}

// Delete releases the bag's storage. The shared tree file stays.
func (b *BTreeBonsaiGlobal) Delete(op *AtomicOperation) error {
	return b.Clear(op)
}

func (b *BTreeBonsaiGlobal) IsEmpty(op *AtomicOperation) (bool, error) {
	c := b.allCursor(op, true)
	defer c.Close()
	if c.Next() {
		return false, nil
	}
	return true, c.Err()
}

// Size counts the entries of the bag.
func (b *BTreeBonsaiGlobal) Size(op *AtomicOperation) (int, error) {
	n := 0
	err := b.LoadAllEntries(op, func(RID, int32) bool {
		n++
		return true
	})
	return n, err
}

func (b *BTreeBonsaiGlobal) minorCursor(op *AtomicOperation, to RID, inclusive, ascending bool) *BTreeCursor {
	lower, _ := EdgeKeyRange(b.ridBagID)
	return b.tree.IterateEntriesBetween(op, lower, true, b.key(to), inclusive, ascending)
}

func (b *BTreeBonsaiGlobal) majorCursor(op *AtomicOperation, from RID, inclusive, ascending bool) *BTreeCursor {
	_, upper := EdgeKeyRange(b.ridBagID)
	return b.tree.IterateEntriesBetween(op, b.key(from), inclusive, upper, true, ascending)
}

func (b *BTreeBonsaiGlobal) allCursor(op *AtomicOperation, ascending bool) *BTreeCursor {
	lower, upper := EdgeKeyRange(b.ridBagID)
	return b.tree.IterateEntriesBetween(op, lower, true, upper, true, ascending)
}

func (b *BTreeBonsaiGlobal) betweenCursor(op *AtomicOperation, from RID, fromInclusive bool, to RID, toInclusive bool, ascending bool) *BTreeCursor {
	return b.tree.IterateEntriesBetween(op, b.key(from), fromInclusive, b.key(to), toInclusive, ascending)
}

// GetValuesMinor returns up to maxValuesToFetch counters of RIDs below to;
// a negative limit means all of them.
func (b *BTreeBonsaiGlobal) GetValuesMinor(op *AtomicOperation, to RID, inclusive, ascending bool, maxValuesToFetch int) ([]int32, error) {
	return collectValues(b.minorCursor(op, to, inclusive, ascending), maxValuesToFetch)
}

func (b *BTreeBonsaiGlobal) GetValuesMajor(op *AtomicOperation, from RID, inclusive, ascending bool, maxValuesToFetch int) ([]int32, error) {
	return collectValues(b.majorCursor(op, from, inclusive, ascending), maxValuesToFetch)
}

func (b *BTreeBonsaiGlobal) GetValuesBetween(op *AtomicOperation, from RID, fromInclusive bool, to RID, toInclusive bool, ascending bool, maxValuesToFetch int) ([]int32, error) {
	return collectValues(b.betweenCursor(op, from, fromInclusive, to, toInclusive, ascending), maxValuesToFetch)
}

func collectValues(c *BTreeCursor, limit int) ([]int32, error) {
	entries, err := c.Collect(limit)
	if err != nil {
		return nil, err
	}
	values := make([]int32, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values, nil
}

// EntryListener receives entries of a streaming scan; returning false stops
// the scan.
type EntryListener func(rid RID, value int32) bool

func (b *BTreeBonsaiGlobal) LoadEntriesMinor(op *AtomicOperation, to RID, inclusive, ascending bool, listener EntryListener) error {
	return feed(b.minorCursor(op, to, inclusive, ascending), listener)
}

func (b *BTreeBonsaiGlobal) LoadEntriesMajor(op *AtomicOperation, from RID, inclusive, ascending bool, listener EntryListener) error {
	return feed(b.majorCursor(op, from, inclusive, ascending), listener)
}

// LoadAllEntries streams the whole bag in RID order.
func (b *BTreeBonsaiGlobal) LoadAllEntries(op *AtomicOperation, listener EntryListener) error {
	return feed(b.allCursor(op, true), listener)
}

func (b *BTreeBonsaiGlobal) LoadEntriesBetween(op *AtomicOperation, from RID, fromInclusive bool, to RID, toInclusive bool, ascending bool, listener EntryListener) error {
	return feed(b.betweenCursor(op, from, fromInclusive, to, toInclusive, ascending), listener)
}

func feed(c *BTreeCursor, listener EntryListener) error {
	defer c.Close()
	for c.Next() {
		if !listener(c.Key().RID(), c.Value()) {
			break
		}
	}
	return c.Err()
}

// FirstKey returns the smallest key of the whole shared tree.
func (b *BTreeBonsaiGlobal) FirstKey(op *AtomicOperation) (EdgeKey, bool, error) {
	return b.tree.FirstKey(op)
}

// LastKey returns the largest key of the whole shared tree.
func (b *BTreeBonsaiGlobal) LastKey(op *AtomicOperation) (EdgeKey, bool, error) {
	return b.tree.LastKey(op)
}

// GetRealBagSize returns the number of RID occurrences in the bag as seen by
// the current operation: persisted counters with changes applied, plus
// changes to RIDs that are not persisted yet.
func (b *BTreeBonsaiGlobal) GetRealBagSize(op *AtomicOperation, changes Changes) (int, error) {
	pending := make(map[RID]Change, len(changes))
	for rid, c := range changes {
		pending[rid] = c
	}
	size := 0
	err := b.LoadAllEntries(op, func(rid RID, v int32) bool {
		if c, ok := pending[rid]; ok {
			size += int(c.ApplyTo(v))
			delete(pending, rid)
		} else {
			size += int(v)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, c := range pending {
		size += int(c.ApplyTo(0))
	}
	return size, nil
}
