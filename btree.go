package bonsaidb

import (
	"context"
	"encoding/binary"
	"log/slog"
	"slices"
)

const (
	btreeMagic = 0x424E5341 // "BNSA"

	btreeEntryPage = 0
	btreeRootPage  = 1

	entryOffMagic = 0
	entryOffSize  = 4
)

// BTree is a paged B-tree from EdgeKey to int32 stored in one paged file.
// Page 0 is the entry point, page 1 is always the root. Removal never merges
// nodes: emptied leaves stay linked and iteration skips them.
type BTree struct {
	db          *DB
	name        string
	ext         string
	fileID      int64
	maxLeaf     int
	maxInternal int
}

func NewBTree(db *DB, name, ext string) *BTree {
	return &BTree{
		db:          db,
		name:        name,
		ext:         ext,
		fileID:      -1,
		maxLeaf:     maxLeafEntries(db.pageSize),
		maxInternal: maxInternalKeys(db.pageSize),
	}
}

func (t *BTree) FileName() string { return t.name + t.ext }

func (t *BTree) FileID() int64 { return t.fileID }

func (t *BTree) Create(op *AtomicOperation) error {
	op.AcquireExclusiveLock(t.FileName())
	fileID, err := op.AddFile(t.FileName())
	if err != nil {
		return err
	}
	entry, err := op.AddPage(fileID)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(entry.Buf[entryOffMagic:], btreeMagic)
	binary.BigEndian.PutUint64(entry.Buf[entryOffSize:], 0)

	root, err := op.AddPage(fileID)
	if err != nil {
		return err
	}
	newLeafNode().encode(root.Buf)
	t.fileID = fileID
	return nil
}

func (t *BTree) Load(op *AtomicOperation) error {
	fileID, found := op.FileIDByName(t.FileName())
	if !found {
		return storageErr(t.FileName(), -1, ErrFileNotFound)
	}
	entry, err := op.LoadPage(fileID, btreeEntryPage, false)
	if err != nil {
		return err
	}
	if m := binary.BigEndian.Uint32(entry.Buf[entryOffMagic:]); m != btreeMagic {
		return storageErr(t.FileName(), btreeEntryPage, dataErrf(entry.Buf[:16], 0, ErrCorruptPage, "bad magic %08x", m))
	}
	t.fileID = fileID
	return nil
}

func (t *BTree) Delete(op *AtomicOperation) error {
	op.AcquireExclusiveLock(t.FileName())
	if err := op.DeleteFile(t.fileID); err != nil {
		return err
	}
	t.fileID = -1
	return nil
}

func (t *BTree) loadNode(op *AtomicOperation, idx int64, forWrite bool) (*Page, *bnode, error) {
	p, err := op.LoadPage(t.fileID, idx, forWrite)
	if err != nil {
		return nil, nil, err
	}
	n, err := decodeNode(p.Buf)
	if err != nil {
		return nil, nil, storageErr(t.FileName(), idx, err)
	}
	return p, n, nil
}

func (t *BTree) Size(op *AtomicOperation) (int64, error) {
	entry, err := op.LoadPage(t.fileID, btreeEntryPage, false)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(entry.Buf[entryOffSize:])), nil
}

func (t *BTree) addToSize(op *AtomicOperation, delta int64) error {
	entry, err := op.LoadPage(t.fileID, btreeEntryPage, true)
	if err != nil {
		return err
	}
	n := int64(binary.BigEndian.Uint64(entry.Buf[entryOffSize:])) + delta
	binary.BigEndian.PutUint64(entry.Buf[entryOffSize:], uint64(n))
	return nil
}

type pathStep struct {
	page  int64
	node  *bnode
	child int
}

// findLeaf descends from the root to the leaf covering key, returning the
// internal nodes passed on the way.
func (t *BTree) findLeaf(op *AtomicOperation, key EdgeKey) ([]pathStep, int64, *bnode, error) {
	var path []pathStep
	idx := int64(btreeRootPage)
	for {
		_, n, err := t.loadNode(op, idx, false)
		if err != nil {
			return nil, 0, nil, err
		}
		if n.leaf {
			return path, idx, n, nil
		}
		ci := n.childIndex(key)
		path = append(path, pathStep{idx, n, ci})
		idx = n.children[ci]
	}
}

func (t *BTree) edgeLeaf(op *AtomicOperation, rightmost bool) (int64, *bnode, error) {
	idx := int64(btreeRootPage)
	for {
		_, n, err := t.loadNode(op, idx, false)
		if err != nil {
			return 0, nil, err
		}
		if n.leaf {
			return idx, n, nil
		}
		if rightmost {
			idx = n.children[len(n.children)-1]
		} else {
			idx = n.children[0]
		}
	}
}

func (t *BTree) writeNode(op *AtomicOperation, idx int64, n *bnode) error {
	p, err := op.LoadPage(t.fileID, idx, true)
	if err != nil {
		return err
	}
	n.encode(p.Buf)
	return nil
}

func (t *BTree) newNodePage(op *AtomicOperation, n *bnode) (int64, error) {
	p, err := op.AddPage(t.fileID)
	if err != nil {
		return 0, err
	}
	n.encode(p.Buf)
	return p.Index, nil
}

func (t *BTree) Get(op *AtomicOperation, key EdgeKey) (int32, bool, error) {
	_, _, leaf, err := t.findLeaf(op, key)
	if err != nil {
		return 0, false, err
	}
	i, found := leaf.search(key)
	if !found {
		return 0, false, nil
	}
	return leaf.values[i], true, nil
}

// Put inserts or overwrites key and reports whether a new entry was created.
func (t *BTree) Put(op *AtomicOperation, key EdgeKey, value int32) (bool, error) {
	op.AcquireExclusiveLock(t.FileName())
	path, leafIdx, leaf, err := t.findLeaf(op, key)
	if err != nil {
		return false, err
	}
	i, found := leaf.search(key)
	if found {
		leaf.values[i] = value
		return false, t.writeNode(op, leafIdx, leaf)
	}
	leaf.keys = slices.Insert(leaf.keys, i, key)
	leaf.values = slices.Insert(leaf.values, i, value)
	if err := t.addToSize(op, 1); err != nil {
		return false, err
	}
	BonsaiTreeOps.WithLabelValues("put").Inc()
	if len(leaf.keys) <= t.maxLeaf {
		return true, t.writeNode(op, leafIdx, leaf)
	}
	return true, t.splitLeaf(op, path, leafIdx, leaf)
}

func (t *BTree) splitLeaf(op *AtomicOperation, path []pathStep, leafIdx int64, leaf *bnode) error {
	BonsaiTreeOps.WithLabelValues("split").Inc()
	right, sep := leaf.splitLeaf()
	if t.db.verbose {
		t.db.logger.LogAttrs(context.Background(), slog.LevelDebug, "bonsai: SPLIT leaf", slog.String("file", t.FileName()), slog.Int64("page", leafIdx), slog.String("sep", sep.String()))
	}

	if leafIdx == btreeRootPage {
		left := leaf
		leftIdx, err := t.newNodePage(op, left)
		if err != nil {
			return err
		}
		right.left = leftIdx
		rightIdx, err := t.newNodePage(op, right)
		if err != nil {
			return err
		}
		left.right = rightIdx
		if err := t.writeNode(op, leftIdx, left); err != nil {
			return err
		}
		root := &bnode{left: -1, right: -1, keys: []EdgeKey{sep}, children: []int64{leftIdx, rightIdx}}
		return t.writeNode(op, btreeRootPage, root)
	}

	right.left = leafIdx
	right.right = leaf.right
	rightIdx, err := t.newNodePage(op, right)
	if err != nil {
		return err
	}
	if leaf.right >= 0 {
		_, next, err := t.loadNode(op, leaf.right, true)
		if err != nil {
			return err
		}
		next.left = rightIdx
		if err := t.writeNode(op, leaf.right, next); err != nil {
			return err
		}
	}
	leaf.right = rightIdx
	if err := t.writeNode(op, leafIdx, leaf); err != nil {
		return err
	}
	return t.insertSeparator(op, path, sep, rightIdx)
}

// insertSeparator adds (sep, child) to the parent at the end of path,
// splitting internal nodes upwards as needed.
func (t *BTree) insertSeparator(op *AtomicOperation, path []pathStep, sep EdgeKey, child int64) error {
	for len(path) > 0 {
		step := path[len(path)-1]
		path = path[:len(path)-1]
		n := step.node
		n.keys = slices.Insert(n.keys, step.child, sep)
		n.children = slices.Insert(n.children, step.child+1, child)
		if len(n.keys) <= t.maxInternal {
			return t.writeNode(op, step.page, n)
		}

		BonsaiTreeOps.WithLabelValues("split").Inc()
		right, up := n.splitInternal()
		if step.page == btreeRootPage {
			leftIdx, err := t.newNodePage(op, n)
			if err != nil {
				return err
			}
			rightIdx, err := t.newNodePage(op, right)
			if err != nil {
				return err
			}
			root := &bnode{left: -1, right: -1, keys: []EdgeKey{up}, children: []int64{leftIdx, rightIdx}}
			return t.writeNode(op, btreeRootPage, root)
		}
		rightIdx, err := t.newNodePage(op, right)
		if err != nil {
			return err
		}
		if err := t.writeNode(op, step.page, n); err != nil {
			return err
		}
		sep, child = up, rightIdx
	}
	panic("unreachable: separator above the root")
}

// Remove deletes key and returns its value.
func (t *BTree) Remove(op *AtomicOperation, key EdgeKey) (int32, bool, error) {
	op.AcquireExclusiveLock(t.FileName())
	_, leafIdx, leaf, err := t.findLeaf(op, key)
	if err != nil {
		return 0, false, err
	}
	i, found := leaf.search(key)
	if !found {
		return 0, false, nil
	}
	v := leaf.values[i]
	leaf.keys = slices.Delete(leaf.keys, i, i+1)
	leaf.values = slices.Delete(leaf.values, i, i+1)
	if err := t.writeNode(op, leafIdx, leaf); err != nil {
		return 0, false, err
	}
	BonsaiTreeOps.WithLabelValues("remove").Inc()
	return v, true, t.addToSize(op, -1)
}

// Clear drops every entry and shrinks the file back to an empty root.
func (t *BTree) Clear(op *AtomicOperation) error {
	op.AcquireExclusiveLock(t.FileName())
	if err := op.TruncateFile(t.fileID, btreeRootPage+1); err != nil {
		return err
	}
	if err := t.writeNode(op, btreeRootPage, newLeafNode()); err != nil {
		return err
	}
	entry, err := op.LoadPage(t.fileID, btreeEntryPage, true)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(entry.Buf[entryOffSize:], 0)
	return nil
}

func (t *BTree) FirstKey(op *AtomicOperation) (EdgeKey, bool, error) {
	return firstOf(t.iterateMajor(op, EdgeKey{}, true, true, false))
}

func (t *BTree) LastKey(op *AtomicOperation) (EdgeKey, bool, error) {
	return firstOf(t.iterateMinor(op, EdgeKey{}, true, false, false))
}

func firstOf(c *BTreeCursor) (EdgeKey, bool, error) {
	defer c.Close()
	if c.Next() {
		return c.Key(), true, nil
	}
	return EdgeKey{}, false, c.Err()
}

// IterateEntriesBetween scans [from, to] with the given bound inclusivity.
func (t *BTree) IterateEntriesBetween(op *AtomicOperation, from EdgeKey, fromInclusive bool, to EdgeKey, toInclusive bool, ascending bool) *BTreeCursor {
	return &BTreeCursor{
		t: t, op: op, ascending: ascending,
		lower: from, hasLower: true, lowerInc: fromInclusive,
		upper: to, hasUpper: true, upperInc: toInclusive,
	}
}

// IterateEntriesMajor scans keys above from.
func (t *BTree) IterateEntriesMajor(op *AtomicOperation, from EdgeKey, inclusive bool, ascending bool) *BTreeCursor {
	return t.iterateMajor(op, from, inclusive, ascending, true)
}

func (t *BTree) iterateMajor(op *AtomicOperation, from EdgeKey, inclusive, ascending, bounded bool) *BTreeCursor {
	return &BTreeCursor{t: t, op: op, ascending: ascending, lower: from, hasLower: bounded, lowerInc: inclusive}
}

// IterateEntriesMinor scans keys below to.
func (t *BTree) IterateEntriesMinor(op *AtomicOperation, to EdgeKey, inclusive bool, ascending bool) *BTreeCursor {
	return t.iterateMinor(op, to, inclusive, ascending, true)
}

func (t *BTree) iterateMinor(op *AtomicOperation, to EdgeKey, inclusive, ascending, bounded bool) *BTreeCursor {
	return &BTreeCursor{t: t, op: op, ascending: ascending, upper: to, hasUpper: bounded, upperInc: inclusive}
}

type BTreeEntry struct {
	Key   EdgeKey
	Value int32
}

// BTreeCursor walks a key range one leaf at a time. After each leaf it
// re-descends from the root past the last returned key, so the tree may be
// modified through the same operation while the cursor is open.
type BTreeCursor struct {
	t         *BTree
	op        *AtomicOperation
	ascending bool

	lower, upper       EdgeKey
	hasLower, hasUpper bool
	lowerInc, upperInc bool

	batch   []BTreeEntry
	pos     int
	started bool
	done    bool
	last    EdgeKey
	cur     BTreeEntry
	err     error
}

func (c *BTreeCursor) Next() bool {
	for {
		if c.done {
			return false
		}
		if c.pos < len(c.batch) {
			e := c.batch[c.pos]
			c.pos++
			c.last = e.Key
			if !c.inRange(e.Key) {
				c.finish()
				return false
			}
			c.cur = e
			return true
		}
		if err := c.fetch(); err != nil {
			c.err = err
			c.finish()
			return false
		}
		if len(c.batch) == 0 {
			c.finish()
			return false
		}
	}
}

// inRange checks the far bound; the near bound is applied while seeking.
func (c *BTreeCursor) inRange(k EdgeKey) bool {
	if c.ascending {
		if c.hasUpper {
			cmp := k.Compare(c.upper)
			return cmp < 0 || (cmp == 0 && c.upperInc)
		}
	} else if c.hasLower {
		cmp := k.Compare(c.lower)
		return cmp > 0 || (cmp == 0 && c.lowerInc)
	}
	return true
}

func (c *BTreeCursor) fetch() error {
	c.batch, c.pos = c.batch[:0], 0

	var from EdgeKey
	var inclusive, bounded bool
	if c.started {
		from, inclusive, bounded = c.last, false, true
	} else if c.ascending {
		from, inclusive, bounded = c.lower, c.lowerInc, c.hasLower
	} else {
		from, inclusive, bounded = c.upper, c.upperInc, c.hasUpper
	}
	c.started = true

	var idx int64
	var leaf *bnode
	var err error
	if bounded {
		_, idx, leaf, err = c.t.findLeaf(c.op, from)
	} else {
		idx, leaf, err = c.t.edgeLeaf(c.op, !c.ascending)
	}
	if err != nil {
		return err
	}

	first := true
	for {
		if c.ascending {
			start := 0
			if first && bounded {
				i, found := leaf.search(from)
				if found && !inclusive {
					i++
				}
				start = i
			}
			for i := start; i < len(leaf.keys); i++ {
				c.batch = append(c.batch, BTreeEntry{leaf.keys[i], leaf.values[i]})
			}
			idx = leaf.right
		} else {
			end := len(leaf.keys) - 1
			if first && bounded {
				i, found := leaf.search(from)
				if found && inclusive {
					end = i
				} else {
					end = i - 1
				}
			}
			for i := end; i >= 0; i-- {
				c.batch = append(c.batch, BTreeEntry{leaf.keys[i], leaf.values[i]})
			}
			idx = leaf.left
		}
		first = false
		if len(c.batch) > 0 || idx < 0 {
			return nil
		}
		_, leaf, err = c.t.loadNode(c.op, idx, false)
		if err != nil {
			return err
		}
	}
}

func (c *BTreeCursor) finish() {
	c.done = true
	c.batch = nil
}

func (c *BTreeCursor) Key() EdgeKey { return c.cur.Key }

func (c *BTreeCursor) Value() int32 { return c.cur.Value }

func (c *BTreeCursor) Entry() BTreeEntry { return c.cur }

func (c *BTreeCursor) Err() error { return c.err }

func (c *BTreeCursor) Close() {
	c.finish()
}

// Collect drains the cursor, returning at most limit entries (limit < 0
// means all of them), and closes it.
func (c *BTreeCursor) Collect(limit int) ([]BTreeEntry, error) {
	defer c.Close()
	var out []BTreeEntry
	for (limit < 0 || len(out) < limit) && c.Next() {
		out = append(out, c.cur)
	}
	return out, c.Err()
}
