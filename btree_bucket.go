package bonsaidb

import (
	"encoding/binary"
	"math"
	"slices"
)

// Node page layout:
//
//	0      isLeaf (1 byte)
//	2..3   entry count (uint16)
//	4..11  left sibling page (int64, -1 if none; leaves only)
//	12..19 right sibling page (int64, -1 if none; leaves only)
//	24..   entries
//
// A leaf entry is a 20-byte EdgeKey followed by an int32 value. An internal
// node stores child 0 as int64, then count pairs of a 20-byte key and the
// int64 child to its right. Keys in child i are below key i; keys in child
// i+1 are at or above it.
const (
	nodeHeaderSize    = 24
	leafEntrySize     = edgeKeySize + 4
	internalEntrySize = edgeKeySize + 8

	nodeOffLeaf  = 0
	nodeOffCount = 2
	nodeOffLeft  = 4
	nodeOffRight = 12
)

type bnode struct {
	leaf     bool
	left     int64
	right    int64
	keys     []EdgeKey
	values   []int32
	children []int64
}

func maxLeafEntries(pageSize int) int {
	return (pageSize - nodeHeaderSize) / leafEntrySize
}

func maxInternalKeys(pageSize int) int {
	return (pageSize - nodeHeaderSize - 8) / internalEntrySize
}

func newLeafNode() *bnode {
	return &bnode{leaf: true, left: -1, right: -1}
}

func decodeNode(buf []byte) (*bnode, error) {
	n := &bnode{
		leaf:  buf[nodeOffLeaf] == 1,
		left:  int64(binary.BigEndian.Uint64(buf[nodeOffLeft:])),
		right: int64(binary.BigEndian.Uint64(buf[nodeOffRight:])),
	}
	count := int(binary.BigEndian.Uint16(buf[nodeOffCount:]))
	if n.leaf {
		if nodeHeaderSize+count*leafEntrySize > len(buf) {
			return nil, dataErrf(buf[:nodeHeaderSize], 0, ErrCorruptPage, "leaf claims %d entries", count)
		}
		n.keys = make([]EdgeKey, count)
		n.values = make([]int32, count)
		off := nodeHeaderSize
		for i := range count {
			n.keys[i] = decodeEdgeKey(buf[off:])
			n.values[i] = int32(binary.BigEndian.Uint32(buf[off+edgeKeySize:]))
			off += leafEntrySize
		}
		return n, nil
	}

	if nodeHeaderSize+8+count*internalEntrySize > len(buf) {
		return nil, dataErrf(buf[:nodeHeaderSize], 0, ErrCorruptPage, "internal node claims %d keys", count)
	}
	n.keys = make([]EdgeKey, count)
	n.children = make([]int64, count+1)
	off := nodeHeaderSize
	n.children[0] = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	for i := range count {
		n.keys[i] = decodeEdgeKey(buf[off:])
		n.children[i+1] = int64(binary.BigEndian.Uint64(buf[off+edgeKeySize:]))
		off += internalEntrySize
	}
	return n, nil
}

func (n *bnode) encode(buf []byte) {
	clear(buf)
	if n.leaf {
		buf[nodeOffLeaf] = 1
	}
	if len(n.keys) > math.MaxUint16 {
		panic("bonsaidb: B-tree node has too many entries for its page")
	}
	binary.BigEndian.PutUint16(buf[nodeOffCount:], uint16(len(n.keys)))
	binary.BigEndian.PutUint64(buf[nodeOffLeft:], uint64(n.left))
	binary.BigEndian.PutUint64(buf[nodeOffRight:], uint64(n.right))
	off := nodeHeaderSize
	if n.leaf {
		for i, k := range n.keys {
			k.put(buf[off:])
			binary.BigEndian.PutUint32(buf[off+edgeKeySize:], uint32(n.values[i]))
			off += leafEntrySize
		}
		return
	}
	binary.BigEndian.PutUint64(buf[off:], uint64(n.children[0]))
	off += 8
	for i, k := range n.keys {
		k.put(buf[off:])
		binary.BigEndian.PutUint64(buf[off+edgeKeySize:], uint64(n.children[i+1]))
		off += internalEntrySize
	}
}

// childIndex returns the child of an internal node that covers key.
func (n *bnode) childIndex(key EdgeKey) int {
	i, found := slices.BinarySearchFunc(n.keys, key, EdgeKey.Compare)
	if found {
		return i + 1
	}
	return i
}

// search returns the position of key in a leaf, or where it would go.
func (n *bnode) search(key EdgeKey) (int, bool) {
	return slices.BinarySearchFunc(n.keys, key, EdgeKey.Compare)
}

// splitLeaf moves the upper half of a leaf into a new node and returns it
// with the separator key.
func (n *bnode) splitLeaf() (*bnode, EdgeKey) {
	mid := len(n.keys) / 2
	right := &bnode{
		leaf:   true,
		left:   -1,
		right:  -1,
		keys:   slices.Clone(n.keys[mid:]),
		values: slices.Clone(n.values[mid:]),
	}
	n.keys = n.keys[:mid:mid]
	n.values = n.values[:mid:mid]
	return right, right.keys[0]
}

// splitInternal moves the upper half of an internal node into a new node;
// the middle key moves up to the parent.
func (n *bnode) splitInternal() (*bnode, EdgeKey) {
	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := &bnode{
		left:     -1,
		right:    -1,
		keys:     slices.Clone(n.keys[mid+1:]),
		children: slices.Clone(n.children[mid+1:]),
	}
	n.keys = n.keys[:mid:mid]
	n.children = n.children[: mid+1 : mid+1]
	return right, sep
}
