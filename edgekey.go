package bonsaidb

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
)

// EdgeKey keys the shared Bonsai tree. All entries of one RID bag share
// RidBagID and therefore form one contiguous range of the tree.
type EdgeKey struct {
	RidBagID       int64
	TargetCluster  int32
	TargetPosition int64
}

const edgeKeySize = 20

func NewEdgeKey(ridBagID int64, rid RID) EdgeKey {
	return EdgeKey{ridBagID, rid.ClusterID, rid.ClusterPosition}
}

func (k EdgeKey) RID() RID {
	return RID{k.TargetCluster, k.TargetPosition}
}

func (k EdgeKey) Compare(o EdgeKey) int {
	if c := cmp.Compare(k.RidBagID, o.RidBagID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.TargetCluster, o.TargetCluster); c != 0 {
		return c
	}
	return cmp.Compare(k.TargetPosition, o.TargetPosition)
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("EdgeKey{%d, %d, %d}", k.RidBagID, k.TargetCluster, k.TargetPosition)
}

// EdgeKeyRange returns the inclusive bounds of one RID bag's sub-range.
func EdgeKeyRange(ridBagID int64) (lower, upper EdgeKey) {
	return EdgeKey{ridBagID, math.MinInt32, math.MinInt64}, EdgeKey{ridBagID, math.MaxInt32, math.MaxInt64}
}

// put writes the order-preserving encoding of k: the sign bit of every
// component is flipped so unsigned byte order matches signed order.
func (k EdgeKey) put(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:], uint64(k.RidBagID)^(1<<63))
	binary.BigEndian.PutUint32(buf[8:], uint32(k.TargetCluster)^(1<<31))
	binary.BigEndian.PutUint64(buf[12:], uint64(k.TargetPosition)^(1<<63))
}

func (k EdgeKey) Bytes() []byte {
	buf := make([]byte, edgeKeySize)
	k.put(buf)
	return buf
}

func decodeEdgeKey(buf []byte) EdgeKey {
	return EdgeKey{
		RidBagID:       int64(binary.BigEndian.Uint64(buf[0:]) ^ (1 << 63)),
		TargetCluster:  int32(binary.BigEndian.Uint32(buf[8:]) ^ (1 << 31)),
		TargetPosition: int64(binary.BigEndian.Uint64(buf[12:]) ^ (1 << 63)),
	}
}

// BucketPointer addresses a bucket inside a paged file.
type BucketPointer struct {
	PageIndex  int64 `msgpack:"p"`
	PageOffset int32 `msgpack:"o"`
}

var NullBucketPointer = BucketPointer{-1, -1}

func (p BucketPointer) IsValid() bool {
	return p.PageIndex >= 0
}

// BonsaiCollectionPointer is what a record stores to reference a tree-backed
// container. FileID names the shared tree file; the container itself is
// identified by the RID bag id derived from RootPointer.
type BonsaiCollectionPointer struct {
	FileID      int64         `msgpack:"f"`
	RootPointer BucketPointer `msgpack:"r"`
}

var NullCollectionPointer = BonsaiCollectionPointer{-1, NullBucketPointer}

// newCollectionPointer encodes a RID bag id into the root pointer. Ids are
// always negative, which tells them apart from the real root pointers
// written by older formats.
func newCollectionPointer(fileID, ridBagID int64) BonsaiCollectionPointer {
	return BonsaiCollectionPointer{fileID, BucketPointer{PageIndex: ridBagID, PageOffset: 0}}
}

func (p BonsaiCollectionPointer) IsValid() bool {
	return p.FileID >= 0
}

func (p BonsaiCollectionPointer) RidBagID() int64 {
	rp := p.RootPointer
	if rp.PageIndex < 0 {
		return rp.PageIndex
	}
	return (rp.PageIndex << 16) + int64(rp.PageOffset)
}

func (p BonsaiCollectionPointer) String() string {
	return fmt.Sprintf("BonsaiCollectionPointer{file=%d, ridBag=%d}", p.FileID, p.RidBagID())
}
