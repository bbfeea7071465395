package bonsaidb

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// RID locates a stored record: a cluster and a position inside it.
type RID struct {
	ClusterID       int32 `msgpack:"c"`
	ClusterPosition int64 `msgpack:"p"`
}

const (
	ClusterIDInvalid  int32 = -1
	ClusterPosInvalid int64 = -1

	ridKeySize = 12
)

// NullRID is the identity of nothing.
var NullRID = RID{ClusterIDInvalid, ClusterPosInvalid}

func NewRID(clusterID int32, pos int64) RID {
	return RID{clusterID, pos}
}

func (r RID) IsValid() bool {
	return r.ClusterPosition != ClusterPosInvalid
}

// IsPersistent reports whether the record has been assigned its final
// position. New records carry negative positions until they are saved.
func (r RID) IsPersistent() bool {
	return r.ClusterID > -1 && r.ClusterPosition > ClusterPosInvalid
}

func (r RID) IsNew() bool {
	return r.ClusterPosition < 0
}

func (r RID) Compare(o RID) int {
	if c := cmp.Compare(r.ClusterID, o.ClusterID); c != 0 {
		return c
	}
	return cmp.Compare(r.ClusterPosition, o.ClusterPosition)
}

func (r RID) String() string {
	return "#" + strconv.FormatInt(int64(r.ClusterID), 10) + ":" + strconv.FormatInt(r.ClusterPosition, 10)
}

func ridAttr(key string, r RID) slog.Attr {
	return slog.String(key, r.String())
}

func ParseRID(s string) (RID, error) {
	body := strings.TrimPrefix(s, "#")
	cs, ps, ok := splitByte(body, ':')
	if !ok {
		return NullRID, fmt.Errorf("invalid RID %q: missing ':'", s)
	}
	c, err := strconv.ParseInt(cs, 10, 32)
	if err != nil {
		return NullRID, fmt.Errorf("invalid RID %q: cluster: %w", s, err)
	}
	p, err := strconv.ParseInt(ps, 10, 64)
	if err != nil {
		return NullRID, fmt.Errorf("invalid RID %q: position: %w", s, err)
	}
	return RID{int32(c), p}, nil
}

// appendRIDKey appends an order-preserving 12-byte encoding of r.
func appendRIDKey(buf []byte, r RID) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.ClusterID)^(1<<31))
	return binary.BigEndian.AppendUint64(buf, uint64(r.ClusterPosition)^(1<<63))
}

func decodeRIDKey(buf []byte) (RID, error) {
	if len(buf) < ridKeySize {
		return NullRID, dataErrf(buf, 0, nil, "RID key too short")
	}
	return RID{
		ClusterID:       int32(binary.BigEndian.Uint32(buf) ^ (1 << 31)),
		ClusterPosition: int64(binary.BigEndian.Uint64(buf[4:]) ^ (1 << 63)),
	}, nil
}
