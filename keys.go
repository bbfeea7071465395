package bonsaidb

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// KeySerializer turns index keys into bytes that sort in key order and can
// be followed by more data (multi-value rows append the RID).
type KeySerializer interface {
	ID() byte
	Name() string
	AppendKey(buf []byte, key any) ([]byte, error)
	// DecodeKey returns the key and the number of bytes it took.
	DecodeKey(buf []byte) (any, int, error)
}

// CompositeKey is a key of several fields compared left to right. Fields
// may be nil, int64 (or smaller ints), string, []byte or RID.
type CompositeKey []any

func (k CompositeKey) String() string {
	var buf strings.Builder
	buf.WriteByte('[')
	for i, el := range k {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%v", el)
	}
	buf.WriteByte(']')
	return buf.String()
}

var (
	StringKeys    KeySerializer = stringKeys{}
	Int64Keys     KeySerializer = int64Keys{}
	BytesKeys     KeySerializer = bytesKeys{}
	RIDKeys       KeySerializer = ridKeys{}
	CompositeKeys KeySerializer = compositeKeys{}
)

var keySerializers = []KeySerializer{StringKeys, Int64Keys, BytesKeys, RIDKeys, CompositeKeys}

// KeySerializerByID finds a serializer by the id stored in IndexEngineData.
func KeySerializerByID(id byte) (KeySerializer, bool) {
	for _, s := range keySerializers {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

func keyTypeErr(s KeySerializer, key any) error {
	return fmt.Errorf("%s keys cannot hold %v (%T)", s.Name(), key, key)
}

type stringKeys struct{}

func (stringKeys) ID() byte     { return 1 }
func (stringKeys) Name() string { return "string" }

func (s stringKeys) AppendKey(buf []byte, key any) ([]byte, error) {
	str, ok := key.(string)
	if !ok {
		return nil, keyTypeErr(s, key)
	}
	return appendEscaped(buf, []byte(str)), nil
}

func (stringKeys) DecodeKey(buf []byte) (any, int, error) {
	d := makeByteDecoder(buf)
	raw, err := d.Escaped()
	if err != nil {
		return nil, 0, err
	}
	return string(raw), d.Off(), nil
}

type int64Keys struct{}

func (int64Keys) ID() byte     { return 2 }
func (int64Keys) Name() string { return "int64" }

func toInt64(key any) (int64, bool) {
	switch v := key.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	default:
		return 0, false
	}
}

func (s int64Keys) AppendKey(buf []byte, key any) ([]byte, error) {
	v, ok := toInt64(key)
	if !ok {
		return nil, keyTypeErr(s, key)
	}
	return binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63)), nil
}

func (int64Keys) DecodeKey(buf []byte) (any, int, error) {
	if len(buf) < 8 {
		return nil, 0, dataErrf(buf, 0, nil, "int64 key too short")
	}
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63)), 8, nil
}

type bytesKeys struct{}

func (bytesKeys) ID() byte     { return 3 }
func (bytesKeys) Name() string { return "bytes" }

func (s bytesKeys) AppendKey(buf []byte, key any) ([]byte, error) {
	b, ok := key.([]byte)
	if !ok {
		return nil, keyTypeErr(s, key)
	}
	return appendEscaped(buf, b), nil
}

func (bytesKeys) DecodeKey(buf []byte) (any, int, error) {
	d := makeByteDecoder(buf)
	raw, err := d.Escaped()
	if err != nil {
		return nil, 0, err
	}
	return raw, d.Off(), nil
}

type ridKeys struct{}

func (ridKeys) ID() byte     { return 4 }
func (ridKeys) Name() string { return "rid" }

func (s ridKeys) AppendKey(buf []byte, key any) ([]byte, error) {
	rid, ok := key.(RID)
	if !ok {
		return nil, keyTypeErr(s, key)
	}
	return appendRIDKey(buf, rid), nil
}

func (ridKeys) DecodeKey(buf []byte) (any, int, error) {
	rid, err := decodeRIDKey(buf)
	if err != nil {
		return nil, 0, err
	}
	return rid, ridKeySize, nil
}

// Composite field tags; their order is the order of mixed-type fields.
const (
	compositeEnd    byte = 0x00
	compositeNil    byte = 0x01
	compositeInt    byte = 0x02
	compositeString byte = 0x03
	compositeBytes  byte = 0x04
	compositeRID    byte = 0x05
)

type compositeKeys struct{}

func (compositeKeys) ID() byte     { return 5 }
func (compositeKeys) Name() string { return "composite" }

func (s compositeKeys) AppendKey(buf []byte, key any) ([]byte, error) {
	ck, ok := key.(CompositeKey)
	if !ok {
		return nil, keyTypeErr(s, key)
	}
	for _, el := range ck {
		if v, ok := toInt64(el); ok {
			buf = append(buf, compositeInt)
			buf = binary.BigEndian.AppendUint64(buf, uint64(v)^(1<<63))
			continue
		}
		switch v := el.(type) {
		case nil:
			buf = append(buf, compositeNil)
		case string:
			buf = append(buf, compositeString)
			buf = appendEscaped(buf, []byte(v))
		case []byte:
			buf = append(buf, compositeBytes)
			buf = appendEscaped(buf, v)
		case RID:
			buf = append(buf, compositeRID)
			buf = appendRIDKey(buf, v)
		default:
			return nil, fmt.Errorf("composite key field %v (%T) is not supported", el, el)
		}
	}
	return append(buf, compositeEnd), nil
}

func (compositeKeys) DecodeKey(buf []byte) (any, int, error) {
	d := makeByteDecoder(buf)
	var ck CompositeKey
	for {
		tag, err := d.Byte()
		if err != nil {
			return nil, 0, err
		}
		switch tag {
		case compositeEnd:
			if ck == nil {
				ck = CompositeKey{}
			}
			return ck, d.Off(), nil
		case compositeNil:
			ck = append(ck, nil)
		case compositeInt:
			raw, err := d.Raw(8)
			if err != nil {
				return nil, 0, err
			}
			ck = append(ck, int64(binary.BigEndian.Uint64(raw)^(1<<63)))
		case compositeString:
			raw, err := d.Escaped()
			if err != nil {
				return nil, 0, err
			}
			ck = append(ck, string(raw))
		case compositeBytes:
			raw, err := d.Escaped()
			if err != nil {
				return nil, 0, err
			}
			ck = append(ck, raw)
		case compositeRID:
			raw, err := d.Raw(ridKeySize)
			if err != nil {
				return nil, 0, err
			}
			rid, _ := decodeRIDKey(raw)
			ck = append(ck, rid)
		default:
			return nil, 0, dataErrf(buf, d.Off()-1, nil, "unknown composite field tag %02x", tag)
		}
	}
}

// ValueCodec stores the values of a v0 index engine.
type ValueCodec[V any] interface {
	Name() string
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

type ridCodec struct{}

func (ridCodec) Name() string { return "rid" }

func (ridCodec) Encode(rid RID) ([]byte, error) {
	return appendRIDKey(make([]byte, 0, ridKeySize), rid), nil
}

func (ridCodec) Decode(data []byte) (RID, error) {
	return decodeRIDKey(data)
}

// RIDValues stores plain RIDs in a v0 engine.
var RIDValues ValueCodec[RID] = ridCodec{}
