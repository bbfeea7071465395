package bonsaidb

import (
	"bytes"
)

func ensureCapacity(buf []byte, minCap int) []byte {
	c := cap(buf)
	if minCap > c {
		if c < 16 {
			c = 16
		}
		for minCap > c {
			c <<= 1
		}
		old := buf
		buf = make([]byte, len(old), c)
		copy(buf, old)
	}
	return buf
}

// appendEscaped appends data so that the result sorts like data and ends
// unambiguously: 0x00 becomes 0x00 0xFF and the terminator is 0x00 0x01.
func appendEscaped(buf []byte, data []byte) []byte {
	buf = ensureCapacity(buf, len(buf)+len(data)+2)
	for {
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			break
		}
		buf = append(buf, data[:i]...)
		buf = append(buf, 0x00, 0xFF)
		data = data[i+1:]
	}
	buf = append(buf, data...)
	return append(buf, 0x00, 0x01)
}

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Byte() (byte, error) {
	if len(d.Buf) < 1 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "not enough data: wanted 1 byte")
	}
	v := d.Buf[0]
	d.Buf = d.Buf[1:]
	return v, nil
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

// Escaped reads what appendEscaped wrote.
func (d *byteDecoder) Escaped() ([]byte, error) {
	var out []byte
	for i := 0; i < len(d.Buf); i++ {
		if d.Buf[i] != 0 {
			continue
		}
		if i+1 >= len(d.Buf) {
			break
		}
		switch d.Buf[i+1] {
		case 0xFF:
			out = append(out, d.Buf[:i+1]...)
			d.Buf = d.Buf[i+2:]
			i = -1
		case 0x01:
			out = append(out, d.Buf[:i]...)
			d.Buf = d.Buf[i+2:]
			if out == nil {
				out = []byte{}
			}
			return out, nil
		default:
			return nil, dataErrf(d.Orig, d.Off()+i, nil, "invalid escape 00 %02x", d.Buf[i+1])
		}
	}
	return nil, dataErrf(d.Orig, d.Off(), nil, "unterminated escaped string")
}
