package bonsaidb

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestSplitByte(t *testing.T) {
	a, b, ok := splitByte("a:b", ':')
	if !ok || a != "a" || b != "b" {
		t.Fatalf("splitByte = (%q, %q, %v), wanted (\"a\", \"b\", true)", a, b, ok)
	}

	a, b, ok = splitByte("ab", ':')
	if ok || a != "ab" || b != "" {
		t.Fatalf("splitByte(no sep) = (%q, %q, %v), wanted (\"ab\", \"\", false)", a, b, ok)
	}
}

func TestRpad(t *testing.T) {
	if got := rpad("abc", 5, '.'); got != "abc.." {
		t.Fatalf("rpad = %q, wanted %q", got, "abc..")
	}
	if got := rpad("abc", 1, '.'); got != "abc" {
		t.Fatalf("rpad = %q, wanted %q", got, "abc")
	}
}

func TestParseRID(t *testing.T) {
	rid, err := ParseRID("#12:-3")
	if err != nil || rid != NewRID(12, -3) {
		t.Fatalf("ParseRID = (%v, %v), wanted #12:-3", rid, err)
	}
	if rid.IsPersistent() || !rid.IsNew() || !rid.IsValid() {
		t.Fatalf("%v: persistent=%v new=%v valid=%v", rid, rid.IsPersistent(), rid.IsNew(), rid.IsValid())
	}
	if _, err := ParseRID("12"); err == nil {
		t.Fatalf("ParseRID(12) succeeded, wanted error")
	}
	if NullRID.IsValid() {
		t.Fatalf("NullRID.IsValid() = true")
	}
}

func TestRIDKeyOrder(t *testing.T) {
	rids := []RID{NewRID(-1, -1), NewRID(0, -5), NewRID(0, 0), NewRID(0, 7), NewRID(3, -2), NewRID(3, 1<<40)}
	for i := 1; i < len(rids); i++ {
		a := appendRIDKey(nil, rids[i-1])
		b := appendRIDKey(nil, rids[i])
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("key(%v) = %x >= key(%v) = %x", rids[i-1], a, rids[i], b)
		}
		if rids[i-1].Compare(rids[i]) >= 0 {
			t.Fatalf("%v.Compare(%v) >= 0", rids[i-1], rids[i])
		}
		got, err := decodeRIDKey(b)
		if err != nil || got != rids[i] {
			t.Fatalf("decodeRIDKey(%x) = (%v, %v), wanted %v", b, got, err, rids[i])
		}
	}
	if _, err := decodeRIDKey([]byte{1, 2}); err == nil {
		t.Fatalf("decodeRIDKey(short) succeeded, wanted error")
	}
}

func TestInc(t *testing.T) {
	b := []byte{0x00, 0xFF}
	if !inc(b) || b[0] != 0x01 || b[1] != 0x00 {
		t.Fatalf("inc = %x, wanted 0100", b)
	}
	if inc([]byte{0xFF}) {
		t.Fatalf("inc(FF) = true, wanted false")
	}
}

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAA, 0xBB}); got != "aabb" {
		t.Fatalf("hexstr = %q, wanted aabb", got)
	}
	a := hexAttr("k", []byte{0xAA})
	if a.Key != "k" || a.Value.Kind() != slog.KindString {
		t.Fatalf("hexAttr returned unexpected attr: %+v", a)
	}
}
