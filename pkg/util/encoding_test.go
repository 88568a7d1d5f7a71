package util

import (
	"bytes"
	"testing"
)

func TestCompactSizeRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, 1 << 62}
	for _, v := range values {
		enc := WriteCompactSize(v)
		got, n, err := ReadCompactSize(enc)
		if err != nil {
			t.Fatalf("ReadCompactSize(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
		if n != len(enc) {
			t.Errorf("consumed %d bytes, encoded %d", n, len(enc))
		}
	}
}

func TestCompactSizeEncodedWidth(t *testing.T) {
	cases := []struct {
		val  uint64
		want int
	}{
		{0, 1},
		{0xfc, 1},
		{0xfd, 3},
		{0xffff, 3},
		{0x10000, 5},
		{0xffffffff, 5},
		{0x100000000, 9},
	}
	for _, c := range cases {
		if got := len(WriteCompactSize(c.val)); got != c.want {
			t.Errorf("width of %#x = %d, want %d", c.val, got, c.want)
		}
	}
}

func TestReadCompactSizeTruncated(t *testing.T) {
	if _, _, err := ReadCompactSize(nil); err == nil {
		t.Error("expected error on empty input")
	}
	for _, data := range [][]byte{{0xfd, 0x01}, {0xfe, 0x01, 0x02}, {0xff, 0x01}} {
		if _, _, err := ReadCompactSize(data); err == nil {
			t.Errorf("expected error on truncated input %x", data)
		}
	}
}

func TestUintHelpers(t *testing.T) {
	b := Uint32ToBytes(0x01020304)
	if !bytes.Equal(b, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Errorf("Uint32ToBytes little-endian mismatch: %x", b)
	}
	v, n, err := ReadUint32(b)
	if err != nil || v != 0x01020304 || n != 4 {
		t.Errorf("ReadUint32 = %x, %d, %v", v, n, err)
	}

	b8 := Uint64ToBytes(0x0102030405060708)
	v8, n8, err := ReadUint64(b8)
	if err != nil || v8 != 0x0102030405060708 || n8 != 8 {
		t.Errorf("ReadUint64 = %x, %d, %v", v8, n8, err)
	}

	if _, _, err := ReadUint32([]byte{1, 2}); err == nil {
		t.Error("expected error on short uint32")
	}
	if _, _, err := ReadUint64([]byte{1, 2, 3}); err == nil {
		t.Error("expected error on short uint64")
	}
}

func TestHexRoundTrip(t *testing.T) {
	b, err := HexToBytes("deadbeef")
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	if BytesToHex(b) != "deadbeef" {
		t.Errorf("hex round trip mismatch: %s", BytesToHex(b))
	}
	if _, err := HexToBytes("zz"); err == nil {
		t.Error("expected error on invalid hex")
	}
}
