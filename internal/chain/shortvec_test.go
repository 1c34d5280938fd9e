package chain

import (
	"bytes"
	"testing"
)

func TestShortvecRoundTrip(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{0x7f, []byte{0x7f}},
		{0x80, []byte{0x80, 0x01}},
		{0xff, []byte{0xff, 0x01}},
		{0x100, []byte{0x80, 0x02}},
		{0x3fff, []byte{0xff, 0x7f}},
		{0x4000, []byte{0x80, 0x80, 0x01}},
		{0xffff, []byte{0xff, 0xff, 0x03}},
	}
	for _, c := range cases {
		got := appendShortvecLen(nil, c.n)
		if !bytes.Equal(got, c.want) {
			t.Errorf("encode %d = %x, want %x", c.n, got, c.want)
		}
		n, size, err := readShortvecLen(got)
		if err != nil {
			t.Fatalf("decode %x: %v", got, err)
		}
		if n != c.n || size != len(c.want) {
			t.Errorf("decode %x = (%d, %d), want (%d, %d)", got, n, size, c.n, len(c.want))
		}
	}
}

func TestShortvecTruncated(t *testing.T) {
	if _, _, err := readShortvecLen(nil); err == nil {
		t.Fatal("expected error on empty input")
	}
	if _, _, err := readShortvecLen([]byte{0x80}); err == nil {
		t.Fatal("expected error on dangling continuation")
	}
	if _, _, err := readShortvecLen([]byte{0x80, 0x80, 0x80}); err == nil {
		t.Fatal("expected error on overlong prefix")
	}
}
