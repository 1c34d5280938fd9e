package chain

import "fmt"

// Compact-u16 ("shortvec") length prefix used by the legacy wire format.
// Values are encoded 7 bits at a time, little-endian, with the high bit
// marking continuation. Max encoded length is 3 bytes (u16 range).

func appendShortvecLen(b []byte, n int) []byte {
	v := uint16(n)
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func readShortvecLen(b []byte) (n int, size int, err error) {
	var v uint32
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, fmt.Errorf("shortvec: truncated at byte %d", i)
		}
		c := b[i]
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if v > 0xffff {
				return 0, 0, fmt.Errorf("shortvec: value %d exceeds u16", v)
			}
			return int(v), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("shortvec: prefix longer than 3 bytes")
}
