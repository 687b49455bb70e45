// Package buf contains bounds-checked arithmetic, little-endian decoding of
// copied memory, and unsafe views over page-mapped memory.
package buf

import "encoding/binary"

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// U64LEAt reads the little-endian uint64 at b[off:]. Returns 0 when out of bounds.
func U64LEAt(b []byte, off int) uint64 {
	s, ok := Slice(b, off, 8)
	if !ok {
		return 0
	}
	return binary.LittleEndian.Uint64(s)
}

// PutU64LE writes v little-endian into b. No-op when b is too short.
func PutU64LE(b []byte, v uint64) {
	if len(b) < 8 {
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}
