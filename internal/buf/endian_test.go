package buf

import "testing"

func TestEndianHelpers(t *testing.T) {
	data := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}

	if got := U64LE(data); got != 0xefcdab8967452301 {
		t.Fatalf("U64LE = 0x%x, want 0xefcdab8967452301", got)
	}
	if got := U64LEAt(append([]byte{0}, data...), 1); got != 0xefcdab8967452301 {
		t.Fatalf("U64LEAt = 0x%x", got)
	}
	if got := U64LEAt(data, 4); got != 0 {
		t.Fatalf("U64LEAt out of bounds = 0x%x, want 0", got)
	}

	out := make([]byte, 8)
	PutU64LE(out, 0x1122334455667788)
	if U64LE(out) != 0x1122334455667788 {
		t.Fatalf("PutU64LE/U64LE mismatch: %x", out)
	}

	short := []byte{0xAA}
	if U64LE(short) != 0 {
		t.Fatalf("short reads should return 0")
	}
}
