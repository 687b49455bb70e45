package format

// RoundQuantum returns n rounded up to the next Quantum boundary.
// A zero size rounds to one quantum. Callers must bound n first.
//
// Example:
//
//	RoundQuantum(0)  = 16
//	RoundQuantum(1)  = 16
//	RoundQuantum(16) = 16
//	RoundQuantum(17) = 32
func RoundQuantum(n uintptr) uintptr {
	if n == 0 {
		return Quantum
	}
	return (n + QuantumMask) &^ QuantumMask
}

// RoundPage returns n rounded up to a multiple of pageSize, which must be a
// power of two. ok is false when the rounding would wrap.
//
// Example:
//
//	RoundPage(1, 4096)    = 4096, true
//	RoundPage(4096, 4096) = 4096, true
//	RoundPage(4097, 4096) = 8192, true
func RoundPage(n, pageSize uintptr) (uintptr, bool) {
	mask := pageSize - 1
	if n > ^uintptr(0)-mask {
		return 0, false
	}
	return (n + mask) &^ mask, true
}

// TruncPage returns n rounded down to a multiple of pageSize.
func TruncPage(n, pageSize uintptr) uintptr {
	return n &^ (pageSize - 1)
}

// IsAligned reports whether addr is a multiple of align (a power of two).
func IsAligned(addr, align uintptr) bool {
	return addr&(align-1) == 0
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// Log2 returns floor(log2(n)) for n > 0.
func Log2(n uintptr) uint {
	var s uint
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}
