package buf

import (
	"sync/atomic"
	"unsafe"
)

// Addresses handled here always point into page-mapped memory that the Go
// garbage collector does not manage, so converting them back to pointers is
// sound for as long as the mapping is alive.

// Bytes returns a byte view of n bytes at addr.
func Bytes(addr, n uintptr) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Addr returns the address of the first byte of b, or 0 when b is empty.
// The caller keeps b alive for as long as the address is used.
func Addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Words returns a uint64 view of n words at addr. addr must be 8-byte aligned.
func Words(addr, n uintptr) []uint64 {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(addr)), n)
}

// Load64 reads the word at addr.
func Load64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// Store64 writes v at addr.
func Store64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

// AtomicLoad64 atomically reads the word at addr.
func AtomicLoad64(addr uintptr) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

// AtomicStore64 atomically writes v at addr.
func AtomicStore64(addr uintptr, v uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), v)
}

// AtomicAdd64 atomically adds delta to the word at addr and returns the new value.
func AtomicAdd64(addr uintptr, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(unsafe.Pointer(addr)), delta)
}

// Fill sets n bytes at addr to b.
func Fill(addr, n uintptr, b byte) {
	p := Bytes(addr, n)
	for i := range p {
		p[i] = b
	}
}

// Zero clears n bytes at addr.
func Zero(addr, n uintptr) {
	clear(Bytes(addr, n))
}

// Copy copies n bytes from src to dst. The ranges may overlap.
func Copy(dst, src, n uintptr) {
	copy(Bytes(dst, n), Bytes(src, n))
}

// Equal reports whether n bytes at a and b match.
func Equal(a, b, n uintptr) bool {
	return string(Bytes(a, n)) == string(Bytes(b, n))
}

// IsFilled reports whether all n bytes at addr equal b.
func IsFilled(addr, n uintptr, b byte) bool {
	for _, c := range Bytes(addr, n) {
		if c != b {
			return false
		}
	}
	return true
}
