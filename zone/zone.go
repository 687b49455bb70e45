package zone

import (
	"io"

	"github.com/joshuapare/zonekit/internal/buf"
)

// Zone is the allocator contract implemented by every zone.
//
// All methods are safe for concurrent use.
type Zone interface {
	// Name identifies the zone in reports.
	Name() string

	// Malloc returns at least size bytes, or 0. A zero size is treated as one byte.
	Malloc(size uintptr) uintptr

	// Calloc returns count*size zeroed bytes, or 0 when the product overflows.
	Calloc(count, size uintptr) uintptr

	// Valloc returns page-aligned memory.
	Valloc(size uintptr) uintptr

	// Free releases ptr. Freeing 0 is a no-op.
	Free(ptr uintptr)

	// FreeDefiniteSize releases ptr whose size the caller knows.
	FreeDefiniteSize(ptr, size uintptr)

	// Realloc resizes ptr to size bytes, moving it if needed. Contents up to
	// the smaller of the two sizes are preserved.
	Realloc(ptr, size uintptr) uintptr

	// Memalign returns size bytes aligned to alignment, a power of two.
	Memalign(alignment, size uintptr) uintptr

	// BatchMalloc fills results with blocks of size bytes and returns how
	// many it allocated. It may allocate fewer than requested, including none.
	BatchMalloc(size uintptr, results []uintptr) int

	// BatchFree frees every non-zero pointer in ptrs.
	BatchFree(ptrs []uintptr)

	// Size returns the usable size of ptr, or 0 if the zone does not own it.
	Size(ptr uintptr) uintptr

	// GoodSize returns the block size Malloc(size) would produce.
	GoodSize(size uintptr) uintptr

	// PressureRelief returns cached memory to the host, aiming for goal bytes
	// (0 means as much as possible). It returns the bytes released.
	PressureRelief(goal uintptr) uintptr

	// ClaimedAddress reports whether ptr falls inside memory owned by the zone.
	ClaimedAddress(ptr uintptr) bool

	// Introspect returns the zone's introspection surface.
	Introspect() Introspector

	// Destroy releases every region the zone owns. The zone must not be used afterwards.
	Destroy()
}

// RangeType classifies ranges passed to an enumerator. Values form a mask.
type RangeType uint8

const (
	// RangeInUse covers live blocks.
	RangeInUse RangeType = 1 << iota
	// RangeRegion covers whole regions owned by the zone.
	RangeRegion
	// RangeAdmin covers allocator metadata.
	RangeAdmin

	// RangeAll selects every type.
	RangeAll = RangeInUse | RangeRegion | RangeAdmin
)

// Range is a contiguous address range.
type Range struct {
	Address uintptr
	Size    uintptr
}

// End returns the first address past the range.
func (r Range) End() uintptr { return r.Address + r.Size }

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Address && addr < r.End()
}

// Enumerator walks ranges of the requested types. fn may be called several
// times per type; the slice is only valid for the duration of the call.
type Enumerator func(mask RangeType, fn func(kind RangeType, ranges []Range)) error

// Introspector exposes debugging and fork-safety hooks.
type Introspector interface {
	Enumerate(mask RangeType, fn func(kind RangeType, ranges []Range)) error
	Statistics() Statistics
	Print(w io.Writer, verbose bool)

	// ForceLock acquires every lock of the zone, ForceUnlock releases them.
	// ReinitLock resets the locks in a child after fork.
	ForceLock()
	ForceUnlock()
	ReinitLock()
	// Locked reports whether any of the zone's locks is held.
	Locked() bool

	// Check validates internal consistency and returns the first violation.
	Check() error
}

// Statistics summarises a zone's memory use.
type Statistics struct {
	BlocksInUse   uint64
	SizeInUse     uint64
	MaxSizeInUse  uint64
	SizeAllocated uint64 // mapped from the provider, cache included
}

// Add accumulates o into s.
func (s *Statistics) Add(o Statistics) {
	s.BlocksInUse += o.BlocksInUse
	s.SizeInUse += o.SizeInUse
	s.MaxSizeInUse += o.MaxSizeInUse
	s.SizeAllocated += o.SizeAllocated
}

// Bytes returns a byte view of size bytes at ptr.
func Bytes(ptr, size uintptr) []byte {
	return buf.Bytes(ptr, size)
}
