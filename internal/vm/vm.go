// Package vm supplies page-granular virtual memory to the zone allocators.
//
// A Provider maps anonymous, page-aligned memory, optionally surrounded by
// inaccessible guard pages, and can protect, release, or advise the host
// about ranges it handed out. All addresses are raw uintptr values that point
// outside the Go heap.
//
// # Failure model
//
// Map and GrowAt report failure with a zero address or false. They never
// panic and never retry. Unmap errors are counted but otherwise ignored,
// matching how an allocator treats munmap failures of memory it owns.
package vm

import "github.com/cockroachdb/errors"

// Prot is a page protection.
type Prot int

const (
	// ProtNone makes pages inaccessible.
	ProtNone Prot = iota
	// ProtRead makes pages readable.
	ProtRead
	// ProtReadWrite makes pages readable and writable.
	ProtReadWrite
)

// Flags modify Map and Unmap.
type Flags uint32

const (
	// GuardPrelude places an inaccessible page before the mapping.
	GuardPrelude Flags = 1 << iota
	// GuardPostlude places an inaccessible page after the mapping.
	GuardPostlude

	// GuardEdges is both guards.
	GuardEdges = GuardPrelude | GuardPostlude
)

// Tag labels a mapping with the allocator that owns it.
// Adjacent growths with the same tag belong to the same logical allocation.
type Tag uint8

const (
	TagSmall Tag = iota + 1
	TagLarge
	TagMetadata
	TagQuarantine
)

func (t Tag) String() string {
	switch t {
	case TagSmall:
		return "small"
	case TagLarge:
		return "large"
	case TagMetadata:
		return "metadata"
	case TagQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// Provider is the region/page service consumed by the allocators.
type Provider interface {
	// PageSize returns the host page size.
	PageSize() uintptr

	// Map returns size bytes (rounded up to pages) of zeroed read/write
	// memory aligned to align, or 0. align values at or below the page size
	// mean page alignment.
	Map(size, align uintptr, flags Flags, tag Tag) uintptr

	// Unmap releases a range returned by Map. flags must match the Map call
	// so guard pages are released too.
	Unmap(addr, size uintptr, flags Flags)

	// Protect changes the protection of [addr, addr+size).
	Protect(addr, size uintptr, prot Prot) error

	// MarkReusable tells the host the contents of the range may be discarded.
	// The range stays mapped.
	MarkReusable(addr, size uintptr) error

	// MarkInUse undoes MarkReusable before memory is handed out again.
	MarkInUse(addr, size uintptr) error

	// Release discards the backing pages of a range immediately. The range
	// stays mapped and reads back as zero.
	Release(addr, size uintptr) error

	// GrowAt maps size bytes exactly at addr. It fails if any page of the
	// range is already in use.
	GrowAt(addr, size uintptr, tag Tag) bool

	// Copy copies size bytes between page-aligned ranges.
	Copy(dst, src, size uintptr) error

	// Stats returns the provider counters.
	Stats() Stats
}

// Stats counts provider activity.
type Stats struct {
	Maps          uint64
	Unmaps        uint64
	MapFailures   uint64
	UnmapFailures uint64
	BytesMapped   uint64 // currently mapped, guard pages included
	GrowHits      uint64
	GrowMisses    uint64
	Reusable      uint64 // MarkReusable calls
	Released      uint64 // Release calls
}

// Errors
var (
	// ErrUnaligned is returned when a range is not page aligned.
	ErrUnaligned = errors.New("vm: range not page aligned")
	// ErrUnsupported is returned on platforms without anonymous mappings.
	ErrUnsupported = errors.New("vm: unsupported platform")
)
