// Package format holds the sizing constants and rounding helpers shared by
// the zone allocators.
package format

// Quantum and class boundaries.
const (
	// QuantumShift is log2 of the minimum block alignment.
	QuantumShift = 4
	// Quantum is the minimum alignment of every block handed out by a zone.
	Quantum = 1 << QuantumShift
	// QuantumMask masks the sub-quantum bits of an address.
	QuantumMask = Quantum - 1

	// LargeThreshold is the largest request served by the small allocator.
	LargeThreshold = 15 << 10
	// LargeThresholdLargeMem is LargeThreshold on machines configured for large memory.
	LargeThresholdLargeMem = 127 << 10

	// VMCopyThreshold is the size above which realloc copies with page copies.
	VMCopyThreshold = 40 << 10
	// VMCopyThresholdLargeMem is VMCopyThreshold for large memory configurations.
	VMCopyThresholdLargeMem = 128 << 10
)

// Region layout for the small allocator.
const (
	// RegionShift is log2 of the small allocator region size.
	RegionShift = 20
	// RegionSize is the size and alignment of one small allocator region (1 MiB).
	RegionSize = 1 << RegionShift
	// RegionMask masks the offset of an address within its region.
	RegionMask = RegionSize - 1
)

// Large cache defaults.
const (
	// LargeCacheDepth is the number of slots in the death-row ring.
	LargeCacheDepth = 16
	// LargeCacheSizeLimit is the total budget the per-entry limit is derived from.
	LargeCacheSizeLimit = 2 << 30
	// LargeCacheEntryLimit is the largest region that may be parked on death row.
	LargeCacheEntryLimit = LargeCacheSizeLimit / LargeCacheDepth
	// LargeCacheReserveLimit bounds bytes parked without being marked reusable.
	LargeCacheReserveLimit = 32 << 20

	// FlotsamHighWater enables death-row purging on pressure relief.
	FlotsamHighWater = 1 << 20
	// FlotsamLowWater disables it again.
	FlotsamLowWater = 512 << 10
)

// Debug fill patterns.
const (
	// ScribbleByte fills fresh allocations when scribbling is on.
	ScribbleByte = 0xaa
	// ScrubbleByte fills released memory when scribbling is on.
	ScrubbleByte = 0x55
)
