// Package scalable is the default zone: a size-class dispatcher in front of
// the magazine small allocator and the large allocator.
//
// Requests up to the small ceiling go to the magazines; everything above
// is page-mapped by the large allocator. Frees are routed by pointer: a
// pointer inside a magazine region is small, a page-aligned pointer outside
// every region is large, and anything else is reported as corruption.
package scalable

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/reclaim"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
	"github.com/joshuapare/zonekit/zone/large"
	"github.com/joshuapare/zonekit/zone/magazine"
)

// Zone is the size-class dispatcher.
//
// Safe for concurrent use.
type Zone struct {
	name     string
	provider vm.Provider
	reporter *zone.Reporter
	small    *magazine.Rack
	large    *large.Allocator
	reclaim  *reclaim.Buffer

	pageSize uintptr
	smallMax uintptr
	vmCopy   uintptr
	scribble bool
}

var (
	_ zone.Zone         = (*Zone)(nil)
	_ zone.Introspector = (*Zone)(nil)
)

// New returns a zone mapping its memory from p.
func New(p vm.Provider, cfg Config) (*Zone, error) {
	if p == nil {
		return nil, errors.New("scalable: provider is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	smallMax, vmCopy := cfg.thresholds()
	rep := zone.NewReporter(cfg.Name, cfg.AbortOnCorruption)

	small, err := magazine.New(p, rep, magazine.Config{
		Magazines:   cfg.Magazines,
		MaxSize:     smallMax,
		Scribble:    cfg.Scribble,
		SizeClasses: cfg.SizeClasses,
	})
	if err != nil {
		return nil, errors.Wrap(err, "scalable: small allocator")
	}

	var rb *reclaim.Buffer
	if cfg.DeferredReclaim {
		rb = reclaim.New(p, 0)
	}
	big, err := large.New(p, rep, large.Config{
		NoCache:  !cfg.LargeCache,
		Guard:    cfg.GuardEdges,
		Scribble: cfg.Scribble,
		Reclaim:  rb,
	})
	if err != nil {
		small.Destroy()
		return nil, errors.Wrap(err, "scalable: large allocator")
	}

	logger.L.Debug("zone created", "zone", cfg.Name, "small_max", smallMax,
		"large_cache", cfg.LargeCache, "guard_edges", cfg.GuardEdges)
	return &Zone{
		name:     cfg.Name,
		provider: p,
		reporter: rep,
		small:    small,
		large:    big,
		reclaim:  rb,
		pageSize: p.PageSize(),
		smallMax: smallMax,
		vmCopy:   vmCopy,
		scribble: cfg.Scribble,
	}, nil
}

// Name returns the zone name.
func (z *Zone) Name() string { return z.name }

// Reporter returns the zone's corruption reporter.
func (z *Zone) Reporter() *zone.Reporter { return z.reporter }

// Reclaimer returns the deferred reclaim buffer, or nil when it is off.
// The host side drives it with Reclaim or Run.
func (z *Zone) Reclaimer() *reclaim.Buffer { return z.reclaim }

// SmallMax returns the largest request served by the small allocator.
func (z *Zone) SmallMax() uintptr { return z.smallMax }

func (z *Zone) allocate(size uintptr, clear bool) uintptr {
	if size == 0 {
		size = 1
	}
	var ptr uintptr
	if size <= z.smallMax {
		ptr = z.small.Allocate(size, clear)
	} else {
		ptr = z.large.Malloc(size, 0, clear)
	}
	if ptr != 0 && z.scribble && !clear {
		buf.Fill(ptr, z.GoodSize(size), format.ScribbleByte)
	}
	return ptr
}

// Malloc returns at least size bytes, or 0.
func (z *Zone) Malloc(size uintptr) uintptr {
	return z.allocate(size, false)
}

// Calloc returns count*size zeroed bytes, or 0 on overflow.
func (z *Zone) Calloc(count, size uintptr) uintptr {
	total, ok := buf.MulOverflowSafe(count, size)
	if !ok {
		return 0
	}
	return z.allocate(total, true)
}

// Valloc returns page-aligned memory.
func (z *Zone) Valloc(size uintptr) uintptr {
	return z.Memalign(z.pageSize, size)
}

// Free releases ptr.
func (z *Zone) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}
	if !format.IsAligned(ptr, format.Quantum) {
		z.reporter.Report(zone.NonAligned, ptr, "")
		return
	}
	if reg := z.small.RegionFor(ptr); reg != nil {
		z.small.Deallocate(ptr, reg)
		return
	}
	if !format.IsAligned(ptr, z.pageSize) {
		z.reporter.Report(zone.NotAllocated, ptr, "non-page-aligned, non-allocated pointer being freed")
		return
	}
	z.large.Free(ptr)
}

// FreeDefiniteSize releases ptr, a block of size bytes.
func (z *Zone) FreeDefiniteSize(ptr, size uintptr) {
	if ptr == 0 {
		return
	}
	if size <= z.smallMax && format.IsAligned(ptr, format.Quantum) {
		if reg := z.small.RegionFor(ptr); reg != nil {
			if have := z.small.SizeOf(ptr); have != 0 && z.small.GoodSize(size) > have {
				z.reporter.Report(zone.BadSize, ptr, "size %d exceeds block size %d", size, have)
				return
			}
			z.small.Deallocate(ptr, reg)
			return
		}
	}
	z.Free(ptr)
}

// Realloc resizes ptr to size bytes.
func (z *Zone) Realloc(ptr, size uintptr) uintptr {
	if ptr == 0 {
		return z.Malloc(size)
	}
	if size == 0 {
		z.Free(ptr)
		return z.Malloc(1)
	}

	old := z.Size(ptr)
	if old == 0 {
		z.reporter.Report(zone.ReallocNotAllocated, ptr, "")
		return 0
	}
	good := z.GoodSize(size)
	if good == ^uintptr(0) {
		return 0
	}
	if good == old {
		return ptr
	}
	isSmall := old <= z.smallMax

	if good < old {
		if good <= old/2 {
			if isSmall {
				return z.small.TryShrinkInPlace(ptr, old, size)
			}
			if size > z.smallMax {
				return z.large.TryShrinkInPlace(ptr, old, size)
			}
		} else {
			if z.scribble {
				buf.Fill(ptr+size, old-size, format.ScrubbleByte)
			}
			return ptr
		}
	} else {
		if isSmall && size <= z.smallMax && z.small.TryGrowInPlace(ptr, old, size) {
			return ptr
		}
		if !isSmall && z.large.TryGrowInPlace(ptr, old, size) {
			return ptr
		}
	}

	fresh := z.Malloc(size)
	if fresh == 0 {
		return 0
	}
	z.copyBlock(fresh, ptr, min(old, size))
	z.Free(ptr)
	return fresh
}

// copyBlock copies n bytes, using the provider's page copy for large spans.
func (z *Zone) copyBlock(dst, src, n uintptr) {
	if n >= z.vmCopy && format.IsAligned(dst, z.pageSize) && format.IsAligned(src, z.pageSize) {
		err := z.provider.Copy(dst, src, n)
		if err == nil {
			return
		}
		logger.L.Debug("vm copy failed, copying directly", "zone", z.name, "err", err)
	}
	buf.Copy(dst, src, n)
}

// Memalign returns size bytes aligned to alignment, a power of two.
func (z *Zone) Memalign(alignment, size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	if !format.IsPowerOfTwo(alignment) {
		return 0
	}
	if alignment <= format.Quantum {
		return z.Malloc(size)
	}
	span, ok := buf.AddOverflowSafe(size, alignment-1)
	if !ok {
		return 0
	}

	var ptr uintptr
	if span <= z.smallMax {
		ptr = z.small.Memalign(alignment, size)
	}
	if ptr == 0 {
		// Large blocks always exceed the small ceiling so GoodSize of their
		// size stays in the large range.
		if size <= z.smallMax {
			size = z.smallMax + 1
		}
		ptr = z.large.Malloc(size, alignment, false)
	}
	if ptr != 0 && z.scribble {
		buf.Fill(ptr, z.Size(ptr), format.ScribbleByte)
	}
	return ptr
}

// BatchMalloc fills results with small blocks of size bytes. Sizes above
// the small ceiling return 0.
func (z *Zone) BatchMalloc(size uintptr, results []uintptr) int {
	if size == 0 {
		size = 1
	}
	if size > z.smallMax {
		return 0
	}
	n := z.small.BatchAllocate(size, results)
	if z.scribble {
		good := z.small.GoodSize(size)
		for _, p := range results[:n] {
			buf.Fill(p, good, format.ScribbleByte)
		}
	}
	return n
}

// BatchFree frees every non-zero pointer.
func (z *Zone) BatchFree(ptrs []uintptr) {
	for _, p := range ptrs {
		z.Free(p)
	}
}

// Size returns the block size of ptr, or 0.
func (z *Zone) Size(ptr uintptr) uintptr {
	if ptr == 0 {
		return 0
	}
	if z.small.RegionFor(ptr) != nil {
		return z.small.SizeOf(ptr)
	}
	if !format.IsAligned(ptr, z.pageSize) {
		return 0
	}
	return z.large.Size(ptr)
}

// GoodSize returns the block size Malloc(size) produces, or ^uintptr(0)
// when page rounding overflows.
func (z *Zone) GoodSize(size uintptr) uintptr {
	if size <= z.smallMax {
		return z.small.GoodSize(size)
	}
	return z.large.GoodSize(size)
}

// PressureRelief releases empty small regions, then parked large
// allocations, then whatever the reclaim buffer holds.
func (z *Zone) PressureRelief(goal uintptr) uintptr {
	released := z.small.PressureRelief(goal)
	remaining := func() uintptr {
		if goal == 0 {
			return 0
		}
		return goal - released
	}
	if goal == 0 || released < goal {
		released += z.large.PressureRelief(remaining())
	}
	if z.reclaim != nil && (goal == 0 || released < goal) {
		released += z.reclaim.Reclaim(remaining())
	}
	return released
}

// ClaimedAddress reports whether ptr lies in memory the zone owns.
func (z *Zone) ClaimedAddress(ptr uintptr) bool {
	return z.small.Claimed(ptr) || z.large.Claimed(ptr)
}

// Introspect returns the zone itself.
func (z *Zone) Introspect() zone.Introspector { return z }

// Destroy unmaps everything the zone owns.
func (z *Zone) Destroy() {
	z.small.Destroy()
	z.large.Destroy()
}

// LargeStats returns the large allocator counters.
func (z *Zone) LargeStats() large.Stats { return z.large.Stats() }
