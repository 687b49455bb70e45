// Package large serves allocations above the small-object ceiling.
//
// Every allocation is its own page mapping. Live mappings are tracked in an
// open-addressed hash table that itself lives in provider memory, so growing
// the table can fail like any other allocation. Freed mappings are parked on
// a death row ring instead of being unmapped, and a later allocation of a
// similar size takes the best fit back without a system call.
//
// One mutex guards the table and the ring. Mapping, protecting, advising and
// unmapping all happen with it released.
package large

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/reclaim"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
)

// Config configures an Allocator.
type Config struct {
	// NoCache unmaps every free immediately.
	NoCache bool

	// CacheDepth is the death row capacity. Zero means format.LargeCacheDepth.
	CacheDepth int

	// EntryLimit is the largest mapping parked on death row.
	// Zero means format.LargeCacheEntryLimit.
	EntryLimit uintptr

	// ReserveLimit bounds the parked bytes kept resident. Beyond it, parked
	// mappings are advised reusable. Zero means format.LargeCacheReserveLimit.
	ReserveLimit uintptr

	// Guard surrounds every mapping with inaccessible pages.
	Guard bool

	// Scribble fills freed mappings with format.ScrubbleByte.
	Scribble bool

	// Reclaim, when set, receives parked mappings instead of advising them.
	Reclaim *reclaim.Buffer
}

// Stats are the allocator counters.
type Stats struct {
	Live      uint64
	LiveBytes uint64
	PeakBytes uint64

	CacheHits     uint64
	CacheMisses   uint64
	Evictions     uint64
	HostReclaimed uint64 // parked mappings lost to the reclaim buffer

	TableGrowths      uint64
	TableGrowFailures uint64
	ShrinkInPlace     uint64
	GrowInPlace       uint64

	TableSize    int
	Parked       int
	ParkedBytes  uintptr
	ReserveBytes uintptr
	Flotsam      bool
}

// Allocator is the large-object allocator.
//
// Safe for concurrent use.
type Allocator struct {
	provider     vm.Provider
	reporter     *zone.Reporter
	reclaim      *reclaim.Buffer
	pageSize     uintptr
	guard        vm.Flags
	scribble     bool
	cache        bool
	entryLimit   uintptr
	reserveLimit uintptr

	mu      sync.Mutex
	table   table
	dr      deathRow
	flotsam bool
	stats   Stats

	// Mappings off both the table and death row while a.mu is dropped: on
	// their way to death row, or taken from it and not yet in the table.
	inFlight map[uintptr]struct{}
}

// New returns an Allocator mapping from p and reporting misuse through rep.
func New(p vm.Provider, rep *zone.Reporter, cfg Config) (*Allocator, error) {
	if p == nil || rep == nil {
		return nil, errors.Wrap(ErrBadConfig, "provider and reporter are required")
	}
	depth := cfg.CacheDepth
	if depth <= 0 {
		depth = format.LargeCacheDepth
	}
	a := &Allocator{
		provider:     p,
		reporter:     rep,
		reclaim:      cfg.Reclaim,
		pageSize:     p.PageSize(),
		scribble:     cfg.Scribble,
		cache:        !cfg.NoCache,
		entryLimit:   cfg.EntryLimit,
		reserveLimit: cfg.ReserveLimit,
		dr:           newDeathRow(depth),
		inFlight:     make(map[uintptr]struct{}),
	}
	if a.entryLimit == 0 {
		a.entryLimit = format.LargeCacheEntryLimit
	}
	if a.reserveLimit == 0 {
		a.reserveLimit = format.LargeCacheReserveLimit
	}
	if cfg.Guard {
		a.guard = vm.GuardEdges
	}
	a.table.pageShift = format.Log2(a.pageSize)
	return a, nil
}

// GoodSize rounds size up to whole pages. It returns ^uintptr(0) when the
// rounding overflows.
func (a *Allocator) GoodSize(size uintptr) uintptr {
	if size == 0 {
		return a.pageSize
	}
	n, ok := format.RoundPage(size, a.pageSize)
	if !ok {
		return ^uintptr(0)
	}
	return n
}

// Malloc returns size bytes rounded up to whole pages and aligned to align,
// or 0. An align at or below the page size means page alignment. Fresh
// mappings are already zero; clear only matters for reused ones.
func (a *Allocator) Malloc(size, align uintptr, clear bool) uintptr {
	size = a.GoodSize(size)
	if size == ^uintptr(0) {
		return 0
	}
	if align < a.pageSize {
		align = a.pageSize
	}

	if a.cache && size <= a.entryLimit {
		if addr := a.mallocFromCache(size, align, clear); addr != 0 {
			return addr
		}
	}

	addr := a.provider.Map(size, align, a.guard, vm.TagLarge)
	if addr == 0 {
		return 0
	}
	a.mu.Lock()
	if !a.reserveSlotLocked() {
		a.mu.Unlock()
		a.provider.Unmap(addr, size, a.guard)
		return 0
	}
	a.table.insert(entry{addr: addr, size: size})
	a.noteLiveLocked(size)
	a.mu.Unlock()
	return addr
}

func (a *Allocator) mallocFromCache(size, align uintptr, clear bool) uintptr {
	var dead []entry
	var e entry

	a.mu.Lock()
	for {
		idx := a.dr.bestFit(size, align)
		if idx < 0 {
			break
		}
		cand := a.dr.removeAt(idx)
		if cand.reclaim != 0 {
			if !a.reclaim.MarkUsed(cand.reclaim, cand.addr, cand.size) {
				a.stats.HostReclaimed++
				cand.reclaim = 0
				dead = append(dead, cand)
				continue
			}
			cand.reclaim = 0
		}
		e = cand
		break
	}
	if e.addr == 0 {
		a.stats.CacheMisses++
		a.mu.Unlock()
		a.releaseAll(dead)
		return 0
	}

	a.inFlight[e.addr] = struct{}{}
	ok := a.reserveSlotLocked()
	delete(a.inFlight, e.addr)
	if !ok {
		a.updateFlotsamLocked()
		a.mu.Unlock()
		a.releaseAll(dead)
		a.release(e)
		return 0
	}
	wasReusable := e.reusable
	tail := e.size - size
	a.table.insert(entry{addr: e.addr, size: size})
	a.noteLiveLocked(size)
	a.stats.CacheHits++
	a.updateFlotsamLocked()
	a.mu.Unlock()

	a.releaseAll(dead)
	if tail > 0 {
		a.releaseTail(e.addr, size, tail)
	}
	if wasReusable {
		if err := a.provider.MarkInUse(e.addr, size); err != nil {
			logger.L.Warn("large: mark in use failed", "addr", e.addr, "size", size, "err", err)
		}
	}
	if clear {
		buf.Zero(e.addr, size)
	}
	return e.addr
}

// Free releases ptr, parking it on death row when it is small enough.
// Unknown pointers and pointers already parked are reported.
func (a *Allocator) Free(ptr uintptr) {
	a.mu.Lock()
	idx := a.table.find(ptr)
	if idx < 0 {
		dead := a.pruneReclaimedLocked()
		_, moving := a.inFlight[ptr]
		parked := moving || a.dr.find(ptr) >= 0
		a.mu.Unlock()
		a.releaseAll(dead)
		if parked {
			a.reporter.Report(zone.DoubleFree, ptr, "")
		} else {
			a.reporter.Report(zone.NotAllocated, ptr, "")
		}
		return
	}
	e := a.table.remove(idx)
	a.noteFreedLocked(e.size)
	if !a.cache || e.size > a.entryLimit {
		a.mu.Unlock()
		a.release(e)
		return
	}
	advise := a.dr.reserve+e.size > a.reserveLimit
	a.inFlight[e.addr] = struct{}{}
	a.mu.Unlock()

	if a.scribble {
		buf.Fill(e.addr, e.size, format.ScrubbleByte)
	}
	if a.reclaim != nil {
		id, err := a.reclaim.MarkFree(e.addr, e.size)
		if err == nil {
			e.reclaim = id
			advise = false
		} else {
			advise = true
		}
	}
	if advise {
		if err := a.provider.MarkReusable(e.addr, e.size); err != nil {
			logger.L.Debug("large: mark reusable failed, unmapping", "addr", e.addr, "err", err)
			a.mu.Lock()
			delete(a.inFlight, e.addr)
			a.mu.Unlock()
			a.release(e)
			return
		}
		e.reusable = true
	}

	a.mu.Lock()
	delete(a.inFlight, e.addr)
	evicted, ok := a.dr.push(e)
	if ok {
		a.stats.Evictions++
	}
	a.updateFlotsamLocked()
	a.mu.Unlock()

	if ok {
		a.release(evicted)
	}
}

// Size returns the size of the live allocation at ptr, or 0.
func (a *Allocator) Size(ptr uintptr) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx := a.table.find(ptr); idx >= 0 {
		return a.table.slots[idx].size
	}
	return 0
}

// Claimed reports whether ptr falls inside a live allocation.
func (a *Allocator) Claimed(ptr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.containing(format.TruncPage(ptr, a.pageSize)) >= 0
}

// TryShrinkInPlace trims the allocation at ptr from old to newSize bytes
// (rounded up to pages) and returns ptr.
func (a *Allocator) TryShrinkInPlace(ptr, old, newSize uintptr) uintptr {
	newSize = a.GoodSize(newSize)
	if newSize >= old {
		return ptr
	}
	a.mu.Lock()
	idx := a.table.find(ptr)
	if idx < 0 || a.table.slots[idx].size != old {
		a.mu.Unlock()
		a.reporter.Report(zone.ReallocNotAllocated, ptr, "large entry %#x reallocated is not properly in table", ptr)
		return ptr
	}
	a.table.slots[idx].size = newSize
	a.stats.LiveBytes -= uint64(old - newSize)
	a.stats.ShrinkInPlace++
	a.mu.Unlock()

	a.releaseTail(ptr, newSize, old-newSize)
	return ptr
}

// TryGrowInPlace extends the allocation at ptr from old to newSize bytes by
// mapping the pages right after it. It fails when those pages are taken or
// guard pages are on.
func (a *Allocator) TryGrowInPlace(ptr, old, newSize uintptr) bool {
	if a.guard != 0 {
		return false
	}
	newSize = a.GoodSize(newSize)
	if newSize == ^uintptr(0) {
		return false
	}
	if newSize <= old {
		return true
	}

	end := ptr + old
	a.mu.Lock()
	taken := a.table.containing(end) >= 0
	a.mu.Unlock()
	if taken {
		return false
	}

	extra := newSize - old
	if !a.provider.GrowAt(end, extra, vm.TagLarge) {
		return false
	}

	a.mu.Lock()
	idx := a.table.find(ptr)
	if idx < 0 || a.table.slots[idx].size != old {
		a.mu.Unlock()
		a.provider.Unmap(end, extra, 0)
		a.reporter.Report(zone.ReallocNotAllocated, ptr, "large entry %#x reallocated is not properly in table", ptr)
		return false
	}
	a.table.slots[idx].size = newSize
	a.stats.LiveBytes += uint64(extra)
	a.stats.PeakBytes = max(a.stats.PeakBytes, a.stats.LiveBytes)
	a.stats.GrowInPlace++
	a.mu.Unlock()
	return true
}

// PressureRelief unmaps parked mappings, oldest first, until goal bytes are
// released (0 means all). Nothing is purged until the parked bytes have
// crossed format.FlotsamHighWater, and purging stops being allowed once they
// fall below format.FlotsamLowWater.
func (a *Allocator) PressureRelief(goal uintptr) uintptr {
	var victims []entry
	var freed uintptr

	a.mu.Lock()
	if !a.flotsam {
		a.mu.Unlock()
		return 0
	}
	for goal == 0 || freed < goal {
		e, ok := a.dr.popOldest()
		if !ok {
			break
		}
		victims = append(victims, e)
		freed += e.size
	}
	a.updateFlotsamLocked()
	a.mu.Unlock()

	a.releaseAll(victims)
	return freed
}

// Flotsam reports whether parked bytes are above the purge threshold.
func (a *Allocator) Flotsam() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flotsam
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.TableSize = len(a.table.slots)
	s.Parked = a.dr.count
	s.ParkedBytes = a.dr.bytes
	s.ReserveBytes = a.dr.reserve
	s.Flotsam = a.flotsam
	return s
}

// Destroy unmaps every live and parked mapping and the table.
// The allocator must not be used afterwards.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	live := a.table.live()
	parked := a.dr.drain()
	tb, tm := a.table.base, a.table.mapped
	a.table = table{pageShift: a.table.pageShift}
	a.flotsam = false
	a.mu.Unlock()

	a.releaseAll(parked)
	for _, e := range live {
		a.provider.Unmap(e.addr, e.size, a.guard)
	}
	if tb != 0 {
		a.provider.Unmap(tb, tm, 0)
	}
}

// reserveSlotLocked makes room for one more table entry. a.mu is dropped
// around mapping the larger table and releasing the old one, and is held
// again on return. It returns false when no larger table could be mapped.
func (a *Allocator) reserveSlotLocked() bool {
	for a.table.full() {
		n := nextCapacity(len(a.table.slots), a.pageSize)
		bytes := uintptr(n) * entrySize

		a.mu.Unlock()
		base := a.provider.Map(bytes, 0, 0, vm.TagMetadata)
		a.mu.Lock()
		if base == 0 {
			a.stats.TableGrowFailures++
			logger.L.Warn("large: table growth failed", "slots", n)
			return false
		}
		if !a.table.full() || len(a.table.slots) >= n {
			// Grown by someone else meanwhile.
			a.mu.Unlock()
			a.provider.Unmap(base, bytes, 0)
			a.mu.Lock()
			continue
		}
		oldBase, oldMapped := a.table.rehashInto(base, bytes, n)
		a.stats.TableGrowths++
		logger.L.Debug("large: table grown", "slots", n, "live", a.table.inUse)
		if oldBase != 0 {
			a.mu.Unlock()
			a.provider.Unmap(oldBase, oldMapped, 0)
			a.mu.Lock()
		}
	}
	return true
}

// pruneReclaimedLocked drops parked mappings the reclaim buffer has taken.
func (a *Allocator) pruneReclaimedLocked() []entry {
	if a.reclaim == nil {
		return nil
	}
	var dead []entry
	for i := 0; i < a.dr.count; {
		idx := a.dr.at(i)
		e := a.dr.slots[idx]
		if e.reclaim == 0 || a.reclaim.IsAvailable(e.reclaim) {
			i++
			continue
		}
		a.dr.removeAt(idx)
		a.stats.HostReclaimed++
		e.reclaim = 0
		dead = append(dead, e)
	}
	return dead
}

func (a *Allocator) updateFlotsamLocked() {
	switch {
	case !a.flotsam && a.dr.bytes > format.FlotsamHighWater:
		a.flotsam = true
	case a.flotsam && a.dr.bytes < format.FlotsamLowWater:
		a.flotsam = false
	}
}

func (a *Allocator) noteLiveLocked(size uintptr) {
	a.stats.Live++
	a.stats.LiveBytes += uint64(size)
	a.stats.PeakBytes = max(a.stats.PeakBytes, a.stats.LiveBytes)
}

func (a *Allocator) noteFreedLocked(size uintptr) {
	a.stats.Live--
	a.stats.LiveBytes -= uint64(size)
}

// release unmaps a mapping taken out of the table or the ring. A mapping
// still held by the reclaim buffer is taken back first so the host cannot
// touch it after it is gone.
func (a *Allocator) release(e entry) {
	if e.reclaim != 0 {
		a.reclaim.MarkUsed(e.reclaim, e.addr, e.size)
	}
	a.provider.Unmap(e.addr, e.size, a.guard)
}

func (a *Allocator) releaseAll(es []entry) {
	for _, e := range es {
		a.release(e)
	}
}

// releaseTail unmaps the tail bytes past newSize of the mapping at addr,
// moving the postlude guard down to the new end when guards are on.
func (a *Allocator) releaseTail(addr, newSize, tail uintptr) {
	start := addr + newSize
	if a.guard&vm.GuardPostlude != 0 {
		if err := a.provider.Protect(start, a.pageSize, vm.ProtNone); err != nil {
			logger.L.Error("large: can't protect new postlude guard page", "addr", start, "err", err)
		}
		start += a.pageSize
	}
	a.provider.Unmap(start, tail, 0)
}
