package magazine

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
)

// Runtime debug flag for allocation logging - controlled by ZONEKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("ZONEKIT_LOG_ALLOC") != ""

const (
	maxMagazines = 64

	// trailerMagic marks the metadata page at the end of every region.
	trailerMagic = 0x7a6f6e656b697421 // "zonekit!"
)

// Config configures a Rack.
type Config struct {
	// Magazines is the number of independently locked magazines.
	// Zero means GOMAXPROCS, capped at 64.
	Magazines int

	// MaxSize is the largest request served. Zero means format.LargeThreshold.
	MaxSize uintptr

	// Scribble fills freed blocks with format.ScrubbleByte.
	Scribble bool

	// SizeClasses selects free-list bucketing (nil for DefaultBins).
	SizeClasses *BinLayout
}

// Region is one 1 MiB, size-aligned span carved into blocks. The last page
// holds the region trailer and is never handed out.
type Region struct {
	base    uintptr
	payload uintptr
	mag     *magazine

	// Guarded by mag.mu
	inUse map[uintptr]uintptr // block addr -> size
	used  uintptr
}

// Base returns the region start.
func (r *Region) Base() uintptr { return r.base }

// Payload returns the bytes available for blocks.
func (r *Region) Payload() uintptr { return r.payload }

// Rack is the small-object allocator: a set of magazines sharing one
// region index.
//
// Safe for concurrent use.
type Rack struct {
	provider vm.Provider
	reporter *zone.Reporter
	maxSize  uintptr
	scribble bool
	pageSize uintptr

	mags []*magazine
	next atomic.Uint32

	mu      sync.RWMutex
	regions map[uintptr]*Region // base -> region
}

// New returns a Rack that maps regions from p and reports misuse through rep.
func New(p vm.Provider, rep *zone.Reporter, cfg Config) (*Rack, error) {
	if p == nil || rep == nil {
		return nil, errors.Wrap(ErrBadConfig, "provider and reporter are required")
	}
	n := cfg.Magazines
	if n <= 0 {
		n = min(runtime.GOMAXPROCS(0), maxMagazines)
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = format.LargeThreshold
	}
	page := p.PageSize()
	if maxSize > format.RegionSize-page {
		return nil, errors.Wrapf(ErrBadConfig, "max size %d does not fit a region", maxSize)
	}
	bins := DefaultBins
	if cfg.SizeClasses != nil {
		bins = *cfg.SizeClasses
	}
	if !bins.validate() {
		return nil, errors.Wrapf(ErrBadConfig, "bin layout %+v", bins)
	}

	r := &Rack{
		provider: p,
		reporter: rep,
		maxSize:  maxSize,
		scribble: cfg.Scribble,
		pageSize: page,
		regions:  make(map[uintptr]*Region),
	}
	table := newBinTable(bins)
	for i := range n {
		r.mags = append(r.mags, newMagazine(r, i, table))
	}
	return r, nil
}

// MaxSize returns the largest request the rack serves.
func (r *Rack) MaxSize() uintptr { return r.maxSize }

// GoodSize returns the block size produced for size.
func (r *Rack) GoodSize(size uintptr) uintptr { return format.RoundQuantum(size) }

func (r *Rack) pick() *magazine {
	return r.mags[int(r.next.Add(1))%len(r.mags)]
}

// newRegion maps and registers a region for m. Called without m.mu.
func (r *Rack) newRegion(m *magazine) *Region {
	base := r.provider.Map(format.RegionSize, format.RegionSize, 0, vm.TagSmall)
	if base == 0 {
		return nil
	}
	reg := &Region{
		base:    base,
		payload: format.RegionSize - r.pageSize,
		mag:     m,
		inUse:   make(map[uintptr]uintptr),
	}
	trailer := buf.Words(base+reg.payload, 3)
	trailer[0] = trailerMagic
	trailer[1] = uint64(base)
	trailer[2] = uint64(m.index)

	r.mu.Lock()
	r.regions[base] = reg
	r.mu.Unlock()
	return reg
}

func (r *Rack) dropRegion(reg *Region) {
	r.mu.Lock()
	delete(r.regions, reg.base)
	r.mu.Unlock()
	r.provider.Unmap(reg.base, format.RegionSize, 0)
}

// Allocate returns a block of at least size bytes, or 0.
func (r *Rack) Allocate(size uintptr, clear bool) uintptr {
	if size > r.maxSize {
		return 0
	}
	need := format.RoundQuantum(size)
	m := r.pick()
	m.mu.Lock()
	addr := m.allocOrGrowLocked(need)
	m.mu.Unlock()
	if addr != 0 && clear {
		buf.Zero(addr, need)
	}
	return addr
}

// BatchAllocate fills results with blocks of size bytes from one magazine
// and returns the count.
func (r *Rack) BatchAllocate(size uintptr, results []uintptr) int {
	if size > r.maxSize || len(results) == 0 {
		return 0
	}
	need := format.RoundQuantum(size)
	m := r.pick()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for n < len(results) {
		addr := m.allocOrGrowLocked(need)
		if addr == 0 {
			break
		}
		results[n] = addr
		n++
	}
	return n
}

// RegionFor returns the region containing ptr, or nil.
func (r *Rack) RegionFor(ptr uintptr) *Region {
	r.mu.RLock()
	reg := r.regions[ptr&^format.RegionMask]
	r.mu.RUnlock()
	return reg
}

// Claimed reports whether ptr lies in any region of the rack, trailer included.
func (r *Rack) Claimed(ptr uintptr) bool {
	return r.RegionFor(ptr) != nil
}

// Deallocate frees ptr, which must lie in reg (looked up when nil).
func (r *Rack) Deallocate(ptr uintptr, reg *Region) {
	if reg == nil {
		if reg = r.RegionFor(ptr); reg == nil {
			r.reporter.Report(zone.NotAllocated, ptr, "")
			return
		}
	}
	if ptr >= reg.base+reg.payload {
		r.reporter.Report(zone.MetadataFreed, ptr, "")
		return
	}

	m := reg.mag
	m.mu.Lock()
	size, ok := reg.inUse[ptr]
	if !ok {
		m.mu.Unlock()
		r.reporter.Report(zone.NotAllocated, ptr, "")
		return
	}
	delete(reg.inUse, ptr)
	reg.used -= size
	if r.scribble {
		buf.Fill(ptr, size, format.ScrubbleByte)
	}
	m.releaseLocked(ptr, size)
	m.stats.FreeCalls++
	m.noteInUse(size, false)
	m.mu.Unlock()
}

// SizeOf returns the block size at ptr, or 0 when ptr is not a live block.
func (r *Rack) SizeOf(ptr uintptr) uintptr {
	reg := r.RegionFor(ptr)
	if reg == nil || ptr >= reg.base+reg.payload {
		return 0
	}
	reg.mag.mu.Lock()
	size := reg.inUse[ptr]
	reg.mag.mu.Unlock()
	return size
}

// TryShrinkInPlace trims the block at ptr from old to newSize bytes and
// returns ptr. The tail goes back to the free lists.
func (r *Rack) TryShrinkInPlace(ptr, old, newSize uintptr) uintptr {
	need := format.RoundQuantum(newSize)
	if need >= old {
		return ptr
	}
	reg := r.RegionFor(ptr)
	if reg == nil {
		return ptr
	}
	m := reg.mag
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg.inUse[ptr] != old {
		return ptr
	}
	tail := old - need
	reg.inUse[ptr] = need
	reg.used -= tail
	if r.scribble {
		buf.Fill(ptr+need, tail, format.ScrubbleByte)
	}
	m.releaseLocked(ptr+need, tail)
	m.stats.ShrinkInPlace++
	m.stats.BytesInUse -= uint64(tail)
	return ptr
}

// TryGrowInPlace extends the block at ptr from old to newSize bytes when the
// range after it is free.
func (r *Rack) TryGrowInPlace(ptr, old, newSize uintptr) bool {
	if newSize > r.maxSize {
		return false
	}
	need := format.RoundQuantum(newSize)
	if need <= old {
		return true
	}
	reg := r.RegionFor(ptr)
	if reg == nil {
		return false
	}
	m := reg.mag
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg.inUse[ptr] != old {
		return false
	}
	next := ptr + old
	nsize, ok := m.startIdx[next]
	extra := need - old
	if !ok || nsize < extra {
		return false
	}
	m.removeFreeBlock(next, nsize)
	if rem := nsize - extra; rem > 0 {
		m.insertFreeBlock(next+extra, rem)
	}
	reg.inUse[ptr] = need
	reg.used += extra
	m.stats.GrowInPlace++
	m.stats.BytesInUse += uint64(extra)
	m.stats.PeakBytesInUse = max(m.stats.PeakBytesInUse, m.stats.BytesInUse)
	return true
}

// Memalign returns a block of size bytes aligned to alignment (a power of
// two above the quantum). The slack around the aligned block is freed.
func (r *Rack) Memalign(alignment, size uintptr) uintptr {
	need := format.RoundQuantum(size)
	span, ok := buf.AddOverflowSafe(need, alignment-format.Quantum)
	if !ok || span > r.maxSize {
		return 0
	}
	m := r.pick()
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.allocOrGrowLocked(span)
	if addr == 0 {
		return 0
	}
	aligned := (addr + alignment - 1) &^ (alignment - 1)
	if aligned == addr {
		if span > need {
			r.trimLocked(m, addr, span, need)
		}
		return addr
	}

	reg := m.owned[addr&^format.RegionMask]
	delete(reg.inUse, addr)
	pad := aligned - addr
	m.releaseLocked(addr, pad)
	reg.inUse[aligned] = span - pad
	reg.used -= pad
	m.stats.BytesInUse -= uint64(pad)
	if span-pad > need {
		r.trimLocked(m, aligned, span-pad, need)
	}
	return aligned
}

func (r *Rack) trimLocked(m *magazine, addr, old, need uintptr) {
	reg := m.owned[addr&^format.RegionMask]
	tail := old - need
	reg.inUse[addr] = need
	reg.used -= tail
	m.releaseLocked(addr+need, tail)
	m.stats.BytesInUse -= uint64(tail)
}

// PressureRelief unmaps regions with no live blocks until goal bytes are
// released (0 means all of them).
func (r *Rack) PressureRelief(goal uintptr) uintptr {
	var released uintptr
	for _, m := range r.mags {
		if goal != 0 && released >= goal {
			break
		}
		var empty []*Region
		m.mu.Lock()
		kept := m.regions[:0]
		for _, reg := range m.regions {
			if reg.used == 0 && m.startIdx[reg.base] == reg.payload &&
				(goal == 0 || released < goal) {
				m.removeFreeBlock(reg.base, reg.payload)
				delete(m.owned, reg.base)
				m.stats.RegionsReleased++
				empty = append(empty, reg)
				released += format.RegionSize
				continue
			}
			kept = append(kept, reg)
		}
		clear(m.regions[len(kept):])
		m.regions = kept
		m.mu.Unlock()

		for _, reg := range empty {
			r.dropRegion(reg)
		}
	}
	return released
}

// Destroy unmaps every region. The rack must not be used afterwards.
func (r *Rack) Destroy() {
	r.mu.Lock()
	regions := r.regions
	r.regions = make(map[uintptr]*Region)
	r.mu.Unlock()
	for base := range regions {
		r.provider.Unmap(base, format.RegionSize, 0)
	}
	for _, m := range r.mags {
		m.mu.Lock()
		m.regions = nil
		m.owned = make(map[uintptr]*Region)
		m.mu.Unlock()
	}
}
