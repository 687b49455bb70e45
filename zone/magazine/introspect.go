package magazine

import (
	"io"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/zone"
)

// Enumerate reports regions, in-use blocks and region trailers. Ranges are
// collected under each magazine lock and handed to fn after it is released.
func (r *Rack) Enumerate(mask zone.RangeType, fn func(kind zone.RangeType, ranges []zone.Range)) error {
	for _, m := range r.mags {
		var regions, inUse, admin []zone.Range
		m.mu.Lock()
		for _, reg := range m.regions {
			if mask&zone.RangeRegion != 0 {
				regions = append(regions, zone.Range{Address: reg.base, Size: format.RegionSize})
			}
			if mask&zone.RangeAdmin != 0 {
				admin = append(admin, zone.Range{Address: reg.base + reg.payload, Size: r.pageSize})
			}
			if mask&zone.RangeInUse != 0 {
				for addr, size := range reg.inUse {
					inUse = append(inUse, zone.Range{Address: addr, Size: size})
				}
			}
		}
		m.mu.Unlock()

		if len(regions) > 0 {
			fn(zone.RangeRegion, regions)
		}
		if len(admin) > 0 {
			fn(zone.RangeAdmin, admin)
		}
		if len(inUse) > 0 {
			slices.SortFunc(inUse, func(a, b zone.Range) int {
				switch {
				case a.Address < b.Address:
					return -1
				case a.Address > b.Address:
					return 1
				}
				return 0
			})
			fn(zone.RangeInUse, inUse)
		}
	}
	return nil
}

// Statistics sums the magazines.
func (r *Rack) Statistics() zone.Statistics {
	var st zone.Statistics
	for _, m := range r.mags {
		m.mu.Lock()
		st.BlocksInUse += m.stats.BlocksInUse
		st.SizeInUse += m.stats.BytesInUse
		st.MaxSizeInUse += m.stats.PeakBytesInUse
		st.SizeAllocated += uint64(len(m.regions)) * format.RegionSize
		m.mu.Unlock()
	}
	return st
}

// Print writes a per-magazine summary.
func (r *Rack) Print(w io.Writer, verbose bool) {
	p := zone.NewPrinter(w)
	p.Statistics("small", r.Statistics())
	for _, m := range r.mags {
		m.mu.Lock()
		s := m.stats
		nregions := len(m.regions)
		free := m.freeBytes
		m.mu.Unlock()
		if nregions == 0 && !verbose {
			continue
		}
		p.Printf("  magazine %d: %d regions, %d blocks, %d bytes in use, %d bytes free\n",
			m.index, nregions, s.BlocksInUse, s.BytesInUse, free)
		if verbose {
			p.Printf("    allocs %d, frees %d, splits %d, coalesce fwd %d bwd %d, grow-in-place %d, shrink-in-place %d\n",
				s.AllocCalls, s.FreeCalls, s.SplitCount, s.CoalesceForward, s.CoalesceBackward,
				s.GrowInPlace, s.ShrinkInPlace)
		}
	}
}

// Check validates every magazine: region trailers, block alignment, and that
// live plus free bytes tile each region exactly.
func (r *Rack) Check() error {
	for _, m := range r.mags {
		if err := r.checkMagazine(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Rack) checkMagazine(m *magazine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	perRegion := make(map[uintptr]uintptr, len(m.regions))
	for addr, size := range m.startIdx {
		if !format.IsAligned(addr, format.Quantum) || size%format.Quantum != 0 {
			return errors.Wrapf(ErrInconsistent, "free block %#x+%d misaligned", addr, size)
		}
		if m.endIdx[addr+size] != addr {
			return errors.Wrapf(ErrInconsistent, "free block %#x+%d missing from end index", addr, size)
		}
		reg := m.owned[addr&^format.RegionMask]
		if reg == nil || addr+size > reg.base+reg.payload {
			return errors.Wrapf(ErrInconsistent, "free block %#x+%d outside any region", addr, size)
		}
		perRegion[reg.base] += size
	}

	for _, reg := range m.regions {
		trailer := buf.Words(reg.base+reg.payload, 3)
		if trailer[0] != trailerMagic || trailer[1] != uint64(reg.base) {
			return errors.Wrapf(ErrInconsistent, "region %#x trailer overwritten", reg.base)
		}
		var used uintptr
		for addr, size := range reg.inUse {
			if !format.IsAligned(addr, format.Quantum) {
				return errors.Wrapf(ErrInconsistent, "block %#x misaligned", addr)
			}
			if _, free := m.startIdx[addr]; free {
				return errors.Wrapf(ErrInconsistent, "block %#x both free and in use", addr)
			}
			used += size
		}
		if used != reg.used {
			return errors.Wrapf(ErrInconsistent, "region %#x used %d, blocks sum to %d", reg.base, reg.used, used)
		}
		if used+perRegion[reg.base] != reg.payload {
			return errors.Wrapf(ErrInconsistent, "region %#x: %d used + %d free != %d",
				reg.base, used, perRegion[reg.base], reg.payload)
		}
	}
	return nil
}

// ForceLock takes every magazine lock and the region index lock.
func (r *Rack) ForceLock() {
	for _, m := range r.mags {
		m.mu.Lock()
	}
	r.mu.Lock()
}

// ForceUnlock releases what ForceLock took.
func (r *Rack) ForceUnlock() {
	r.mu.Unlock()
	for i := len(r.mags) - 1; i >= 0; i-- {
		r.mags[i].mu.Unlock()
	}
}

// ReinitLock resets every lock to unlocked.
func (r *Rack) ReinitLock() {
	r.mu = sync.RWMutex{}
	for _, m := range r.mags {
		m.mu = sync.Mutex{}
	}
}

// Locked reports whether any magazine lock is held.
func (r *Rack) Locked() bool {
	for _, m := range r.mags {
		if !m.mu.TryLock() {
			return true
		}
		m.mu.Unlock()
	}
	if !r.mu.TryLock() {
		return true
	}
	r.mu.Unlock()
	return false
}
