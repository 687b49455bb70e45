package large

import (
	"io"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/zone"
)

func byAddress(a, b zone.Range) int {
	switch {
	case a.Address < b.Address:
		return -1
	case a.Address > b.Address:
		return 1
	}
	return 0
}

// Enumerate reports live allocations as in-use ranges, live and parked
// mappings as regions, and the table mapping as admin. fn runs after the
// lock is released.
func (a *Allocator) Enumerate(mask zone.RangeType, fn func(kind zone.RangeType, ranges []zone.Range)) error {
	var inUse, regions, admin []zone.Range

	a.mu.Lock()
	live := a.table.live()
	parked := a.dr.entries()
	if mask&zone.RangeAdmin != 0 && a.table.base != 0 {
		admin = append(admin, zone.Range{Address: a.table.base, Size: a.table.mapped})
	}
	a.mu.Unlock()

	for _, e := range live {
		r := zone.Range{Address: e.addr, Size: e.size}
		if mask&zone.RangeInUse != 0 {
			inUse = append(inUse, r)
		}
		if mask&zone.RangeRegion != 0 {
			regions = append(regions, r)
		}
	}
	if mask&zone.RangeRegion != 0 {
		for _, e := range parked {
			regions = append(regions, zone.Range{Address: e.addr, Size: e.size})
		}
	}

	if len(regions) > 0 {
		slices.SortFunc(regions, byAddress)
		fn(zone.RangeRegion, regions)
	}
	if len(admin) > 0 {
		fn(zone.RangeAdmin, admin)
	}
	if len(inUse) > 0 {
		slices.SortFunc(inUse, byAddress)
		fn(zone.RangeInUse, inUse)
	}
	return nil
}

// Statistics reports live allocations; parked bytes count as allocated.
func (a *Allocator) Statistics() zone.Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return zone.Statistics{
		BlocksInUse:   a.stats.Live,
		SizeInUse:     a.stats.LiveBytes,
		MaxSizeInUse:  a.stats.PeakBytes,
		SizeAllocated: a.stats.LiveBytes + uint64(a.dr.bytes),
	}
}

// Print writes the counters and, when verbose, every live and parked entry.
func (a *Allocator) Print(w io.Writer, verbose bool) {
	p := zone.NewPrinter(w)
	p.Statistics("large", a.Statistics())
	s := a.Stats()
	p.Printf("  death row: %d entries, %d bytes (%d resident), flotsam %t\n",
		s.Parked, s.ParkedBytes, s.ReserveBytes, s.Flotsam)
	p.Printf("  cache hits %d, misses %d, evictions %d, host reclaimed %d\n",
		s.CacheHits, s.CacheMisses, s.Evictions, s.HostReclaimed)
	if !verbose {
		return
	}
	p.Printf("  table: %d slots, %d growths, %d growth failures\n",
		s.TableSize, s.TableGrowths, s.TableGrowFailures)

	a.mu.Lock()
	live := a.table.live()
	parked := a.dr.entries()
	a.mu.Unlock()
	for _, e := range live {
		p.Printf("    live   %#x %d\n", e.addr, e.size)
	}
	for _, e := range parked {
		p.Printf("    parked %#x %d reusable=%t\n", e.addr, e.size, e.reusable)
	}
}

// Check validates the table chains and the death row accounting.
func (a *Allocator) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for i, e := range a.table.slots {
		if e.addr == 0 {
			continue
		}
		n++
		if !format.IsAligned(e.addr, a.pageSize) || e.size == 0 || !format.IsAligned(e.size, a.pageSize) {
			return errors.Wrapf(ErrInconsistent, "entry %#x+%d not page granular", e.addr, e.size)
		}
		if got := a.table.find(e.addr); got != i {
			return errors.Wrapf(ErrInconsistent, "entry %#x in slot %d unreachable from its chain", e.addr, i)
		}
	}
	if n != a.table.inUse {
		return errors.Wrapf(ErrInconsistent, "table holds %d entries, count says %d", n, a.table.inUse)
	}
	if uint64(n) != a.stats.Live {
		return errors.Wrapf(ErrInconsistent, "table holds %d entries, stats say %d", n, a.stats.Live)
	}

	var bytes, reserve uintptr
	for _, e := range a.dr.entries() {
		bytes += e.size
		if !e.reusable && e.reclaim == 0 {
			reserve += e.size
		}
		if a.table.find(e.addr) >= 0 {
			return errors.Wrapf(ErrInconsistent, "parked entry %#x is also live", e.addr)
		}
	}
	if bytes != a.dr.bytes || reserve != a.dr.reserve {
		return errors.Wrapf(ErrInconsistent, "death row sums %d/%d, counters %d/%d",
			bytes, reserve, a.dr.bytes, a.dr.reserve)
	}
	return nil
}

// ForceLock takes the allocator lock.
func (a *Allocator) ForceLock() { a.mu.Lock() }

// ForceUnlock releases it.
func (a *Allocator) ForceUnlock() { a.mu.Unlock() }

// ReinitLock resets the lock to unlocked.
func (a *Allocator) ReinitLock() { a.mu = sync.Mutex{} }

// Locked reports whether the lock is held.
func (a *Allocator) Locked() bool {
	if !a.mu.TryLock() {
		return true
	}
	a.mu.Unlock()
	return false
}
