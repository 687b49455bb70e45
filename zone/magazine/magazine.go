package magazine

import (
	"container/heap"
	"sync"

	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/logger"
)

// magazine owns a set of regions and the free lists carved from them.
// Every field is guarded by mu.
type magazine struct {
	mu    sync.Mutex
	index int
	rack  *Rack

	sizeTable *binTable
	bins      []spanHeap
	largeFree *oversize
	spans     sync.Pool

	// Coalescing indexes: free start -> size and free end -> start.
	startIdx map[uintptr]uintptr
	endIdx   map[uintptr]uintptr

	// Heap entries by start address, for removal when a neighbour merges.
	byAddr map[uintptr]*span

	regions []*Region
	owned   map[uintptr]*Region // region base -> region

	freeBytes uintptr
	stats     allocatorStats
}

// allocatorStats holds internal allocator statistics.
type allocatorStats struct {
	AllocCalls       int
	FreeCalls        int
	BytesInUse       uint64
	BlocksInUse      uint64
	PeakBytesInUse   uint64
	SplitCount       int
	CoalesceForward  int
	CoalesceBackward int
	HeapPushes       int
	HeapRemoves      int
	RegionsMapped    int
	RegionsReleased  int
	GrowInPlace      int
	ShrinkInPlace    int
}

func newMagazine(r *Rack, index int, table *binTable) *magazine {
	return &magazine{
		index:     index,
		rack:      r,
		sizeTable: table,
		bins:      make([]spanHeap, table.NumClasses()),
		startIdx:  make(map[uintptr]uintptr),
		endIdx:    make(map[uintptr]uintptr),
		byAddr:    make(map[uintptr]*span, 256),
		owned:     make(map[uintptr]*Region),
		spans:     sync.Pool{New: func() any { return &span{pos: -1} }},
	}
}

// allocLocked carves need bytes from the free lists, or returns 0.
func (m *magazine) allocLocked(need uintptr) uintptr {
	sizeClass := m.sizeTable.class(need)

	var b *span
	for sc := sizeClass; sc < len(m.bins); sc++ {
		if b = m.allocFromSizeClass(sc, need); b != nil {
			break
		}
	}
	if b == nil {
		b = m.allocFromLarge(need)
	}
	if b == nil {
		return 0
	}

	addr, size := b.addr, b.size
	m.putSpan(b)

	// Remainders are whole quanta, so a split never leaves a sliver.
	if rem := size - need; rem > 0 {
		m.stats.SplitCount++
		m.insertFreeBlock(addr+need, rem)
	}

	reg := m.owned[addr&^format.RegionMask]
	reg.inUse[addr] = need
	reg.used += need

	m.stats.AllocCalls++
	m.noteInUse(need, true)
	return addr
}

// allocOrGrowLocked is allocLocked that maps a new region when the free
// lists cannot serve need. m.mu is held on entry and on return but dropped
// around the mapping.
func (m *magazine) allocOrGrowLocked(need uintptr) uintptr {
	for {
		if addr := m.allocLocked(need); addr != 0 {
			return addr
		}
		m.mu.Unlock()
		reg := m.rack.newRegion(m)
		m.mu.Lock()
		if reg == nil {
			return 0
		}
		m.adoptLocked(reg)
	}
}

func (m *magazine) adoptLocked(reg *Region) {
	m.regions = append(m.regions, reg)
	m.owned[reg.base] = reg
	m.stats.RegionsMapped++
	m.insertFreeBlock(reg.base, reg.payload)
	if logAlloc {
		logger.L.Info("magazine grew", "magazine", m.index, "region", reg.base)
	}
}

// releaseLocked returns [addr, addr+size) to the free lists, merging with
// free neighbours.
func (m *magazine) releaseLocked(addr, size uintptr) {
	// Forward
	next := addr + size
	if nsize, ok := m.startIdx[next]; ok {
		m.stats.CoalesceForward++
		m.removeFreeBlock(next, nsize)
		size += nsize
	}

	// Backward
	if prev, ok := m.endIdx[addr]; ok {
		psize := m.startIdx[prev]
		m.stats.CoalesceBackward++
		m.removeFreeBlock(prev, psize)
		addr = prev
		size += psize
	}

	m.insertFreeBlock(addr, size)
}

func (m *magazine) noteInUse(size uintptr, alloc bool) {
	if alloc {
		m.stats.BytesInUse += uint64(size)
		m.stats.BlocksInUse++
		m.stats.PeakBytesInUse = max(m.stats.PeakBytesInUse, m.stats.BytesInUse)
		return
	}
	m.stats.BytesInUse -= uint64(size)
	m.stats.BlocksInUse--
}

func (m *magazine) allocFromSizeClass(sc int, need uintptr) *span {
	bin := &m.bins[sc]
	if bin.Len() == 0 {
		return nil
	}

	if (*bin)[0].size >= need {
		m.stats.HeapRemoves++
		b := heap.Pop(bin).(*span) //nolint:errcheck // bins hold only spans
		m.unindex(b.addr, b.size)
		return b
	}

	// Slow path: bounded good-enough scan of the rest of the class.
	const (
		maxSlowPathScan = 32
		fitTolerance    = 4 * format.Quantum
	)

	bestIdx := -1
	bestSize := ^uintptr(0)
	maxAcceptable := need + fitTolerance

	scanLimit := min(bin.Len(), maxSlowPathScan)
	for i := 1; i < scanLimit; i++ {
		size := (*bin)[i].size
		if size >= need {
			if size <= maxAcceptable {
				bestIdx = i
				break
			}
			if size < bestSize {
				bestIdx = i
				bestSize = size
			}
		}
	}
	if bestIdx == -1 {
		return nil
	}

	m.stats.HeapRemoves++
	b := heap.Remove(bin, bestIdx).(*span) //nolint:errcheck // bins hold only spans
	m.unindex(b.addr, b.size)
	return b
}

func (m *magazine) allocFromLarge(need uintptr) *span {
	var prev *oversize
	for curr := m.largeFree; curr != nil; prev, curr = curr, curr.next {
		if curr.size < need {
			continue
		}
		if prev == nil {
			m.largeFree = curr.next
		} else {
			prev.next = curr.next
		}
		delete(m.startIdx, curr.addr)
		delete(m.endIdx, curr.addr+curr.size)
		m.freeBytes -= curr.size

		b := m.getSpan()
		b.addr = curr.addr
		b.size = curr.size
		return b
	}
	return nil
}

// unindex drops a block popped from a heap from the lookup indexes.
func (m *magazine) unindex(addr, size uintptr) {
	delete(m.byAddr, addr)
	delete(m.startIdx, addr)
	delete(m.endIdx, addr+size)
	m.freeBytes -= size
}

// insertFreeBlock inserts a free range into the appropriate list.
func (m *magazine) insertFreeBlock(addr, size uintptr) {
	sc := m.sizeTable.class(size)

	if sc < len(m.bins) {
		b := m.getSpan()
		b.addr, b.size = addr, size
		m.stats.HeapPushes++
		heap.Push(&m.bins[sc], b)
		m.byAddr[addr] = b
	} else {
		m.largeFree = &oversize{addr: addr, size: size, next: m.largeFree}
	}

	m.startIdx[addr] = size
	m.endIdx[addr+size] = addr
	m.freeBytes += size
}

// removeFreeBlock removes a free range that is known to be in the lists.
func (m *magazine) removeFreeBlock(addr, size uintptr) {
	sc := m.sizeTable.class(size)

	if sc < len(m.bins) {
		b := m.byAddr[addr]
		if b == nil {
			return
		}
		m.stats.HeapRemoves++
		heap.Remove(&m.bins[sc], b.pos)
		m.unindex(addr, size)
		m.putSpan(b)
		return
	}

	var prev *oversize
	for curr := m.largeFree; curr != nil; prev, curr = curr, curr.next {
		if curr.addr != addr {
			continue
		}
		if prev == nil {
			m.largeFree = curr.next
		} else {
			prev.next = curr.next
		}
		delete(m.startIdx, addr)
		delete(m.endIdx, addr+size)
		m.freeBytes -= size
		return
	}
}

func (m *magazine) getSpan() *span {
	b, ok := m.spans.Get().(*span)
	if !ok {
		return &span{pos: -1}
	}
	return b
}

func (m *magazine) putSpan(b *span) {
	*b = span{pos: -1}
	m.spans.Put(b)
}
