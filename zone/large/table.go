package large

import (
	"unsafe"
)

// entry records one large allocation. Entries live in provider memory, so
// the struct must never hold Go pointers.
type entry struct {
	addr     uintptr
	size     uintptr
	reclaim  uint64 // reclaim buffer id while parked, else 0
	reusable bool   // advised reusable while parked
}

const entrySize = unsafe.Sizeof(entry{})

// table is an open-addressed hash of live entries keyed by page number.
// A zero addr marks an empty slot and terminates a probe chain.
type table struct {
	base      uintptr // mapping backing slots, 0 before the first growth
	mapped    uintptr
	slots     []entry
	inUse     int
	pageShift uint
}

func entriesAt(addr uintptr, n int) []entry {
	return unsafe.Slice((*entry)(unsafe.Pointer(addr)), n)
}

func (t *table) hash(addr uintptr) int {
	return int((addr >> t.pageShift) % uintptr(len(t.slots)))
}

// find returns the slot holding addr, or -1.
func (t *table) find(addr uintptr) int {
	n := len(t.slots)
	if n == 0 || addr == 0 {
		return -1
	}
	idx := t.hash(addr)
	for range n {
		switch t.slots[idx].addr {
		case addr:
			return idx
		case 0:
			return -1
		}
		if idx++; idx == n {
			idx = 0
		}
	}
	return -1
}

// containing returns the slot whose range covers ptr, or -1. It scans the
// whole table.
func (t *table) containing(ptr uintptr) int {
	for i := range t.slots {
		e := &t.slots[i]
		if e.addr != 0 && ptr >= e.addr && ptr-e.addr < e.size {
			return i
		}
	}
	return -1
}

// place puts e in the first empty slot of its chain. The table must have one.
func (t *table) place(e entry) {
	n := len(t.slots)
	idx := t.hash(e.addr)
	for t.slots[idx].addr != 0 {
		if idx++; idx == n {
			idx = 0
		}
	}
	t.slots[idx] = e
}

func (t *table) insert(e entry) {
	t.place(e)
	t.inUse++
}

// remove clears slot idx and re-places the rest of its chain so no lookup
// stops early at the hole.
func (t *table) remove(idx int) entry {
	removed := t.slots[idx]
	t.slots[idx] = entry{}
	t.inUse--

	n := len(t.slots)
	for j := (idx + 1) % n; t.slots[j].addr != 0; j = (j + 1) % n {
		e := t.slots[j]
		t.slots[j] = entry{}
		t.place(e)
	}
	return removed
}

// full reports whether one more insert would push the load past 1/4.
func (t *table) full() bool {
	return (t.inUse+1)*4 > len(t.slots)
}

// nextCapacity is one page of entries (less one) at first, then 2n+1.
func nextCapacity(cur int, pageSize uintptr) int {
	if cur == 0 {
		return int(pageSize/entrySize) - 1
	}
	return cur*2 + 1
}

// rehashInto moves every entry into n slots at base and returns the previous
// mapping for the caller to release.
func (t *table) rehashInto(base, mapped uintptr, n int) (oldBase, oldMapped uintptr) {
	old := t.slots
	oldBase, oldMapped = t.base, t.mapped

	t.base, t.mapped = base, mapped
	t.slots = entriesAt(base, n)
	clear(t.slots)
	for _, e := range old {
		if e.addr != 0 {
			t.place(e)
		}
	}
	return oldBase, oldMapped
}

// live returns a copy of the occupied slots.
func (t *table) live() []entry {
	out := make([]entry, 0, t.inUse)
	for _, e := range t.slots {
		if e.addr != 0 {
			out = append(out, e)
		}
	}
	return out
}
