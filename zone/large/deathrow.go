package large

// deathRow is a ring of recently freed entries. Allocation scans it from the
// newest end; overflow evicts from the oldest end.
type deathRow struct {
	slots  []entry
	oldest int
	count  int

	bytes   uintptr // sum of parked sizes
	reserve uintptr // parked bytes still resident (neither advised nor handed to reclaim)
}

func newDeathRow(depth int) deathRow {
	return deathRow{slots: make([]entry, depth)}
}

// at maps the i-th entry counting back from the newest to a slot index.
func (d *deathRow) at(i int) int {
	n := len(d.slots)
	return (d.oldest + d.count - 1 - i + n) % n
}

// find returns the slot holding addr, or -1.
func (d *deathRow) find(addr uintptr) int {
	for i := range d.count {
		if idx := d.at(i); d.slots[idx].addr == addr {
			return idx
		}
	}
	return -1
}

// bestFit returns the slot of the smallest entry of at least size bytes whose
// address is aligned to align, or -1. A candidate that would waste half the
// request or more is refused.
func (d *deathRow) bestFit(size, align uintptr) int {
	best := -1
	bestSize := ^uintptr(0)
	for i := range d.count {
		idx := d.at(i)
		e := &d.slots[idx]
		if e.size < size || e.size >= bestSize || e.addr&(align-1) != 0 {
			continue
		}
		best, bestSize = idx, e.size
		if e.size == size {
			break
		}
	}
	if best == -1 || (bestSize-size)*2 >= size {
		return -1
	}
	return best
}

func (d *deathRow) account(e entry, sign int) {
	if sign > 0 {
		d.bytes += e.size
		if !e.reusable && e.reclaim == 0 {
			d.reserve += e.size
		}
		return
	}
	d.bytes -= e.size
	if !e.reusable && e.reclaim == 0 {
		d.reserve -= e.size
	}
}

// removeAt takes slot idx out of the ring, sliding the newer entries down
// so the ring stays contiguous and ordered.
func (d *deathRow) removeAt(idx int) entry {
	n := len(d.slots)
	e := d.slots[idx]
	if idx == d.oldest {
		d.slots[idx] = entry{}
		d.oldest = (d.oldest + 1) % n
	} else {
		newest := d.at(0)
		for j := idx; j != newest; j = (j + 1) % n {
			d.slots[j] = d.slots[(j+1)%n]
		}
		d.slots[newest] = entry{}
	}
	d.count--
	if d.count == 0 {
		d.oldest = 0
	}
	d.account(e, -1)
	return e
}

// push makes e the newest entry. When the ring is full the oldest entry is
// evicted and returned for the caller to release.
func (d *deathRow) push(e entry) (evicted entry, ok bool) {
	n := len(d.slots)
	if d.count == n {
		evicted, ok = d.slots[d.oldest], true
		d.slots[d.oldest] = entry{}
		d.oldest = (d.oldest + 1) % n
		d.count--
		d.account(evicted, -1)
	}
	d.slots[(d.oldest+d.count)%n] = e
	d.count++
	d.account(e, 1)
	return evicted, ok
}

// popOldest removes and returns the oldest entry.
func (d *deathRow) popOldest() (entry, bool) {
	if d.count == 0 {
		return entry{}, false
	}
	return d.removeAt(d.oldest), true
}

// drain empties the ring, oldest first.
func (d *deathRow) drain() []entry {
	out := make([]entry, 0, d.count)
	for d.count > 0 {
		e, _ := d.popOldest()
		out = append(out, e)
	}
	return out
}

// entries returns the parked entries, newest first.
func (d *deathRow) entries() []entry {
	out := make([]entry, 0, d.count)
	for i := range d.count {
		out = append(out, d.slots[d.at(i)])
	}
	return out
}
