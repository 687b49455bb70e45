package magazine

// span is a free range inside a region. pos is its index in the bin heap,
// or -1 when it is not in one.
type span struct {
	addr uintptr
	size uintptr
	pos  int
}

// spanHeap is one size class bin. The root is the smallest span, ties going
// to the lower address so reuse stays packed toward the region start.
type spanHeap []*span

func (h spanHeap) Len() int { return len(h) }

func (h spanHeap) Less(i, j int) bool {
	if h[i].size != h[j].size {
		return h[i].size < h[j].size
	}
	return h[i].addr < h[j].addr
}

func (h spanHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos, h[j].pos = i, j
}

func (h *spanHeap) Push(x any) {
	s := x.(*span) //nolint:errcheck // only spans are pushed
	s.pos = len(*h)
	*h = append(*h, s)
}

func (h *spanHeap) Pop() any {
	old := *h
	s := old[len(old)-1]
	old[len(old)-1] = nil
	s.pos = -1
	*h = old[:len(old)-1]
	return s
}

// oversize is a free range larger than the last size class, usually the
// untouched tail of a fresh region. These are rare enough for a list.
type oversize struct {
	addr uintptr
	size uintptr
	next *oversize
}
