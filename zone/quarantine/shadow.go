package quarantine

import (
	"sync"
	"sync/atomic"
)

const (
	granuleShift = 4

	// A shadow chunk covers 64 KiB of address space, one bit per granule.
	chunkGranuleShift = 12
	granulesPerChunk  = 1 << chunkGranuleShift
)

type shadowChunk [granulesPerChunk / 64]atomic.Uint64

// update sets or clears granules [lo, hi) and reports whether lo was set
// before.
func (c *shadowChunk) update(lo, hi uint, poison bool) bool {
	was := false
	for i := lo; i < hi; {
		w, bit := i/64, i%64
		n := min(hi-i, 64-bit)
		mask := (^uint64(0) >> (64 - n)) << bit
		if poison {
			old := c[w].Or(mask)
			if i == lo {
				was = old&(1<<bit) != 0
			}
		} else {
			c[w].And(^mask)
		}
		i += n
	}
	return was
}

func (c *shadowChunk) test(g uint) bool {
	return c[g/64].Load()&(1<<(g%64)) != 0
}

func (c *shadowChunk) empty() bool {
	for i := range c {
		if c[i].Load() != 0 {
			return false
		}
	}
	return true
}

// Shadow is sparse poison state at 16-byte granularity. Chunks appear on
// first poison and go away when their last granule is cleared.
//
// Bits are flipped under the read lock; chunks are only created or dropped
// under the write lock.
type Shadow struct {
	mu     sync.RWMutex
	chunks map[uintptr]*shadowChunk
}

func newShadow() *Shadow {
	return &Shadow{chunks: make(map[uintptr]*shadowChunk)}
}

// spans calls fn for every chunk touched by [addr, addr+size) with the
// granule range inside that chunk.
func spans(addr, size uintptr, fn func(key uintptr, lo, hi uint)) {
	if size == 0 {
		return
	}
	g := addr >> granuleShift
	end := (addr+size-1)>>granuleShift + 1
	for g < end {
		key := g >> chunkGranuleShift
		first := key << chunkGranuleShift
		lo := uint(g - first)
		hi := uint(min(end-first, granulesPerChunk))
		fn(key, lo, hi)
		g = first + granulesPerChunk
	}
}

// Poison marks [addr, addr+size) and reports whether the granule at addr
// was already poisoned.
func (s *Shadow) Poison(addr, size uintptr) bool {
	was, first := false, true
	spans(addr, size, func(key uintptr, lo, hi uint) {
		s.mu.RLock()
		c := s.chunks[key]
		if c != nil {
			w := c.update(lo, hi, true)
			s.mu.RUnlock()
			if first {
				was = w
			}
			first = false
			return
		}
		s.mu.RUnlock()

		s.mu.Lock()
		if c = s.chunks[key]; c == nil {
			c = new(shadowChunk)
			s.chunks[key] = c
		}
		w := c.update(lo, hi, true)
		s.mu.Unlock()
		if first {
			was = w
		}
		first = false
	})
	return was
}

// Unpoison clears [addr, addr+size).
func (s *Shadow) Unpoison(addr, size uintptr) {
	spans(addr, size, func(key uintptr, lo, hi uint) {
		s.mu.RLock()
		c := s.chunks[key]
		drop := false
		if c != nil {
			c.update(lo, hi, false)
			drop = c.empty()
		}
		s.mu.RUnlock()
		if !drop {
			return
		}
		s.mu.Lock()
		if c = s.chunks[key]; c != nil && c.empty() {
			delete(s.chunks, key)
		}
		s.mu.Unlock()
	})
}

// IsPoisoned reports whether the granule holding addr is poisoned.
func (s *Shadow) IsPoisoned(addr uintptr) bool {
	g := addr >> granuleShift
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.chunks[g>>chunkGranuleShift]
	return c != nil && c.test(uint(g&(granulesPerChunk-1)))
}

// Chunks returns the number of live shadow chunks.
func (s *Shadow) Chunks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
