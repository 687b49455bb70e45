// Package reclaim tracks free ranges that the host may take back lazily.
//
// The large allocator hands each region it parks on death row to a Buffer
// instead of advising the kernel right away. The host side (Reclaim, or a
// goroutine started with Run) later releases the oldest ranges. Before the
// allocator reuses a parked region it must win MarkUsed:
//
//	id, ok := b.MarkFree(addr, size)
//	...
//	if !b.MarkUsed(id, addr, size) {
//	    // reclaimed in the meantime: drop the region
//	}
//
// Every state change happens under the buffer's mutex, so exactly one of
// MarkUsed and Reclaim wins a given range.
package reclaim

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/logger"
)

const (
	// defaultCapacity is the number of ranges tracked at once.
	defaultCapacity = 64
)

// State of a tracked range.
type State uint8

const (
	// Empty slots hold nothing.
	Empty State = iota
	// Free ranges may be reclaimed or reused.
	Free
	// Used ranges were taken back by the allocator.
	Used
	// Reclaimed ranges were released by the host.
	Reclaimed
)

// Releaser drops the backing pages of a range.
type Releaser interface {
	Release(addr, size uintptr) error
}

// ErrFull is returned by MarkFree when every slot holds a free range.
var ErrFull = errors.New("reclaim: buffer full")

type entry struct {
	id    uint64
	addr  uintptr
	size  uintptr
	state State
}

// Buffer is a ring of ranges shared between an allocator and the host.
//
// Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	rel      Releaser
	entries  []entry
	next     uint64 // id of the next MarkFree
	oldest   uint64 // lower bound of the oldest live id
	freeSize uintptr

	reclaimedBytes uint64
	reclaimedCount uint64
}

// New returns a buffer tracking up to capacity ranges (64 if capacity <= 0).
func New(rel Releaser, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Buffer{
		rel:     rel,
		entries: make([]entry, capacity),
		next:    1,
		oldest:  1,
	}
}

func (b *Buffer) slot(id uint64) *entry {
	return &b.entries[id%uint64(len(b.entries))]
}

// MarkFree records a free range and returns its id.
func (b *Buffer) MarkFree(addr, size uintptr) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slot(b.next)
	if e.state == Free {
		return 0, ErrFull
	}
	id := b.next
	b.next++
	*e = entry{id: id, addr: addr, size: size, state: Free}
	b.freeSize += size
	return id, nil
}

// MarkUsed takes a free range back for reuse. It returns false if the host
// reclaimed it first or the id is stale.
func (b *Buffer) MarkUsed(id uint64, addr, size uintptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.slot(id)
	if e.id != id || e.state != Free || e.addr != addr || e.size != size {
		return false
	}
	e.state = Used
	b.freeSize -= size
	return true
}

// IsAvailable reports whether id still names a free range.
func (b *Buffer) IsAvailable(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.slot(id)
	return e.id == id && e.state == Free
}

// FreeBytes returns the bytes currently parked as free.
func (b *Buffer) FreeBytes() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeSize
}

// Reclaim releases free ranges, oldest first, until at least goal bytes are
// released (goal 0 means all). It returns the bytes released.
//
// Pages are released with the buffer locked: once MarkUsed has returned,
// no release of that range is still in flight and the caller may unmap it.
func (b *Buffer) Reclaim(goal uintptr) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()

	var released, total uintptr
	var count uint64
	for id := b.oldest; id < b.next; id++ {
		if goal != 0 && total >= goal {
			break
		}
		e := b.slot(id)
		if e.id != id || e.state != Free {
			continue
		}
		e.state = Reclaimed
		b.freeSize -= e.size
		total += e.size
		count++
		if err := b.rel.Release(e.addr, e.size); err != nil {
			logger.L.Warn("reclaim release failed", "addr", e.addr, "size", e.size, "err", err)
			continue
		}
		released += e.size
	}
	for b.oldest < b.next {
		e := b.slot(b.oldest)
		if e.id == b.oldest && e.state == Free {
			break
		}
		b.oldest++
	}

	b.reclaimedBytes += uint64(released)
	b.reclaimedCount += count
	return released
}

// Run reclaims up to goal bytes every interval until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context, interval time.Duration, goal uintptr) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := b.Reclaim(goal); n > 0 {
				logger.L.Debug("reclaimed", "bytes", n)
			}
		}
	}
}

// Stats reports cumulative reclaim activity.
type Stats struct {
	FreeBytes      uintptr
	ReclaimedBytes uint64
	ReclaimedCount uint64
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		FreeBytes:      b.freeSize,
		ReclaimedBytes: b.reclaimedBytes,
		ReclaimedCount: b.reclaimedCount,
	}
}
