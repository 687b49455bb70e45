// Package quarantine wraps a zone so freed blocks are held back before they
// are reused, poisoned while they wait, and tagged with the stacks that
// allocated and freed them.
//
// A free never reaches the wrapped zone directly. The block is marked in a
// shadow map, so a second free is caught before it can relink the block. It
// then joins a FIFO whose links live in a 16-byte header written over the
// start of the block itself:
//
//	word 0: next block (48 bits) | size (16 bits)
//	word 1: allocation stack handle (32 bits) | free stack handle (32 bits)
//
// When the item or byte budget is exceeded the oldest blocks are unlinked
// under the zone lock and then unpoisoned and freed to the wrapped zone
// outside it. Blocks larger than a page skip the quarantine.
//
// Stacks are stored in a lock-free Depot and live allocations map to their
// allocation stack through a PointerMap. Both live in provider memory and are
// described by a control block, so Diagnose can explain a fault from a copy
// of another process's memory.
package quarantine

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
)

const (
	chunkHeaderSize = 16
	nextBits        = 48
	nextMask        = 1<<nextBits - 1
	maxChunkLen     = 1<<(64-nextBits) - 1

	stackDepth = 16

	// Written over quarantined blocks after the header when poisoning is on.
	poisonByte = 0xfd
)

func packHeader(next, size uintptr) uint64 {
	return uint64(next)&nextMask | uint64(size)<<nextBits
}

func unpackHeader(w uint64) (next, size uintptr) {
	return uintptr(w & nextMask), uintptr(w >> nextBits)
}

// Stats counts quarantine activity.
type Stats struct {
	Items        uint64
	Bytes        uint64
	Quarantined  uint64
	Evicted      uint64
	Bypassed     uint64 // frees too large to quarantine
	DoubleFrees  uint64
	ShadowChunks int
}

type victim struct {
	ptr, size uintptr
}

// Zone is the quarantine wrapper.
//
// Safe for concurrent use.
type Zone struct {
	wrapped  zone.Zone
	provider vm.Provider
	reporter *zone.Reporter

	name      string
	debug     bool
	poisoning bool
	maxItems  uint64
	maxBytes  uint64
	pageSize  uintptr
	maxChunk  uintptr

	depot  *Depot
	ptrs   *PointerMap
	shadow *Shadow
	ctl    *control

	// Guarded by mu
	mu    sync.Mutex
	head  uintptr
	tail  uintptr
	items uint64
	bytes uint64
	stats Stats
}

var (
	_ zone.Zone         = (*Zone)(nil)
	_ zone.Introspector = (*Zone)(nil)
)

// New wraps wrapped. The quarantine owns it from now on: Destroy destroys it.
func New(wrapped zone.Zone, p vm.Provider, cfg Config) (*Zone, error) {
	if wrapped == nil || p == nil {
		return nil, errors.Wrap(ErrBadConfig, "wrapped zone and provider are required")
	}
	cfg = cfg.withDefaults()

	depot, err := newDepot(p, cfg.DepotIndex, cfg.DepotStorage)
	if err != nil {
		return nil, err
	}
	ptrs, err := newPointerMap(p, cfg.PointerMapEntries)
	if err != nil {
		depot.destroy()
		return nil, err
	}
	ctl, err := newControl(p, cfg, depot, ptrs)
	if err != nil {
		ptrs.destroy()
		depot.destroy()
		return nil, err
	}

	page := p.PageSize()
	z := &Zone{
		wrapped:   wrapped,
		provider:  p,
		reporter:  zone.NewReporter(cfg.Name, cfg.AbortOnCorruption),
		name:      cfg.Name,
		debug:     cfg.Debug,
		poisoning: cfg.Poisoning,
		maxItems:  cfg.MaxItems,
		maxBytes:  cfg.MaxBytes,
		pageSize:  page,
		maxChunk:  min(page, maxChunkLen),
		depot:     depot,
		ptrs:      ptrs,
		shadow:    newShadow(),
		ctl:       ctl,
	}
	logger.L.Debug("quarantine zone created", "zone", cfg.Name, "wraps", wrapped.Name(),
		"max_items", cfg.MaxItems, "max_bytes", cfg.MaxBytes, "poisoning", cfg.Poisoning)
	return z, nil
}

func hex(p uintptr) string { return fmt.Sprintf("%#x", p) }

// Name returns the zone name.
func (z *Zone) Name() string { return z.name }

// Reporter returns the zone's corruption reporter.
func (z *Zone) Reporter() *zone.Reporter { return z.reporter }

// Wrapped returns the zone being protected.
func (z *Zone) Wrapped() zone.Zone { return z.wrapped }

// ControlBlock returns the address Diagnose needs.
func (z *Zone) ControlBlock() uintptr { return z.ctl.base }

// captureStack stores the current stack minus the skip frames above its
// caller and returns the handle.
func (z *Zone) captureStack(skip int) uint32 {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(2+skip, pcs[:])
	return z.depot.Insert(pcs[:n])
}

// recordAlloc must be called directly from the public entry point.
func (z *Zone) recordAlloc(ptr, size uintptr) {
	if ptr == 0 || size >= z.pageSize {
		return
	}
	z.ptrs.Insert(ptr, z.captureStack(2))
}

// Malloc allocates from the wrapped zone.
func (z *Zone) Malloc(size uintptr) uintptr {
	ptr := z.wrapped.Malloc(size)
	z.recordAlloc(ptr, size)
	if z.debug {
		logger.L.Info("malloc", "zone", z.name, "size", size, "ptr", hex(ptr))
	}
	return ptr
}

// Calloc allocates zeroed memory from the wrapped zone.
func (z *Zone) Calloc(count, size uintptr) uintptr {
	ptr := z.wrapped.Calloc(count, size)
	total, _ := buf.MulOverflowSafe(count, size)
	z.recordAlloc(ptr, total)
	if z.debug {
		logger.L.Info("calloc", "zone", z.name, "count", count, "size", size, "ptr", hex(ptr))
	}
	return ptr
}

// Valloc allocates page-aligned memory from the wrapped zone.
func (z *Zone) Valloc(size uintptr) uintptr {
	ptr := z.wrapped.Valloc(size)
	z.recordAlloc(ptr, size)
	if z.debug {
		logger.L.Info("valloc", "zone", z.name, "size", size, "ptr", hex(ptr))
	}
	return ptr
}

// Memalign allocates aligned memory from the wrapped zone.
func (z *Zone) Memalign(alignment, size uintptr) uintptr {
	ptr := z.wrapped.Memalign(alignment, size)
	z.recordAlloc(ptr, size)
	if z.debug {
		logger.L.Info("memalign", "zone", z.name, "alignment", alignment, "size", size, "ptr", hex(ptr))
	}
	return ptr
}

// Free quarantines ptr.
func (z *Zone) Free(ptr uintptr) {
	if z.debug {
		logger.L.Info("free", "zone", z.name, "ptr", hex(ptr))
	}
	z.place(ptr, 0)
}

// FreeDefiniteSize quarantines ptr, a block of size bytes.
func (z *Zone) FreeDefiniteSize(ptr, size uintptr) {
	if z.debug {
		logger.L.Info("free_definite_size", "zone", z.name, "ptr", hex(ptr), "size", size)
	}
	z.place(ptr, size)
}

// Realloc always moves: the old block has to stay in quarantine.
func (z *Zone) Realloc(ptr, size uintptr) uintptr {
	if ptr == 0 {
		fresh := z.wrapped.Malloc(size)
		z.recordAlloc(fresh, size)
		return fresh
	}
	if size == 0 {
		size = 1
	}
	old := z.wrapped.Size(ptr)
	if old == 0 {
		z.reporter.Report(zone.ReallocNotAllocated, ptr, "")
		return 0
	}
	fresh := z.wrapped.Malloc(size)
	z.recordAlloc(fresh, size)
	if z.debug {
		logger.L.Info("realloc", "zone", z.name, "ptr", hex(ptr), "size", size, "new", hex(fresh), "old_size", old)
	}
	// The old block stays valid when allocation fails.
	if fresh == 0 {
		return 0
	}
	buf.Copy(fresh, ptr, min(old, size))
	z.place(ptr, old)
	return fresh
}

// BatchMalloc allocates nothing; callers fall back to Malloc.
func (z *Zone) BatchMalloc(size uintptr, results []uintptr) int {
	if z.debug {
		logger.L.Info("batch_malloc", "zone", z.name, "size", size, "count", len(results))
	}
	return 0
}

// BatchFree quarantines every pointer.
func (z *Zone) BatchFree(ptrs []uintptr) {
	if z.debug {
		logger.L.Info("batch_free", "zone", z.name, "count", len(ptrs))
	}
	for _, p := range ptrs {
		z.place(p, 0)
	}
}

// place is the quarantine path shared by every free.
func (z *Zone) place(ptr, size uintptr) {
	if ptr == 0 {
		return
	}
	if size < chunkHeaderSize {
		if size = z.wrapped.Size(ptr); size == 0 {
			// Not a live block; the wrapped zone reports it.
			z.wrapped.Free(ptr)
			return
		}
	}
	// One huge block must not flush the whole quarantine.
	if size > z.maxChunk {
		z.mu.Lock()
		z.stats.Bypassed++
		z.mu.Unlock()
		z.wrapped.Free(ptr)
		return
	}
	if z.shadow.Poison(ptr, size) {
		z.mu.Lock()
		z.stats.DoubleFrees++
		z.mu.Unlock()
		z.reporter.Report(zone.DoubleFree, ptr, "pointer being freed is already in quarantine")
		return
	}

	if z.poisoning {
		buf.Fill(ptr+chunkHeaderSize, size-chunkHeaderSize, poisonByte)
	}
	dealloc := z.captureStack(2)
	alloc, _ := z.ptrs.Find(ptr)

	var scratch [4]victim
	z.mu.Lock()
	buf.Store64(ptr, packHeader(0, size))
	buf.Store64(ptr+8, uint64(alloc)|uint64(dealloc)<<32)
	if z.items == 0 {
		z.head = ptr
	} else {
		_, tailSize := unpackHeader(buf.Load64(z.tail))
		buf.Store64(z.tail, packHeader(ptr, tailSize))
	}
	z.tail = ptr
	z.items++
	z.bytes += uint64(size)
	z.stats.Quarantined++

	victims := z.evictLocked(scratch[:0], false)
	z.publishLocked()
	z.mu.Unlock()

	z.release(victims)
}

func (z *Zone) overBudgetLocked() bool {
	return (z.maxItems > 0 && z.items > z.maxItems) ||
		(z.maxBytes > 0 && z.bytes > z.maxBytes)
}

// evictLocked unlinks blocks from the head until the budgets hold, or all of
// them. It only moves pointers.
func (z *Zone) evictLocked(victims []victim, all bool) []victim {
	for z.items > 0 && (all || z.overBudgetLocked()) {
		next, size := unpackHeader(buf.Load64(z.head))
		victims = append(victims, victim{ptr: z.head, size: size})
		z.items--
		z.bytes -= uint64(size)
		z.stats.Evicted++
		z.head = next
		if next == 0 && z.items > 0 {
			logger.L.Warn("quarantine list ends early", "zone", z.name, "items", z.items)
			z.items, z.bytes = 0, 0
		}
	}
	if z.items == 0 {
		z.head, z.tail = 0, 0
	}
	return victims
}

func (z *Zone) publishLocked() {
	z.ctl.publish(z.head, z.tail, z.items, z.bytes, z.stats.Evicted)
}

// release hands unlinked blocks back to the wrapped zone. The caller owns
// them exclusively.
func (z *Zone) release(victims []victim) {
	for _, v := range victims {
		z.shadow.Unpoison(v.ptr, v.size)
		if z.debug {
			logger.L.Info("evicting from quarantine", "zone", z.name, "ptr", hex(v.ptr), "size", v.size)
		}
		z.wrapped.FreeDefiniteSize(v.ptr, v.size)
	}
}

// Drain evicts every quarantined block.
func (z *Zone) Drain() {
	z.mu.Lock()
	victims := z.evictLocked(nil, true)
	z.publishLocked()
	z.mu.Unlock()
	z.release(victims)
}

// IsQuarantined reports whether ptr is the start of a quarantined block.
func (z *Zone) IsQuarantined(ptr uintptr) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	cur := z.head
	for i := uint64(0); i < z.items && cur != 0; i++ {
		if cur == ptr {
			return true
		}
		cur, _ = unpackHeader(buf.Load64(cur))
	}
	return false
}

// IsPoisoned reports whether addr lies in a poisoned granule. Nothing is
// poisoned when poisoning is off.
func (z *Zone) IsPoisoned(addr uintptr) bool {
	return z.poisoning && z.shadow.IsPoisoned(addr)
}

// CheckDoubleFree reports a double free when ptr is already quarantined.
func (z *Zone) CheckDoubleFree(ptr uintptr) bool {
	if !z.IsQuarantined(ptr) {
		return false
	}
	z.mu.Lock()
	z.stats.DoubleFrees++
	z.mu.Unlock()
	z.reporter.Report(zone.DoubleFree, ptr, "pointer being freed is already in quarantine")
	return true
}

// Stats returns a snapshot of the counters.
func (z *Zone) Stats() Stats {
	z.mu.Lock()
	s := z.stats
	s.Items, s.Bytes = z.items, z.bytes
	z.mu.Unlock()
	s.ShadowChunks = z.shadow.Chunks()
	return s
}

// Diagnose explains a fault at addr in this process.
func (z *Zone) Diagnose(fault uintptr) (*Report, error) {
	return Diagnose(fault, z.ctl.base, LocalReader{}, z.wrapped.Introspect().Enumerate)
}

// Size returns the wrapped zone's size of ptr.
func (z *Zone) Size(ptr uintptr) uintptr { return z.wrapped.Size(ptr) }

// GoodSize returns the wrapped zone's good size.
func (z *Zone) GoodSize(size uintptr) uintptr { return z.wrapped.GoodSize(size) }

// PressureRelief asks the wrapped zone. Quarantined blocks are not released.
func (z *Zone) PressureRelief(goal uintptr) uintptr { return z.wrapped.PressureRelief(goal) }

// ClaimedAddress asks the wrapped zone.
func (z *Zone) ClaimedAddress(ptr uintptr) bool { return z.wrapped.ClaimedAddress(ptr) }

// Introspect returns the zone itself.
func (z *Zone) Introspect() zone.Introspector { return z }

// Destroy destroys the wrapped zone and the stack tracking structures.
func (z *Zone) Destroy() {
	z.mu.Lock()
	z.head, z.tail, z.items, z.bytes = 0, 0, 0, 0
	z.mu.Unlock()
	z.wrapped.Destroy()
	z.ctl.destroy()
	z.ptrs.destroy()
	z.depot.destroy()
}

// Enumerate walks the wrapped zone; quarantined blocks are still in use there.
func (z *Zone) Enumerate(mask zone.RangeType, fn func(kind zone.RangeType, ranges []zone.Range)) error {
	return z.wrapped.Introspect().Enumerate(mask, fn)
}

// Statistics returns the wrapped zone's statistics.
func (z *Zone) Statistics() zone.Statistics {
	return z.wrapped.Introspect().Statistics()
}

// Print writes the quarantine counters, then the wrapped zone.
func (z *Zone) Print(w io.Writer, verbose bool) {
	s := z.Stats()
	p := zone.NewPrinter(w)
	p.Printf("%s: %d blocks, %d bytes in quarantine (limits %d items, %d bytes)\n",
		z.name, s.Items, s.Bytes, z.maxItems, z.maxBytes)
	p.Printf("  quarantined %d, evicted %d, bypassed %d, double frees %d, shadow chunks %d\n",
		s.Quarantined, s.Evicted, s.Bypassed, s.DoubleFrees, s.ShadowChunks)
	if verbose {
		p.Printf("  control block %#x\n", z.ctl.base)
	}
	z.wrapped.Introspect().Print(w, verbose)
}

// Check walks the FIFO against its counters, then checks the wrapped zone.
func (z *Zone) Check() error {
	if err := z.checkFIFO(); err != nil {
		return err
	}
	return z.wrapped.Introspect().Check()
}

func (z *Zone) checkFIFO() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.items == 0 {
		if z.head != 0 || z.tail != 0 || z.bytes != 0 {
			return errors.Wrapf(ErrInconsistent, "empty quarantine with head %#x tail %#x bytes %d",
				z.head, z.tail, z.bytes)
		}
		return nil
	}
	var bytes uint64
	cur, last := z.head, uintptr(0)
	for i := uint64(0); i < z.items; i++ {
		if cur == 0 {
			return errors.Wrapf(ErrInconsistent, "list ends after %d of %d blocks", i, z.items)
		}
		next, size := unpackHeader(buf.Load64(cur))
		if size < chunkHeaderSize || size > z.maxChunk {
			return errors.Wrapf(ErrInconsistent, "block %#x has size %d", cur, size)
		}
		if !z.shadow.IsPoisoned(cur) {
			return errors.Wrapf(ErrInconsistent, "quarantined block %#x is not marked", cur)
		}
		bytes += uint64(size)
		last, cur = cur, next
	}
	if cur != 0 || last != z.tail {
		return errors.Wrapf(ErrInconsistent, "list tail %#x, recorded %#x", last, z.tail)
	}
	if bytes != z.bytes {
		return errors.Wrapf(ErrInconsistent, "blocks sum to %d bytes, recorded %d", bytes, z.bytes)
	}
	return nil
}

// ForceLock takes the quarantine lock, then the wrapped zone's.
func (z *Zone) ForceLock() {
	z.mu.Lock()
	z.wrapped.Introspect().ForceLock()
}

// ForceUnlock releases in reverse order.
func (z *Zone) ForceUnlock() {
	z.wrapped.Introspect().ForceUnlock()
	z.mu.Unlock()
}

func (z *Zone) ReinitLock() {
	z.mu = sync.Mutex{}
	z.wrapped.Introspect().ReinitLock()
}

func (z *Zone) Locked() bool {
	if !z.mu.TryLock() {
		return true
	}
	z.mu.Unlock()
	return z.wrapped.Introspect().Locked()
}
