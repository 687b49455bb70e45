//go:build linux || darwin

package vm

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/logger"
)

// MmapProvider maps anonymous private memory with mmap(2).
type MmapProvider struct {
	pageSize uintptr

	maps, unmaps       atomic.Uint64
	mapFail, unmapFail atomic.Uint64
	mapped             atomic.Uint64
	growHit, growMiss  atomic.Uint64
	reusable, released atomic.Uint64
}

var _ Provider = (*MmapProvider)(nil)

// NewMmapProvider returns a provider backed by the host's mmap.
func NewMmapProvider() *MmapProvider {
	return &MmapProvider{pageSize: uintptr(unix.Getpagesize())}
}

// PageSize returns the host page size.
func (p *MmapProvider) PageSize() uintptr { return p.pageSize }

func (p *MmapProvider) guardBytes(flags Flags) (pre, post uintptr) {
	if flags&GuardPrelude != 0 {
		pre = p.pageSize
	}
	if flags&GuardPostlude != 0 {
		post = p.pageSize
	}
	return pre, post
}

func (p *MmapProvider) mmap(hint, size uintptr) (uintptr, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(ptr), nil
}

func (p *MmapProvider) munmap(addr, size uintptr) {
	if size == 0 {
		return
	}
	if err := unix.MunmapPtr(unsafe.Pointer(addr), size); err != nil {
		p.unmapFail.Add(1)
		logger.L.Error("munmap failed", "addr", addr, "size", size, "err", err)
		return
	}
	p.mapped.Add(^uint64(size - 1))
}

// Map maps size bytes aligned to align, with optional guard pages.
func (p *MmapProvider) Map(size, align uintptr, flags Flags, tag Tag) uintptr {
	size, ok := roundPage(size, p.pageSize)
	if !ok || size == 0 {
		p.mapFail.Add(1)
		return 0
	}
	if align < p.pageSize {
		align = p.pageSize
	}
	pre, post := p.guardBytes(flags)

	total, ok := buf.AddOverflowSafe(size, pre+post)
	if !ok {
		p.mapFail.Add(1)
		return 0
	}
	extra := uintptr(0)
	if align > p.pageSize {
		extra = align
	}
	raw, ok := buf.AddOverflowSafe(total, extra)
	if !ok {
		p.mapFail.Add(1)
		return 0
	}

	base, err := p.mmap(0, raw)
	if err != nil {
		p.mapFail.Add(1)
		logger.L.Debug("mmap failed", "size", raw, "tag", tag.String(), "err", err)
		return 0
	}
	p.maps.Add(1)
	p.mapped.Add(uint64(raw))

	start := (base + pre + align - 1) &^ (align - 1)
	mapStart := start - pre
	mapEnd := start + size + post
	// Trim the slop used to reach the alignment.
	p.munmap(base, mapStart-base)
	p.munmap(mapEnd, base+raw-mapEnd)

	if pre != 0 {
		if err := p.Protect(mapStart, pre, ProtNone); err != nil {
			p.munmap(mapStart, mapEnd-mapStart)
			p.mapFail.Add(1)
			return 0
		}
	}
	if post != 0 {
		if err := p.Protect(start+size, post, ProtNone); err != nil {
			p.munmap(mapStart, mapEnd-mapStart)
			p.mapFail.Add(1)
			return 0
		}
	}
	return start
}

// Unmap releases the range and its guard pages.
func (p *MmapProvider) Unmap(addr, size uintptr, flags Flags) {
	if addr == 0 {
		return
	}
	size, _ = roundPage(size, p.pageSize)
	pre, post := p.guardBytes(flags)
	p.unmaps.Add(1)
	p.munmap(addr-pre, size+pre+post)
}

// Protect changes the protection of a page-aligned range.
func (p *MmapProvider) Protect(addr, size uintptr, prot Prot) error {
	if addr&(p.pageSize-1) != 0 {
		return ErrUnaligned
	}
	var uprot int
	switch prot {
	case ProtNone:
		uprot = unix.PROT_NONE
	case ProtRead:
		uprot = unix.PROT_READ
	default:
		uprot = unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(buf.Bytes(addr, size), uprot); err != nil {
		return errors.Wrapf(err, "vm: mprotect %#x+%d", addr, size)
	}
	return nil
}

// MarkReusable advises the host that the range can be reclaimed lazily.
func (p *MmapProvider) MarkReusable(addr, size uintptr) error {
	if addr&(p.pageSize-1) != 0 {
		return ErrUnaligned
	}
	err := unix.Madvise(buf.Bytes(addr, size), adviceReusable)
	if errors.Is(err, unix.EINVAL) {
		// Kernels without lazy free.
		err = unix.Madvise(buf.Bytes(addr, size), unix.MADV_DONTNEED)
	}
	if err != nil {
		return errors.Wrapf(err, "vm: madvise reusable %#x+%d", addr, size)
	}
	p.reusable.Add(1)
	return nil
}

// MarkInUse reverses MarkReusable.
func (p *MmapProvider) MarkInUse(addr, size uintptr) error {
	if adviceReuse < 0 {
		return nil
	}
	if err := unix.Madvise(buf.Bytes(addr, size), adviceReuse); err != nil {
		return errors.Wrapf(err, "vm: madvise reuse %#x+%d", addr, size)
	}
	return nil
}

// Release drops the backing pages of the range.
func (p *MmapProvider) Release(addr, size uintptr) error {
	if addr&(p.pageSize-1) != 0 {
		return ErrUnaligned
	}
	if err := unix.Madvise(buf.Bytes(addr, size), unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "vm: madvise dontneed %#x+%d", addr, size)
	}
	p.released.Add(1)
	return nil
}

// GrowAt maps [addr, addr+size) only if the kernel places the mapping there.
func (p *MmapProvider) GrowAt(addr, size uintptr, tag Tag) bool {
	size, ok := roundPage(size, p.pageSize)
	if !ok || addr&(p.pageSize-1) != 0 {
		p.growMiss.Add(1)
		return false
	}
	got, err := p.mmap(addr, size)
	if err != nil {
		p.growMiss.Add(1)
		return false
	}
	p.mapped.Add(uint64(size))
	if got != addr {
		p.munmap(got, size)
		p.growMiss.Add(1)
		return false
	}
	p.maps.Add(1)
	p.growHit.Add(1)
	logger.L.Debug("grow at address", "addr", addr, "size", size, "tag", tag.String())
	return true
}

// Copy copies between page-aligned ranges.
func (p *MmapProvider) Copy(dst, src, size uintptr) error {
	mask := p.pageSize - 1
	if dst&mask != 0 || src&mask != 0 {
		return ErrUnaligned
	}
	for off := uintptr(0); off < size; off += p.pageSize {
		n := min(p.pageSize, size-off)
		buf.Copy(dst+off, src+off, n)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (p *MmapProvider) Stats() Stats {
	return Stats{
		Maps:          p.maps.Load(),
		Unmaps:        p.unmaps.Load(),
		MapFailures:   p.mapFail.Load(),
		UnmapFailures: p.unmapFail.Load(),
		BytesMapped:   p.mapped.Load(),
		GrowHits:      p.growHit.Load(),
		GrowMisses:    p.growMiss.Load(),
		Reusable:      p.reusable.Load(),
		Released:      p.released.Load(),
	}
}

func roundPage(n, pageSize uintptr) (uintptr, bool) {
	mask := pageSize - 1
	if n > ^uintptr(0)-mask {
		return 0, false
	}
	return (n + mask) &^ mask, true
}
