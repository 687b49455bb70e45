package quarantine

import (
	"io"
	"runtime"
	"strconv"

	"github.com/cockroachdb/errors"
	"modernc.org/memory"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/zone"
)

// MaxReportFrames bounds each trace in a Report.
const MaxReportFrames = 64

// FIFO walks stop here even if the copied item count is larger.
const maxWalk = 1 << 22

// Reader copies memory out of the process being diagnosed.
type Reader interface {
	// ReadMemory fills dst with the bytes at addr.
	ReadMemory(dst []byte, addr uintptr) error
}

// Trace is a decoded stack.
type Trace struct {
	Handle uint32
	Frames []uintptr
}

// Report describes the allocation nearest to a fault.
type Report struct {
	FaultAddress      uintptr
	NearestAllocation uintptr // 0 when no allocation contains the fault
	AllocationSize    uintptr
	Quarantined       bool
	Alloc             Trace
	Dealloc           Trace // empty unless Quarantined
}

// Diagnose explains a fault using only copies made through r: the control
// block at controlAddr, the quarantine FIFO, the pointer map and the depot.
// enumerate lists the wrapped zone's in-use blocks; when nil only
// quarantined blocks can be found. The target is never written.
func Diagnose(fault, controlAddr uintptr, r Reader, enumerate zone.Enumerator) (*Report, error) {
	d := &diagnosis{r: r}
	defer d.close()

	snap, err := d.snapshot(controlAddr)
	if err != nil {
		return nil, err
	}
	rep := &Report{FaultAddress: fault}

	var live zone.Range
	if enumerate != nil {
		err := enumerate(zone.RangeInUse, func(_ zone.RangeType, ranges []zone.Range) {
			if live.Address != 0 {
				return
			}
			for _, rg := range ranges {
				if rg.Contains(fault) {
					live = rg
					return
				}
			}
		})
		if err != nil {
			return nil, errors.Wrap(err, "enumerate wrapped zone")
		}
	}

	chunk, size, hashes, found, err := d.findQuarantined(snap, fault)
	if err != nil {
		return nil, err
	}
	switch {
	case found:
		rep.NearestAllocation, rep.AllocationSize, rep.Quarantined = chunk, size, true
		if live.Address == chunk {
			rep.AllocationSize = live.Size
		}
		rep.Alloc.Handle = uint32(hashes)
		rep.Dealloc.Handle = uint32(hashes >> 32)
	case live.Address != 0:
		rep.NearestAllocation, rep.AllocationSize = live.Address, live.Size
		if h, ok, err := d.pointerMap(snap, live.Address); err != nil {
			return nil, err
		} else if ok {
			rep.Alloc.Handle = h
		}
	default:
		return rep, nil
	}

	if rep.Alloc.Frames, err = d.frames(snap, rep.Alloc.Handle); err != nil {
		return nil, err
	}
	if rep.Dealloc.Frames, err = d.frames(snap, rep.Dealloc.Handle); err != nil {
		return nil, err
	}
	return rep, nil
}

// diagnosis owns the off-heap copies made for one Diagnose call.
type diagnosis struct {
	r     Reader
	alloc memory.Allocator
}

func (d *diagnosis) close() {
	_ = d.alloc.Close()
}

// read copies n bytes at addr. The caller frees the copy.
func (d *diagnosis) read(addr uintptr, n int) ([]byte, error) {
	b, err := d.alloc.Malloc(n)
	if err != nil {
		return nil, errors.Wrap(err, "diagnosis buffer")
	}
	if err := d.r.ReadMemory(b, addr); err != nil {
		_ = d.alloc.Free(b)
		return nil, errors.Wrapf(err, "read %d bytes at %#x", n, addr)
	}
	return b, nil
}

func (d *diagnosis) word(addr uintptr) (uint64, error) {
	b, err := d.read(addr, 8)
	if err != nil {
		return 0, err
	}
	w := buf.U64LE(b)
	_ = d.alloc.Free(b)
	return w, nil
}

func (d *diagnosis) snapshot(addr uintptr) (Snapshot, error) {
	hdr, err := d.read(addr, ctlHeaderWords*8)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = d.alloc.Free(hdr) }()
	page := uintptr(buf.U64LEAt(hdr, ctlPageSize*8))
	if page == 0 || page&(page-1) != 0 {
		return Snapshot{}, errors.Wrapf(ErrBadControl, "page size %d", page)
	}
	state, err := d.read(addr+page, ctlStateWords*8)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = d.alloc.Free(state) }()
	return decodeSnapshot(hdr, state)
}

// findQuarantined walks the copied FIFO for the block containing fault.
func (d *diagnosis) findQuarantined(s Snapshot, fault uintptr) (chunk, size uintptr, hashes uint64, found bool, err error) {
	cur := s.Head
	for i := uint64(0); i < min(s.Items, maxWalk) && cur != 0; i++ {
		hdr, err := d.read(cur, chunkHeaderSize)
		if err != nil {
			return 0, 0, 0, false, err
		}
		next, n := unpackHeader(buf.U64LEAt(hdr, 0))
		h := buf.U64LEAt(hdr, 8)
		_ = d.alloc.Free(hdr)
		if fault >= cur && fault < cur+n {
			return cur, n, h, true, nil
		}
		cur = next
	}
	return 0, 0, 0, false, nil
}

func (d *diagnosis) pointerMap(s Snapshot, ptr uintptr) (uint32, bool, error) {
	if s.MapLen == 0 {
		return 0, false, nil
	}
	slot := s.MapBase + uintptr(uint64(hashPointer(ptr))&(s.MapLen-1))*16
	b, err := d.read(slot, 16)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = d.alloc.Free(b) }()
	v, ok := decodeSlot(ptr, buf.U64LEAt(b, 0), buf.U64LEAt(b, 8))
	return v, ok, nil
}

// frames resolves handle against the copied depot. Unknown or overwritten
// handles give no frames.
func (d *diagnosis) frames(s Snapshot, handle uint32) ([]uintptr, error) {
	if handle == 0 || s.DepotIndex == 0 || s.DepotStorage == 0 {
		return nil, nil
	}
	e, err := d.word(s.DepotBase + uintptr(uint64(handle)&(s.DepotIndex-1))*8)
	if err != nil {
		return nil, err
	}
	var readErr error
	out := make([]uintptr, MaxReportFrames)
	n := lookupFrames(handle, e, s.DepotStorage, func(i uint64) (uint64, bool) {
		w, err := d.word(s.DepotBase + uintptr(s.DepotIndex+i)*8)
		if err != nil {
			readErr = err
			return 0, false
		}
		return w, true
	}, out)
	if readErr != nil {
		return nil, readErr
	}
	if n == 0 {
		return nil, nil
	}
	return out[:n], nil
}

// Format writes the report with frames symbolized against this binary.
// Frames from another binary print as raw addresses.
func (r *Report) Format(w io.Writer) {
	p := zone.NewPrinter(w)
	p.Printf("fault address %#x\n", r.FaultAddress)
	if r.NearestAllocation == 0 {
		p.Printf("no allocation contains the fault\n")
		return
	}
	state := "live"
	if r.Quarantined {
		state = "quarantined (freed)"
	}
	p.Printf("nearest allocation %#x, size %d, %s, offset %d\n",
		r.NearestAllocation, r.AllocationSize, state, r.FaultAddress-r.NearestAllocation)
	formatTrace(p, "allocated", r.Alloc)
	if r.Quarantined {
		formatTrace(p, "freed", r.Dealloc)
	}
}

func formatTrace(p *zone.Writer, what string, t Trace) {
	if len(t.Frames) == 0 {
		p.Printf("%s at: <unknown>\n", what)
		return
	}
	p.Printf("%s at (stack %08x):\n", what, t.Handle)
	// One PC at a time: CallersFrames drops PCs it cannot symbolize.
	for _, pc := range t.Frames {
		frames := runtime.CallersFrames([]uintptr{pc})
		f, more := frames.Next()
		if f.Function == "" {
			p.Printf("  %#x\n", pc)
			continue
		}
		for {
			// Line numbers must not be digit-grouped.
			p.Printf("  %s\n      %s:%s\n", f.Function, f.File, strconv.Itoa(f.Line))
			if !more {
				break
			}
			f, more = frames.Next()
		}
	}
}
