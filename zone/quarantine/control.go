package quarantine

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/vm"
)

// The control block is two provider pages. The first holds the layout of
// the depot and pointer map and is made read-only once written. The second
// mirrors the FIFO state on every change. A diagnosing process needs only
// the control block address to find everything else.
const (
	controlMagic   = 0x3130726175716b7a // "zkquar01"
	controlVersion = 1
)

// Header words.
const (
	ctlMagic = iota
	ctlVersion
	ctlPageSize
	ctlDepotBase
	ctlDepotIndex
	ctlDepotStorage
	ctlMapBase
	ctlMapLen
	ctlFlags
	ctlMaxItems
	ctlMaxBytes
	ctlHeaderWords
)

// Mutable words, on the second page.
const (
	ctlHead = iota
	ctlTail
	ctlItems
	ctlBytes
	ctlEvictions
	ctlStateWords
)

const (
	flagPoisoning = 1 << iota
	flagDebug
)

type control struct {
	provider vm.Provider
	base     uintptr
	page     uintptr
}

func newControl(p vm.Provider, cfg Config, depot *Depot, ptrs *PointerMap) (*control, error) {
	page := p.PageSize()
	base := p.Map(2*page, 0, 0, vm.TagQuarantine)
	if base == 0 {
		return nil, errors.Wrap(ErrNoMemory, "control block")
	}
	var flags uint64
	if cfg.Poisoning {
		flags |= flagPoisoning
	}
	if cfg.Debug {
		flags |= flagDebug
	}
	hdr := buf.Words(base, ctlHeaderWords)
	hdr[ctlMagic] = controlMagic
	hdr[ctlVersion] = controlVersion
	hdr[ctlPageSize] = uint64(page)
	hdr[ctlDepotBase] = uint64(depot.base)
	hdr[ctlDepotIndex] = depot.indexLen
	hdr[ctlDepotStorage] = depot.storageLen
	hdr[ctlMapBase] = uint64(ptrs.base)
	hdr[ctlMapLen] = ptrs.n
	hdr[ctlFlags] = flags
	hdr[ctlMaxItems] = cfg.MaxItems
	hdr[ctlMaxBytes] = cfg.MaxBytes

	if err := p.Protect(base, page, vm.ProtRead); err != nil {
		logger.L.Warn("control block left writable", "err", err)
	}
	return &control{provider: p, base: base, page: page}, nil
}

func (c *control) state(i uintptr) uintptr { return c.base + c.page + i*8 }

// publish mirrors the FIFO state. Called with the zone lock held.
func (c *control) publish(head, tail uintptr, items, bytes, evictions uint64) {
	buf.AtomicStore64(c.state(ctlHead), uint64(head))
	buf.AtomicStore64(c.state(ctlTail), uint64(tail))
	buf.AtomicStore64(c.state(ctlItems), items)
	buf.AtomicStore64(c.state(ctlBytes), bytes)
	buf.AtomicStore64(c.state(ctlEvictions), evictions)
}

func (c *control) destroy() {
	c.provider.Unmap(c.base, 2*c.page, 0)
}

// Snapshot is a decoded copy of a control block.
type Snapshot struct {
	PageSize     uintptr
	DepotBase    uintptr
	DepotIndex   uint64
	DepotStorage uint64
	MapBase      uintptr
	MapLen       uint64
	Poisoning    bool
	Debug        bool
	MaxItems     uint64
	MaxBytes     uint64

	Head      uintptr
	Tail      uintptr
	Items     uint64
	Bytes     uint64
	Evictions uint64
}

func decodeSnapshot(hdr, state []byte) (Snapshot, error) {
	if len(hdr) < ctlHeaderWords*8 || len(state) < ctlStateWords*8 {
		return Snapshot{}, errors.Wrap(ErrBadControl, "short read")
	}
	w := func(b []byte, i int) uint64 { return buf.U64LEAt(b, i*8) }
	if w(hdr, ctlMagic) != controlMagic {
		return Snapshot{}, errors.Wrapf(ErrBadControl, "magic %#x", w(hdr, ctlMagic))
	}
	if v := w(hdr, ctlVersion); v != controlVersion {
		return Snapshot{}, errors.Wrapf(ErrBadControl, "version %d", v)
	}
	flags := w(hdr, ctlFlags)
	return Snapshot{
		PageSize:     uintptr(w(hdr, ctlPageSize)),
		DepotBase:    uintptr(w(hdr, ctlDepotBase)),
		DepotIndex:   w(hdr, ctlDepotIndex),
		DepotStorage: w(hdr, ctlDepotStorage),
		MapBase:      uintptr(w(hdr, ctlMapBase)),
		MapLen:       w(hdr, ctlMapLen),
		Poisoning:    flags&flagPoisoning != 0,
		Debug:        flags&flagDebug != 0,
		MaxItems:     w(hdr, ctlMaxItems),
		MaxBytes:     w(hdr, ctlMaxBytes),
		Head:         uintptr(w(state, ctlHead)),
		Tail:         uintptr(w(state, ctlTail)),
		Items:        w(state, ctlItems),
		Bytes:        w(state, ctlBytes),
		Evictions:    w(state, ctlEvictions),
	}, nil
}
