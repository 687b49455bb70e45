package quarantine

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/vm"
)

// Depot sizes. The defaults hold about half a million distinct stacks of
// eight frames.
const (
	DefaultDepotIndex   = 1 << 19
	DefaultDepotStorage = 1 << 22

	// MaxFrames is the longest stack the depot records.
	MaxFrames = 255

	posBits = 24
	posMask = 1<<posBits - 1
)

// Depot is the stack trace depository: a direct-mapped index from stack hash
// to a run of frames in a circular frame store.
//
// The handle of a stored stack is its own hash. Insertion is lock-free: it
// claims frame slots with one atomic add and publishes the index entry last.
// Wrapped-over frames are never returned because Find re-hashes what it
// reads. The whole structure lives in provider memory and holds no pointers,
// so another process can copy and query it.
//
// Layout, in 64-bit words:
//
//	[0, indexLen)                      index: hash | pos<<32 | count<<56
//	[indexLen, indexLen+storageLen)    frames
//	[indexLen+storageLen]              next frame position (unwrapped)
type Depot struct {
	provider   vm.Provider
	base       uintptr
	mapped     uintptr
	indexLen   uint64
	storageLen uint64
}

func newDepot(p vm.Provider, indexLen, storageLen uint64) (*Depot, error) {
	if indexLen == 0 || indexLen&(indexLen-1) != 0 {
		return nil, errors.Wrapf(ErrBadConfig, "depot index size %d is not a power of two", indexLen)
	}
	if storageLen == 0 || storageLen&(storageLen-1) != 0 || storageLen > posMask {
		return nil, errors.Wrapf(ErrBadConfig, "depot storage size %d", storageLen)
	}
	size := uintptr(indexLen+storageLen+1) * 8
	mapped, ok := format.RoundPage(size, p.PageSize())
	if !ok {
		return nil, errors.Wrapf(ErrBadConfig, "depot size %d overflows", size)
	}
	base := p.Map(mapped, 0, 0, vm.TagQuarantine)
	if base == 0 {
		return nil, errors.Wrapf(ErrNoMemory, "depot of %d bytes", mapped)
	}
	return &Depot{
		provider:   p,
		base:       base,
		mapped:     mapped,
		indexLen:   indexLen,
		storageLen: storageLen,
	}, nil
}

func (d *Depot) indexAddr(i uint64) uintptr   { return d.base + uintptr(i)*8 }
func (d *Depot) storageAddr(i uint64) uintptr { return d.base + uintptr(d.indexLen+i)*8 }
func (d *Depot) posAddr() uintptr             { return d.base + uintptr(d.indexLen+d.storageLen)*8 }

// Insert stores pcs and returns its handle. Inserting a stack already in
// its home slot writes nothing. An empty stack has handle 0.
func (d *Depot) Insert(pcs []uintptr) uint32 {
	if len(pcs) == 0 {
		return 0
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}
	n := uint64(len(pcs))
	hash := hashFrames(pcs)
	slot := d.indexAddr(uint64(hash) & (d.indexLen - 1))

	e := buf.AtomicLoad64(slot)
	if uint32(e) == hash && e>>56 == n {
		return hash
	}

	start := (buf.AtomicAdd64(d.posAddr(), n) - n) & (d.storageLen - 1)
	for i, pc := range pcs {
		buf.AtomicStore64(d.storageAddr((start+uint64(i))&(d.storageLen-1)), uint64(pc))
	}
	buf.AtomicStore64(slot, uint64(hash)|start<<32|n<<56)
	return hash
}

// Find copies the frames of handle into out and returns how many it wrote.
// It returns 0 when the handle was never stored or has been overwritten.
func (d *Depot) Find(hash uint32, out []uintptr) int {
	e := buf.AtomicLoad64(d.indexAddr(uint64(hash) & (d.indexLen - 1)))
	return lookupFrames(hash, e, d.storageLen, func(i uint64) (uint64, bool) {
		return buf.AtomicLoad64(d.storageAddr(i)), true
	}, out)
}

// lookupFrames decodes index entry e for hash and validates the frames
// returned by word against it.
func lookupFrames(hash uint32, e, storageLen uint64, word func(i uint64) (uint64, bool), out []uintptr) int {
	count := e >> 56
	pos := (e >> 32) & posMask
	if uint32(e) != hash || count == 0 || pos >= storageLen {
		return 0
	}
	h := newMurmur()
	n := 0
	for i := range count {
		w, ok := word((pos + i) & (storageLen - 1))
		if !ok {
			return 0
		}
		h.addWord(w)
		if n < len(out) {
			out[n] = uintptr(w)
			n++
		}
	}
	if h.sum() != hash {
		return 0
	}
	return n
}

func (d *Depot) destroy() {
	d.provider.Unmap(d.base, d.mapped, 0)
}
