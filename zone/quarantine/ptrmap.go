package quarantine

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/vm"
)

// DefaultPointerMapEntries is the pointer map slot count.
const DefaultPointerMapEntries = 1 << 20

// PointerMap associates a 32-bit value with a pointer in a direct-mapped
// table. Inserting overwrites whatever shared the slot, so tracking can be
// lost but a lookup never returns another pointer's value.
//
// Each slot is two words: the pointer, then value | tag<<32 where tag is a
// second hash of the pointer. The words are stored separately, and the tag
// rejects a slot torn between two racing inserts.
type PointerMap struct {
	provider vm.Provider
	base     uintptr
	mapped   uintptr
	n        uint64
}

func newPointerMap(p vm.Provider, n uint64) (*PointerMap, error) {
	if n == 0 || n&(n-1) != 0 {
		return nil, errors.Wrapf(ErrBadConfig, "pointer map size %d is not a power of two", n)
	}
	mapped, ok := format.RoundPage(uintptr(n)*16, p.PageSize())
	if !ok {
		return nil, errors.Wrapf(ErrBadConfig, "pointer map size %d overflows", n)
	}
	base := p.Map(mapped, 0, 0, vm.TagQuarantine)
	if base == 0 {
		return nil, errors.Wrapf(ErrNoMemory, "pointer map of %d bytes", mapped)
	}
	return &PointerMap{provider: p, base: base, mapped: mapped, n: n}, nil
}

func (m *PointerMap) slot(ptr uintptr) uintptr {
	return m.base + uintptr(uint64(hashPointer(ptr))&(m.n-1))*16
}

// Insert records value for ptr.
func (m *PointerMap) Insert(ptr uintptr, value uint32) {
	s := m.slot(ptr)
	buf.AtomicStore64(s, uint64(ptr))
	buf.AtomicStore64(s+8, uint64(value)|uint64(tagPointer(ptr))<<32)
}

// Find returns the value recorded for ptr.
func (m *PointerMap) Find(ptr uintptr) (uint32, bool) {
	s := m.slot(ptr)
	return decodeSlot(ptr, buf.AtomicLoad64(s), buf.AtomicLoad64(s+8))
}

func decodeSlot(ptr uintptr, stored, word uint64) (uint32, bool) {
	if stored != uint64(ptr) || uint32(word>>32) != tagPointer(ptr) {
		return 0, false
	}
	return uint32(word), true
}

func (m *PointerMap) destroy() {
	m.provider.Unmap(m.base, m.mapped, 0)
}
