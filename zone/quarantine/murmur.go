package quarantine

// 32-bit MurmurHash2 over machine words. Stack handles and pointer map slots
// are both derived from it, and remote readers recompute it to validate what
// they copied.

const (
	murmurSeed       = 0xe3be96d1
	murmurMultiplier = 0x5bd1e995

	// tagSeed seeds the independent hash stored beside pointer map values.
	tagSeed = 0x9e3779b9
)

type murmur uint32

func newMurmur() murmur { return murmurSeed }

func (h *murmur) addUint32(v uint32) {
	v *= murmurMultiplier
	v ^= v >> 24
	v *= murmurMultiplier
	*h = murmur(uint32(*h)*murmurMultiplier) ^ murmur(v)
}

func (h *murmur) addWord(v uint64) {
	h.addUint32(uint32(v))
	h.addUint32(uint32(v >> 32))
}

func (h murmur) sum() uint32 {
	x := uint32(h)
	x ^= x >> 13
	x *= murmurMultiplier
	x ^= x >> 15
	return x
}

func hashPointer(ptr uintptr) uint32 {
	h := newMurmur()
	h.addWord(uint64(ptr))
	return h.sum()
}

// tagPointer is a second hash of ptr, independent of its slot.
func tagPointer(ptr uintptr) uint32 {
	h := murmur(tagSeed)
	h.addWord(uint64(ptr))
	return h.sum()
}

func hashFrames(pcs []uintptr) uint32 {
	h := newMurmur()
	for _, pc := range pcs {
		h.addWord(uint64(pc))
	}
	return h.sum()
}
