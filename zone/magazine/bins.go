package magazine

import (
	"sort"

	"github.com/joshuapare/zonekit/internal/format"
)

// BinLayout decides which free-list heap a free range lands in. It only
// affects search cost: blocks are always carved at quantum granularity.
//
// Ranges below Linear get one bin per Step. From Linear up to Limit each bin
// is Growth times wider than the last. Ranges at Limit or above go to the
// oversize list.
type BinLayout struct {
	Name   string
	Step   uintptr // multiple of format.Quantum
	Linear uintptr
	Limit  uintptr
	Growth float64
}

var (
	BinsFine     = BinLayout{Name: "fine", Step: format.Quantum, Linear: 1024, Limit: 16 << 10, Growth: 1.25}
	BinsBalanced = BinLayout{Name: "balanced", Step: format.Quantum, Linear: 512, Limit: 16 << 10, Growth: 1.5}
	BinsCoarse   = BinLayout{Name: "coarse", Step: 4 * format.Quantum, Linear: 512, Limit: 16 << 10, Growth: 2}

	// DefaultBins is used when Config.SizeClasses is nil.
	DefaultBins = BinsBalanced
)

func (l BinLayout) validate() bool {
	return l.Step != 0 && l.Step%format.Quantum == 0 && l.Growth > 1 && l.Linear <= l.Limit
}

// binTable maps a range size to its bin. upper[i] is the largest size bin i
// holds.
type binTable struct {
	name  string
	upper []uintptr
}

func newBinTable(l BinLayout) *binTable {
	t := &binTable{name: l.Name}
	lo := uintptr(format.Quantum)
	for ; lo < l.Linear; lo += l.Step {
		t.upper = append(t.upper, lo+l.Step-1)
	}
	for lo < l.Limit {
		hi := max(uintptr(float64(lo)*l.Growth), lo+format.Quantum)
		hi = min(format.RoundQuantum(hi), l.Limit)
		t.upper = append(t.upper, hi-1)
		lo = hi
	}
	return t
}

// class returns the bin for size, or NumClasses for the oversize list.
func (t *binTable) class(size uintptr) int {
	return sort.Search(len(t.upper), func(i int) bool { return t.upper[i] >= size })
}

// NumClasses returns the heap count, not counting the oversize list.
func (t *binTable) NumClasses() int { return len(t.upper) }
