package testutil

import (
	"sync/atomic"
	"testing"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
)

// FlakyProvider wraps a vm.Provider and fails selected operations on demand.
//
// Example:
//
//	p := testutil.NewFlakyProvider(t)
//	p.FailMaps.Store(true)
//	require.Zero(t, z.Malloc(1<<20))
type FlakyProvider struct {
	vm.Provider

	FailMaps     atomic.Bool  // every Map fails
	MapsLeft     atomic.Int64 // when > 0, the number of Map calls still allowed
	FailReusable atomic.Bool  // MarkReusable fails
	FailGrow     atomic.Bool  // GrowAt fails
	FailCopy     atomic.Bool  // Copy fails

	MapCalls atomic.Int64
}

// NewFlakyProvider returns a FlakyProvider over a real mmap provider.
func NewFlakyProvider(t *testing.T) *FlakyProvider {
	t.Helper()
	return &FlakyProvider{Provider: vm.NewMmapProvider()}
}

// Map fails when FailMaps is set or after the MapsLeft budget is spent.
func (p *FlakyProvider) Map(size, align uintptr, flags vm.Flags, tag vm.Tag) uintptr {
	p.MapCalls.Add(1)
	if p.FailMaps.Load() {
		return 0
	}
	if p.MapsLeft.Load() > 0 && p.MapsLeft.Add(-1) == 0 {
		p.FailMaps.Store(true)
	}
	return p.Provider.Map(size, align, flags, tag)
}

// MarkReusable fails when FailReusable is set.
func (p *FlakyProvider) MarkReusable(addr, size uintptr) error {
	if p.FailReusable.Load() {
		return vm.ErrUnsupported
	}
	return p.Provider.MarkReusable(addr, size)
}

// GrowAt fails when FailGrow is set.
func (p *FlakyProvider) GrowAt(addr, size uintptr, tag vm.Tag) bool {
	if p.FailGrow.Load() {
		return false
	}
	return p.Provider.GrowAt(addr, size, tag)
}

// Copy fails when FailCopy is set.
func (p *FlakyProvider) Copy(dst, src, size uintptr) error {
	if p.FailCopy.Load() {
		return vm.ErrUnsupported
	}
	return p.Provider.Copy(dst, src, size)
}

// ReportOnly returns a reporter that logs and counts instead of panicking.
func ReportOnly(name string) *zone.Reporter {
	return zone.NewReporter(name, false)
}

// FillPattern writes a position-dependent pattern seeded by seed.
func FillPattern(ptr, size uintptr, seed byte) {
	b := buf.Bytes(ptr, size)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
}

// CheckPattern reports whether the first size bytes at ptr still hold the
// pattern written by FillPattern.
func CheckPattern(t *testing.T, ptr, size uintptr, seed byte) bool {
	t.Helper()
	b := buf.Bytes(ptr, size)
	for i := range b {
		if b[i] != seed+byte(i*7) {
			t.Errorf("pattern mismatch at %#x+%d: got %#x want %#x", ptr, i, b[i], seed+byte(i*7))
			return false
		}
	}
	return true
}
