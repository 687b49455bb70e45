package quarantine

import (
	"testing"

	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone/scalable"
)

func newBenchZone(b *testing.B, cfg Config) *Zone {
	b.Helper()
	p := vm.NewMmapProvider()
	wcfg := scalable.DefaultConfig()
	wcfg.AbortOnCorruption = false
	base, err := scalable.New(p, wcfg)
	if err != nil {
		b.Fatal(err)
	}
	z, err := New(base, p, cfg)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(z.Destroy)
	return z
}

// Benchmark_Quarantine_MallocFree benchmarks a malloc/free pair through a
// full quarantine, so every free also evicts.
func Benchmark_Quarantine_MallocFree(b *testing.B) {
	cfg := testConfig()
	cfg.MaxItems = 1024
	z := newBenchZone(b, cfg)

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		p := z.Malloc(uintptr(16 + (i%64)*16))
		if p == 0 {
			b.Fatal("malloc failed")
		}
		z.Free(p)
	}
}

// Benchmark_Quarantine_NoPoisoning benchmarks the same loop without poisoning.
func Benchmark_Quarantine_NoPoisoning(b *testing.B) {
	cfg := testConfig()
	cfg.MaxItems = 1024
	cfg.Poisoning = false
	z := newBenchZone(b, cfg)

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		p := z.Malloc(uintptr(16 + (i%64)*16))
		if p == 0 {
			b.Fatal("malloc failed")
		}
		z.Free(p)
	}
}

// Benchmark_Depot_Insert benchmarks storing an already known stack.
func Benchmark_Depot_Insert(b *testing.B) {
	d, err := newDepot(vm.NewMmapProvider(), DefaultDepotIndex, DefaultDepotStorage)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(d.destroy)
	pcs := []uintptr{0x401000, 0x402000, 0x403000, 0x404000, 0x405000, 0x406000, 0x407000, 0x408000}

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		d.Insert(pcs)
	}
}
