package scalable

import (
	"testing"

	"github.com/joshuapare/zonekit/internal/vm"
)

func newBenchZone(b *testing.B, cfg Config) *Zone {
	b.Helper()
	z, err := New(vm.NewMmapProvider(), cfg)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(z.Destroy)
	return z
}

// Benchmark_Zone_SmallMallocFree benchmarks a malloc/free pair of small blocks.
func Benchmark_Zone_SmallMallocFree(b *testing.B) {
	z := newBenchZone(b, testConfig())

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		p := z.Malloc(uintptr(16 + (i%64)*16)) // 16-1024 bytes
		if p == 0 {
			b.Fatal("malloc failed")
		}
		z.Free(p)
	}
}

// Benchmark_Zone_LargeCacheHit benchmarks large blocks served from death row.
func Benchmark_Zone_LargeCacheHit(b *testing.B) {
	z := newBenchZone(b, testConfig())

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p := z.Malloc(64 << 10)
		if p == 0 {
			b.Fatal("malloc failed")
		}
		z.Free(p)
	}
}

// Benchmark_Zone_LargeNoCache benchmarks large blocks mapped on every call.
func Benchmark_Zone_LargeNoCache(b *testing.B) {
	cfg := testConfig()
	cfg.LargeCache = false
	z := newBenchZone(b, cfg)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p := z.Malloc(64 << 10)
		if p == 0 {
			b.Fatal("malloc failed")
		}
		z.Free(p)
	}
}

// Benchmark_Zone_ReallocGrow benchmarks a block grown in steps until it is large.
func Benchmark_Zone_ReallocGrow(b *testing.B) {
	z := newBenchZone(b, testConfig())

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		p := z.Malloc(16)
		for size := uintptr(32); size <= 256<<10; size *= 2 {
			if p = z.Realloc(p, size); p == 0 {
				b.Fatal("realloc failed")
			}
		}
		z.Free(p)
	}
}

// Benchmark_Zone_Parallel benchmarks mixed sizes from every P.
func Benchmark_Zone_Parallel(b *testing.B) {
	cfg := testConfig()
	cfg.Magazines = 0
	z := newBenchZone(b, cfg)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			p := z.Malloc(uintptr(16 + (i%128)*32))
			if p == 0 {
				b.Error("malloc failed")
				return
			}
			z.Free(p)
			i++
		}
	})
}
