package large

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/internal/reclaim"
	"github.com/joshuapare/zonekit/internal/testutil"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
)

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *testutil.FlakyProvider, *zone.Reporter) {
	t.Helper()
	p := testutil.NewFlakyProvider(t)
	rep := testutil.ReportOnly("large")
	a, err := New(p, rep, cfg)
	require.NoError(t, err)
	t.Cleanup(a.Destroy)
	return a, p, rep
}

func Test_Large_MallocRoundsToPages(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	page := a.pageSize

	p := a.Malloc(page+1, 0, false)
	require.NotZero(t, p)
	assert.True(t, format.IsAligned(p, page))
	assert.Equal(t, 2*page, a.Size(p))
	assert.Equal(t, a.GoodSize(page+1), a.Size(p))
	assert.True(t, buf.IsFilled(p, 2*page, 0), "fresh mappings are zero")

	assert.True(t, a.Claimed(p+page+10))
	assert.False(t, a.Claimed(p+2*page))
	assert.Zero(t, a.Size(p+page))

	assert.Equal(t, page, a.GoodSize(0))
	assert.Equal(t, ^uintptr(0), a.GoodSize(^uintptr(0)-1))
	assert.Zero(t, a.Malloc(^uintptr(0)-1, 0, false))
	require.NoError(t, a.Check())
}

func Test_Large_FreeThenMallocReusesAddress(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{})
	size := 16 * a.pageSize

	first := a.Malloc(size, 0, false)
	require.NotZero(t, first)
	maps := p.MapCalls.Load()

	for range 1000 {
		a.Free(first)
		again := a.Malloc(size, 0, false)
		require.Equal(t, first, again)
	}
	assert.Equal(t, maps, p.MapCalls.Load(), "every allocation came from death row")
	s := a.Stats()
	assert.Equal(t, uint64(1000), s.CacheHits)
	assert.Equal(t, uint64(1), s.Live)
	require.NoError(t, a.Check())
}

func Test_Large_DeathRowRefusesWastefulFit(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	page := a.pageSize

	p := a.Malloc(4*page, 0, false)
	require.NotZero(t, p)
	testutil.FillPattern(p, 4*page, 1)
	a.Free(p)

	q := a.Malloc(2*page, 0, false)
	require.NotZero(t, q)
	assert.NotEqual(t, p, q, "4 pages for a 2 page request is refused")

	r := a.Malloc(3*page, 0, false)
	require.Equal(t, p, r, "4 pages for 3 is close enough")
	assert.Equal(t, 3*page, a.Size(r), "the spare tail is released")
	testutil.CheckPattern(t, r, 3*page, 1)
	require.NoError(t, a.Check())
}

func Test_Large_DeathRowPrefersExactFit(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	page := a.pageSize

	big := a.Malloc(8*page, 0, false)
	exact := a.Malloc(5*page, 0, false)
	near := a.Malloc(6*page, 0, false)
	a.Free(big)
	a.Free(exact)
	a.Free(near)

	assert.Equal(t, exact, a.Malloc(5*page, 0, false))
	assert.Equal(t, near, a.Malloc(5*page, 0, false))
	assert.Equal(t, 1, a.Stats().Parked)
}

func Test_Large_DoubleFree(t *testing.T) {
	a, _, rep := newTestAllocator(t, Config{})

	p := a.Malloc(3*a.pageSize, 0, false)
	a.Free(p)
	require.Zero(t, rep.Count())

	a.Free(p)
	require.Equal(t, uint64(1), rep.Count())
	assert.Equal(t, zone.DoubleFree, rep.Last().Kind)
	assert.Equal(t, 1, a.Stats().Parked, "a rejected free leaves death row alone")

	a.Free(p + 100*a.pageSize)
	assert.Equal(t, zone.NotAllocated, rep.Last().Kind)
	require.NoError(t, a.Check())
}

func Test_Large_EvictsOldestWhenFull(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{CacheDepth: 4})

	var ptrs []uintptr
	for range 6 {
		p := a.Malloc(2*a.pageSize, 0, false)
		require.NotZero(t, p)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		a.Free(p)
	}

	s := a.Stats()
	assert.Equal(t, 4, s.Parked)
	assert.Equal(t, uint64(2), s.Evictions)

	a.mu.Lock()
	parked := a.dr.entries()
	a.mu.Unlock()
	require.Len(t, parked, 4)
	for i, e := range parked {
		assert.Equal(t, ptrs[5-i], e.addr, "newest first")
	}
	require.NoError(t, a.Check())
}

func Test_Large_NoCache(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{NoCache: true})

	x := a.Malloc(2*a.pageSize, 0, false)
	a.Free(x)
	assert.Zero(t, a.Stats().Parked)

	maps := p.MapCalls.Load()
	require.NotZero(t, a.Malloc(2*a.pageSize, 0, false))
	assert.Equal(t, maps+1, p.MapCalls.Load())
}

func Test_Large_EntryLimit(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{EntryLimit: 256 << 10})

	small := a.Malloc(4096, 0, false)
	big := a.Malloc(1<<20, 0, false)
	a.Free(small)
	a.Free(big)
	assert.Equal(t, 1, a.Stats().Parked)
}

func Test_Large_ReserveLimitAdvises(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{ReserveLimit: 2 * 4096})
	page := a.pageSize

	var ptrs []uintptr
	for range 3 {
		ptrs = append(ptrs, a.Malloc(4096, 0, false))
	}
	for _, x := range ptrs {
		a.Free(x)
	}

	s := a.Stats()
	assert.Equal(t, 3, s.Parked)
	assert.LessOrEqual(t, s.ReserveBytes, uintptr(2*4096))
	assert.Equal(t, 3*page, s.ParkedBytes)
	assert.GreaterOrEqual(t, p.Stats().Reusable, uint64(1))

	// Reusing an advised entry still hands out usable, cleared memory.
	for range 3 {
		x := a.Malloc(4096, 0, true)
		require.NotZero(t, x)
		assert.True(t, buf.IsFilled(x, 4096, 0))
	}
	assert.Zero(t, a.Stats().ReserveBytes)
	require.NoError(t, a.Check())
}

func Test_Large_AdviceFailureReleases(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{ReserveLimit: 1})
	p.FailReusable.Store(true)

	x := a.Malloc(4096, 0, false)
	a.Free(x)
	assert.Zero(t, a.Stats().Parked)
	assert.Zero(t, a.Stats().Live)
}

func Test_Large_TableGrowth(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{NoCache: true})

	var ptrs []uintptr
	for i := range 300 {
		p := a.Malloc(uintptr(i%3+1)*a.pageSize, 0, false)
		require.NotZero(t, p)
		ptrs = append(ptrs, p)
	}
	s := a.Stats()
	assert.GreaterOrEqual(t, s.TableGrowths, uint64(3))
	assert.Greater(t, s.TableSize, 4*300)
	require.NoError(t, a.Check())

	for i, p := range ptrs {
		require.Equal(t, uintptr(i%3+1)*a.pageSize, a.Size(p))
	}
	for _, p := range ptrs[:150] {
		a.Free(p)
	}
	require.NoError(t, a.Check(), "removals keep every chain reachable")
	for _, p := range ptrs[150:] {
		require.NotZero(t, a.Size(p))
		a.Free(p)
	}
	assert.Zero(t, a.Stats().Live)
}

func Test_Large_TableGrowthFailureFailsMalloc(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{})

	// The mapping itself succeeds but the first table cannot be mapped.
	p.MapsLeft.Store(1)
	assert.Zero(t, a.Malloc(2*a.pageSize, 0, false))

	s := a.Stats()
	assert.Equal(t, uint64(1), s.TableGrowFailures)
	assert.Zero(t, s.Live)
	require.NoError(t, a.Check())
}

func Test_Large_ShrinkInPlace(t *testing.T) {
	for _, guard := range []bool{false, true} {
		a, _, _ := newTestAllocator(t, Config{Guard: guard})
		page := a.pageSize

		p := a.Malloc(6*page, 0, false)
		require.NotZero(t, p)
		testutil.FillPattern(p, 6*page, 7)

		assert.Equal(t, p, a.TryShrinkInPlace(p, 6*page, 2*page+1))
		assert.Equal(t, 3*page, a.Size(p))
		testutil.CheckPattern(t, p, 3*page, 7)
		assert.Equal(t, uint64(3*page), a.Statistics().SizeInUse)

		a.Free(p)
		require.NoError(t, a.Check())
	}
}

func Test_Large_GrowInPlace(t *testing.T) {
	a, p, _ := newTestAllocator(t, Config{})
	page := a.pageSize

	x := a.Malloc(page, 0, false)
	testutil.FillPattern(x, page, 9)

	if a.TryGrowInPlace(x, page, 3*page) {
		assert.Equal(t, 3*page, a.Size(x))
		testutil.CheckPattern(t, x, page, 9)
		buf.Fill(x+page, 2*page, 0xcd)
		assert.Equal(t, uint64(1), a.Stats().GrowInPlace)
	} else {
		// The host had the next pages in use.
		assert.Equal(t, page, a.Size(x))
	}
	require.NoError(t, a.Check())

	p.FailGrow.Store(true)
	cur := a.Size(x)
	assert.False(t, a.TryGrowInPlace(x, cur, cur+page))
	assert.True(t, a.TryGrowInPlace(x, cur, cur-1), "already large enough")
}

func Test_Large_GrowInPlaceRefusedWithGuards(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{Guard: true})
	x := a.Malloc(a.pageSize, 0, false)
	assert.False(t, a.TryGrowInPlace(x, a.pageSize, 2*a.pageSize))
}

func Test_Large_ClearAndScribble(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{Scribble: true})
	size := 4 * a.pageSize

	p := a.Malloc(size, 0, false)
	buf.Fill(p, size, 0xee)
	a.Free(p)
	assert.True(t, buf.IsFilled(p, size, format.ScrubbleByte), "parked memory is scrubbed")

	q := a.Malloc(size, 0, true)
	require.Equal(t, p, q)
	assert.True(t, buf.IsFilled(q, size, 0))
}

func Test_Large_Alignment(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})

	for _, align := range []uintptr{64 << 10, 1 << 20, 4 << 20} {
		p := a.Malloc(3*a.pageSize, align, false)
		require.NotZero(t, p)
		assert.True(t, format.IsAligned(p, align), "align %#x got %#x", align, p)
		a.Free(p)

		q := a.Malloc(3*a.pageSize, align, false)
		assert.True(t, format.IsAligned(q, align), "death row honours alignment")
		a.Free(q)
	}
}

func Test_Large_PressureReliefGatedByFlotsam(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})

	small := a.Malloc(64<<10, 0, false)
	a.Free(small)
	assert.False(t, a.Flotsam())
	assert.Zero(t, a.PressureRelief(0), "below the high water mark nothing is purged")

	var ptrs []uintptr
	for range 3 {
		ptrs = append(ptrs, a.Malloc(512<<10, 0, false))
	}
	for _, p := range ptrs {
		a.Free(p)
	}
	require.True(t, a.Flotsam())

	parked := a.Stats().ParkedBytes
	assert.Equal(t, parked, a.PressureRelief(0))
	s := a.Stats()
	assert.Zero(t, s.Parked)
	assert.False(t, s.Flotsam)
	require.NoError(t, a.Check())
}

func Test_Large_DeferredReclaim(t *testing.T) {
	t.Run("allocator wins", func(t *testing.T) {
		p := testutil.NewFlakyProvider(t)
		b := reclaim.New(p, 8)
		a, err := New(p, testutil.ReportOnly("large"), Config{Reclaim: b})
		require.NoError(t, err)
		t.Cleanup(a.Destroy)

		x := a.Malloc(4*a.pageSize, 0, false)
		a.Free(x)
		assert.Equal(t, 4*a.pageSize, b.FreeBytes())
		assert.Zero(t, a.Stats().ReserveBytes)

		assert.Equal(t, x, a.Malloc(4*a.pageSize, 0, false))
		assert.Zero(t, b.FreeBytes())
		assert.Zero(t, b.Reclaim(0))
	})

	t.Run("host wins", func(t *testing.T) {
		p := testutil.NewFlakyProvider(t)
		b := reclaim.New(p, 8)
		a, err := New(p, testutil.ReportOnly("large"), Config{Reclaim: b})
		require.NoError(t, err)
		t.Cleanup(a.Destroy)

		x := a.Malloc(4*a.pageSize, 0, false)
		buf.Fill(x, 4*a.pageSize, 0xab)
		a.Free(x)
		assert.Equal(t, 4*a.pageSize, b.Reclaim(0))

		y := a.Malloc(4*a.pageSize, 0, false)
		require.NotZero(t, y)
		s := a.Stats()
		assert.Equal(t, uint64(1), s.HostReclaimed)
		assert.Zero(t, s.CacheHits)
		assert.Zero(t, s.Parked)
		require.NoError(t, a.Check())
	})

	t.Run("reclaimed entry is not a double free", func(t *testing.T) {
		p := testutil.NewFlakyProvider(t)
		b := reclaim.New(p, 8)
		rep := testutil.ReportOnly("large")
		a, err := New(p, rep, Config{Reclaim: b})
		require.NoError(t, err)
		t.Cleanup(a.Destroy)

		x := a.Malloc(2*a.pageSize, 0, false)
		a.Free(x)
		b.Reclaim(0)
		a.Free(x)
		assert.Equal(t, zone.NotAllocated, rep.Last().Kind)
		assert.Zero(t, a.Stats().Parked)
	})
}

func Test_Large_EnumerateAndStatistics(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	page := a.pageSize

	x := a.Malloc(2*page, 0, false)
	y := a.Malloc(5*page, 0, false)
	z := a.Malloc(3*page, 0, false)
	a.Free(z)

	var inUse, regions, admin []zone.Range
	err := a.Enumerate(zone.RangeAll, func(kind zone.RangeType, ranges []zone.Range) {
		switch kind {
		case zone.RangeInUse:
			inUse = append(inUse, ranges...)
		case zone.RangeRegion:
			regions = append(regions, ranges...)
		case zone.RangeAdmin:
			admin = append(admin, ranges...)
		}
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []zone.Range{{Address: x, Size: 2 * page}, {Address: y, Size: 5 * page}}, inUse)
	assert.Len(t, regions, 3)
	assert.Len(t, admin, 1)

	st := a.Statistics()
	assert.Equal(t, uint64(2), st.BlocksInUse)
	assert.Equal(t, uint64(7*page), st.SizeInUse)
	assert.Equal(t, uint64(10*page), st.MaxSizeInUse)
	assert.Equal(t, uint64(10*page), st.SizeAllocated)

	var out bytes.Buffer
	a.Print(&out, true)
	assert.Contains(t, out.String(), "death row: 1 entries")
	assert.Contains(t, out.String(), "parked")
}

func Test_Large_ForceLock(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	a.ForceLock()
	assert.True(t, a.Locked())
	a.ForceUnlock()
	assert.False(t, a.Locked())
	a.ForceLock()
	a.ReinitLock()
	assert.False(t, a.Locked())
}

func Test_Large_DestroyUnmapsEverything(t *testing.T) {
	p := testutil.NewFlakyProvider(t)
	a, err := New(p, testutil.ReportOnly("large"), Config{})
	require.NoError(t, err)

	for i := range 40 {
		x := a.Malloc(uintptr(i%4+1)*a.pageSize, 0, false)
		if i%2 == 0 {
			a.Free(x)
		}
	}
	require.NotZero(t, p.Stats().BytesMapped)
	a.Destroy()
	assert.Zero(t, p.Stats().BytesMapped)
}

func Test_Large_BadConfig(t *testing.T) {
	_, err := New(nil, testutil.ReportOnly("x"), Config{})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func Test_Large_Concurrent(t *testing.T) {
	a, _, rep := newTestAllocator(t, Config{CacheDepth: 8})

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			var live []uintptr
			for i := range 300 {
				size := uintptr(i%5+1) * a.pageSize
				p := a.Malloc(size, 0, false)
				if p == 0 {
					t.Errorf("allocation of %d failed", size)
					return
				}
				testutil.FillPattern(p, 64, seed)
				live = append(live, p)
				if len(live) > 4 {
					victim := live[0]
					live = live[1:]
					if !testutil.CheckPattern(t, victim, 64, seed) {
						return
					}
					a.Free(victim)
				}
			}
			for _, p := range live {
				a.Free(p)
			}
		}(byte(g))
	}
	wg.Wait()

	assert.Zero(t, rep.Count())
	require.NoError(t, a.Check())
	assert.Zero(t, a.Stats().Live)
}

// gatedProvider parks MarkReusable until resume is closed while armed.
type gatedProvider struct {
	*testutil.FlakyProvider
	armed   atomic.Bool
	entered chan struct{}
	resume  chan struct{}
}

func (g *gatedProvider) MarkReusable(addr, size uintptr) error {
	if g.armed.Load() {
		g.entered <- struct{}{}
		<-g.resume
	}
	return g.FlakyProvider.MarkReusable(addr, size)
}

var _ vm.Provider = (*gatedProvider)(nil)

func Test_Large_DoubleFreeWhileParking(t *testing.T) {
	p := &gatedProvider{
		FlakyProvider: testutil.NewFlakyProvider(t),
		entered:       make(chan struct{}),
		resume:        make(chan struct{}),
	}
	rep := testutil.ReportOnly("large")
	a, err := New(p, rep, Config{ReserveLimit: 1})
	require.NoError(t, err)
	t.Cleanup(a.Destroy)

	x := a.Malloc(4096, 0, false)
	require.NotZero(t, x)

	p.armed.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Free(x)
	}()
	<-p.entered
	p.armed.Store(false)

	// x is neither live nor parked yet.
	a.Free(x)
	require.NotNil(t, rep.Last())
	assert.Equal(t, zone.DoubleFree, rep.Last().Kind)

	close(p.resume)
	<-done
	assert.Equal(t, 1, a.Stats().Parked)
	assert.Equal(t, uint64(1), rep.Count())
	require.NoError(t, a.Check())
}
