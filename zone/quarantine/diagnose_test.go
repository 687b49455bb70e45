package quarantine

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/internal/vm"
)

func diagnoseConfig() Config {
	cfg := testConfig()
	cfg.DepotIndex = 1 << 16
	cfg.DepotStorage = 1 << 16
	return cfg
}

func frameNames(pcs []uintptr) []string {
	var names []string
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		names = append(names, f.Function)
		if !more {
			return names
		}
	}
}

func hasFrame(pcs []uintptr, suffix string) bool {
	for _, name := range frameNames(pcs) {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

//go:noinline
func freeForDiagnosis(z *Zone, p uintptr) { z.Free(p) }

func Test_Quarantine_DiagnoseUseAfterFree(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())

	p := z.Malloc(64)
	require.NotZero(t, p)
	freeForDiagnosis(z, p)

	rep, err := z.Diagnose(p + 40)
	require.NoError(t, err)
	assert.Equal(t, p+40, rep.FaultAddress)
	assert.Equal(t, p, rep.NearestAllocation)
	assert.Equal(t, uintptr(64), rep.AllocationSize)
	assert.True(t, rep.Quarantined)

	require.NotEmpty(t, rep.Alloc.Frames)
	require.NotEmpty(t, rep.Dealloc.Frames)
	assert.NotEqual(t, rep.Alloc.Handle, rep.Dealloc.Handle)
	assert.True(t, hasFrame(rep.Alloc.Frames, "Test_Quarantine_DiagnoseUseAfterFree"), "alloc frames %v", frameNames(rep.Alloc.Frames))
	assert.True(t, hasFrame(rep.Dealloc.Frames, "freeForDiagnosis"), "free frames %v", frameNames(rep.Dealloc.Frames))
	assert.False(t, hasFrame(rep.Alloc.Frames, "recordAlloc"), "allocator frames leak into the trace")

	var out bytes.Buffer
	rep.Format(&out)
	assert.Contains(t, out.String(), "quarantined (freed)")
	assert.Contains(t, out.String(), "allocated at")
	assert.Contains(t, out.String(), "freed at")
	assert.Contains(t, out.String(), "freeForDiagnosis")
}

func Test_Quarantine_DiagnoseLiveBlock(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())

	p := z.Malloc(100)
	require.NotZero(t, p)

	rep, err := z.Diagnose(p + 10)
	require.NoError(t, err)
	assert.False(t, rep.Quarantined)
	assert.Equal(t, p, rep.NearestAllocation)
	assert.Equal(t, z.Size(p), rep.AllocationSize)
	assert.True(t, hasFrame(rep.Alloc.Frames, "Test_Quarantine_DiagnoseLiveBlock"))
	assert.Empty(t, rep.Dealloc.Frames)

	var out bytes.Buffer
	rep.Format(&out)
	assert.Contains(t, out.String(), "live")
	assert.NotContains(t, out.String(), "freed at")
	z.Free(p)
}

func Test_Quarantine_DiagnoseUnknownAddress(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())
	z.Free(z.Malloc(64))

	rep, err := z.Diagnose(0x10)
	require.NoError(t, err)
	assert.Zero(t, rep.NearestAllocation)

	var out bytes.Buffer
	rep.Format(&out)
	assert.Contains(t, out.String(), "no allocation contains the fault")
}

func Test_Quarantine_DiagnoseWithoutEnumerator(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())

	live := z.Malloc(64)
	freed := z.Malloc(64)
	z.Free(freed)

	rep, err := Diagnose(freed, z.ControlBlock(), LocalReader{}, nil)
	require.NoError(t, err)
	assert.True(t, rep.Quarantined)
	assert.Equal(t, uintptr(64), rep.AllocationSize)

	rep, err = Diagnose(live, z.ControlBlock(), LocalReader{}, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.NearestAllocation, "live blocks need the enumerator")
	z.Free(live)
}

type failingReader struct {
	left int
}

func (r *failingReader) ReadMemory(dst []byte, addr uintptr) error {
	if r.left == 0 {
		return ErrRead
	}
	r.left--
	return LocalReader{}.ReadMemory(dst, addr)
}

func Test_Quarantine_DiagnoseReadFailures(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())
	p := z.Malloc(64)
	z.Free(p)

	for left := range 4 {
		_, err := Diagnose(p, z.ControlBlock(), &failingReader{left: left}, nil)
		require.ErrorIs(t, err, ErrRead, "failing after %d reads", left)
	}
}

func Test_Quarantine_DiagnoseBadControlBlock(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())
	junk := z.Calloc(1, 256)
	require.NotZero(t, junk)
	_, err := Diagnose(0x1000, junk, LocalReader{}, nil)
	require.ErrorIs(t, err, ErrBadControl)

	hdr := make([]byte, ctlHeaderWords*8)
	state := make([]byte, ctlStateWords*8)
	buf.PutU64LE(hdr[ctlMagic*8:], 0xdeadbeef)
	_, err = decodeSnapshot(hdr, state)
	require.ErrorIs(t, err, ErrBadControl)

	buf.PutU64LE(hdr[ctlMagic*8:], controlMagic)
	buf.PutU64LE(hdr[ctlVersion*8:], controlVersion+1)
	_, err = decodeSnapshot(hdr, state)
	require.ErrorIs(t, err, ErrBadControl)

	_, err = decodeSnapshot(hdr[:8], state)
	require.ErrorIs(t, err, ErrBadControl)
}

func Test_LocalReader_Faults(t *testing.T) {
	p := vm.NewMmapProvider()
	page := p.PageSize()
	addr := p.Map(page, 0, 0, vm.TagQuarantine)
	require.NotZero(t, addr)
	t.Cleanup(func() { p.Unmap(addr, page, 0) })

	buf.Fill(addr, 8, 0x42)
	dst := make([]byte, 8)
	require.NoError(t, LocalReader{}.ReadMemory(dst, addr))
	assert.Equal(t, bytes.Repeat([]byte{0x42}, 8), dst)

	require.NoError(t, p.Protect(addr, page, vm.ProtNone))
	require.ErrorIs(t, LocalReader{}.ReadMemory(dst, addr), ErrRead)
	require.ErrorIs(t, LocalReader{}.ReadMemory(dst, 0), ErrRead)
	require.NoError(t, LocalReader{}.ReadMemory(nil, addr))
}

func Test_Report_FormatsUnknownFrames(t *testing.T) {
	rep := &Report{
		FaultAddress:      0x1010,
		NearestAllocation: 0x1000,
		AllocationSize:    32,
		Alloc:             Trace{Handle: 7, Frames: []uintptr{0x10}},
	}
	var out bytes.Buffer
	rep.Format(&out)
	assert.Contains(t, out.String(), "offset 16")
	assert.Contains(t, out.String(), "stack 00000007")
	assert.Contains(t, out.String(), "  0x")
}
