//go:build linux || darwin

package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/zonekit/internal/buf"
)

func TestMmapProvider_MapUnmap(t *testing.T) {
	p := NewMmapProvider()
	page := p.PageSize()

	addr := p.Map(3*page, 0, 0, TagLarge)
	require.NotZero(t, addr)
	assert.Zero(t, addr%page)
	assert.True(t, buf.IsFilled(addr, 3*page, 0), "fresh mappings are zeroed")

	buf.Fill(addr, 3*page, 0x7f)
	p.Unmap(addr, 3*page, 0)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Maps)
	assert.Equal(t, uint64(1), st.Unmaps)
	assert.Zero(t, st.BytesMapped)
}

func TestMmapProvider_Alignment(t *testing.T) {
	p := NewMmapProvider()
	const align = 1 << 20

	for range 4 {
		addr := p.Map(align, align, 0, TagSmall)
		require.NotZero(t, addr)
		assert.Zero(t, addr%align, "addr %#x not aligned", addr)
		buf.Store64(addr+align-8, 1)
		p.Unmap(addr, align, 0)
	}
	assert.Zero(t, p.Stats().BytesMapped, "alignment slop must be trimmed and released")
}

func TestMmapProvider_GuardPages(t *testing.T) {
	p := NewMmapProvider()
	page := p.PageSize()

	addr := p.Map(2*page, 0, GuardEdges, TagLarge)
	require.NotZero(t, addr)
	assert.Equal(t, 4*page, uintptr(p.Stats().BytesMapped))

	// The usable range stays writable.
	buf.Fill(addr, 2*page, 1)
	require.NoError(t, p.Protect(addr+page, page, ProtReadWrite))

	p.Unmap(addr, 2*page, GuardEdges)
	assert.Zero(t, p.Stats().BytesMapped)
}

func TestMmapProvider_GrowAt(t *testing.T) {
	p := NewMmapProvider()
	page := p.PageSize()

	addr := p.Map(4*page, 0, 0, TagLarge)
	require.NotZero(t, addr)

	// Occupied range cannot be grown into.
	assert.False(t, p.GrowAt(addr+page, page, TagLarge))

	// Free the tail and grow back into it.
	p.Unmap(addr+2*page, 2*page, 0)
	if p.GrowAt(addr+2*page, 2*page, TagLarge) {
		buf.Fill(addr+2*page, 2*page, 3)
		p.Unmap(addr, 4*page, 0)
	} else {
		// The kernel is free to ignore the hint; the miss must leave nothing behind.
		p.Unmap(addr, 2*page, 0)
	}
	assert.Zero(t, p.Stats().BytesMapped)
}

func TestMmapProvider_ReusableAndRelease(t *testing.T) {
	p := NewMmapProvider()
	page := p.PageSize()

	addr := p.Map(2*page, 0, 0, TagLarge)
	require.NotZero(t, addr)
	buf.Fill(addr, 2*page, 9)

	require.NoError(t, p.MarkReusable(addr, 2*page))
	require.NoError(t, p.MarkInUse(addr, 2*page))

	require.NoError(t, p.Release(addr, 2*page))
	assert.True(t, buf.IsFilled(addr, 2*page, 0), "released pages read back as zero")

	assert.ErrorIs(t, p.MarkReusable(addr+1, page), ErrUnaligned)
	p.Unmap(addr, 2*page, 0)
}

func TestMmapProvider_Copy(t *testing.T) {
	p := NewMmapProvider()
	page := p.PageSize()

	src := p.Map(2*page, 0, 0, TagLarge)
	dst := p.Map(2*page, 0, 0, TagLarge)
	require.NotZero(t, src)
	require.NotZero(t, dst)
	defer p.Unmap(src, 2*page, 0)
	defer p.Unmap(dst, 2*page, 0)

	buf.Fill(src, 2*page, 0x42)
	require.NoError(t, p.Copy(dst, src, 2*page))
	assert.True(t, buf.Equal(src, dst, 2*page))
	assert.ErrorIs(t, p.Copy(dst+16, src, page), ErrUnaligned)
}

func TestMmapProvider_MapOverflow(t *testing.T) {
	p := NewMmapProvider()
	assert.Zero(t, p.Map(^uintptr(0)-10, 0, 0, TagLarge))
	assert.Equal(t, uint64(1), p.Stats().MapFailures)
}
