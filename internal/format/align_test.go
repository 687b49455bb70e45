package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundQuantum(t *testing.T) {
	tests := []struct {
		in, want uintptr
	}{
		{0, 16},
		{1, 16},
		{15, 16},
		{16, 16},
		{17, 32},
		{1008, 1008},
		{1009, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundQuantum(tt.in), "RoundQuantum(%d)", tt.in)
	}
}

func TestRoundPage(t *testing.T) {
	got, ok := RoundPage(1, 4096)
	require.True(t, ok)
	assert.Equal(t, uintptr(4096), got)

	got, ok = RoundPage(8192, 4096)
	require.True(t, ok)
	assert.Equal(t, uintptr(8192), got)

	_, ok = RoundPage(^uintptr(0)-10, 4096)
	assert.False(t, ok, "rounding near the top of the address space must report overflow")
}

func TestAlignHelpers(t *testing.T) {
	assert.True(t, IsAligned(0x1000, 0x1000))
	assert.False(t, IsAligned(0x1010, 0x1000))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(0))
	assert.False(t, IsPowerOfTwo(48))
	assert.Equal(t, uint(12), Log2(4096))
	assert.Equal(t, uint(0), Log2(1))
	assert.Equal(t, uintptr(4096), TruncPage(8191, 4096))
}
