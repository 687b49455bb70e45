//go:build unix

package buf

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// mapped returns n bytes of anonymous memory outside the Go heap, the only
// kind of memory these helpers are meant for.
func mapped(t *testing.T, n int) uintptr {
	t.Helper()
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(b) })
	return Addr(b)
}

func TestMemoryHelpers(t *testing.T) {
	addr := mapped(t, 4096)

	Store64(addr, 0xdeadbeef)
	assert.Equal(t, uint64(0xdeadbeef), Load64(addr))

	AtomicStore64(addr+8, 41)
	assert.Equal(t, uint64(42), AtomicAdd64(addr+8, 1))
	assert.Equal(t, uint64(42), AtomicLoad64(addr+8))

	Fill(addr+16, 16, 0xaa)
	assert.True(t, IsFilled(addr+16, 16, 0xaa))
	assert.False(t, IsFilled(addr, 16, 0xaa))

	Copy(addr+32, addr+16, 16)
	assert.True(t, Equal(addr+16, addr+32, 16))

	Zero(addr+32, 16)
	assert.True(t, IsFilled(addr+32, 16, 0))

	assert.Len(t, Words(addr, 8), 8)
	assert.Equal(t, uint64(0xdeadbeef), Words(addr, 1)[0])
	assert.Nil(t, Bytes(0, 8))
	assert.Nil(t, Words(addr, 0))
}

func TestAddr(t *testing.T) {
	addr := mapped(t, 4096)
	Fill(addr, 3, 7)
	b := Bytes(addr+1, 2)
	assert.Equal(t, []byte{7, 7}, b)
	assert.Equal(t, addr+1, Addr(b))

	local := []byte{1}
	assert.Equal(t, uintptr(unsafe.Pointer(&local[0])), Addr(local))
	assert.Zero(t, Addr(nil))
}
