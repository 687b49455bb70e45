//go:build linux

package quarantine

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/zonekit/internal/buf"
)

func Test_ProcessReader_ReadsSelf(t *testing.T) {
	z, _ := newTestZone(t, diagnoseConfig())
	p := z.Malloc(64)
	buf.Fill(p, 64, 0x5a)

	r := ProcessReader{Pid: os.Getpid()}
	dst := make([]byte, 64)
	if err := r.ReadMemory(dst, p); err != nil {
		t.Skipf("process_vm_readv unavailable: %v", err)
	}
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{0x5a}, 64), dst))

	z.Free(p)
	rep, err := Diagnose(p, z.ControlBlock(), r, z.Introspect().Enumerate)
	require.NoError(t, err)
	assert.True(t, rep.Quarantined)
	assert.Equal(t, p, rep.NearestAllocation)
	assert.NotEmpty(t, rep.Dealloc.Frames)

	require.ErrorIs(t, r.ReadMemory(dst, 0), ErrRead)
}
