//go:build linux

package quarantine

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// ProcessReader reads another process with process_vm_readv. The caller
// needs ptrace access to it.
type ProcessReader struct {
	Pid int
}

// ReadMemory copies len(dst) bytes at addr in the target.
func (r ProcessReader) ReadMemory(dst []byte, addr uintptr) error {
	if len(dst) == 0 {
		return nil
	}
	local := []unix.Iovec{{Base: &dst[0]}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(dst)}}
	n, err := unix.ProcessVMReadv(r.Pid, local, remote, 0)
	if err != nil {
		return errors.Wrapf(ErrRead, "pid %d %#x+%d: %v", r.Pid, addr, len(dst), err)
	}
	if n != len(dst) {
		return errors.Wrapf(ErrRead, "pid %d %#x: short read %d of %d", r.Pid, addr, n, len(dst))
	}
	return nil
}
