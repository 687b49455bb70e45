//go:build !linux

package quarantine

import "github.com/cockroachdb/errors"

// ProcessReader reads another process. Only Linux is supported.
type ProcessReader struct {
	Pid int
}

// ReadMemory always fails on this platform.
func (r ProcessReader) ReadMemory(dst []byte, addr uintptr) error {
	return errors.Wrapf(ErrRead, "pid %d: cross-process reads are not supported here", r.Pid)
}
