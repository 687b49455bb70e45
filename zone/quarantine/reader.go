package quarantine

import (
	"runtime/debug"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/buf"
)

// LocalReader reads the current process. Faults on unmapped or protected
// addresses come back as ErrRead.
type LocalReader struct{}

// ReadMemory copies len(dst) bytes at addr.
func (LocalReader) ReadMemory(dst []byte, addr uintptr) (err error) {
	if addr == 0 {
		return errors.Wrap(ErrRead, "nil address")
	}
	if len(dst) == 0 {
		return nil
	}
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrRead, "%#x+%d: %v", addr, len(dst), r)
		}
	}()
	copy(dst, buf.Bytes(addr, uintptr(len(dst))))
	return nil
}
