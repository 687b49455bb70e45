package quarantine

import "github.com/cockroachdb/errors"

var (
	// ErrBadConfig is returned by New for unusable sizes or a missing wrapped zone.
	ErrBadConfig = errors.New("quarantine: bad configuration")

	// ErrNoMemory is returned when the depot, pointer map or control block
	// cannot be mapped.
	ErrNoMemory = errors.New("quarantine: out of memory")

	// ErrBadControl is returned by Diagnose when the control block copy is
	// not a quarantine control block.
	ErrBadControl = errors.New("quarantine: bad control block")

	// ErrRead is returned by readers that could not copy the requested range.
	ErrRead = errors.New("quarantine: remote read failed")

	// ErrInconsistent is returned by Check when the FIFO disagrees with its counters.
	ErrInconsistent = errors.New("quarantine: inconsistent state")
)
