package zone

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/logger"
)

// CorruptionKind classifies a detected misuse.
type CorruptionKind int

const (
	// NonAligned is a pointer not aligned to its class quantum.
	NonAligned CorruptionKind = iota + 1
	// MetadataFreed is a pointer into allocator metadata.
	MetadataFreed
	// NotAllocated is a pointer the zone never handed out, or already took back.
	NotAllocated
	// DoubleFree is a pointer freed twice before reuse.
	DoubleFree
	// ReallocNotAllocated is realloc of a pointer the zone does not own.
	ReallocNotAllocated
	// BadSize is a free with a size that does not match the block.
	BadSize
)

func (k CorruptionKind) String() string {
	switch k {
	case NonAligned:
		return "non-aligned pointer being freed"
	case MetadataFreed:
		return "pointer to metadata being freed"
	case NotAllocated:
		return "pointer being freed was not allocated"
	case DoubleFree:
		return "pointer being freed already on death-row"
	case ReallocNotAllocated:
		return "pointer being reallocated was not allocated"
	case BadSize:
		return "incorrect size for pointer being freed"
	default:
		return "heap corruption"
	}
}

// CorruptionError describes a detected misuse.
type CorruptionError struct {
	Zone string
	Kind CorruptionKind
	Ptr  uintptr
	Msg  string
}

func (e *CorruptionError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	return fmt.Sprintf("%s: *** error for object %#x: %s", e.Zone, e.Ptr, msg)
}

// Reporter is the single path every zone reports corruption through.
// Callers must not hold zone locks while reporting.
type Reporter struct {
	zone  string
	abort bool
	count atomic.Uint64
	last  atomic.Pointer[CorruptionError]
}

// NewReporter returns a reporter for the named zone. With abort set, Report
// panics after logging.
func NewReporter(zone string, abort bool) *Reporter {
	return &Reporter{zone: zone, abort: abort}
}

// Report records a corruption of kind at ptr. An empty format uses the kind's
// standard message.
func (r *Reporter) Report(kind CorruptionKind, ptr uintptr, format string, args ...any) {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	e := &CorruptionError{Zone: r.zone, Kind: kind, Ptr: ptr, Msg: msg}
	r.count.Add(1)
	r.last.Store(e)
	logger.L.Error("heap corruption detected",
		"zone", r.zone, "kind", kind.String(), "ptr", fmt.Sprintf("%#x", ptr), "msg", msg)
	if r.abort {
		panic(errors.WithStack(e))
	}
}

// Count returns how many corruptions were reported.
func (r *Reporter) Count() uint64 { return r.count.Load() }

// Last returns the most recent report, or nil.
func (r *Reporter) Last() *CorruptionError { return r.last.Load() }

// Aborts reports whether Report panics.
func (r *Reporter) Aborts() bool { return r.abort }
