// Package malloc exposes the process default zone through plain functions.
//
// The default zone is built on first use from the Malloc* environment
// variables: a scalable zone, wrapped in a quarantine zone when
// MallocQuarantineZone=1. The quarantine flag is removed from the
// environment once read so child processes start without it.
package malloc

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
	"github.com/joshuapare/zonekit/zone/quarantine"
	"github.com/joshuapare/zonekit/zone/scalable"
)

var (
	defaultOnce sync.Once
	defaultZone zone.Zone
)

// New builds a zone the way Default does, over p.
//
// A quarantine that cannot be set up is logged and skipped; the scalable
// zone is still returned.
func New(p vm.Provider) (zone.Zone, error) {
	base, err := scalable.New(p, scalable.ConfigFromEnv())
	if err != nil {
		return nil, errors.Wrap(err, "create default zone")
	}
	enabled := quarantine.Enabled()
	quarantine.ResetEnvironment()
	if !enabled {
		return base, nil
	}
	q, err := quarantine.New(base, p, quarantine.ConfigFromEnv())
	if err != nil {
		logger.L.Warn("quarantine disabled", "err", err)
		return base, nil
	}
	return q, nil
}

// Default returns the process default zone. It panics if New rejects the
// zone configuration. Memory is mapped lazily, so running out of it shows up
// as null returns from the allocation functions, never here.
func Default() zone.Zone {
	defaultOnce.Do(func() {
		z, err := New(vm.NewMmapProvider())
		if err != nil {
			panic(err)
		}
		defaultZone = z
	})
	return defaultZone
}

// Malloc allocates size bytes from the default zone.
func Malloc(size uintptr) uintptr { return Default().Malloc(size) }

// Calloc allocates count*size zeroed bytes from the default zone.
func Calloc(count, size uintptr) uintptr { return Default().Calloc(count, size) }

// Valloc allocates page-aligned memory from the default zone.
func Valloc(size uintptr) uintptr { return Default().Valloc(size) }

// Memalign allocates size bytes aligned to alignment from the default zone.
func Memalign(alignment, size uintptr) uintptr { return Default().Memalign(alignment, size) }

// Realloc resizes ptr in the default zone.
func Realloc(ptr, size uintptr) uintptr { return Default().Realloc(ptr, size) }

// Free releases ptr to the default zone.
func Free(ptr uintptr) { Default().Free(ptr) }

// Size returns the usable size of ptr, or 0 if the default zone does not
// own it.
func Size(ptr uintptr) uintptr { return Default().Size(ptr) }

// GoodSize returns the size an allocation of size bytes would really get.
func GoodSize(size uintptr) uintptr { return Default().GoodSize(size) }
