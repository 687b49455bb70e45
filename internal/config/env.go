// Package config reads the environment-style flags recognised by the zones.
//
// Values are read once when a zone is created. Booleans are true when the
// value starts with '1'. Integers accept a base prefix (0x, 0o, 0b).
package config

import (
	"os"
	"strconv"
)

// Variable names.
const (
	EnvQuarantine          = "MallocQuarantineZone"
	EnvQuarantineDebug     = "MallocQuarantineZoneDebug"
	EnvQuarantineNoPoison  = "MallocQuarantineNoPoisoning"
	EnvQuarantineMaxItems  = "MallocQuarantineMaxItems"
	EnvQuarantineMaxSizeMB = "MallocQuarantineMaxSizeInMB"

	EnvScribble        = "MallocScribble"
	EnvGuardEdges      = "MallocGuardEdges"
	EnvCorruptionAbort = "MallocCorruptionAbort"
	EnvLargeCache      = "MallocLargeCache"
	EnvDeferredReclaim = "MallocDeferredReclaim"
	EnvLargeMem        = "MallocLargeMem"
)

// Getenv is the lookup used by the readers. Tests replace it.
var Getenv = os.Getenv

// Bool returns the boolean value of name, or def when unset or empty.
func Bool(name string, def bool) bool {
	v := Getenv(name)
	if v == "" {
		return def
	}
	return v[0] == '1'
}

// Uint returns the unsigned value of name, or def when unset or malformed.
func Uint(name string, def uint64) uint64 {
	v := Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return def
	}
	return n
}

// Scrub removes name from the process environment so children do not inherit it.
func Scrub(name string) {
	_ = os.Unsetenv(name)
}
