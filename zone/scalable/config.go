package scalable

import (
	"github.com/joshuapare/zonekit/internal/config"
	"github.com/joshuapare/zonekit/internal/format"
	"github.com/joshuapare/zonekit/zone/magazine"
)

// Config configures a Zone.
type Config struct {
	// Name identifies the zone in corruption reports.
	Name string

	// LargeMem raises the small ceiling to format.LargeThresholdLargeMem and
	// the VM copy threshold to format.VMCopyThresholdLargeMem.
	LargeMem bool

	// Scribble fills new blocks with format.ScribbleByte and freed blocks
	// with format.ScrubbleByte.
	Scribble bool

	// GuardEdges surrounds large allocations with inaccessible pages.
	GuardEdges bool

	// AbortOnCorruption panics on detected heap corruption instead of
	// logging and continuing.
	AbortOnCorruption bool

	// LargeCache parks freed large allocations on death row.
	LargeCache bool

	// DeferredReclaim hands parked large allocations to a reclaim buffer
	// instead of advising the host right away.
	DeferredReclaim bool

	// Magazines is the small allocator magazine count (0 = GOMAXPROCS).
	Magazines int

	// SizeClasses selects small free-list bucketing (nil for the default).
	SizeClasses *magazine.BinLayout
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Name:              "DefaultMallocZone",
		AbortOnCorruption: true,
		LargeCache:        true,
	}
}

// ConfigFromEnv returns DefaultConfig adjusted by the Malloc* environment
// variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.LargeMem = config.Bool(config.EnvLargeMem, cfg.LargeMem)
	cfg.Scribble = config.Bool(config.EnvScribble, cfg.Scribble)
	cfg.GuardEdges = config.Bool(config.EnvGuardEdges, cfg.GuardEdges)
	cfg.AbortOnCorruption = config.Bool(config.EnvCorruptionAbort, cfg.AbortOnCorruption)
	cfg.LargeCache = config.Bool(config.EnvLargeCache, cfg.LargeCache)
	cfg.DeferredReclaim = config.Bool(config.EnvDeferredReclaim, cfg.DeferredReclaim)
	return cfg
}

func (c Config) thresholds() (smallMax, vmCopy uintptr) {
	if c.LargeMem {
		return format.LargeThresholdLargeMem, format.VMCopyThresholdLargeMem
	}
	return format.LargeThreshold, format.VMCopyThreshold
}
