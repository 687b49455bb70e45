package quarantine

import "github.com/joshuapare/zonekit/internal/config"

// Config configures a quarantine Zone.
type Config struct {
	// Name identifies the zone in corruption reports.
	Name string

	// Debug logs every call at Info level.
	Debug bool

	// Poisoning fills quarantined blocks and reports them through IsPoisoned.
	Poisoning bool

	// MaxItems bounds the number of quarantined blocks (0 = unlimited).
	MaxItems uint64

	// MaxBytes bounds the quarantined bytes (0 = unlimited).
	MaxBytes uint64

	// AbortOnCorruption panics on a detected double free.
	AbortOnCorruption bool

	// Depot and pointer map slot counts, powers of two (0 = default).
	DepotIndex        uint64
	DepotStorage      uint64
	PointerMapEntries uint64
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Name:              "QuarantineMallocZone",
		Poisoning:         true,
		MaxBytes:          256 << 20,
		AbortOnCorruption: true,
	}
}

// ConfigFromEnv returns DefaultConfig adjusted by the MallocQuarantine*
// environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Debug = config.Bool(config.EnvQuarantineDebug, false)
	cfg.Poisoning = !config.Bool(config.EnvQuarantineNoPoison, false)
	cfg.MaxItems = config.Uint(config.EnvQuarantineMaxItems, 0)
	cfg.MaxBytes = config.Uint(config.EnvQuarantineMaxSizeMB, 256) << 20
	cfg.AbortOnCorruption = config.Bool(config.EnvCorruptionAbort, cfg.AbortOnCorruption)
	return cfg
}

// Enabled reports whether MallocQuarantineZone asks for a quarantine zone.
func Enabled() bool {
	return config.Bool(config.EnvQuarantine, false)
}

// ResetEnvironment removes MallocQuarantineZone from the process
// environment so child processes do not inherit it.
func ResetEnvironment() {
	config.Scrub(config.EnvQuarantine)
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultConfig().Name
	}
	if c.DepotIndex == 0 {
		c.DepotIndex = DefaultDepotIndex
	}
	if c.DepotStorage == 0 {
		c.DepotStorage = DefaultDepotStorage
	}
	if c.PointerMapEntries == 0 {
		c.PointerMapEntries = DefaultPointerMapEntries
	}
	return c
}
