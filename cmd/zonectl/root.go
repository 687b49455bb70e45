package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/zonekit/internal/logger"
	"github.com/joshuapare/zonekit/internal/vm"
	"github.com/joshuapare/zonekit/zone"
	"github.com/joshuapare/zonekit/zone/quarantine"
	"github.com/joshuapare/zonekit/zone/scalable"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool

	// Zone flags shared by the commands that build a zone
	useQuarantine bool
	maxItems      uint64
	maxMB         uint64
	noPoison      bool
	largeMem      bool
	noLargeCache  bool
	scribble      bool
)

var rootCmd = &cobra.Command{
	Use:   "zonectl",
	Short: "Exercise and inspect zonekit allocator zones",
	Long: `zonectl builds scalable and quarantine zones, runs workloads against
them, and prints their introspection and use-after-free diagnoses.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Init(logger.Options{
			Enabled: verbose,
			Output:  os.Stderr,
			Level:   slog.LevelDebug,
		})
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log zone activity to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

// addZoneFlags registers the flags read by buildZone.
func addZoneFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&useQuarantine, "quarantine", false, "Wrap the zone in a quarantine zone")
	cmd.Flags().Uint64Var(&maxItems, "max-items", 0, "Quarantine item limit (0 = unlimited)")
	cmd.Flags().Uint64Var(&maxMB, "max-mb", 256, "Quarantine size limit in MiB")
	cmd.Flags().BoolVar(&noPoison, "no-poison", false, "Do not poison quarantined blocks")
	cmd.Flags().BoolVar(&largeMem, "large-mem", false, "Use the large-memory size thresholds")
	cmd.Flags().BoolVar(&noLargeCache, "no-large-cache", false, "Disable the death-row cache")
	cmd.Flags().BoolVar(&scribble, "scribble", false, "Scribble over allocated and freed memory")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildBase creates the scalable zone described by the zone flags.
// Corruption is reported, not fatal, so workloads can print what they found.
func buildBase() (*scalable.Zone, vm.Provider, error) {
	p := vm.NewMmapProvider()
	cfg := scalable.DefaultConfig()
	cfg.AbortOnCorruption = false
	cfg.LargeMem = largeMem
	cfg.LargeCache = !noLargeCache
	cfg.Scribble = scribble
	base, err := scalable.New(p, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create zone: %w", err)
	}
	return base, p, nil
}

// buildZone is buildBase, wrapped in a quarantine zone with --quarantine.
func buildZone() (zone.Zone, error) {
	base, p, err := buildBase()
	if err != nil {
		return nil, err
	}
	if !useQuarantine {
		return base, nil
	}
	q, err := quarantine.New(base, p, quarantineConfig())
	if err != nil {
		base.Destroy()
		return nil, fmt.Errorf("failed to create quarantine zone: %w", err)
	}
	return q, nil
}

func quarantineConfig() quarantine.Config {
	cfg := quarantine.DefaultConfig()
	cfg.AbortOnCorruption = false
	cfg.Debug = verbose
	cfg.Poisoning = !noPoison
	cfg.MaxItems = maxItems
	cfg.MaxBytes = maxMB << 20
	return cfg
}

// parseSize accepts a byte count with an optional K, M or G suffix and any
// base prefix strconv understands.
func parseSize(s string) (uintptr, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "g"):
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uintptr(n * mult), nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
