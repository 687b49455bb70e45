package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/zonekit/zone/quarantine"
)

var (
	uafSize   string
	uafOffset uint64

	diagnosePid     int
	diagnoseControl string
)

func init() {
	uaf := newUAFCmd()
	addZoneFlags(uaf)
	uaf.Flags().StringVar(&uafSize, "size", "64", "Size of the block to use after free")
	uaf.Flags().Uint64Var(&uafOffset, "offset", 8, "Offset of the simulated fault inside the block")
	rootCmd.AddCommand(uaf)

	diag := newDiagnoseCmd()
	diag.Flags().IntVar(&diagnosePid, "pid", 0, "Process to read (required)")
	diag.Flags().StringVar(&diagnoseControl, "control", "", "Quarantine control block address (required)")
	_ = diag.MarkFlagRequired("pid")
	_ = diag.MarkFlagRequired("control")
	rootCmd.AddCommand(diag)
}

func newUAFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uaf",
		Short: "Simulate a use after free and diagnose it",
		Long: `The uaf command allocates a block through a quarantine zone, frees it, and
then diagnoses a fault inside the freed block the way a crash reporter would,
printing the allocation and deallocation stacks.

Example:
  zonectl uaf
  zonectl uaf --size 1K --offset 100
  zonectl uaf --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUAF()
		},
	}
	return cmd
}

func newDiagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose <fault-address>",
		Short: "Diagnose a fault address in another process",
		Long: `The diagnose command reads a quarantine zone's control block, FIFO and
stack depot out of a running process and reports the quarantined block that
contains the fault address. The target is never modified. Stack frames are
symbolized against zonectl itself, so other binaries print raw addresses.

Example:
  zonectl diagnose --pid 4242 --control 0x7f3a1c000000 0xc000123456`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(args)
		},
	}
	return cmd
}

type reportJSON struct {
	FaultAddress      string    `json:"fault_address"`
	NearestAllocation string    `json:"nearest_allocation,omitempty"`
	AllocationSize    uintptr   `json:"allocation_size,omitempty"`
	Quarantined       bool      `json:"quarantined"`
	AllocStack        []uintptr `json:"alloc_stack,omitempty"`
	DeallocStack      []uintptr `json:"dealloc_stack,omitempty"`
}

func printReport(rep *quarantine.Report) error {
	if jsonOut {
		out := reportJSON{
			FaultAddress:   fmt.Sprintf("%#x", rep.FaultAddress),
			AllocationSize: rep.AllocationSize,
			Quarantined:    rep.Quarantined,
			AllocStack:     rep.Alloc.Frames,
			DeallocStack:   rep.Dealloc.Frames,
		}
		if rep.NearestAllocation != 0 {
			out.NearestAllocation = fmt.Sprintf("%#x", rep.NearestAllocation)
		}
		return printJSON(out)
	}
	if !quiet {
		rep.Format(os.Stdout)
	}
	return nil
}

// allocateVictim and freeVictim stay out of line so they show up in the
// report.
//
//go:noinline
func allocateVictim(z *quarantine.Zone, size uintptr) uintptr { return z.Malloc(size) }

//go:noinline
func freeVictim(z *quarantine.Zone, p uintptr) { z.Free(p) }

func runUAF() error {
	size, err := parseSize(uafSize)
	if err != nil {
		return err
	}
	if uintptr(uafOffset) >= size {
		return fmt.Errorf("offset %d is outside a %d byte block", uafOffset, size)
	}

	saved := useQuarantine
	useQuarantine = true
	z, err := buildZone()
	useQuarantine = saved
	if err != nil {
		return err
	}
	defer z.Destroy()
	q := z.(*quarantine.Zone)

	p := allocateVictim(q, size)
	if p == 0 {
		return fmt.Errorf("failed to allocate %d bytes", size)
	}
	freeVictim(q, p)
	if !q.IsQuarantined(p) {
		printInfo("block %#x skipped the quarantine (larger than a page?)\n", p)
	}

	rep, err := q.Diagnose(p + uintptr(uafOffset))
	if err != nil {
		return fmt.Errorf("diagnosis failed: %w", err)
	}
	return printReport(rep)
}

func parseAddress(s string) (uintptr, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uintptr(n), nil
}

func runDiagnose(args []string) error {
	fault, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	ctl, err := parseAddress(diagnoseControl)
	if err != nil {
		return err
	}
	rep, err := quarantine.Diagnose(fault, ctl, quarantine.ProcessReader{Pid: diagnosePid}, nil)
	if err != nil {
		return fmt.Errorf("diagnosis of pid %d failed: %w", diagnosePid, err)
	}
	return printReport(rep)
}
