package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/zonekit/zone"
)

var (
	printAlloc    []string
	printFreeHalf bool
)

func init() {
	cmd := newPrintCmd()
	addZoneFlags(cmd)
	cmd.Flags().StringSliceVar(&printAlloc, "alloc", []string{"16", "100", "1K", "20K", "1M"},
		"Sizes to allocate before printing")
	cmd.Flags().BoolVar(&printFreeHalf, "free-half", false, "Free every other block before printing")
	rootCmd.AddCommand(cmd)
}

func newPrintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print",
		Short: "Allocate some blocks and print the zone introspection",
		Long: `The print command allocates the requested sizes, optionally frees half of
them, and prints the zone's own description of its state, its in-use ranges
and the result of its consistency check.

Example:
  zonectl print
  zonectl print --alloc 64,64,64,200K --free-half --quarantine
  zonectl print --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrint()
		},
	}
	return cmd
}

type printResult struct {
	Zone       string          `json:"zone"`
	Statistics zone.Statistics `json:"statistics"`
	InUse      []zone.Range    `json:"in_use"`
	Check      string          `json:"check"`
}

func runPrint() error {
	sizes := make([]uintptr, 0, len(printAlloc))
	for _, s := range printAlloc {
		n, err := parseSize(s)
		if err != nil {
			return err
		}
		sizes = append(sizes, n)
	}

	z, err := buildZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	for i, n := range sizes {
		p := z.Malloc(n)
		if p != 0 && printFreeHalf && i%2 == 1 {
			z.Free(p)
		}
	}

	intro := z.Introspect()
	res := printResult{Zone: z.Name(), Statistics: intro.Statistics(), Check: "ok"}
	if err := intro.Enumerate(zone.RangeInUse, func(_ zone.RangeType, ranges []zone.Range) {
		res.InUse = append(res.InUse, ranges...)
	}); err != nil {
		return err
	}
	if err := intro.Check(); err != nil {
		res.Check = err.Error()
	}

	if jsonOut {
		return printJSON(res)
	}
	if quiet {
		return nil
	}
	intro.Print(os.Stdout, verbose)
	printInfo("in use:\n")
	for _, r := range res.InUse {
		printInfo("  %#x-%#x  %d bytes\n", r.Address, r.End(), r.Size)
	}
	printInfo("check: %s\n", res.Check)
	return nil
}
