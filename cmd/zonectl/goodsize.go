package main

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := newGoodSizeCmd()
	cmd.Flags().BoolVar(&largeMem, "large-mem", false, "Use the large-memory size thresholds")
	rootCmd.AddCommand(cmd)
}

func newGoodSizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "good-size <size>...",
		Short: "Show the size each request is rounded to",
		Long: `The good-size command prints the usable size a zone would hand out for
each requested size, and which allocator serves it.

Example:
  zonectl good-size 1 17 1000 16K 1M
  zonectl good-size 100K --large-mem --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGoodSize(args)
		},
	}
	return cmd
}

type goodSizeRow struct {
	Request   uintptr `json:"request"`
	GoodSize  uintptr `json:"good_size"`
	Allocator string  `json:"allocator"`
}

func runGoodSize(args []string) error {
	sizes := make([]uintptr, 0, len(args))
	for _, a := range args {
		n, err := parseSize(a)
		if err != nil {
			return err
		}
		sizes = append(sizes, n)
	}

	z, _, err := buildBase()
	if err != nil {
		return err
	}
	defer z.Destroy()
	smallMax := z.SmallMax()

	rows := make([]goodSizeRow, 0, len(sizes))
	for _, n := range sizes {
		row := goodSizeRow{Request: n, GoodSize: z.GoodSize(n), Allocator: "small"}
		if row.GoodSize > smallMax {
			row.Allocator = "large"
		}
		rows = append(rows, row)
	}

	if jsonOut {
		return printJSON(rows)
	}
	for _, r := range rows {
		printInfo("%12d -> %12d  %s\n", r.Request, r.GoodSize, r.Allocator)
	}
	return nil
}
