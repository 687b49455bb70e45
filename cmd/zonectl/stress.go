package main

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/zonekit/internal/buf"
	"github.com/joshuapare/zonekit/zone"
	"github.com/joshuapare/zonekit/zone/large"
	"github.com/joshuapare/zonekit/zone/quarantine"
	"github.com/joshuapare/zonekit/zone/scalable"
)

var (
	stressGoroutines int
	stressOps        int
	stressMaxSize    string
	stressSeed       int64
	stressLive       int
)

func init() {
	cmd := newStressCmd()
	addZoneFlags(cmd)
	cmd.Flags().IntVar(&stressGoroutines, "goroutines", 4, "Concurrent workers")
	cmd.Flags().IntVar(&stressOps, "ops", 10000, "Operations per worker")
	cmd.Flags().StringVar(&stressMaxSize, "max-size", "256K", "Largest request")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressLive, "live", 64, "Live blocks kept per worker")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocation workload",
		Long: `The stress command runs random malloc, realloc and free calls from several
goroutines, checks that every block keeps its contents, and prints the zone
statistics afterwards.

Example:
  zonectl stress
  zonectl stress --goroutines 16 --ops 100000 --max-size 1M
  zonectl stress --quarantine --max-items 1000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type stressResult struct {
	Zone        string            `json:"zone"`
	Goroutines  int               `json:"goroutines"`
	Ops         int               `json:"ops_per_goroutine"`
	Elapsed     time.Duration     `json:"elapsed_ns"`
	Mallocs     uint64            `json:"mallocs"`
	Reallocs    uint64            `json:"reallocs"`
	Frees       uint64            `json:"frees"`
	Failures    uint64            `json:"failures"`
	Mismatches  uint64            `json:"mismatches"`
	Corruptions uint64            `json:"corruptions"`
	Statistics  zone.Statistics   `json:"statistics"`
	Large       *large.Stats      `json:"large,omitempty"`
	Quarantine  *quarantine.Stats `json:"quarantine,omitempty"`
}

type stressCounters struct {
	mallocs, reallocs, frees, failures, mismatches atomic.Uint64
}

// stamp marks the first bytes of a block with its owner.
func stamp(p, size uintptr, tag byte) {
	buf.Fill(p, min(size, 16), tag)
}

func stamped(p, size uintptr, tag byte) bool {
	return buf.IsFilled(p, min(size, 16), tag)
}

type block struct {
	ptr, size uintptr
}

func stressWorker(z zone.Zone, id int, maxSize uintptr, c *stressCounters) {
	rng := rand.New(rand.NewSource(stressSeed + int64(id)))
	tag := byte(id) | 0x80
	live := make([]block, 0, stressLive)

	randomSize := func() uintptr {
		// Log-uniform, so small sizes dominate as they do in real programs.
		shift := rng.Intn(bitLen(maxSize))
		return uintptr(rng.Int63n(int64(1)<<shift)) + 1
	}
	release := func(i int) {
		b := live[i]
		if !stamped(b.ptr, b.size, tag) {
			c.mismatches.Add(1)
		}
		z.Free(b.ptr)
		c.frees.Add(1)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
	}

	for range stressOps {
		switch op := rng.Intn(10); {
		case op < 5 && len(live) < stressLive:
			size := randomSize()
			p := z.Malloc(size)
			c.mallocs.Add(1)
			if p == 0 {
				c.failures.Add(1)
				continue
			}
			stamp(p, size, tag)
			live = append(live, block{p, size})
		case op < 7 && len(live) > 0:
			i := rng.Intn(len(live))
			b := live[i]
			if !stamped(b.ptr, b.size, tag) {
				c.mismatches.Add(1)
			}
			size := randomSize()
			p := z.Realloc(b.ptr, size)
			c.reallocs.Add(1)
			if p == 0 {
				c.failures.Add(1)
				continue
			}
			stamp(p, size, tag)
			live[i] = block{p, size}
		case len(live) > 0:
			release(rng.Intn(len(live)))
		}
	}
	for len(live) > 0 {
		release(len(live) - 1)
	}
}

func bitLen(n uintptr) int {
	b := 1
	for n > 1 {
		n >>= 1
		b++
	}
	return b
}

func runStress() error {
	maxSize, err := parseSize(stressMaxSize)
	if err != nil {
		return err
	}
	if maxSize == 0 || stressGoroutines < 1 || stressOps < 0 || stressLive < 1 {
		return fmt.Errorf("--max-size, --goroutines and --live must be positive")
	}
	z, err := buildZone()
	if err != nil {
		return err
	}
	defer z.Destroy()

	var c stressCounters
	start := time.Now()
	var wg sync.WaitGroup
	for id := range stressGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stressWorker(z, id, maxSize, &c)
		}()
	}
	wg.Wait()

	res := stressResult{
		Zone:       z.Name(),
		Goroutines: stressGoroutines,
		Ops:        stressOps,
		Elapsed:    time.Since(start),
		Mallocs:    c.mallocs.Load(),
		Reallocs:   c.reallocs.Load(),
		Frees:      c.frees.Load(),
		Failures:   c.failures.Load(),
		Mismatches: c.mismatches.Load(),
		Statistics: z.Introspect().Statistics(),
	}
	base := z
	if q, ok := z.(*quarantine.Zone); ok {
		qs := q.Stats()
		res.Quarantine = &qs
		res.Corruptions += q.Reporter().Count()
		base = q.Wrapped()
	}
	if s, ok := base.(*scalable.Zone); ok {
		ls := s.LargeStats()
		res.Large = &ls
		res.Corruptions += s.Reporter().Count()
	}
	checkErr := z.Introspect().Check()

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printStress(res)
		if verbose {
			z.Introspect().Print(os.Stdout, true)
		}
	}

	if checkErr != nil {
		return fmt.Errorf("zone check failed: %w", checkErr)
	}
	if res.Mismatches > 0 || res.Corruptions > 0 {
		return fmt.Errorf("%d contents mismatches, %d corruption reports", res.Mismatches, res.Corruptions)
	}
	return nil
}

func printStress(r stressResult) {
	printInfo("zone %s: %d goroutines x %d ops in %v\n", r.Zone, r.Goroutines, r.Ops, r.Elapsed.Round(time.Millisecond))
	printInfo("  malloc %d, realloc %d, free %d, failed %d\n", r.Mallocs, r.Reallocs, r.Frees, r.Failures)
	printInfo("  in use after run: %d blocks, %d bytes (peak %d), %d bytes mapped\n",
		r.Statistics.BlocksInUse, r.Statistics.SizeInUse, r.Statistics.MaxSizeInUse, r.Statistics.SizeAllocated)
	if l := r.Large; l != nil {
		printInfo("  large: %d cache hits, %d misses, %d evictions, %d parked\n",
			l.CacheHits, l.CacheMisses, l.Evictions, l.Parked)
	}
	if q := r.Quarantine; q != nil {
		printInfo("  quarantine: %d held (%d bytes), %d quarantined, %d evicted, %d bypassed\n",
			q.Items, q.Bytes, q.Quarantined, q.Evicted, q.Bypassed)
	}
}
