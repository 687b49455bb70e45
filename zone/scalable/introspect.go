package scalable

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/zonekit/zone"
)

// Enumerate walks the small allocator, then the large one.
func (z *Zone) Enumerate(mask zone.RangeType, fn func(kind zone.RangeType, ranges []zone.Range)) error {
	if err := z.small.Enumerate(mask, fn); err != nil {
		return err
	}
	return z.large.Enumerate(mask, fn)
}

// Statistics sums both allocators.
func (z *Zone) Statistics() zone.Statistics {
	st := z.small.Statistics()
	st.Add(z.large.Statistics())
	return st
}

// Print writes the zone totals followed by each allocator.
func (z *Zone) Print(w io.Writer, verbose bool) {
	p := zone.NewPrinter(w)
	p.Statistics(z.name, z.Statistics())
	z.small.Print(w, verbose)
	z.large.Print(w, verbose)
	if z.reclaim != nil {
		s := z.reclaim.Stats()
		p.Printf("reclaim: %d bytes pending, %d bytes in %d ranges reclaimed\n",
			s.FreeBytes, s.ReclaimedBytes, s.ReclaimedCount)
	}
	if n := z.reporter.Count(); n > 0 {
		p.Printf("corruptions reported: %d\n", n)
	}
}

// Check validates both allocators.
func (z *Zone) Check() error {
	if err := z.small.Check(); err != nil {
		return errors.Wrap(err, "small")
	}
	if err := z.large.Check(); err != nil {
		return errors.Wrap(err, "large")
	}
	return nil
}

// ForceLock takes the small locks, then the large one.
func (z *Zone) ForceLock() {
	z.small.ForceLock()
	z.large.ForceLock()
}

// ForceUnlock releases in reverse order.
func (z *Zone) ForceUnlock() {
	z.large.ForceUnlock()
	z.small.ForceUnlock()
}

func (z *Zone) ReinitLock() {
	z.small.ReinitLock()
	z.large.ReinitLock()
}

func (z *Zone) Locked() bool {
	return z.small.Locked() || z.large.Locked()
}
