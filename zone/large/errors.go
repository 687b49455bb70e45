package large

import "github.com/cockroachdb/errors"

var (
	// ErrBadConfig is returned by New for a missing provider or reporter.
	ErrBadConfig = errors.New("large: bad configuration")

	// ErrInconsistent is returned by Check when the table or death row
	// bookkeeping disagrees with itself.
	ErrInconsistent = errors.New("large: inconsistent state")
)
