package magazine

import "github.com/cockroachdb/errors"

var (
	// ErrBadConfig indicates an unusable configuration.
	ErrBadConfig = errors.New("magazine: bad configuration")

	// ErrInconsistent is wrapped by Check failures.
	ErrInconsistent = errors.New("magazine: inconsistent state")
)
