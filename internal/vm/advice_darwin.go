//go:build darwin

package vm

import "golang.org/x/sys/unix"

const (
	adviceReusable = unix.MADV_FREE_REUSABLE
	adviceReuse    = unix.MADV_FREE_REUSE
)
