//go:build linux

package vm

import "golang.org/x/sys/unix"

const (
	adviceReusable = unix.MADV_FREE
	adviceReuse    = -1
)
