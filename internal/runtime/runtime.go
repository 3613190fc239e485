// Package runtime implements utility functions to fetch runtime info of the
// current host for the startup log.
// Adapted from https://github.com/prometheus/prometheus/blob/main/util/runtime
package runtime

import (
	"fmt"
	"math"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscall.RLIM_INFINITY is int on most architectures but not all.
var unlimited uint64 = syscall.RLIM_INFINITY & math.MaxUint64

// Uname returns the uname of the host machine.
func Uname() string {
	buf := unix.Utsname{}

	err := unix.Uname(&buf)
	if err != nil {
		panic("unix.Uname failed: " + err.Error())
	}

	return "(" + unix.ByteSliceToString(buf.Sysname[:]) +
		" " + unix.ByteSliceToString(buf.Release[:]) +
		" " + unix.ByteSliceToString(buf.Version[:]) +
		" " + unix.ByteSliceToString(buf.Machine[:]) +
		" " + unix.ByteSliceToString(buf.Nodename[:]) +
		" " + unix.ByteSliceToString(buf.Domainname[:]) + ")"
}

func limitToString(v uint64, unit string) string {
	if v == unlimited {
		return "unlimited"
	}

	return fmt.Sprintf("%d%s", v, unit)
}

// FdLimits returns the soft and hard limits for file descriptors.
func FdLimits() string {
	rlimit := syscall.Rlimit{}

	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit)
	if err != nil {
		panic("syscall.Getrlimit failed: " + err.Error())
	}

	return fmt.Sprintf(
		"(soft=%s, hard=%s)",
		limitToString(rlimit.Cur, ""),
		limitToString(rlimit.Max, ""),
	)
}
