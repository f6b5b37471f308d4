//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// MaximizePipeBuffer grows the pipe's kernel buffer to the largest size the
// system allows, best-effort (spec §4.7: "open the named pipe and maximize
// its kernel buffer"). Failure is not fatal: a smaller buffer only means
// more frequent splitting in the drain path, which trace.Drain's online
// path already handles.
func MaximizePipeBuffer(f *os.File) (int, error) {
	want := 1 << 20
	if max, err := os.ReadFile("/proc/sys/fs/pipe-max-size"); err == nil {
		if n, convErr := parseUint(max); convErr == nil && n > 0 {
			want = n
		}
	}
	if n, err := unix.FcntlInt(f.Fd(), unix.F_SETPIPE_SZ, want); err == nil {
		return n, nil
	}
	return unix.FcntlInt(f.Fd(), unix.F_GETPIPE_SZ, 0)
}

func parseUint(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		if c == '\n' {
			break
		}
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, os.ErrInvalid
	}
	return n, nil
}
