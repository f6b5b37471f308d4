//go:build !windows

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultAtomicWriteSize is the POSIX guarantee for writes to a pipe: any
// write of PIPE_BUF bytes or fewer is atomic with respect to other writers.
// The online drain path (spec §4.6) never exceeds this unless the platform
// reports a larger kernel pipe buffer (see MaximizePipeBuffer).
const DefaultAtomicWriteSize = unix.PIPE_BUF

// CreateNamedPipe creates a FIFO at path if one doesn't already exist.
// EEXIST is not an error: a previous run (or the reader side) may have
// created it first.
func CreateNamedPipe(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil && err != unix.EEXIST {
		return fmt.Errorf("platform: mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenNamedPipeForWrite opens path for writing. The open blocks until a
// reader attaches, matching FIFO semantics the online-mode reader depends
// on.
func OpenNamedPipeForWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("platform: open pipe %s: %w", path, err)
	}
	return f, nil
}

// AtomicWrite writes b to f with a single os.File.Write call and returns its
// result unchanged: a short write shows up as n < len(b) with a non-nil
// error, and no drerr error is produced here. The online drain path treats
// n != len(b) as fatal (spec §7 "short write to pipe: fatal abort").
func AtomicWrite(f *os.File, b []byte) (int, error) {
	return f.Write(b)
}
