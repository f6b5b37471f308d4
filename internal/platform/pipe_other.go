//go:build !linux && !windows

package platform

import "os"

// MaximizePipeBuffer is a no-op outside Linux: F_SETPIPE_SZ is a
// Linux-specific fcntl. The drain path's splitting logic already tolerates
// whatever the platform default pipe capacity is.
func MaximizePipeBuffer(f *os.File) (int, error) {
	return DefaultAtomicWriteSize, nil
}
