//go:build !windows

// Package platform wraps the raw OS facilities the spec treats as host-DBI-
// runtime collaborators that happen to be ordinary syscalls rather than
// JIT-specific APIs: anonymous memory for the per-thread trace buffer
// (spec §4.4), named-pipe transport for online mode (spec §4.6/§6), and
// unique output-directory creation (spec §4.7). Grounded on
// github.com/behrlich/go-ublk's use of golang.org/x/sys/unix for the same
// kind of raw-syscall plumbing a DBI core's "external collaborator" would
// otherwise hide.
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapAnon allocates a size-byte, zero-filled, read/write anonymous mapping.
// The trace buffer uses this instead of a plain Go slice so its lifetime is
// explicit and a stray out-of-bounds write from generated inline code (were
// this core driving a real JIT) would fault instead of corrupting the Go
// heap.
func MmapAnon(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// MunmapAnon releases a mapping obtained from MmapAnon.
func MunmapAnon(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}
