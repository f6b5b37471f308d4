//go:build windows

package platform

import (
	"errors"
	"os"
)

// DefaultAtomicWriteSize mirrors the POSIX PIPE_BUF guarantee; Windows named
// pipes are message-oriented and don't need this, but online mode isn't
// supported on this platform (the process-init collaborators for named
// pipes are POSIX-only, per spec §1).
const DefaultAtomicWriteSize = 4096

var errUnsupported = errors.New("platform: named-pipe online mode is not supported on windows")

func CreateNamedPipe(string) error                          { return errUnsupported }
func OpenNamedPipeForWrite(string) (*os.File, error)         { return nil, errUnsupported }
func AtomicWrite(f *os.File, b []byte) (int, error)          { return 0, errUnsupported }
func MaximizePipeBuffer(f *os.File) (int, error)             { return DefaultAtomicWriteSize, nil }
