// Package drerr names the sentinel errors the core's fatal/silent paths use,
// mirroring the small sentinel-error packages wazero keeps alongside its
// engines (e.g. internal/wasmruntime) instead of ad hoc fmt.Errorf strings
// for conditions callers need to branch on.
package drerr

import "errors"

var (
	// ErrOutOfMemory is returned when a buffer allocation fails and no
	// reserve buffer is available to fall back to (spec §7: fatal OOM).
	ErrOutOfMemory = errors.New("drtrace: buffer allocation failed, no reserve available")

	// ErrShortWrite is returned when a pipe or offline-file write wrote
	// fewer bytes than requested (spec §7: fatal short write).
	ErrShortWrite = errors.New("drtrace: short write to trace output")

	// ErrHandoffFailed is returned when a user-supplied buffer handoff
	// callback returns false (spec §7: fatal handoff failure).
	ErrHandoffFailed = errors.New("drtrace: buffer handoff callback failed")

	// ErrNoScratchRegister is returned when the host runtime's register
	// reservation API cannot satisfy the Emitter's request (spec §7: fatal
	// scratch-register reservation failure).
	ErrNoScratchRegister = errors.New("drtrace: scratch register reservation failed")

	// ErrOutputDirExhausted is returned when process init could not create
	// a unique offline output directory within the retry budget (spec §7).
	ErrOutputDirExhausted = errors.New("drtrace: exhausted retries creating unique output directory")
)
