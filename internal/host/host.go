// Package host states the contracts spec §6 calls the "host DBI runtime
// collaborator API": scratch-register reservation, clean-call insertion,
// safe reads of the instrumented program's address space, machine-context
// access, raw TLS allocation, and module/fork event registration. None of
// these are implemented here — a real DBI runtime supplies them — but the
// Instrumentation Emitter, Annotation Matcher, and Valgrind Dispatch are
// written against these interfaces so their policy is testable with fakes,
// the same way wazero's internal/engine/compiler keeps its JIT code
// generation behind the internal/asm interfaces rather than hand-wiring a
// concrete encoder.
package host

import "github.com/drtrace/drtrace/internal/asm"

// CleanCallInserter saves/restores machine state and calls fn from inside
// generated code (spec GLOSSARY: "clean call"). argRegister, if not
// asm.NilRegister, holds the one argument the spec's clean-calls need
// (handle_vg_annotation's request pointer; for the redzone drain call the
// Emitter passes its buffer-pointer register).
type CleanCallInserter interface {
	InsertCleanCall(b asm.CodeBuilder, fn interface{}, argRegister asm.Register) asm.Node
}

// ScratchRegisters reserves general-purpose registers not live across the
// current basic block. Reserve returns ErrNoScratchRegister-wrapping errors
// (see internal/drerr) when the constraint cannot be satisfied; Release must
// be called symmetrically on every exit path, matching spec §4.5's "the
// host's register-reservation collaborator requires symmetric spill/restore".
type ScratchRegisters interface {
	Reserve(n int, firstMustSatisfy func(asm.Register) bool) ([]asm.Register, error)
	Release(regs []asm.Register)
}

// MemoryReader safely reads the instrumented program's address space. A
// fault during the read is reported as an error, never a crash (spec §7:
// "Safe-read failure (Valgrind args): target memory unreadable: silently
// return").
type MemoryReader interface {
	SafeRead(addr uintptr, dst []byte) error
}

// MachineContext exposes the instrumented thread's integer register file.
type MachineContext interface {
	GetRegister(r asm.Register) uint64
	SetRegister(r asm.Register, value uint64)
}

// TLSRaw allocates host-managed thread-local storage words reachable from
// generated code via a segment/base register (spec §4.7: "Allocate raw TLS
// slots").
type TLSRaw interface {
	Alloc() (slot uintptr, err error)
	Free(slot uintptr)
}

// ModuleEvents lets the core learn when modules are loaded/unloaded, driving
// HandlerRegistry.SweepRange (spec §4.1).
type ModuleEvents interface {
	OnModuleUnload(fn func(low, high uintptr))
}

// ForkEvents lets the core re-run process/thread init after a POSIX fork
// (spec §4.7 "Fork init").
type ForkEvents interface {
	OnFork(fn func())
}

// VirtualToPhysical translates a virtual address in the instrumented
// program's space to a physical one, returning 0 if the mapping is unknown
// (spec §4.6 step 4).
type VirtualToPhysical func(virt uintptr) (phys uintptr)
