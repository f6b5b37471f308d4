// Package asm defines the architecture-neutral contract the Instrumentation
// Emitter uses to append inline code to a basic block. The host DBI runtime
// owns the real instruction-builder, code-cache insertion, and clean-call
// facilities; this package only states the shape of that collaborator so the
// Emitter's policy (what to emit, in what order) can be written and tested
// independently of any one architecture's encoder.
package asm

import "fmt"

// NewAssembler constructs an architecture-specific CodeBuilder. One
// implementation is registered per architecture (see internal/asm/amd64,
// internal/asm/arm64) and selected at process init by the host runtime.
type NewAssembler func(scratch Register) (CodeBuilder, error)

// Register represents an architecture-specific machine register.
type Register byte

// NilRegister indicates no register is specified.
const NilRegister Register = 0

// Instruction represents an architecture-specific opcode.
type Instruction byte

// ConstantValue is an immediate operand.
type ConstantValue = int64

// Node is a single emitted instruction in the inline sequence built for one
// basic block. It is mutable until the block's code is spliced in, so branch
// targets can be back-patched once every instruction has a position.
type Node interface {
	fmt.Stringer
	// AssignJumpTarget wires this node's jump destination to target.
	AssignJumpTarget(target Node)
}

// Predicatable is implemented by Node values on architectures with
// predicated execution. SetPredicated marks the instruction to execute only
// when the basic block's current predicate holds, the same after-the-fact
// tagging a real predicated-execution encoder applies to an already-built
// inline sequence (spec §4.5: "apply the predicate to the whole emitted
// inline sequence"). Node implementations on architectures without
// predication (x86/x64) need not implement this; callers fall back to a
// no-op via a type assertion.
type Predicatable interface {
	SetPredicated(predicated bool)
}

// CodeBuilder is the common, architecture-neutral subset of the
// instruction-construction collaborator. Call sites in the Instrumentation
// Emitter and Annotation Matcher use only these methods; predication is
// applied afterwards through the optional Predicatable interface on Node.
type CodeBuilder interface {
	// Assemble finalizes the node list into machine code. Implementations
	// that only record the instruction stream for policy testing may return
	// a description instead of real bytes; the host runtime's real encoder
	// returns actual opcodes.
	Assemble() ([]byte, error)
	// NewLabel emits a position marker with no machine semantics; used as a
	// branch target.
	NewLabel() Node
	// EmitConstToRegister emits `destination = op(value, destination)`, or
	// `destination = value` for a move opcode.
	EmitConstToRegister(instruction Instruction, value ConstantValue, destination Register) Node
	// EmitRegisterToRegister emits `to = op(from, to)` or `to = op(from)`.
	EmitRegisterToRegister(instruction Instruction, from, to Register) Node
	// EmitMemoryToRegister emits a load from `base+offset` into `destination`.
	EmitMemoryToRegister(instruction Instruction, base Register, offset ConstantValue, destination Register) Node
	// EmitRegisterToMemory emits a store of `source` to `base+offset`.
	EmitRegisterToMemory(instruction Instruction, source Register, base Register, offset ConstantValue) Node
	// EmitJump emits an unconditional or conditional branch; the target is
	// assigned later via Node.AssignJumpTarget.
	EmitJump(instruction Instruction) Node
}
