// Package arm64 gives the ARM64 register file, opcode set, and Valgrind
// rotate-immediate table the Annotation Matcher and Instrumentation Emitter
// need, plus a asm.CodeBuilder backed by golang-asm.
package arm64

import "github.com/drtrace/drtrace/internal/asm"

// General purpose registers, numbered contiguously from R0 = 1 (so the zero
// value stays asm.NilRegister) and therefore one above the ARM64 encoding;
// contiguity is what lets ReachesCBNZ below be a plain comparison.
const (
	R0 asm.Register = iota + 1
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	R16
	R17
	R18
	R19
	R20
	R21
	R22
	R23
	R24
	R25
	R26
	R27
	R28
	FP // R29, frame pointer
	LR // R30, link register
	RegZero
)

// Opcodes used by the emitter and matcher. Only the handful this core
// actually touches; the full ISA is the host assembler's problem.
const (
	NOP asm.Instruction = iota + 1
	RET
	MOVD
	ADD
	SUB
	AND
	EOR // xor
	CMP
	LSL
	LSR
	ROR
	B
	BEQ
	BNE
)

// RoleXBX returns the general-purpose register that is the exchange operand
// of the Valgrind client-request pattern and receives the request's result,
// mirroring x86's "XBX" role.
func RoleXBX() asm.Register { return R3 }

// RoleXDI returns the register the rotate sequence targets, mirroring x86's
// "XDI" role.
func RoleXDI() asm.Register { return R4 }

// RoleXAX returns the register carrying the request-block pointer into
// handle_vg_annotation, mirroring x86's "XAX" role.
func RoleXAX() asm.Register { return R0 }

// ExpectedRolImmeds is the x86/ARM Valgrind rotate-immediate sequence from
// spec §3 (x64 uses a distinct sequence, see internal/asm/amd64).
var ExpectedRolImmeds = [4]int64{3, 13, 29, 19}

// ReachesCBNZ reports whether the scratch register fits the reach class a
// short compare-and-branch needs: spec §4.5 requires the first scratch
// register be <= r7 so the redzone check can use a single-instruction
// compare-and-branch reach.
func ReachesCBNZ(r asm.Register) bool {
	return r >= R0 && r <= R7
}
