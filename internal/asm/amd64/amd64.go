// Package amd64 gives the x86/x64 register file, opcode set, and Valgrind
// rotate-immediate tables the Annotation Matcher and Instrumentation Emitter
// need, plus a recording asm.CodeBuilder used both by tests and as the
// default backend when no JIT-capable host assembler is wired in.
package amd64

import "github.com/drtrace/drtrace/internal/asm"

// General purpose registers, named after their historical 32-bit aliases as
// spec §3/§4.5 does ("XBX", "XCX", "XDI", ...).
const (
	XAX asm.Register = iota + 1
	XBX
	XCX
	XDX
	XSI
	XDI
	XBP
	XSP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Opcodes used by the emitter and matcher.
const (
	NOP asm.Instruction = iota + 1
	RET
	MOV
	LEA
	ADD
	SUB
	AND
	XOR
	CMP
	ROL
	SHR
	XCHG
	JMP
	JE
	JNE
	JECXZ
)

// RoleXBX returns the exchange operand of the Valgrind client-request
// pattern, which is zeroed by the rewrite and receives the request's result.
func RoleXBX() asm.Register { return XBX }

// RoleXDI returns the register the four preceding rotates target.
func RoleXDI() asm.Register { return XDI }

// RoleXAX returns the register carrying the request-block pointer into
// handle_vg_annotation.
func RoleXAX() asm.Register { return XAX }

// RoleXCX returns the register jecxz needs as its first scratch register
// (spec §4.5: "on x86 the first must be XCX for jecxz reach").
func RoleXCX() asm.Register { return XCX }

// ExpectedRolImmedsX86 is the x86/ARM Valgrind rotate-immediate sequence.
var ExpectedRolImmedsX86 = [4]int64{3, 13, 29, 19}

// ExpectedRolImmedsX64 is the x64 Valgrind rotate-immediate sequence, which
// differs from the 32-bit sequence per spec §3.
var ExpectedRolImmedsX64 = [4]int64{3, 13, 61, 51}

// ReachesJecxz reports whether r is usable as jecxz's implicit operand: only
// XCX qualifies, there is no reach class to check as on ARM.
func ReachesJecxz(r asm.Register) bool { return r == XCX }
