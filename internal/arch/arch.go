// Package arch collects the per-architecture facts the Annotation Matcher
// and Instrumentation Emitter need: which register plays which spec-defined
// role ("XBX", "XDI", "XAX", jecxz/cbnz reach), which Valgrind rotate
// immediates are expected, and which asm.CodeBuilder to use. Everything else
// about an architecture (full instruction encoding) stays behind the
// asm.CodeBuilder the host runtime selects at process init, per the design
// note that inline code emission cannot be abstracted out of the target
// language's instruction-builder API.
package arch

import (
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/asm/amd64"
	"github.com/drtrace/drtrace/internal/asm/arm64"
)

// ID names a supported target architecture.
type ID int

const (
	X86 ID = iota
	X64
	ARM
	ARM64
)

func (id ID) String() string {
	switch id {
	case X86:
		return "x86"
	case X64:
		return "x64"
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Info is the fixed set of architecture facts the core needs.
type Info struct {
	ID ID

	// RoleXBX, RoleXDI, RoleXAX are the general-purpose registers playing
	// the spec's architecture-independent "XBX"/"XDI"/"XAX" roles.
	RoleXBX, RoleXDI, RoleXAX asm.Register

	// ExpectedRolImmeds is the four-element Valgrind rotate-immediate
	// sequence this architecture's client requests use, least-recent first
	// (spec §3: "whose immediate operands equal expected_rol_immeds[i] in
	// reverse order").
	ExpectedRolImmeds [4]int64

	// FirstScratchReaches reports whether r is a legal first scratch
	// register for the redzone check's short branch (spec §4.5: XCX on
	// x86 for jecxz, <= r7 on ARM for cbnz reach; x64 has no comparable
	// reach restriction, while ARM64Info applies the same <= r7 rule that
	// ARMInfo inherits from it).
	FirstScratchReaches func(r asm.Register) bool

	// NewBuilder constructs this architecture's asm.CodeBuilder.
	NewBuilder asm.NewAssembler

	// OpZero, OpAdvance, and OpLoad are the opcodes the Instrumentation
	// Emitter needs to clear a register, advance the TLS buffer pointer,
	// and load its first word for the redzone check, respectively.
	OpZero, OpAdvance, OpLoad asm.Instruction

	// OpShortJump is the architecture's short-reach conditional branch used
	// by the redzone check (jecxz on x86; a plain conditional branch, JE or
	// BEQ, on x64, ARM and ARM64).
	OpShortJump asm.Instruction

	// OpLongJump is an unconditional, full-reach branch. The redzone check's
	// "profile_pcs" case (spec §4.5) uses it for the out-of-line clean-call
	// stub when the short conditional branch can't reach the clean call.
	OpLongJump asm.Instruction

	// OpShiftRight and OpMask are the opcodes the Level-0 cache filter uses
	// to compute tag = addr >> log2(line_size) and idx = tag & (n_lines-1)
	// (spec §4.5 "Level-0 cache filter").
	OpShiftRight, OpMask asm.Instruction
}

// X86Info describes the 32-bit x86 target.
func X86Info() Info {
	return Info{
		ID:                  X86,
		RoleXBX:             amd64.RoleXBX(),
		RoleXDI:             amd64.RoleXDI(),
		RoleXAX:             amd64.RoleXAX(),
		ExpectedRolImmeds:   amd64.ExpectedRolImmedsX86,
		FirstScratchReaches: amd64.ReachesJecxz,
		NewBuilder:          amd64.NewRecordingBuilder,
		OpZero:              amd64.XOR,
		OpAdvance:            amd64.ADD,
		OpLoad:               amd64.MOV,
		OpShortJump:          amd64.JECXZ,
		OpLongJump:           amd64.JMP,
		OpShiftRight:        amd64.SHR,
		OpMask:              amd64.AND,
	}
}

// X64Info describes the x86-64 target.
func X64Info() Info {
	return Info{
		ID:                X64,
		RoleXBX:           amd64.RoleXBX(),
		RoleXDI:           amd64.RoleXDI(),
		RoleXAX:           amd64.RoleXAX(),
		ExpectedRolImmeds: amd64.ExpectedRolImmedsX64,
		FirstScratchReaches: func(r asm.Register) bool {
			return true // x64 has no jecxz-style reach restriction.
		},
		NewBuilder:  amd64.NewRecordingBuilder,
		OpZero:      amd64.XOR,
		OpAdvance:   amd64.ADD,
		OpLoad:      amd64.MOV,
		OpShortJump: amd64.JE,
		OpLongJump:  amd64.JMP,
		OpShiftRight: amd64.SHR,
		OpMask:       amd64.AND,
	}
}

// ARM64Info describes the AArch64 target.
func ARM64Info() Info {
	return Info{
		ID:                  ARM64,
		RoleXBX:             arm64.RoleXBX(),
		RoleXDI:             arm64.RoleXDI(),
		RoleXAX:             arm64.RoleXAX(),
		ExpectedRolImmeds:   arm64.ExpectedRolImmeds,
		FirstScratchReaches: arm64.ReachesCBNZ,
		NewBuilder:          arm64.NewBuilder,
		OpZero:              arm64.EOR,
		OpAdvance:           arm64.ADD,
		OpLoad:              arm64.MOVD,
		OpShortJump:         arm64.BEQ,
		OpLongJump:          arm64.B,
		OpShiftRight:        arm64.LSR,
		OpMask:              arm64.AND,
	}
}

// ARMInfo describes 32-bit ARM. It is ARM64Info with only the ID changed:
// the same register roles, the x86/ARM rotate-immediate sequence (spec §3),
// the same <= r7 first-scratch restriction, and the same opcodes.
func ARMInfo() Info {
	info := ARM64Info()
	info.ID = ARM
	return info
}
