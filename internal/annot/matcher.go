package annot

import (
	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/host"
)

// RotateCount is VALGRIND_ANNOTATION_ROL_COUNT: the number of rotate
// instructions preceding the exchange in a Valgrind client-request pattern
// (spec §4.2b).
const RotateCount = 4

// MatchDirectCall implements spec §4.2a. Given a decoded instruction that is
// a direct call, it looks up the target PC's handler chain and returns one
// synthetic Marker per chain link, doubly linked in registration order. It
// returns nil if instr is not a call or no handler is registered at its
// target.
func MatchDirectCall(instr DecodedInstruction, registry *HandlerRegistry) *Marker {
	if !instr.IsCall {
		return nil
	}
	head := registry.Lookup(instr.CallTarget)
	if head == nil {
		return nil
	}
	var first, prev *Marker
	for h := head; h != nil; h = h.Next {
		m := &Marker{Handler: h, Prev: prev}
		if prev != nil {
			prev.Next = m
		} else {
			first = m
		}
		prev = m
	}
	return first
}

// MatchValgrindPattern implements spec §4.2b's detection and in-place
// rewrite, operating on a test-oriented BasicBlock of DecodedInstruction
// values (see EmitValgrindRewrite for the live asm.CodeBuilder equivalent
// used when driving real code generation). It returns false, leaving block
// untouched, unless:
//  1. the block's last instruction is an exchange whose operands are both
//     info.RoleXBX, and
//  2. the RotateCount instructions immediately preceding it are rotates
//     targeting info.RoleXDI whose immediates equal info.ExpectedRolImmeds
//     in program order.
//
// On match it replaces the five matched instructions with a single
// synthetic zero-register instruction translation-tagged to the exchange's
// PC (the clean-call to handle_vg_annotation is appended by the caller via
// EmitValgrindRewrite, once a real asm.CodeBuilder is available).
func MatchValgrindPattern(block *BasicBlock, info arch.Info) bool {
	n := len(block.Instructions)
	if n < RotateCount+1 {
		return false
	}
	exch := block.Instructions[n-1]
	if !exch.IsExchange || exch.Src != info.RoleXBX || exch.Dst != info.RoleXBX {
		return false
	}
	rotates := block.Instructions[n-1-RotateCount : n-1]
	for i, instr := range rotates {
		if !instr.IsRotate || instr.Dst != info.RoleXDI {
			return false
		}
		if instr.Imm != info.ExpectedRolImmeds[i] {
			return false
		}
	}

	block.Instructions = append(block.Instructions[:n-1-RotateCount], DecodedInstruction{
		Src:          info.RoleXBX,
		Dst:          info.RoleXBX,
		TranslatedPC: exch.TranslatedPC,
	})
	return true
}

// EmitValgrindRewrite performs the code-generation half of spec §4.2b
// against a live asm.CodeBuilder: it appends the zero-register instruction
// that clears info.RoleXBX and a clean-call to handle_vg_annotation with the
// argument-block pointer carried in info.RoleXAX. zeroInstr is the
// architecture's register-clear opcode (XOR on x86/x64, EOR on ARM/ARM64).
func EmitValgrindRewrite(b asm.CodeBuilder, info arch.Info, zeroInstr asm.Instruction, cc host.CleanCallInserter, dispatch func(argPtr uintptr)) asm.Node {
	zero := b.EmitRegisterToRegister(zeroInstr, info.RoleXBX, info.RoleXBX)
	cc.InsertCleanCall(b, dispatch, info.RoleXAX)
	return zero
}
