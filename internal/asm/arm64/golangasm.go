package arm64

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/drtrace/drtrace/internal/asm"
)

// instructionTable maps our opcode enum to golang-asm's. An opcode missing
// from the table looks up as obj.As's zero value; the Emit* methods do not
// check for that case.
var instructionTable = map[asm.Instruction]obj.As{
	NOP:  obj.ANOP,
	RET:  obj.ARET,
	MOVD: arm64.AMOVD,
	ADD:  arm64.AADD,
	SUB:  arm64.ASUB,
	AND:  arm64.AAND,
	EOR:  arm64.AEOR,
	CMP:  arm64.ACMP,
	LSL:  arm64.ALSL,
	LSR:  arm64.ALSR,
	ROR:  arm64.AROR,
	B:    arm64.AB,
	BEQ:  arm64.ABEQ,
	BNE:  arm64.ABNE,
}

var registerTable = map[asm.Register]int16{
	R0: arm64.REG_R0, R1: arm64.REG_R1, R2: arm64.REG_R2, R3: arm64.REG_R3,
	R4: arm64.REG_R4, R5: arm64.REG_R5, R6: arm64.REG_R6, R7: arm64.REG_R7,
	R8: arm64.REG_R8, R9: arm64.REG_R9, R10: arm64.REG_R10, R11: arm64.REG_R11,
	R12: arm64.REG_R12, R13: arm64.REG_R13, R14: arm64.REG_R14, R15: arm64.REG_R15,
	R16: arm64.REG_R16, R17: arm64.REG_R17, R18: arm64.REG_R18, R19: arm64.REG_R19,
	R20: arm64.REG_R20, R21: arm64.REG_R21, R22: arm64.REG_R22, R23: arm64.REG_R23,
	R24: arm64.REG_R24, R25: arm64.REG_R25, R26: arm64.REG_R26, R27: arm64.REG_R27,
	R28: arm64.REG_R28, FP: arm64.REG_R29, LR: arm64.REG_R30, RegZero: arm64.REGZERO,
}

// node wraps a golang-asm obj.Prog to satisfy asm.Node.
type node struct{ prog *obj.Prog }

func (n *node) String() string { return n.prog.String() }

func (n *node) AssignJumpTarget(target asm.Node) {
	n.prog.To.SetTarget(target.(*node).prog)
}

// builder implements asm.CodeBuilder for ARM64 using golang-asm, the same
// dependency and wiring pattern the host compiler uses to JIT machine code
// for a function body; here it assembles the handful of instructions the
// Instrumentation Emitter appends per basic block.
type builder struct {
	asm.BaseAssembler
	b        *goasm.Builder
	temporary asm.Register
}

// NewBuilder constructs the ARM64 asm.CodeBuilder. It satisfies
// asm.NewAssembler and is the implementation the host runtime selects for
// arm64 targets at process init.
func NewBuilder(temporary asm.Register) (asm.CodeBuilder, error) {
	b, err := goasm.NewBuilder("arm64", 1024)
	if err != nil {
		return nil, fmt.Errorf("arm64: failed to create assembly builder: %w", err)
	}
	return &builder{b: b, temporary: temporary}, nil
}

func (a *builder) newProg() *obj.Prog {
	p := a.b.NewProg()
	return p
}

func (a *builder) add(p *obj.Prog) asm.Node {
	a.b.AddInstruction(p)
	n := &node{prog: p}
	a.ResolvePendingJumpTargets(n)
	return n
}

func (a *builder) Assemble() ([]byte, error) {
	return a.b.Assemble(), nil
}

func (a *builder) NewLabel() asm.Node {
	p := a.newProg()
	p.As = obj.ANOP
	return a.add(p)
}

func (a *builder) EmitConstToRegister(instruction asm.Instruction, value asm.ConstantValue, destination asm.Register) asm.Node {
	p := a.newProg()
	p.As = instructionTable[instruction]
	if value == 0 {
		p.From.Type = obj.TYPE_REG
		p.From.Reg = arm64.REGZERO
	} else {
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = value
	}
	p.To.Type = obj.TYPE_REG
	p.To.Reg = registerTable[destination]
	return a.add(p)
}

func (a *builder) EmitRegisterToRegister(instruction asm.Instruction, from, to asm.Register) asm.Node {
	p := a.newProg()
	p.As = instructionTable[instruction]
	p.From.Type = obj.TYPE_REG
	p.From.Reg = registerTable[from]
	p.To.Type = obj.TYPE_REG
	p.To.Reg = registerTable[to]
	return a.add(p)
}

func (a *builder) EmitMemoryToRegister(instruction asm.Instruction, base asm.Register, offset asm.ConstantValue, destination asm.Register) asm.Node {
	p := a.newProg()
	p.As = instructionTable[instruction]
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = registerTable[base]
	p.From.Offset = offset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = registerTable[destination]
	return a.add(p)
}

func (a *builder) EmitRegisterToMemory(instruction asm.Instruction, source asm.Register, base asm.Register, offset asm.ConstantValue) asm.Node {
	p := a.newProg()
	p.As = instructionTable[instruction]
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = registerTable[base]
	p.To.Offset = offset
	p.From.Type = obj.TYPE_REG
	p.From.Reg = registerTable[source]
	return a.add(p)
}

func (a *builder) EmitJump(instruction asm.Instruction) asm.Node {
	p := a.newProg()
	p.As = instructionTable[instruction]
	p.To.Type = obj.TYPE_BRANCH
	return a.add(p)
}
