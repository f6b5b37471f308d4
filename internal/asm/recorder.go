package asm

import "fmt"

// Recorder is a CodeBuilder that records the instruction stream instead of
// assembling real machine code. It backs amd64.NewRecordingBuilder and is
// used directly by Emitter and Matcher tests that assert on *which*
// instructions were emitted, in what order, rather than on encoded bytes.
type Recorder struct {
	BaseAssembler
	Nodes []*RecordedNode
}

// RecordedNode is one entry appended to a Recorder.
type RecordedNode struct {
	Instruction Instruction
	Kind        string // "const-reg", "reg-reg", "mem-reg", "reg-mem", "jump", "label"
	From, To    Register
	Base        Register
	Offset      ConstantValue
	Value       ConstantValue
	Predicated  bool
	target      *RecordedNode
}

func (n *RecordedNode) String() string {
	return fmt.Sprintf("%s(instr=%d from=%d to=%d base=%d off=%d val=%d pred=%v)",
		n.Kind, n.Instruction, n.From, n.To, n.Base, n.Offset, n.Value, n.Predicated)
}

func (n *RecordedNode) AssignJumpTarget(target Node) {
	n.target = target.(*RecordedNode)
}

// SetPredicated implements asm.Predicatable, letting tests assert that a
// conditional instruction's whole emitted sequence was marked (spec §4.5).
func (n *RecordedNode) SetPredicated(predicated bool) { n.Predicated = predicated }

// JumpTarget returns the node a jump-kind RecordedNode was last assigned to
// target, or nil if none was assigned yet.
func (n *RecordedNode) JumpTarget() *RecordedNode { return n.target }

func (r *Recorder) append(n *RecordedNode) Node {
	r.Nodes = append(r.Nodes, n)
	r.ResolvePendingJumpTargets(n)
	return n
}

func (r *Recorder) Assemble() ([]byte, error) { return nil, nil }

func (r *Recorder) NewLabel() Node {
	return r.append(&RecordedNode{Kind: "label"})
}

func (r *Recorder) EmitConstToRegister(instruction Instruction, value ConstantValue, destination Register) Node {
	return r.append(&RecordedNode{Instruction: instruction, Kind: "const-reg", To: destination, Value: value})
}

func (r *Recorder) EmitRegisterToRegister(instruction Instruction, from, to Register) Node {
	return r.append(&RecordedNode{Instruction: instruction, Kind: "reg-reg", From: from, To: to})
}

func (r *Recorder) EmitMemoryToRegister(instruction Instruction, base Register, offset ConstantValue, destination Register) Node {
	return r.append(&RecordedNode{Instruction: instruction, Kind: "mem-reg", Base: base, Offset: offset, To: destination})
}

func (r *Recorder) EmitRegisterToMemory(instruction Instruction, source Register, base Register, offset ConstantValue) Node {
	return r.append(&RecordedNode{Instruction: instruction, Kind: "reg-mem", From: source, Base: base, Offset: offset})
}

func (r *Recorder) EmitJump(instruction Instruction) Node {
	return r.append(&RecordedNode{Instruction: instruction, Kind: "jump"})
}
