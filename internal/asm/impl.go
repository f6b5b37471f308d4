package asm

// BaseAssembler holds bookkeeping common to every architecture's CodeBuilder,
// so per-architecture implementations only need to handle opcode encoding.
type BaseAssembler struct {
	// pendingJumpTargets holds branch nodes whose destination is "the next
	// node appended", used for the Emitter's short-circuit-around-clean-call
	// pattern (spec: redzone check jumps around the drain call).
	pendingJumpTargets []Node
}

// SetJumpTargetOnNext records that each of nodes should jump to whatever
// instruction is appended next.
func (a *BaseAssembler) SetJumpTargetOnNext(nodes ...Node) {
	a.pendingJumpTargets = append(a.pendingJumpTargets, nodes...)
}

// ResolvePendingJumpTargets wires every pending jump to next and clears the
// pending list. Per-architecture Emit* implementations call this after
// constructing the node they just appended.
func (a *BaseAssembler) ResolvePendingJumpTargets(next Node) {
	for _, n := range a.pendingJumpTargets {
		n.AssignJumpTarget(next)
	}
	a.pendingJumpTargets = nil
}
