package annot

import "github.com/drtrace/drtrace/internal/asm"

// DecodedInstruction is the minimal view of a host-runtime decoded
// instruction object the matcher needs. Opcode identification (is this a
// rotate? an exchange?) is a per-architecture decoder concern the spec
// treats as a precondition the caller has already resolved ("the caller has
// already identified a candidate exchange instruction"); this core only
// consumes the resulting flags and operands.
type DecodedInstruction struct {
	IsCall     bool
	CallTarget uintptr

	IsExchange bool
	IsRotate   bool

	Src, Dst asm.Register
	Imm      asm.ConstantValue

	// TranslatedPC is the original application address of this
	// instruction, used to translation-tag synthetic replacements (spec
	// §4.2b: "translation-tagged to the original exchange PC").
	TranslatedPC uintptr
}

// BasicBlock is the maximal straight-line instruction sequence the matcher
// and emitter operate on (spec GLOSSARY).
type BasicBlock struct {
	Instructions []DecodedInstruction
}

// Marker is a synthetic, non-rewritable label instruction the matcher
// splices into a basic block at a direct-call annotation site (spec §4.2a).
// It has no real machine semantics; the host runtime's downstream mangler
// must leave it untouched and the code-cache splice point is the original
// call site.
type Marker struct {
	Handler    *AnnotationHandler
	Prev, Next *Marker
}
