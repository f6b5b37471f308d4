package amd64

import "github.com/drtrace/drtrace/internal/asm"

// NewRecordingBuilder constructs the default amd64 asm.CodeBuilder. It
// satisfies asm.NewAssembler. Unlike arm64's golang-asm-backed builder, this
// one only records the instruction stream: x86's encoding is handled by the
// host runtime's own mangler in production, so the core only needs to agree
// on what gets emitted, which the recorder makes directly assertable in
// tests (see internal/emitter and internal/annot).
func NewRecordingBuilder(asm.Register) (asm.CodeBuilder, error) {
	return &asm.Recorder{}, nil
}
