// Package emitter implements the Instrumentation Emitter: the per-basic-block
// pipeline that reserves scratch registers, emits inline code recording
// memory references and instruction fetches into the per-thread buffer, and
// inserts a conditional clean-call to drain when the buffer's redzone is
// reached. Grounded on internal/engine/compiler's per-function compile
// visitor and its compiler_value_location.go register-reservation
// bookkeeping, generalized from "compile this wasm op" to "instrument this
// application instruction".
package emitter

import (
	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/host"
	"github.com/drtrace/drtrace/internal/trace"
)

// MemRef is one memory-reference operand of an AppInstruction.
type MemRef struct {
	Base    asm.Register
	Offset  asm.ConstantValue
	IsWrite bool
}

// AppInstruction is the emitter's view of one application instruction in a
// basic block, decoded and classified by the host runtime (spec §4.5 treats
// opcode classification — is this an exclusive store, is it conditional —
// as information the caller supplies alongside the instruction, the same
// way the Annotation Matcher's exchange/rotate flags are caller-supplied).
type AppInstruction struct {
	PC               uintptr
	IsApp            bool
	SamePCAsPrior    bool // repeated-string duplicate artifact
	MemRefs          []MemRef
	IsExclusiveStore bool
	WritesOwnBase    bool // strex writing to its own base register
	IsConditional    bool
	IsLastInBlock    bool
}

// HasMemRef reports whether instr touches memory.
func (instr AppInstruction) HasMemRef() bool { return len(instr.MemRefs) > 0 }

// BlockUserData is the per-block scratch state the pipeline threads through
// app-to-app, analysis, instrument, and post-instrument (spec §4.5).
type BlockUserData struct {
	Repstr bool

	Strex *AppInstruction

	DelayInstrs    []AppInstruction
	MaxDelayInstrs int

	LastAppPC uintptr

	// PendingAdjust is the buffer-pointer advance accumulated but not yet
	// committed to the TLS pointer (spec §4.5 "Final adjust").
	PendingAdjust int
}

// Analyzer delegates block-level analysis to the Instru collaborator (spec
// §4.5 step 2). The Emitter does not interpret its result; it only invokes
// it once per block before instrumenting.
type Analyzer interface {
	Analyze(block []AppInstruction)
}

// EntrySink is how the emitter records that a trace.Entry of the given kind
// (and, for memrefs, direction) would be appended by the inline code it
// emits. A real host runtime's inline sequence performs this as a memory
// store through a scratch register; EntrySink lets the policy be exercised
// and asserted on without a live code cache (see emitter_test.go). The
// returned Node is the store instruction itself, so the Emitter can fold it
// into the buffer-pointer advance and, for a conditional instruction, into
// the predicated sequence (spec §4.5 "apply the predicate to the whole
// emitted inline sequence"); a sink with nothing to show for a call (e.g. a
// test double) may return nil.
type EntrySink interface {
	EmitEntry(b asm.CodeBuilder, kind trace.EntryKind, ref *MemRef) asm.Node
}

// Config carries the per-process options that change the Emitter's policy
// (spec §6): whether filtering is on, cache geometry, offline-vs-physical
// translation, and the delay-bundling limit.
type Config struct {
	Filtering   bool
	LineSize    int
	L0DLines    int
	L0ILines    int
	Offline     bool
	UsePhysical bool
	MaxDelay    int
	ProfilePCs  bool // x86 "profile_pcs": redzone-check clean-call may be out of short-jump reach
}

// Emitter runs the per-basic-block instrumentation pipeline.
type Emitter struct {
	Arch      arch.Info
	Config    Config
	Analyzer  Analyzer
	Sink      EntrySink
	Scratch   host.ScratchRegisters
	CleanCall host.CleanCallInserter

	// BufPtrReg is the register the host runtime has preloaded with the
	// thread's TLS buffer pointer (spec §2: "inline code advances a TLS
	// buffer pointer"). The redzone check loads through it and the Final
	// Adjust commits the accumulated advance to it.
	BufPtrReg asm.Register

	// DrainFn is the drain-and-frame entry point the redzone check's
	// clean-call invokes when the buffer pointer reaches its redzone (spec
	// §4.5 "Redzone check"), passed opaquely to host.CleanCallInserter the
	// same way EmitValgrindRewrite passes handle_vg_annotation.
	DrainFn interface{}

	// DFilter and IFilter are the Level-0 cache filters for data and
	// instruction references respectively (spec §4.5), built from
	// Config.L0DLines/L0ILines/LineSize when Config.Filtering is set. Either
	// may be nil, e.g. when one geometry wasn't configured even though
	// filtering is globally enabled.
	DFilter, IFilter *CacheFilter

	// DCacheArrayReg and ICacheArrayReg are the registers the host runtime
	// has preloaded with the thread's TLS-based dcache/icache array pointer
	// (spec §4.5: "load the TLS-base cache array pointer"), the same
	// abstraction the redzone check already relies on for the TLS buffer
	// pointer.
	DCacheArrayReg, ICacheArrayReg asm.Register
}

// NewEmitter constructs an Emitter, building its cache filters from cfg when
// filtering is enabled. An invalid (non-power-of-two) cache geometry is
// reported immediately rather than surfacing as a confusing failure deep in
// Instrument. bufPtrReg and drainFn are threaded straight onto the Emitter,
// the same way cc is: the host runtime supplies them once at setup, the way
// it supplies the CodeBuilder itself.
func NewEmitter(a arch.Info, cfg Config, analyzer Analyzer, sink EntrySink, scratch host.ScratchRegisters, cc host.CleanCallInserter, bufPtrReg asm.Register, drainFn interface{}) (*Emitter, error) {
	e := &Emitter{
		Arch:      a,
		Config:    cfg,
		Analyzer:  analyzer,
		Sink:      sink,
		Scratch:   scratch,
		CleanCall: cc,
		BufPtrReg: bufPtrReg,
		DrainFn:   drainFn,
	}
	if !cfg.Filtering {
		return e, nil
	}
	if cfg.L0DLines > 0 {
		f, err := NewCacheFilter(cfg.LineSize, cfg.L0DLines)
		if err != nil {
			return nil, err
		}
		e.DFilter = f
	}
	if cfg.L0ILines > 0 {
		f, err := NewCacheFilter(cfg.LineSize, cfg.L0ILines)
		if err != nil {
			return nil, err
		}
		e.IFilter = f
	}
	return e, nil
}

// AppToApp implements spec §4.5 step 1: expand repeated-string loops into
// explicit iteration is the host mangler's job; here the Emitter only
// records that expansion happened, via the repstr flag, into ud.
func (e *Emitter) AppToApp(ud *BlockUserData, expanded bool) {
	ud.Repstr = expanded
}

// Analysis implements spec §4.5 step 2.
func (e *Emitter) Analysis(block []AppInstruction) {
	if e.Analyzer != nil {
		e.Analyzer.Analyze(block)
	}
}

// shouldSkip implements the first bullet of spec §4.5's per-instruction
// policy: skip non-application instructions and same-PC duplicates, unless
// this is the block's first instruction and offline mode needs an instr
// entry there regardless.
func (e *Emitter) shouldSkip(instr AppInstruction, isFirstInBlock bool) bool {
	if !instr.IsApp {
		return true
	}
	if instr.SamePCAsPrior && !(e.Config.Offline && isFirstInBlock) {
		return true
	}
	return false
}

// Instrument implements spec §4.5 steps 3's per-instruction policy for a
// single application instruction, in order: skip check, exclusive-store
// delay, delay-bundling, scratch reservation, predicated reset, delay drain,
// deferred strex emission, the current instruction's entry, its memref
// entries, final adjust, and (last in block) the redzone check. b is the
// basic block's in-progress code builder; isFirstInBlock marks the block's
// first application instruction.
func (e *Emitter) Instrument(b asm.CodeBuilder, ud *BlockUserData, instr AppInstruction, isFirstInBlock bool) error {
	if e.shouldSkip(instr, isFirstInBlock) {
		return nil
	}

	if instr.IsExclusiveStore && !instr.WritesOwnBase {
		ud.Strex = &instr
		return nil
	}

	if !instr.HasMemRef() && !instr.IsLastInBlock && ud.Strex == nil && !e.Config.Filtering {
		if ud.MaxDelayInstrs == 0 {
			ud.MaxDelayInstrs = e.Config.MaxDelay
		}
		if len(ud.DelayInstrs) < ud.MaxDelayInstrs {
			ud.DelayInstrs = append(ud.DelayInstrs, instr)
			return nil
		}
	}

	scratch, err := e.reserveScratch()
	if err != nil {
		return err
	}
	defer e.Scratch.Release(scratch)

	// Predicated reset: a conditional instruction's own entries must not be
	// merged, in one commit, with an advance some earlier unconditional
	// instruction left pending — otherwise a not-taken predicate would skip
	// an advance that was already earned by code that definitely ran. Flush
	// whatever is outstanding, itself predicated if it's being flushed on
	// behalf of a conditional instruction, before this instruction's own
	// entries start accumulating.
	if instr.IsConditional {
		if n := e.commitAdjust(b, ud); n != nil {
			applyPredicate([]asm.Node{n})
		}
	}

	e.drainDelayed(b, ud, nil)
	e.emitDeferredStrex(b, ud, scratch, nil)

	var nodes []asm.Node
	e.emitCurrent(b, ud, instr, scratch, &nodes)

	if n := e.commitAdjust(b, ud); n != nil {
		nodes = append(nodes, n)
	}
	if instr.IsConditional {
		applyPredicate(nodes)
	}

	if instr.IsLastInBlock {
		e.emitRedzoneCheck(b, scratch[0])
	}
	return nil
}

// applyPredicate marks every node in nodes that supports it (spec §4.5:
// "apply the predicate to the whole emitted inline sequence"). Node
// implementations on architectures without predicated execution (x86/x64)
// don't implement asm.Predicatable, so they're silently skipped.
func applyPredicate(nodes []asm.Node) {
	for _, n := range nodes {
		if p, ok := n.(asm.Predicatable); ok {
			p.SetPredicated(true)
		}
	}
}

// reserveScratch implements spec §4.5's scratch-register reservation: two
// registers normally, three when filtering is on (the extra register plus
// arithmetic flags for the cache-filter lookup). The first register must
// satisfy the architecture's short-branch reach constraint (jecxz on x86,
// cbnz reach on ARM).
func (e *Emitter) reserveScratch() ([]asm.Register, error) {
	n := 2
	if e.Config.Filtering {
		n = 3
	}
	return e.Scratch.Reserve(n, e.Arch.FirstScratchReaches)
}

// emit calls the sink, accounts the written entry's size against ud's
// pending buffer-pointer advance, and (when nodes is non-nil) records the
// returned node so the caller can later predicate it. nodes is nil for
// entries belonging to an earlier instruction than the one currently being
// instrumented (delayed instructions, a deferred strex) — their advance
// still has to be committed, but per-instruction predication only applies
// to the instruction that is actually being instrumented right now.
func (e *Emitter) emit(ud *BlockUserData, nodes *[]asm.Node, b asm.CodeBuilder, kind trace.EntryKind, ref *MemRef) {
	n := e.Sink.EmitEntry(b, kind, ref)
	if nodes != nil && n != nil {
		*nodes = append(*nodes, n)
	}
	ud.PendingAdjust += trace.EntrySize
}

// drainDelayed implements spec §4.5's "Delay drain": emit one full instr
// entry for the first delayed instruction and a bundle entry for the rest,
// unless physical translation is on, in which case a bundle could straddle
// a page and each instruction gets its own full entry instead.
func (e *Emitter) drainDelayed(b asm.CodeBuilder, ud *BlockUserData, nodes *[]asm.Node) {
	if len(ud.DelayInstrs) == 0 {
		return
	}
	if e.Config.UsePhysical {
		for range ud.DelayInstrs {
			e.emit(ud, nodes, b, trace.EntryInstr, nil)
		}
	} else {
		e.emit(ud, nodes, b, trace.EntryInstr, nil)
		if len(ud.DelayInstrs) > 1 {
			e.emit(ud, nodes, b, trace.EntryInstrBundle, nil)
		}
	}
	ud.DelayInstrs = ud.DelayInstrs[:0]
}

// emitDeferredStrex implements spec §4.5's "Deferred strex emission". The
// store's memref entries pass through the dcache filter like any other
// memref (spec §4.5 "insert_filter_addr" applies "before emitting a
// memref").
func (e *Emitter) emitDeferredStrex(b asm.CodeBuilder, ud *BlockUserData, scratch []asm.Register, nodes *[]asm.Node) {
	if ud.Strex == nil {
		return
	}
	e.emitInstrEntry(b, ud, nodes, scratch, ud.Strex.PC)
	for i := range ud.Strex.MemRefs {
		ref := ud.Strex.MemRefs[i]
		e.emitDataRefEntry(b, ud, nodes, scratch, &ref)
	}
	ud.Strex = nil
}

// emitCurrent implements spec §4.5's "Instr entry for current" and "Memref
// entries": an instr entry unless this is a repeated-string ifetch
// duplicate, then one memref entry per source, then per destination. Each
// entry passes through the configured Level-0 filter first (spec §4.5).
func (e *Emitter) emitCurrent(b asm.CodeBuilder, ud *BlockUserData, instr AppInstruction, scratch []asm.Register, nodes *[]asm.Node) {
	if instr.HasMemRef() || !ud.Repstr {
		e.emitInstrEntry(b, ud, nodes, scratch, instr.PC)
	}
	for i := range instr.MemRefs {
		ref := instr.MemRefs[i]
		if ref.IsWrite {
			continue
		}
		e.emitDataRefEntry(b, ud, nodes, scratch, &ref)
	}
	for i := range instr.MemRefs {
		ref := instr.MemRefs[i]
		if !ref.IsWrite {
			continue
		}
		e.emitDataRefEntry(b, ud, nodes, scratch, &ref)
	}
	ud.LastAppPC = instr.PC
}

// emitInstrEntry emits an EntryInstr entry, gated by the icache filter when
// one is configured. Per spec §4.5, a PC on the same cache line as
// ud.LastAppPC short-circuits the filter entirely: the access is known to
// hit without an inline lookup, and (like any hit) no entry is emitted.
func (e *Emitter) emitInstrEntry(b asm.CodeBuilder, ud *BlockUserData, nodes *[]asm.Node, scratch []asm.Register, pc uintptr) {
	if e.IFilter != nil && ud.LastAppPC != 0 && e.IFilter.SameLine(uint64(ud.LastAppPC), uint64(pc)) {
		return
	}
	e.emitFiltered(b, e.IFilter, e.ICacheArrayReg, scratch, asm.NilRegister, nodes, func() {
		e.emit(ud, nodes, b, trace.EntryInstr, nil)
	})
}

// emitDataRefEntry emits an EntryDataRef entry for ref, gated by the dcache
// filter when one is configured.
func (e *Emitter) emitDataRefEntry(b asm.CodeBuilder, ud *BlockUserData, nodes *[]asm.Node, scratch []asm.Register, ref *MemRef) {
	e.emitFiltered(b, e.DFilter, e.DCacheArrayReg, scratch, ref.Base, nodes, func() {
		e.emit(ud, nodes, b, trace.EntryDataRef, ref)
	})
}

// emitFiltered wraps emit behind filter's inline lookup when filter is
// non-nil and enough scratch registers were reserved for it (spec §4.5:
// reserveScratch only grants the extra register when Config.Filtering is
// set). addrReg is the register holding the accessed address (asm.NilRegister
// for instruction fetches, whose PC the host runtime is assumed to have
// already staged — the same abstraction the redzone check relies on for the
// TLS buffer pointer). The filter's hit-jump and its target label join nodes
// alongside whatever emit appends, so a conditional instruction's predicate
// covers the whole gated sequence, not just the entry it gates.
func (e *Emitter) emitFiltered(b asm.CodeBuilder, filter *CacheFilter, arrayReg asm.Register, scratch []asm.Register, addrReg asm.Register, nodes *[]asm.Node, emit func()) {
	if filter == nil || len(scratch) < 3 {
		emit()
		return
	}
	jump := filter.EmitInline(b, e.Arch, arrayReg, addrReg, scratch[1], scratch[2])
	if nodes != nil {
		*nodes = append(*nodes, jump)
	}
	emit()
	label := b.NewLabel()
	if nodes != nil {
		*nodes = append(*nodes, label)
	}
	jump.AssignJumpTarget(label)
}

// commitAdjust implements spec §4.5's "Final adjust": commit the
// accumulated buffer-pointer advance to the TLS pointer, returning the
// commit instruction so the caller can predicate it. Returns nil when
// nothing is outstanding.
func (e *Emitter) commitAdjust(b asm.CodeBuilder, ud *BlockUserData) asm.Node {
	if ud.PendingAdjust == 0 {
		return nil
	}
	n := b.EmitConstToRegister(e.Arch.OpAdvance, int64(ud.PendingAdjust), e.BufPtrReg)
	ud.PendingAdjust = 0
	return n
}

// emitRedzoneCheck implements spec §4.5's "Redzone check": load the first
// buffer word into scratch, then a short conditional jump around a
// clean-call that drains the buffer. When Config.ProfilePCs is set, the
// clean-call site may be out of the short jump's reach, so the check is
// inverted into a long-jump stub instead (see emitRedzoneCheckLongJumpStub).
func (e *Emitter) emitRedzoneCheck(b asm.CodeBuilder, scratch asm.Register) {
	b.EmitMemoryToRegister(e.Arch.OpLoad, e.BufPtrReg, 0, scratch)
	skip := b.EmitJump(e.Arch.OpShortJump)
	if e.Config.ProfilePCs {
		e.emitRedzoneCheckLongJumpStub(b, skip)
		return
	}
	e.CleanCall.InsertCleanCall(b, e.DrainFn, e.BufPtrReg)
	skip.AssignJumpTarget(b.NewLabel())
}

// emitRedzoneCheckLongJumpStub implements spec §4.5's x86 "profile_pcs"
// case: skip is already wired to jump over the redzone hit (the common
// case); here that jump instead skips over an unconditional long-reach jump
// to an out-of-line stub containing the clean call, which jumps back into
// the main flow once the drain completes.
func (e *Emitter) emitRedzoneCheckLongJumpStub(b asm.CodeBuilder, skip asm.Node) {
	toStub := b.EmitJump(e.Arch.OpLongJump)
	continueLabel := b.NewLabel()
	skip.AssignJumpTarget(continueLabel)

	stubLabel := b.NewLabel()
	toStub.AssignJumpTarget(stubLabel)
	e.CleanCall.InsertCleanCall(b, e.DrainFn, e.BufPtrReg)
	back := b.EmitJump(e.Arch.OpLongJump)
	back.AssignJumpTarget(continueLabel)
}

// PostInstrument implements spec §4.5 step 4: free the per-block user data.
// In Go this only needs to drop references so the garbage collector can
// reclaim ud's slices; there is no manual allocator to return memory to.
func (e *Emitter) PostInstrument(ud *BlockUserData) {
	*ud = BlockUserData{}
}
