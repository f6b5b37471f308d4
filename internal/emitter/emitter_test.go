package emitter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/drerr"
	"github.com/drtrace/drtrace/internal/trace"
)

type fakeScratch struct {
	n      int
	failAt int // if > 0, Reserve fails once n requests reach failAt
}

func (f *fakeScratch) Reserve(n int, firstMustSatisfy func(asm.Register) bool) ([]asm.Register, error) {
	if f.failAt > 0 && n >= f.failAt {
		return nil, drerr.ErrNoScratchRegister
	}
	regs := make([]asm.Register, n)
	for i := range regs {
		regs[i] = asm.Register(i + 1)
	}
	return regs, nil
}
func (f *fakeScratch) Release([]asm.Register) {}

type recordedEntry struct {
	kind trace.EntryKind
	ref  *MemRef
}

type fakeSink struct {
	entries []recordedEntry
}

func (s *fakeSink) EmitEntry(b asm.CodeBuilder, kind trace.EntryKind, ref *MemRef) asm.Node {
	var r *MemRef
	if ref != nil {
		cp := *ref
		r = &cp
	}
	s.entries = append(s.entries, recordedEntry{kind: kind, ref: r})
	return b.EmitRegisterToMemory(0, asm.NilRegister, asm.NilRegister, 0)
}

type fakeCleanCall struct {
	calls      int
	lastFn     interface{}
	lastArgReg asm.Register
}

func (f *fakeCleanCall) InsertCleanCall(b asm.CodeBuilder, fn interface{}, argRegister asm.Register) asm.Node {
	f.calls++
	f.lastFn = fn
	f.lastArgReg = argRegister
	return b.EmitJump(0)
}

func newTestEmitter(t *testing.T, cfg Config) (*Emitter, *fakeSink) {
	t.Helper()
	e, sink, _ := newTestEmitterWithCleanCall(t, cfg)
	return e, sink
}

func newTestEmitterWithCleanCall(t *testing.T, cfg Config) (*Emitter, *fakeSink, *fakeCleanCall) {
	t.Helper()
	sink := &fakeSink{}
	cc := &fakeCleanCall{}
	e, err := NewEmitter(arch.X64Info(), cfg, nil, sink, &fakeScratch{}, cc, asm.Register(9), "drain")
	require.NoError(t, err)
	return e, sink, cc
}

func TestInstrument_SkipsNonAppAndDuplicateInstructions(t *testing.T) {
	e, sink := newTestEmitter(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	require.NoError(t, e.Instrument(rec, ud, AppInstruction{IsApp: false}, false))
	require.NoError(t, e.Instrument(rec, ud, AppInstruction{IsApp: true, SamePCAsPrior: true}, false))
	require.Empty(t, sink.entries)
}

func TestInstrument_OfflineFirstInBlockDuplicateStillGetsEntry(t *testing.T) {
	e, sink := newTestEmitter(t, Config{Offline: true})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	require.NoError(t, e.Instrument(rec, ud, AppInstruction{IsApp: true, SamePCAsPrior: true, IsLastInBlock: true}, true))
	require.NotEmpty(t, sink.entries)
}

func TestInstrument_ExclusiveStoreIsDeferred(t *testing.T) {
	e, sink := newTestEmitter(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	store := AppInstruction{IsApp: true, IsExclusiveStore: true, MemRefs: []MemRef{{IsWrite: true}}}
	require.NoError(t, e.Instrument(rec, ud, store, false))
	require.Empty(t, sink.entries, "strex is deferred, not emitted immediately")
	require.NotNil(t, ud.Strex)

	next := AppInstruction{IsApp: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, next, false))

	require.Nil(t, ud.Strex)
	require.Equal(t, trace.EntryInstr, sink.entries[0].kind) // strex instr entry
	require.Equal(t, trace.EntryDataRef, sink.entries[1].kind) // strex write memref
}

func TestInstrument_ExclusiveStoreOwnBaseNotDeferred(t *testing.T) {
	e, sink := newTestEmitter(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	store := AppInstruction{IsApp: true, IsExclusiveStore: true, WritesOwnBase: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, store, false))
	require.Nil(t, ud.Strex)
	require.NotEmpty(t, sink.entries)
}

func TestInstrument_DelayBundling(t *testing.T) {
	e, sink := newTestEmitter(t, Config{MaxDelay: 4})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	noMem := AppInstruction{IsApp: true}
	require.NoError(t, e.Instrument(rec, ud, noMem, false))
	require.Empty(t, sink.entries, "non-memref, non-last instruction is delayed")
	require.Len(t, ud.DelayInstrs, 1)

	last := AppInstruction{IsApp: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, last, false))

	require.Equal(t, trace.EntryInstr, sink.entries[0].kind) // delayed instr's full entry
	require.Equal(t, trace.EntryInstr, sink.entries[1].kind) // current instruction's entry
	require.Empty(t, ud.DelayInstrs)
}

func TestInstrument_DelayBundlingDisabledWhenFiltering(t *testing.T) {
	e, _ := newTestEmitter(t, Config{Filtering: true, LineSize: 64, L0DLines: 4, MaxDelay: 4})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	noMem := AppInstruction{IsApp: true}
	require.NoError(t, e.Instrument(rec, ud, noMem, false))
	require.Empty(t, ud.DelayInstrs, "filtering disables delay-bundling per spec §4.5")
}

func TestInstrument_MemrefOrderSourcesBeforeDestinations(t *testing.T) {
	e, sink := newTestEmitter(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{
		IsApp:         true,
		IsLastInBlock: true,
		MemRefs: []MemRef{
			{IsWrite: true, Offset: 1},
			{IsWrite: false, Offset: 2},
		},
	}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	require.Equal(t, trace.EntryInstr, sink.entries[0].kind)
	require.Equal(t, trace.EntryDataRef, sink.entries[1].kind)
	require.False(t, sink.entries[1].ref.IsWrite, "source memrefs emit before destinations")
	require.True(t, sink.entries[2].ref.IsWrite)
}

func TestInstrument_RepeatedStringIfetchOnlyOriginalEntry(t *testing.T) {
	e, sink := newTestEmitter(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{Repstr: true}

	instr := AppInstruction{IsApp: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, instr, false))
	require.Empty(t, sink.entries, "repeated-string duplicate carries no instr entry of its own")
}

func TestEmitter_FilterGatesEntryWithJumpAroundIt(t *testing.T) {
	e, sink := newTestEmitter(t, Config{Filtering: true, LineSize: 64, L0DLines: 4})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{
		IsApp:         true,
		IsLastInBlock: true,
		MemRefs:       []MemRef{{Base: 7, Offset: 0}},
	}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	require.NotEmpty(t, sink.entries)

	var sawJump, sawLabel bool
	for _, n := range rec.Nodes {
		if n.Kind == "jump" {
			sawJump = true
		}
		if n.Kind == "label" && sawJump {
			sawLabel = true
		}
	}
	require.True(t, sawJump, "filtered memref emits the lookup's conditional jump")
	require.True(t, sawLabel, "the jump target label is placed after the gated entry")
}

func TestEmitter_ICacheShortCircuitsOnSameLine(t *testing.T) {
	e, sink := newTestEmitter(t, Config{Filtering: true, LineSize: 64, L0ILines: 4})
	rec := &asm.Recorder{}
	ud := &BlockUserData{LastAppPC: 0x1000}

	instr := AppInstruction{IsApp: true, IsLastInBlock: true, PC: 0x1010} // same line
	require.NoError(t, e.Instrument(rec, ud, instr, false))
	require.Empty(t, sink.entries, "same cache line as the prior PC short-circuits the filter")
}

func TestInstrument_PropagatesScratchReservationError(t *testing.T) {
	e, _ := newTestEmitter(t, Config{})
	e.Scratch = &fakeScratch{failAt: 2}
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	err := e.Instrument(rec, ud, AppInstruction{IsApp: true, IsLastInBlock: true}, false)
	require.Error(t, err)
}

func TestInstrument_CommitsBufferAdvance(t *testing.T) {
	e, _, _ := newTestEmitterWithCleanCall(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{IsApp: true, IsLastInBlock: true, MemRefs: []MemRef{{IsWrite: true}}}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	require.Zero(t, ud.PendingAdjust, "Final adjust commits the accumulated advance")

	var advance *asm.RecordedNode
	for _, n := range rec.Nodes {
		if n.Instruction == e.Arch.OpAdvance && n.Kind == "const-reg" {
			advance = n
		}
	}
	require.NotNil(t, advance, "commitAdjust must emit an OpAdvance node")
	require.Equal(t, e.BufPtrReg, advance.To)
	require.Equal(t, asm.ConstantValue(2*trace.EntrySize), advance.Value, "instr entry + write memref")
}

func TestInstrument_EmitsCleanCallAtRedzoneCheck(t *testing.T) {
	e, _, cc := newTestEmitterWithCleanCall(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{IsApp: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	require.Equal(t, 1, cc.calls, "the redzone check must invoke the drain clean-call")
	require.Equal(t, "drain", cc.lastFn)
	require.Equal(t, e.BufPtrReg, cc.lastArgReg)

	var sawLoad, sawJump bool
	for _, n := range rec.Nodes {
		if n.Kind == "mem-reg" && n.Instruction == e.Arch.OpLoad {
			sawLoad = true
		}
		if n.Kind == "jump" && n.Instruction == e.Arch.OpShortJump {
			sawJump = true
		}
	}
	require.True(t, sawLoad, "redzone check loads the buffer's first word")
	require.True(t, sawJump, "redzone check emits the short conditional jump around the clean-call")
}

func TestInstrument_ProfilePCsEmitsLongJumpStub(t *testing.T) {
	e, _, cc := newTestEmitterWithCleanCall(t, Config{ProfilePCs: true})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{IsApp: true, IsLastInBlock: true}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	require.Equal(t, 1, cc.calls, "profile_pcs still drains through the clean-call, just out of line")

	longJumps := 0
	for _, n := range rec.Nodes {
		if n.Kind == "jump" && n.Instruction == e.Arch.OpLongJump {
			longJumps++
		}
	}
	require.Equal(t, 2, longJumps, "one long jump to the stub, one back to the main flow")
}

func TestInstrument_AppliesPredicateToConditionalSequence(t *testing.T) {
	e, _, _ := newTestEmitterWithCleanCall(t, Config{})
	rec := &asm.Recorder{}
	ud := &BlockUserData{}

	instr := AppInstruction{
		IsApp:         true,
		IsConditional: true,
		IsLastInBlock: true,
		MemRefs:       []MemRef{{IsWrite: true}},
	}
	require.NoError(t, e.Instrument(rec, ud, instr, false))

	var sawPredicated bool
	for _, n := range rec.Nodes {
		if n.Predicated {
			sawPredicated = true
		}
	}
	require.True(t, sawPredicated, "a conditional instruction's emitted sequence must be predicated")
}
