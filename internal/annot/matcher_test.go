package annot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/asm/amd64"
)

func rolExchangeBlock(immeds [4]int64) *BasicBlock {
	b := &BasicBlock{}
	for _, imm := range immeds {
		b.Instructions = append(b.Instructions, DecodedInstruction{
			IsRotate: true,
			Dst:      amd64.XDI,
			Imm:      imm,
		})
	}
	b.Instructions = append(b.Instructions, DecodedInstruction{
		IsExchange:   true,
		Src:          amd64.XBX,
		Dst:          amd64.XBX,
		TranslatedPC: 0x7f0000,
	})
	return b
}

// S1: Valgrind detection, x86.
func TestMatchValgrindPattern_X86(t *testing.T) {
	block := rolExchangeBlock(amd64.ExpectedRolImmedsX86)
	matched := MatchValgrindPattern(block, arch.X86Info())
	require.True(t, matched)
	require.Len(t, block.Instructions, 1)
	last := block.Instructions[0]
	require.Equal(t, amd64.XBX, last.Src)
	require.Equal(t, amd64.XBX, last.Dst)
	require.EqualValues(t, 0x7f0000, last.TranslatedPC)
}

// S2: Valgrind detection, x64 (distinct rotate immediates).
func TestMatchValgrindPattern_X64(t *testing.T) {
	block := rolExchangeBlock(amd64.ExpectedRolImmedsX64)
	matched := MatchValgrindPattern(block, arch.X64Info())
	require.True(t, matched)
	require.Len(t, block.Instructions, 1)
}

func TestMatchValgrindPattern_WrongImmediatesNoMatch(t *testing.T) {
	block := rolExchangeBlock([4]int64{1, 2, 3, 4})
	matched := MatchValgrindPattern(block, arch.X86Info())
	require.False(t, matched)
	require.Len(t, block.Instructions, 5)
}

func TestMatchValgrindPattern_WrongRegisterNoMatch(t *testing.T) {
	block := rolExchangeBlock(amd64.ExpectedRolImmedsX86)
	block.Instructions[len(block.Instructions)-1].Dst = amd64.XCX
	matched := MatchValgrindPattern(block, arch.X86Info())
	require.False(t, matched)
	require.Len(t, block.Instructions, 5)
}

func TestMatchValgrindPattern_TooShortNoMatch(t *testing.T) {
	block := &BasicBlock{Instructions: []DecodedInstruction{{IsExchange: true, Src: amd64.XBX, Dst: amd64.XBX}}}
	require.False(t, MatchValgrindPattern(block, arch.X86Info()))
}

// S3: annotation registration + call.
func TestMatchDirectCall_RegisteredReturnHandler(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterReturn(0x400100, 1)

	call := DecodedInstruction{IsCall: true, CallTarget: 0x400100}
	marker := MatchDirectCall(call, r)

	require.NotNil(t, marker)
	require.Nil(t, marker.Next)
	require.Equal(t, KindReturnValue, marker.Handler.Kind)
	require.EqualValues(t, 1, marker.Handler.ReturnValue)
}

func TestMatchDirectCall_NoHandlerNoMarker(t *testing.T) {
	r := NewHandlerRegistry()
	call := DecodedInstruction{IsCall: true, CallTarget: 0x400100}
	require.Nil(t, MatchDirectCall(call, r))
}

func TestMatchDirectCall_NotACallNoMarker(t *testing.T) {
	r := NewHandlerRegistry()
	r.RegisterReturn(0x400100, 1)
	notACall := DecodedInstruction{IsCall: false, CallTarget: 0x400100}
	require.Nil(t, MatchDirectCall(notACall, r))
}

func TestEmitValgrindRewrite_AppendsZeroAndCleanCall(t *testing.T) {
	rec := &asm.Recorder{}
	cc := &recordingCleanCallInserter{}

	EmitValgrindRewrite(rec, arch.X86Info(), amd64.XOR, cc, func(argPtr uintptr) {})

	require.Len(t, rec.Nodes, 1)
	require.Equal(t, amd64.XOR, rec.Nodes[0].Instruction)
	require.Equal(t, amd64.XBX, rec.Nodes[0].From)
	require.Equal(t, amd64.XBX, rec.Nodes[0].To)
	require.True(t, cc.invoked)
	require.Equal(t, amd64.XAX, cc.argRegister)
}

type recordingCleanCallInserter struct {
	invoked     bool
	argRegister asm.Register
}

func (r *recordingCleanCallInserter) InsertCleanCall(b asm.CodeBuilder, fn interface{}, argRegister asm.Register) asm.Node {
	r.invoked = true
	r.argRegister = argRegister
	return nil
}
