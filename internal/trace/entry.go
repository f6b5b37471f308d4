// Package trace implements the Per-Thread Buffer and Drain & Framing
// components: the fixed-size, redzone-guarded buffer inline code writes
// into, and the logic that converts a full buffer into bytes on an offline
// file or online pipe. Grounded on internal/asm.CodeSegment's mmap-backed,
// manually-managed buffer style from the teacher, generalized from "compiled
// function body" to "trace entry buffer".
package trace

import "encoding/binary"

// EntryKind discriminates the handful of TraceEntry types the Drain
// component inspects (spec §3). The full entry encoding — including
// instruction bytes, operand size, and bundle counts — is the Instru
// collaborator's concern; this core only reads type and addr.
type EntryKind byte

const (
	EntryInstr EntryKind = iota + 1
	EntryInstrBundle
	EntryThread
	EntryThreadExit
	EntryPID
	EntryDataRef
)

// EntrySize is sizeof_entry(): every TraceEntry occupies this many bytes
// regardless of kind. Chosen to hold a kind byte, an 8-byte address, and
// padding to a convenient alignment; the real value is owned by the Instru
// collaborator's ABI, but a fixed constant lets this core's buffer-geometry
// arithmetic and tests run standalone.
const EntrySize = 16

// Entry is the core's view of one TraceEntry: enough to drive draining and
// testing without depending on the Instru collaborator's full record
// layout. Kind and Addr are round-tripped through EncodeEntry/DecodeEntry at
// EntrySize-byte granularity, matching how the Drain component "only
// inspects type and addr fields via collaborator accessors" (spec §3).
type Entry struct {
	Kind EntryKind
	Addr uint64
	// ThreadID is only meaningful for EntryThread (unit-header) entries.
	ThreadID uint64
}

// IsDataRef reports whether e carries a memory address the Drain component's
// virtual-to-physical rewrite step (spec §4.6 step 4) should consider.
func (e Entry) IsDataRef() bool { return e.Kind == EntryDataRef }

// EncodeEntry serializes e into an EntrySize-byte buffer.
func EncodeEntry(e Entry) [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], e.Addr)
	return buf
}

// DecodeEntry parses an EntrySize-byte slice back into an Entry.
func DecodeEntry(raw []byte) Entry {
	return Entry{
		Kind: EntryKind(raw[0]),
		Addr: binary.LittleEndian.Uint64(raw[1:9]),
	}
}

// ThreadHeaderEntry builds the unit-header entry slot 0 of every drained
// buffer must carry, tagged with the emitting thread's ID (spec §3, §4.6
// step 2, §8 property 7).
func ThreadHeaderEntry(threadID uint64) Entry {
	return Entry{Kind: EntryThread, ThreadID: threadID, Addr: threadID}
}
