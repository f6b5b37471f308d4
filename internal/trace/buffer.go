package trace

import (
	"os"

	"github.com/drtrace/drtrace/internal/drerr"
	"github.com/drtrace/drtrace/internal/platform"
)

// RedzoneSentinel is the non-zero byte the redzone is pre-filled with (spec
// §3: "non-zero sentinel").
const RedzoneSentinel = 0xCC

// HeaderSlotSize reserves slot 0 of every buffer for the thread-header entry
// (spec §3: "the slot at index 0 of each drained buffer carries a
// thread-header entry").
const HeaderSlotSize = EntrySize

// PerThreadState is the trace buffer and bookkeeping owned exclusively by
// one worker thread (spec §3).
type PerThreadState struct {
	ThreadID uint64

	TraceBufSize int
	RedzoneSize  int

	buf          []byte
	reserveBuf   []byte
	usingReserve bool

	// WriteOffset is the TLS buffer pointer's conceptual value, expressed
	// as an offset into buf rather than an absolute address.
	WriteOffset int

	NumRefs      uint64
	BytesWritten uint64
	NumBuffers   int

	// File is the offline per-thread trace file; nil in online mode.
	File *os.File

	// InitHeaderSize is the size of the one-time thread/TID/PID header
	// written ahead of the first buffer in offline mode (spec §4.7).
	InitHeaderSize int

	L0DCache []uint64
	L0ICache []uint64
}

// mmapAnon and munmapAnon are indirected through package vars so tests can
// substitute an allocator that fails, exercising the OOM-fallback path
// without requiring an actual system-wide memory exhaustion.
var (
	mmapAnon   = platform.MmapAnon
	munmapAnon = platform.MunmapAnon
)

// CreateBuffer implements spec §4.4's create_buffer. It allocates
// max_buf_size = TraceBufSize+RedzoneSize of fresh memory, fills the
// redzone, and rewinds the write offset past the header slot. The second
// call additionally allocates a reserve buffer. If the primary allocation
// fails, CreateBuffer falls back to an existing reserve (after which
// UsingReserve reports true) or returns drerr.ErrOutOfMemory if no reserve
// exists. Switching to the reserve does not lower any size cap, and Drain
// does not consult UsingReserve, so output continues as before.
func (s *PerThreadState) CreateBuffer() error {
	size := s.TraceBufSize + s.RedzoneSize
	buf, err := mmapAnon(size)
	if err != nil {
		if s.reserveBuf == nil {
			return drerr.ErrOutOfMemory
		}
		s.buf = s.reserveBuf
		s.reserveBuf = nil
		s.usingReserve = true
	} else {
		s.buf = buf
	}

	s.fillRedzone(s.TraceBufSize, len(s.buf))
	s.WriteOffset = HeaderSlotSize
	s.NumBuffers++

	if s.NumBuffers == 2 && s.reserveBuf == nil && !s.usingReserve {
		if reserve, rerr := mmapAnon(size); rerr == nil {
			s.reserveBuf = reserve
		}
	}
	return nil
}

// UsingReserve reports whether the primary allocation failed over to the
// reserve buffer, meaning no further reserve exists. Nothing in this module
// lowers MaxTraceSize or suppresses output when it reports true.
func (s *PerThreadState) UsingReserve() bool { return s.usingReserve }

func (s *PerThreadState) fillRedzone(from, to int) {
	for i := from; i < to; i++ {
		s.buf[i] = RedzoneSentinel
	}
}

// ResetBuffer implements spec §4.4's reset_buffer: zero the trace region,
// refill the redzone sentinel over [TraceBufSize, WriteOffset) (the only
// range that could have been disturbed since the redzone was last whole),
// and rewind the write offset to just past the header slot.
func (s *PerThreadState) ResetBuffer() {
	for i := 0; i < s.TraceBufSize; i++ {
		s.buf[i] = 0
	}
	s.fillRedzone(s.TraceBufSize, s.WriteOffset)
	s.WriteOffset = HeaderSlotSize
}

// Append writes e at the current write offset and advances it, used by
// tests and by the Instrumentation Emitter's non-inline bookkeeping paths.
func (s *PerThreadState) Append(e Entry) {
	enc := EncodeEntry(e)
	copy(s.buf[s.WriteOffset:], enc[:])
	s.WriteOffset += EntrySize
}

// SetHeaderSlot overwrites slot 0 with e.
func (s *PerThreadState) SetHeaderSlot(e Entry) {
	enc := EncodeEntry(e)
	copy(s.buf[0:EntrySize], enc[:])
}

// IsEmpty reports whether the buffer holds nothing beyond the header slot
// (spec §4.6 step 1).
func (s *PerThreadState) IsEmpty() bool { return s.WriteOffset <= HeaderSlotSize }

// Snapshot returns the live bytes from the start of the buffer (including
// the header slot) through the current write offset.
func (s *PerThreadState) Snapshot() []byte { return s.buf[0:s.WriteOffset] }

// EntriesAfterHeader returns the entry bytes following the header slot, up
// to the current write offset.
func (s *PerThreadState) EntriesAfterHeader() []byte { return s.buf[HeaderSlotSize:s.WriteOffset] }

// RedzoneAllNonZero reports whether every byte of the redzone region is
// currently non-zero (spec §8 property 4).
func (s *PerThreadState) RedzoneAllNonZero() bool {
	for i := s.TraceBufSize; i < len(s.buf); i++ {
		if s.buf[i] == 0 {
			return false
		}
	}
	return true
}

// TraceRegionAllZero reports whether [0, TraceBufSize) is entirely zero
// (spec §8 property 5).
func (s *PerThreadState) TraceRegionAllZero() bool {
	for i := 0; i < s.TraceBufSize; i++ {
		if s.buf[i] != 0 {
			return false
		}
	}
	return true
}

// Free releases the primary and, if present, the reserve buffer.
func (s *PerThreadState) Free() error {
	if err := munmapAnon(s.buf); err != nil {
		return err
	}
	s.buf = nil
	if s.reserveBuf != nil {
		if err := munmapAnon(s.reserveBuf); err != nil {
			return err
		}
		s.reserveBuf = nil
	}
	return nil
}
