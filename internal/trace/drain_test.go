package trace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDrain_EmptyBufferIsNoop(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())

	called := false
	cfg := DrainConfig{FileWrite: func(b []byte) (int, error) { called = true; return len(b), nil }}
	require.NoError(t, Drain(s, cfg, false))
	require.False(t, called)
}

// S4: drain with filter off, offline.
func TestDrain_Offline_WritesHeaderPlusEntriesAndRewinds(t *testing.T) {
	const n = 4096
	s := newTestState((n+1)*EntrySize, 16)
	require.NoError(t, s.CreateBuffer())
	for i := 0; i < n; i++ {
		s.Append(Entry{Kind: EntryInstr, Addr: uint64(i)})
	}

	var written []byte
	cfg := DrainConfig{FileWrite: func(b []byte) (int, error) {
		written = append([]byte{}, b...)
		return len(b), nil
	}}

	require.NoError(t, Drain(s, cfg, false))

	require.Len(t, written, (n+1)*EntrySize)
	require.Equal(t, EntryThread, DecodeEntry(written[0:EntrySize]).Kind)
	require.EqualValues(t, n*EntrySize, s.BytesWritten)

	// Drain rewinds per property 5.
	require.Equal(t, HeaderSlotSize, s.WriteOffset)
	require.True(t, s.TraceRegionAllZero())
}

func TestDrain_ShortWriteIsFatal(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryInstr, Addr: 1})

	cfg := DrainConfig{FileWrite: func(b []byte) (int, error) { return len(b) - 1, nil }}
	err := Drain(s, cfg, false)
	require.Error(t, err)
}

func TestDrain_HandoffTakesOwnershipAndAllocatesFreshBuffer(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryInstr, Addr: 1})

	cfg := DrainConfig{Handoff: func([]byte) bool { return true }}
	require.NoError(t, Drain(s, cfg, false))

	require.Equal(t, 2, s.NumBuffers) // handoff triggers a fresh CreateBuffer
	require.Equal(t, HeaderSlotSize, s.WriteOffset)
}

func TestDrain_HandoffFailureIsFatal(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryInstr, Addr: 1})

	cfg := DrainConfig{Handoff: func([]byte) bool { return false }}
	require.Error(t, Drain(s, cfg, false))
}

// Property 8: physical rewrite.
func TestDrain_PhysicalTranslation(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryDataRef, Addr: 0x1000})
	s.Append(Entry{Kind: EntryDataRef, Addr: 0x2000})

	var written []byte
	cfg := DrainConfig{
		UsePhysical: true,
		V2P: func(v uintptr) uintptr {
			if v == 0x1000 {
				return 0xAAAA
			}
			return 0 // untranslatable
		},
		FileWrite: func(b []byte) (int, error) {
			written = append([]byte{}, b...)
			return len(b), nil
		},
	}
	require.NoError(t, Drain(s, cfg, false))

	e1 := DecodeEntry(written[EntrySize : 2*EntrySize])
	e2 := DecodeEntry(written[2*EntrySize : 3*EntrySize])
	require.EqualValues(t, 0xAAAA, e1.Addr)
	require.EqualValues(t, 0x2000, e2.Addr) // left virtual, not dropped
}

// Property 6 & 7: atomicity and thread-tag framing over the online pipe.
func TestDrain_Online_SplitsAtAtomicSizeWithHeaderPrefix(t *testing.T) {
	s := newTestState(256, 16)
	s.ThreadID = 42
	require.NoError(t, s.CreateBuffer())
	for i := 0; i < 6; i++ {
		s.Append(Entry{Kind: EntryInstr, Addr: uint64(i)})
	}

	var chunks [][]byte
	cfg := DrainConfig{
		Online:          true,
		AtomicWriteSize: 3 * EntrySize, // header + 2 entries per chunk after the first
		PipeWrite: func(b []byte) (int, error) {
			chunks = append(chunks, append([]byte{}, b...))
			return len(b), nil
		},
	}
	require.NoError(t, Drain(s, cfg, false))

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		require.LessOrEqual(t, len(c), cfg.AtomicWriteSize)
		hdr := DecodeEntry(c[0:EntrySize])
		require.Equal(t, EntryThread, hdr.Kind)
		require.EqualValues(t, 42, hdr.Addr) // ThreadHeaderEntry carries the TID in Addr
		_ = i
	}
}

func TestDrain_SizeCapSuppressesWriteButStillCounts(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryDataRef, Addr: 1})
	s.BytesWritten = 1

	called := false
	cfg := DrainConfig{
		MaxTraceSize: 1, // already exceeded
		FileWrite:    func(b []byte) (int, error) { called = true; return len(b), nil },
	}
	require.NoError(t, Drain(s, cfg, false))
	require.False(t, called)
	require.EqualValues(t, 1, s.NumRefs) // ref counting still happens
}

func TestDrain_BypassSizeCapForcesWrite(t *testing.T) {
	s := newTestState(256, 16)
	require.NoError(t, s.CreateBuffer())
	s.Append(Entry{Kind: EntryThreadExit, Addr: 0})
	s.BytesWritten = 1

	called := false
	cfg := DrainConfig{
		MaxTraceSize: 1, // already exceeded
		FileWrite:    func(b []byte) (int, error) { called = true; return len(b), nil },
	}
	require.NoError(t, Drain(s, cfg, true))
	require.True(t, called)
}
