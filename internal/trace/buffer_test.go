package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drtrace/drtrace/internal/drerr"
)

func newTestState(traceBufSize, redzoneSize int) *PerThreadState {
	return &PerThreadState{ThreadID: 1, TraceBufSize: traceBufSize, RedzoneSize: redzoneSize}
}

func TestCreateBuffer_FillsRedzoneAndRewinds(t *testing.T) {
	s := newTestState(64, 16)
	require.NoError(t, s.CreateBuffer())

	require.Equal(t, HeaderSlotSize, s.WriteOffset)
	require.True(t, s.RedzoneAllNonZero())
	require.True(t, s.TraceRegionAllZero())
}

func TestCreateBuffer_SecondCallAllocatesReserve(t *testing.T) {
	s := newTestState(64, 16)
	require.NoError(t, s.CreateBuffer())
	require.NoError(t, s.CreateBuffer())
	require.NotNil(t, s.reserveBuf)
}

func TestCreateBuffer_OOMWithNoReserveIsFatal(t *testing.T) {
	s := newTestState(64, 16)
	orig := mmapAnon
	mmapAnon = func(int) ([]byte, error) { return nil, errors.New("no memory") }
	defer func() { mmapAnon = orig }()

	err := s.CreateBuffer()
	require.ErrorIs(t, err, drerr.ErrOutOfMemory)
}

func TestCreateBuffer_OOMFallsBackToReserve(t *testing.T) {
	s := newTestState(64, 16)
	require.NoError(t, s.CreateBuffer())
	require.NoError(t, s.CreateBuffer()) // allocates reserve
	require.NotNil(t, s.reserveBuf)

	orig := mmapAnon
	mmapAnon = func(int) ([]byte, error) { return nil, errors.New("no memory") }
	defer func() { mmapAnon = orig }()

	require.NoError(t, s.CreateBuffer())
	require.True(t, s.UsingReserve())
	require.Nil(t, s.reserveBuf)
}

func TestResetBuffer_ZeroesTraceRegionAndRefillsRedzone(t *testing.T) {
	s := newTestState(64, 16)
	require.NoError(t, s.CreateBuffer())

	s.Append(Entry{Kind: EntryDataRef, Addr: 0x1234})
	s.Append(Entry{Kind: EntryInstr, Addr: 0x5678})

	s.ResetBuffer()

	require.Equal(t, HeaderSlotSize, s.WriteOffset)
	require.True(t, s.TraceRegionAllZero())
	require.True(t, s.RedzoneAllNonZero())
}

func TestIsEmpty(t *testing.T) {
	s := newTestState(64, 16)
	require.NoError(t, s.CreateBuffer())
	require.True(t, s.IsEmpty())

	s.Append(Entry{Kind: EntryInstr, Addr: 1})
	require.False(t, s.IsEmpty())
}
