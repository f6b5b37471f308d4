package trace

import (
	"github.com/drtrace/drtrace/internal/drerr"
	"github.com/drtrace/drtrace/internal/host"
	"github.com/drtrace/drtrace/internal/tracelog"
)

// DrainConfig carries the per-process options and I/O collaborators Drain
// needs: whether to target a pipe or a file, the pipe's atomic-write size,
// physical-address translation, the size cap, and whether this thread's
// very first drain happens in offline mode (where the pre-written
// thread/TID/PID header already occupies the prefix, see spec §4.6 step 2).
type DrainConfig struct {
	Online          bool
	PipeWrite       func([]byte) (int, error)
	AtomicWriteSize int

	FileWrite func([]byte) (int, error)
	Handoff   func(full []byte) (tookOwnership bool)

	UsePhysical bool
	V2P         host.VirtualToPhysical

	MaxTraceSize uint64

	FirstDrainIsPrewritten bool

	Logger *tracelog.Logger
}

// Drain implements spec §4.6. It rewrites data-entry addresses when
// physical translation is enabled, transports the buffer to the configured
// sink (splitting online writes to respect the pipe's atomic-write size),
// and — unless ownership was handed off — zeroes and rewinds the buffer for
// reuse. bypassSizeCap forces a write through even if MaxTraceSize has been
// exceeded, as thread exit requires (spec §4.7).
func Drain(state *PerThreadState, cfg DrainConfig, bypassSizeCap bool) error {
	if state.IsEmpty() {
		return nil
	}

	// On the thread's very first offline drain, the thread/TID/PID header
	// triple was already written once, directly ahead of this buffer's
	// output (spec §4.6 step 2, §4.7's InitHeaderSize); slot 0 here was
	// never populated and must not be written out as a bogus leading entry.
	skipHeaderSlot := state.BytesWritten == 0 && cfg.FirstDrainIsPrewritten
	if !skipHeaderSlot {
		state.SetHeaderSlot(ThreadHeaderEntry(state.ThreadID))
	}

	rewriteDataEntries(state, cfg)

	suppressed := cfg.MaxTraceSize > 0 && !bypassSizeCap && state.BytesWritten >= cfg.MaxTraceSize
	if !suppressed {
		full := state.Snapshot()
		entryBytes := uint64(len(full) - HeaderSlotSize)
		if skipHeaderSlot {
			full = state.EntriesAfterHeader()
		}
		var err error
		if cfg.Online {
			err = drainOnline(state, full, cfg)
		} else {
			var took bool
			took, err = drainOffline(full, cfg)
			if err == nil && took {
				state.BytesWritten += entryBytes
				return state.CreateBuffer()
			}
		}
		if err != nil {
			return err
		}
		state.BytesWritten += entryBytes
	}

	state.ResetBuffer()
	return nil
}

// rewriteDataEntries walks the entries following the header slot, counting
// data references and, when physical translation is on, rewriting each data
// entry's address in place. An untranslatable address (V2P returns 0) is
// logged and left virtual; the entry is never dropped (spec §9 open
// question, resolved: "never drops the entry").
func rewriteDataEntries(state *PerThreadState, cfg DrainConfig) {
	entries := state.EntriesAfterHeader()
	n := len(entries) / EntrySize
	for i := 0; i < n; i++ {
		raw := entries[i*EntrySize : (i+1)*EntrySize]
		e := DecodeEntry(raw)
		if !e.IsDataRef() {
			continue
		}
		state.NumRefs++
		if !cfg.UsePhysical {
			continue
		}
		if phys := cfg.V2P(uintptr(e.Addr)); phys != 0 {
			e.Addr = uint64(phys)
			enc := EncodeEntry(e)
			copy(raw, enc[:])
		} else if cfg.Logger != nil {
			cfg.Logger.Drain("untranslatable address %#x, writing virtual", e.Addr)
		}
	}
}

// drainOnline implements spec §4.6 step 5: split full into chunks no larger
// than the pipe's atomic-write size, only ever splitting immediately before
// an INSTR entry, and prefix every chunk after the first with a freshly
// re-emitted thread-header entry.
func drainOnline(state *PerThreadState, full []byte, cfg DrainConfig) error {
	atomicSize := cfg.AtomicWriteSize
	if atomicSize <= 0 || atomicSize > len(full) {
		atomicSize = len(full)
	}

	pos, first := 0, true
	for pos < len(full) {
		// Chunks after the first are prefixed with a re-emitted
		// thread-header entry, so their body budget is smaller by one
		// entry's worth of bytes than the raw atomic-write size.
		budget := atomicSize
		if !first {
			budget -= EntrySize
			if budget < EntrySize {
				budget = EntrySize
			}
		}
		limit := pos + budget
		if limit > len(full) {
			limit = len(full)
		}
		splitAt := findSplitPoint(full, pos, limit)

		var payload []byte
		if first {
			payload = full[pos:splitAt]
			first = false
		} else {
			header := EncodeEntry(ThreadHeaderEntry(state.ThreadID))
			payload = make([]byte, 0, EntrySize+(splitAt-pos))
			payload = append(payload, header[:]...)
			payload = append(payload, full[pos:splitAt]...)
		}

		n, err := cfg.PipeWrite(payload)
		if err != nil {
			return err
		}
		if n != len(payload) {
			return drerr.ErrShortWrite
		}
		pos = splitAt
	}
	return nil
}

// findSplitPoint finds the largest entry boundary in (pos, limit] that sits
// immediately before an INSTR entry. If none exists, it searches forward
// past limit for the next one, accepting a chunk larger than the requested
// atomic size rather than splitting a data entry away from its instruction
// (spec §4.6 step 5: "data entries that follow must stay with their
// instruction").
func findSplitPoint(full []byte, pos, limit int) int {
	limit -= (limit - pos) % EntrySize
	if limit <= pos {
		limit = pos + EntrySize
	}
	for at := limit; at > pos; at -= EntrySize {
		if at < len(full) && EntryKind(full[at]) == EntryInstr {
			return at
		}
	}
	for at := limit; at < len(full); at += EntrySize {
		if EntryKind(full[at]) == EntryInstr {
			return at
		}
	}
	return len(full)
}

// drainOffline implements spec §4.6 step 6: hand the buffer off to a
// user-provided callback, or write it synchronously. A short write is
// fatal; a handoff callback returning false is fatal (spec §7).
func drainOffline(full []byte, cfg DrainConfig) (tookOwnership bool, err error) {
	if cfg.Handoff != nil {
		if cfg.Handoff(full) {
			return true, nil
		}
		return false, drerr.ErrHandoffFailed
	}
	n, err := cfg.FileWrite(full)
	if err != nil {
		return false, err
	}
	if n != len(full) {
		return false, drerr.ErrShortWrite
	}
	return false, nil
}
