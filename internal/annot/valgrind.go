package annot

import (
	"encoding/binary"

	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/host"
)

// ClientRequestBlockSize is the fixed size of the Valgrind client-request
// argument block read from the instrumented program's memory: one request
// number, four argument words, and one default-result word.
const ClientRequestBlockSize = 6 * 8

// ClientRequestBlock is the decoded form of the bytes HandleVgAnnotation
// reads from the instrumented program.
type ClientRequestBlock struct {
	RequestNumber uint64
	Args          [4]uint64
	DefaultResult uint64
}

func decodeClientRequestBlock(raw []byte) ClientRequestBlock {
	var b ClientRequestBlock
	b.RequestNumber = binary.LittleEndian.Uint64(raw[0:8])
	for i := 0; i < 4; i++ {
		b.Args[i] = binary.LittleEndian.Uint64(raw[8+i*8 : 16+i*8])
	}
	b.DefaultResult = binary.LittleEndian.Uint64(raw[40:48])
	return b
}

// TranslateRequestID maps a raw Valgrind request number to the dense
// internal ID space HandlerRegistry's Valgrind array is indexed by. The
// mapping is supplied by the caller rather than owned by the core: the
// spec's "translate the block's request number to an internal ID" step
// names a translation table without specifying its contents.
type TranslateRequestID func(requestNumber uint64) (id uint32, ok bool)

// HandleVgAnnotation implements spec §4.3. It safely reads the client
// request block at argPtr, initializes the result to the block's
// default_result, and — if the request number translates to a registered
// handler — invokes it under the registry's read lock and uses its return
// value instead. The final result is always written back to xbx, the
// architecture's Valgrind result register, regardless of whether a handler
// ran.
//
// A safe-read failure returns immediately without touching xbx (spec §7:
// "silently return; leave XBX at its current value").
func HandleVgAnnotation(
	argPtr uintptr,
	mem host.MemoryReader,
	ctx host.MachineContext,
	registry *HandlerRegistry,
	translate TranslateRequestID,
	xbx asm.Register,
) {
	raw := make([]byte, ClientRequestBlockSize)
	if err := mem.SafeRead(argPtr, raw); err != nil {
		return
	}
	block := decodeClientRequestBlock(raw)
	result := block.DefaultResult

	if id, ok := translate(block.RequestNumber); ok && id < VGLast {
		registry.mu.RLock()
		if h := registry.valgrind[id]; h != nil && h.ValgrindCall != nil {
			if r, handled := h.ValgrindCall(argPtr); handled {
				result = r
			}
		}
		registry.mu.RUnlock()
	}

	ctx.SetRegister(xbx, result)
}
