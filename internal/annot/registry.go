// Package annot implements the Handler Registry, Annotation Matcher, and
// Valgrind Dispatch: the core's annotation recognition and dispatch engine.
// Grounded on the reader/writer-locked map style internal/engine/compiler
// uses for its per-function code cache, generalized from "compiled function"
// to "registered annotation handler".
package annot

import (
	"sync"

	"github.com/drtrace/drtrace/internal/asm"
)

// HandlerKind discriminates the three AnnotationHandler variants.
type HandlerKind int

const (
	KindCall HandlerKind = iota
	KindReturnValue
	KindValgrind
)

// OperandDescriptor describes one argument a Call handler's callback expects
// to receive, extracted from the call site by the host runtime.
type OperandDescriptor struct {
	Register asm.Register
	// IsImmediate distinguishes a constant operand from a register one; the
	// matcher itself never inspects these, it only carries them through to
	// the callback invocation the host runtime performs at the marker.
	IsImmediate bool
	Immediate   asm.ConstantValue
}

// AnnotationHandler is one registered handler, as spec §3 describes: a
// tagged variant keyed by call-site PC (Call, ReturnValue) or by Valgrind
// request ID (Valgrind), optionally chained to further handlers for the same
// key.
type AnnotationHandler struct {
	Kind HandlerKind

	// Call / ReturnValue fields.
	TargetPC    uintptr
	Callback    func(args []OperandDescriptor)
	SaveFPState bool
	Args        []OperandDescriptor
	ReturnValue asm.ConstantValue

	// Valgrind fields.
	RequestID     uint32
	ValgrindCall  func(reqBlockPtr uintptr) (result uint64, handled bool)

	// Next chains additional registrations for the same key. The public
	// registration API never constructs a chain longer than one element
	// (see registerKeyed below) because duplicate registrations are
	// dropped; the field is kept because the Annotation Matcher traverses
	// it, matching the upstream behavior this core preserves rather than
	// "fixing" (spec §9 open question).
	Next *AnnotationHandler
}

// VGLast bounds the direct-indexed Valgrind handler array. Request IDs
// outside [0, VGLast) are silently dropped at registration (spec §4.1).
const VGLast = 4096

// HandlerRegistry is the pc -> AnnotationHandler mapping plus the
// direct-indexed Valgrind array, guarded by a single reader/writer lock
// (spec §3, §5: "the registry lock is innermost; no other lock may be
// acquired while held").
type HandlerRegistry struct {
	mu       sync.RWMutex
	byPC     map[uintptr]*AnnotationHandler
	valgrind [VGLast]*AnnotationHandler
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{byPC: make(map[uintptr]*AnnotationHandler)}
}

// registerKeyed implements the shared "ignore duplicate, keep first" policy
// for RegisterCall and RegisterReturn.
func (r *HandlerRegistry) registerKeyed(pc uintptr, h *AnnotationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPC[pc]; exists {
		return
	}
	r.byPC[pc] = h
}

// RegisterCall adds a Call handler at funcPC. Duplicate registrations at the
// same PC are dropped, keeping whichever handler registered first.
func (r *HandlerRegistry) RegisterCall(funcPC uintptr, callback func(args []OperandDescriptor), saveFPState bool, args []OperandDescriptor) {
	r.registerKeyed(funcPC, &AnnotationHandler{
		Kind:        KindCall,
		TargetPC:    funcPC,
		Callback:    callback,
		SaveFPState: saveFPState,
		Args:        args,
	})
}

// RegisterReturn adds a ReturnValue handler at funcPC. Duplicate policy is
// identical to RegisterCall.
func (r *HandlerRegistry) RegisterReturn(funcPC uintptr, value asm.ConstantValue) {
	r.registerKeyed(funcPC, &AnnotationHandler{
		Kind:        KindReturnValue,
		TargetPC:    funcPC,
		ReturnValue: value,
	})
}

// RegisterValgrind stores callback at requestID in the direct-indexed array.
// Out-of-range IDs are silently dropped; duplicate registrations keep the
// first (spec §4.1, §7).
func (r *HandlerRegistry) RegisterValgrind(requestID uint32, callback func(reqBlockPtr uintptr) (uint64, bool)) {
	if requestID >= VGLast {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.valgrind[requestID] != nil {
		return
	}
	r.valgrind[requestID] = &AnnotationHandler{
		Kind:         KindValgrind,
		RequestID:    requestID,
		ValgrindCall: callback,
	}
}

// SweepRange removes every key strictly between low and high, for module
// unload (spec §4.1: "remove every key in (low, high)").
func (r *HandlerRegistry) SweepRange(low, high uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pc := range r.byPC {
		if pc > low && pc < high {
			delete(r.byPC, pc)
		}
	}
}

// Lookup returns the head of the handler chain registered at pc, or nil.
func (r *HandlerRegistry) Lookup(pc uintptr) *AnnotationHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byPC[pc]
}

// LookupValgrind returns the handler registered for requestID, or nil if
// none was registered or requestID is out of range.
func (r *HandlerRegistry) LookupValgrind(requestID uint32) *AnnotationHandler {
	if requestID >= VGLast {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valgrind[requestID]
}

// WithReadLock runs fn while holding the registry's read lock, for callers
// that must invoke a handler's callback under the same lock discipline as a
// plain Lookup (spec §4.3 step 3). HandleVgAnnotation takes the same lock
// directly rather than through this method.
func (r *HandlerRegistry) WithReadLock(fn func()) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
}
