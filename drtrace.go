package drtrace

import (
	"github.com/drtrace/drtrace/internal/annot"
	"github.com/drtrace/drtrace/internal/arch"
	"github.com/drtrace/drtrace/internal/asm"
	"github.com/drtrace/drtrace/internal/emitter"
	"github.com/drtrace/drtrace/internal/host"
	"github.com/drtrace/drtrace/internal/lifecycle"
	"github.com/drtrace/drtrace/internal/trace"
	"github.com/drtrace/drtrace/internal/tracelog"
)

// Collaborators bundles the host DBI runtime's contracts (spec §6
// "Collaborator API") a Tool needs at construction time: raw TLS allocation
// is required, the rest are optional extensions a given host may not offer.
type Collaborators struct {
	TLS host.TLSRaw

	// V2P is required when Config.WithPhysicalAddresses(true) was used.
	V2P host.VirtualToPhysical

	// Handoff, if set, lets the host take ownership of a drained offline
	// buffer instead of having Tool write it synchronously (spec §4.6
	// step 6).
	Handoff func(threadID uint64, full []byte) bool

	// ExitCallback runs once at ProcessExit, after teardown but before TLS
	// slots are freed.
	ExitCallback func()
}

// Tool is the handle client-written extensions register annotations
// against and the host runtime drives through the process/thread
// lifecycle (spec §6). It owns one lifecycle.Core for the process's
// lifetime.
type Tool struct {
	core   *lifecycle.Core
	logger *tracelog.Logger
}

// NewTool implements spec §4.7's "Process init": it allocates the registry,
// the output strategy (per-thread files or named pipe), and the BUF_PTR/
// DCACHE/ICACHE TLS slots, returning a Tool ready for RegisterX calls and
// ThreadInit.
func NewTool(cfg *Config, collab Collaborators, pid int) (*Tool, error) {
	logger := tracelog.New(tracelog.Level(cfg.verbose))

	opts := lifecycle.Options{
		AppID:            cfg.appID,
		Offline:          cfg.offline,
		OutDir:           cfg.outDir,
		IPCName:          cfg.ipcName,
		UsePhysical:      cfg.usePhysical,
		Filtering:        cfg.l0Filter,
		L0DLines:         cfg.l0DLines,
		L0ILines:         cfg.l0ILines,
		LineSize:         cfg.lineSize,
		MaxTraceSize:     cfg.maxTraceSize,
		OnlineInstrTypes: cfg.onlineInstrTypes,
		Logger:           logger,
		V2P:              collab.V2P,
		Handoff:          collab.Handoff,
		ExitCallback:     collab.ExitCallback,
	}

	core, err := lifecycle.ProcessInit(opts, collab.TLS, pid)
	if err != nil {
		return nil, err
	}
	logger.Init("process %d initialized, app=%s offline=%v", pid, cfg.appID, cfg.offline)
	return &Tool{core: core, logger: logger}, nil
}

// RegisterCall implements annot_register_call: func is called from the
// generated clean call at each call site to funcPC, receiving the
// operand-descriptor list args describes. A duplicate registration at the
// same funcPC is dropped, keeping whichever handler registered first
// (spec §4.1).
func (t *Tool) RegisterCall(funcPC uintptr, callback func(args []annot.OperandDescriptor), saveFPState bool, args []annot.OperandDescriptor) {
	t.core.Registry.RegisterCall(funcPC, callback, saveFPState, args)
}

// RegisterReturn implements annot_register_return: the instrumented call
// site at funcPC is rewritten to return value unconditionally instead of
// executing the call (spec §4.1, §4.2).
func (t *Tool) RegisterReturn(funcPC uintptr, value asm.ConstantValue) {
	t.core.Registry.RegisterReturn(funcPC, value)
}

// RegisterValgrind implements annot_register_valgrind: callback runs when
// the Valgrind client-request pattern dispatches requestID, receiving the
// client-request block's address and returning the value to place in the
// result register plus whether it actually handled the request. requestID
// values at or beyond annot.VGLast are silently dropped (spec §7).
func (t *Tool) RegisterValgrind(requestID uint32, callback func(reqBlockPtr uintptr) (uint64, bool)) {
	t.core.Registry.RegisterValgrind(requestID, callback)
}

// SweepRange implements spec §4.1's module-unload hook: the host runtime
// calls this from its ModuleEvents.OnModuleUnload callback, removing every
// handler registered within (low, high).
func (t *Tool) SweepRange(low, high uintptr) {
	t.core.Registry.SweepRange(low, high)
}

// ThreadInit implements spec §4.7's "Thread init", called by the host
// runtime's thread-creation hook.
func (t *Tool) ThreadInit(threadID, pid uint64) (*trace.PerThreadState, error) {
	return t.core.ThreadInit(threadID, pid)
}

// ThreadExit implements spec §4.7's "Thread exit".
func (t *Tool) ThreadExit(state *trace.PerThreadState) error {
	return t.core.ThreadExit(state)
}

// ForkInit implements spec §4.7's "Fork init" (POSIX), called by the host
// runtime's ForkEvents.OnFork hook in the child after fork returns.
func (t *Tool) ForkInit(pid int, threadID, tgid uint64) (*trace.PerThreadState, error) {
	return t.core.ForkInit(pid, threadID, tgid)
}

// ProcessExit implements spec §4.7's "Process exit".
func (t *Tool) ProcessExit() error {
	return t.core.ProcessExit()
}

// DrainConfigFor exposes the per-thread drain configuration this Tool's
// options imply, for hosts that drive trace.Drain directly from their own
// buffer-full callback rather than going through ThreadExit.
func (t *Tool) DrainConfigFor(state *trace.PerThreadState) trace.DrainConfig {
	return t.core.DrainConfigFor(state)
}

// NewEmitter builds the Instrumentation Emitter this Tool's configuration
// implies, wired to the given architecture and host collaborators (spec
// §4.5). Hosts construct one Emitter per code-cache generation context.
func (t *Tool) NewEmitter(a arch.Info, analyzer emitter.Analyzer, sink emitter.EntrySink, scratch host.ScratchRegisters, cc host.CleanCallInserter, bufPtrReg asm.Register, drainFn interface{}) (*emitter.Emitter, error) {
	return emitter.NewEmitter(a, t.core.EmitterConfig(), analyzer, sink, scratch, cc, bufPtrReg, drainFn)
}

// NumRefs returns the accumulated global reference count across every
// thread that has exited so far (spec §4.7 "num_refs").
func (t *Tool) NumRefs() uint64 {
	return t.core.NumRefs()
}
