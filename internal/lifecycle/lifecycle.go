// Package lifecycle implements spec §4.7: process init, thread init, thread
// exit, fork re-init, and process exit. It is the one place that owns the
// "single core context" design note from spec §9 — the handler registry,
// the global ref counter, the modlist/pipe handle, and the tagged
// Online/Offline output strategy — created once at process init and passed
// explicitly to every other entry point, the way internal/engine/compiler's
// engine.go owns its codes map and mutex for the lifetime of a
// wasm.Runtime. Grounded on that file's init/instantiate/close shape,
// generalized from "compile and run a wasm module" to "trace an
// instrumented process".
package lifecycle

import (
	"fmt"
	"os"
	"sync"

	"github.com/drtrace/drtrace/internal/annot"
	"github.com/drtrace/drtrace/internal/drerr"
	"github.com/drtrace/drtrace/internal/emitter"
	"github.com/drtrace/drtrace/internal/host"
	"github.com/drtrace/drtrace/internal/platform"
	"github.com/drtrace/drtrace/internal/trace"
	"github.com/drtrace/drtrace/internal/tracelog"
)

// Options carries the process-wide configuration spec §6 lists.
type Options struct {
	AppID   string
	Offline bool
	OutDir  string
	IPCName string

	UsePhysical bool

	Filtering bool
	L0DLines  int
	L0ILines  int
	LineSize  int

	MaxTraceSize     uint64
	OnlineInstrTypes bool

	Logger *tracelog.Logger

	// V2P is the virtual-to-physical address translator Drain uses when
	// UsePhysical is set (spec §4.6 step 4). Required if UsePhysical is set.
	V2P host.VirtualToPhysical

	// Handoff, if set, lets an offline buffer be handed off to a caller
	// instead of written synchronously (spec §4.6 step 6).
	Handoff func(threadID uint64, full []byte) bool

	// ExitCallback runs once at process exit, after all per-process state
	// has been torn down except the TLS allocations (spec §4.7 "Process
	// exit: ... invoke the user-provided exit-callback if any").
	ExitCallback func()
}

// outputStrategy is the tagged Online/Offline variant spec §9 calls for in
// place of the source's placement-constructed instru strategy object: a
// small interface with two implementations selected once at process init,
// rather than an enum switched on at every use.
type outputStrategy interface {
	// drainConfigFor builds the per-drain-call configuration for one
	// thread. threadFile is nil in online mode.
	drainConfigFor(state *trace.PerThreadState, threadFile *os.File, core *Core) trace.DrainConfig
	// close tears down whatever process-wide handle the strategy owns (the
	// modlist file, or the pipe).
	close() error
}

type offlineStrategy struct {
	dir         string
	modlistFile *os.File
}

func (s *offlineStrategy) drainConfigFor(state *trace.PerThreadState, threadFile *os.File, core *Core) trace.DrainConfig {
	cfg := trace.DrainConfig{
		Online:       false,
		UsePhysical:  core.opts.UsePhysical,
		V2P:          core.opts.V2P,
		MaxTraceSize: core.opts.MaxTraceSize,
		Logger:       core.opts.Logger,
		// The per-thread file is touched only by its owning thread (spec
		// §5), so no mutex guards this write — unlike the modlist file,
		// which every thread's module-load event may append to.
		FileWrite: func(b []byte) (int, error) {
			return threadFile.Write(b)
		},
	}
	if core.opts.Handoff != nil {
		tid := state.ThreadID
		cfg.Handoff = func(full []byte) bool { return core.opts.Handoff(tid, full) }
	}
	return cfg
}

func (s *offlineStrategy) close() error {
	if s.modlistFile == nil {
		return nil
	}
	return s.modlistFile.Close()
}

type onlineStrategy struct {
	pipe            *os.File
	atomicWriteSize int
}

func (s *onlineStrategy) drainConfigFor(state *trace.PerThreadState, _ *os.File, core *Core) trace.DrainConfig {
	return trace.DrainConfig{
		Online:          true,
		AtomicWriteSize: s.atomicWriteSize,
		UsePhysical:     core.opts.UsePhysical,
		V2P:             core.opts.V2P,
		MaxTraceSize:    core.opts.MaxTraceSize,
		Logger:          core.opts.Logger,
		PipeWrite: func(b []byte) (int, error) {
			return platform.AtomicWrite(s.pipe, b)
		},
	}
}

func (s *onlineStrategy) close() error {
	if s.pipe == nil {
		return nil
	}
	return s.pipe.Close()
}

// Core is the single shared context spec §9 calls for: the handler
// registry, the process-wide I/O strategy, and the global ref counter,
// constructed once at ProcessInit and threaded through every other
// lifecycle call. It does not implement host.ModuleEvents/host.ForkEvents;
// the caller registers its own hooks that call Registry.SweepRange and
// ForkInit.
type Core struct {
	Registry *annot.HandlerRegistry

	opts     Options
	strategy outputStrategy
	tls      host.TLSRaw

	numRefsMu sync.Mutex
	numRefs   uint64

	bufPtrSlot    uintptr
	dcacheSlot    uintptr
	icacheSlot    uintptr
	haveDCacheTLS bool
	haveICacheTLS bool
}

// ProcessInit implements spec §4.7's "Process init". In offline mode it
// creates a unique output subdirectory and opens the module-list file; in
// online mode it opens the named pipe and maximizes its kernel buffer. It
// always allocates the BUF_PTR raw TLS slot, plus DCACHE/ICACHE when
// filtering is configured.
func ProcessInit(opts Options, tls host.TLSRaw, pid int) (*Core, error) {
	core := &Core{Registry: annot.NewHandlerRegistry(), opts: opts, tls: tls}

	if opts.Offline {
		dir, err := platform.CreateUniqueDir(opts.OutDir, opts.AppID, pid)
		if err != nil {
			return nil, err
		}
		modlist, err := os.Create(dir + "/modules.log")
		if err != nil {
			return nil, fmt.Errorf("lifecycle: open modules.log: %w", err)
		}
		core.strategy = &offlineStrategy{dir: dir, modlistFile: modlist}
	} else {
		if err := platform.CreateNamedPipe(opts.IPCName); err != nil {
			return nil, err
		}
		pipe, err := platform.OpenNamedPipeForWrite(opts.IPCName)
		if err != nil {
			return nil, err
		}
		atomicSize, _ := platform.MaximizePipeBuffer(pipe)
		if atomicSize <= 0 {
			atomicSize = platform.DefaultAtomicWriteSize
		}
		core.strategy = &onlineStrategy{pipe: pipe, atomicWriteSize: atomicSize}
	}

	slot, err := tls.Alloc()
	if err != nil {
		_ = core.strategy.close()
		return nil, fmt.Errorf("lifecycle: allocate BUF_PTR TLS slot: %w", err)
	}
	core.bufPtrSlot = slot

	if opts.Filtering {
		if opts.L0DLines > 0 {
			if s, err := tls.Alloc(); err == nil {
				core.dcacheSlot = s
				core.haveDCacheTLS = true
			}
		}
		if opts.L0ILines > 0 {
			if s, err := tls.Alloc(); err == nil {
				core.icacheSlot = s
				core.haveICacheTLS = true
			}
		}
	}

	return core, nil
}

// OutputDir returns the offline output directory, or "" in online mode.
func (c *Core) OutputDir() string {
	if s, ok := c.strategy.(*offlineStrategy); ok {
		return s.dir
	}
	return ""
}

func (c *Core) threadFilePath(threadID uint64) string {
	return fmt.Sprintf("%s/%s.%d.trace", c.OutputDir(), c.opts.AppID, threadID)
}

// ThreadInit implements spec §4.7's "Thread init": allocate per-thread
// state, create the first buffer, and write the thread/TID/PID header
// triple — to a fresh per-thread file in offline mode, or to the pipe in
// online mode. If filtering is configured, it allocates the cache arrays.
func (c *Core) ThreadInit(threadID uint64, pid uint64) (*trace.PerThreadState, error) {
	state := &trace.PerThreadState{ThreadID: threadID, TraceBufSize: defaultTraceBufSize, RedzoneSize: defaultRedzoneSize}
	if err := state.CreateBuffer(); err != nil {
		return nil, err
	}

	header := trace.EncodeEntry(trace.Entry{Kind: trace.EntryThread, ThreadID: threadID, Addr: pid})

	if _, ok := c.strategy.(*offlineStrategy); ok {
		f, err := os.Create(c.threadFilePath(threadID))
		if err != nil {
			return nil, fmt.Errorf("lifecycle: create per-thread trace file: %w", err)
		}
		if _, err := f.Write(header[:]); err != nil {
			return nil, fmt.Errorf("lifecycle: write thread header: %w", err)
		}
		state.File = f
		state.InitHeaderSize = len(header)
	} else {
		on := c.strategy.(*onlineStrategy)
		n, err := platform.AtomicWrite(on.pipe, header[:])
		if err != nil {
			return nil, err
		}
		if n != len(header) {
			return nil, drerr.ErrShortWrite
		}
	}

	if c.opts.Filtering {
		if c.opts.L0DLines > 0 {
			state.L0DCache = make([]uint64, c.opts.L0DLines)
		}
		if c.opts.L0ILines > 0 {
			state.L0ICache = make([]uint64, c.opts.L0ILines)
		}
	}

	return state, nil
}

const (
	defaultTraceBufSize = 64 * 1024
	defaultRedzoneSize  = 4096
)

// DrainConfigFor builds the DrainConfig for one thread's buffer, wired to
// this Core's output strategy (spec §4.6, consuming the tagged
// Online/Offline variant built at ProcessInit).
func (c *Core) DrainConfigFor(state *trace.PerThreadState) trace.DrainConfig {
	cfg := c.strategy.drainConfigFor(state, state.File, c)
	cfg.FirstDrainIsPrewritten = state.File != nil
	return cfg
}

// ForkInit implements spec §4.7's "Fork init" (POSIX): reset num_refs,
// re-create the offline output subdirectory, and re-run thread init for the
// post-fork child's surviving thread. Files the host marked "close on fork"
// are assumed already closed by the OS; this only rebuilds drtrace's own
// state.
func (c *Core) ForkInit(pid int, threadID, tgid uint64) (*trace.PerThreadState, error) {
	c.numRefsMu.Lock()
	c.numRefs = 0
	c.numRefsMu.Unlock()

	if off, ok := c.strategy.(*offlineStrategy); ok {
		dir, err := platform.CreateUniqueDir(c.opts.OutDir, c.opts.AppID, pid)
		if err != nil {
			return nil, err
		}
		modlist, err := os.Create(dir + "/modules.log")
		if err != nil {
			return nil, fmt.Errorf("lifecycle: open modules.log: %w", err)
		}
		_ = off.modlistFile.Close()
		c.strategy = &offlineStrategy{dir: dir, modlistFile: modlist}
	}

	return c.ThreadInit(threadID, tgid)
}

// ThreadExit implements spec §4.7's "Thread exit": if the size cap was
// exceeded, rewind so only the footer is written, append a thread-exit
// entry, drain with bypassSizeCap, close the per-thread file, free buffers
// and cache arrays, and fold this thread's NumRefs into the global counter.
func (c *Core) ThreadExit(state *trace.PerThreadState) error {
	cfg := c.DrainConfigFor(state)
	if cfg.MaxTraceSize > 0 && state.BytesWritten >= cfg.MaxTraceSize {
		state.ResetBuffer()
	}
	state.Append(trace.Entry{Kind: trace.EntryThreadExit, ThreadID: state.ThreadID})

	if err := trace.Drain(state, cfg, true); err != nil {
		return err
	}

	if state.File != nil {
		if err := state.File.Close(); err != nil {
			return fmt.Errorf("lifecycle: close per-thread trace file: %w", err)
		}
	}

	if err := state.Free(); err != nil {
		return err
	}

	c.numRefsMu.Lock()
	c.numRefs += state.NumRefs
	c.numRefsMu.Unlock()
	return nil
}

// ProcessExit implements spec §4.7's "Process exit": close the modlist file
// or pipe, invoke the user-provided exit callback if any, and free the
// process's TLS slots.
func (c *Core) ProcessExit() error {
	err := c.strategy.close()

	if c.opts.ExitCallback != nil {
		c.opts.ExitCallback()
	}

	c.tls.Free(c.bufPtrSlot)
	if c.haveDCacheTLS {
		c.tls.Free(c.dcacheSlot)
	}
	if c.haveICacheTLS {
		c.tls.Free(c.icacheSlot)
	}
	return err
}

// NumRefs returns the accumulated global reference count across every
// thread that has exited so far.
func (c *Core) NumRefs() uint64 {
	c.numRefsMu.Lock()
	defer c.numRefsMu.Unlock()
	return c.numRefs
}

// EmitterConfig builds the emitter.Config this Core's options imply, for
// callers wiring up the Instrumentation Emitter against this process's
// settings (spec §6).
func (c *Core) EmitterConfig() emitter.Config {
	return emitter.Config{
		Filtering:   c.opts.Filtering,
		LineSize:    c.opts.LineSize,
		L0DLines:    c.opts.L0DLines,
		L0ILines:    c.opts.L0ILines,
		Offline:     c.opts.Offline,
		UsePhysical: c.opts.UsePhysical,
	}
}
