// Package drtrace is the public entry point: the Config builder and the
// Tool that wires the Handler Registry, Instrumentation Emitter, and
// Lifecycle core together behind the registration API spec §6 describes.
// Grounded on wazero's root-package split between config.go (RuntimeConfig,
// the With* fluent builder) and runtime.go (Runtime, the object that
// actually does the work) — generalized from "configure and run a wasm
// module" to "configure and attach a trace tool to a process".
package drtrace

// Config controls tool-wide behavior, built with NewConfig and the With*
// methods below. The zero value is never used directly; NewConfig supplies
// the defaults spec §6 lists.
type Config struct {
	appID string

	offline bool
	outDir  string
	ipcName string

	usePhysical bool

	l0Filter bool
	l0DLines int
	l0ILines int
	lineSize int

	maxTraceSize     uint64
	onlineInstrTypes bool

	verbose int
}

// defaultConfig mirrors engineLessConfig's role: a single place that sets
// every default, cloned rather than recomputed so WithX never forgets a
// field.
var defaultConfig = &Config{
	offline:  true,
	outDir:   ".",
	ipcName:  "drtrace-pipe",
	lineSize: 64,
	l0DLines: 65536,
	l0ILines: 32768,
}

// NewConfig returns a Config with spec §6's defaults: offline output to the
// current directory, no cache filter, no physical translation.
func NewConfig(appID string) *Config {
	ret := defaultConfig.clone()
	ret.appID = appID
	return ret
}

func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithOffline selects per-thread-file output (offline=true, the default) or
// named-pipe output (offline=false). See WithIPCName for the online case.
func (c *Config) WithOffline(offline bool) *Config {
	ret := c.clone()
	ret.offline = offline
	return ret
}

// WithOutDir sets the parent directory offline mode creates its unique
// per-process subdirectory under. Ignored in online mode.
func (c *Config) WithOutDir(dir string) *Config {
	ret := c.clone()
	ret.outDir = dir
	return ret
}

// WithIPCName sets the named-pipe identifier online mode connects to.
// Ignored in offline mode.
func (c *Config) WithIPCName(name string) *Config {
	ret := c.clone()
	ret.ipcName = name
	return ret
}

// WithPhysicalAddresses enables virtual-to-physical translation of data
// entries' addresses before drain (spec §4.6 step 4). The caller must supply
// a host.VirtualToPhysical translator via Tool's collaborators; if it
// never resolves an address, Drain logs and leaves the entry virtual.
func (c *Config) WithPhysicalAddresses(enabled bool) *Config {
	ret := c.clone()
	ret.usePhysical = enabled
	return ret
}

// WithL0Filter enables the inline direct-mapped Level-0 cache filter and
// sets its geometry. dLines and iLines must each be a power of two (zero
// disables that side of the filter independently); lineSize must also be a
// power of two.
func (c *Config) WithL0Filter(dLines, iLines, lineSize int) *Config {
	ret := c.clone()
	ret.l0Filter = true
	ret.l0DLines = dLines
	ret.l0ILines = iLines
	ret.lineSize = lineSize
	return ret
}

// WithMaxTraceSize caps the total bytes emitted per thread; once reached,
// further drains are suppressed until thread exit (spec §7).
func (c *Config) WithMaxTraceSize(n uint64) *Config {
	ret := c.clone()
	ret.maxTraceSize = n
	return ret
}

// WithOnlineInstrTypes enables per-instruction-type entries in online mode.
func (c *Config) WithOnlineInstrTypes(enabled bool) *Config {
	ret := c.clone()
	ret.onlineInstrTypes = enabled
	return ret
}

// WithVerbose sets the tracelog bitmask level (spec §6 "verbose").
func (c *Config) WithVerbose(level int) *Config {
	ret := c.clone()
	ret.verbose = level
	return ret
}
