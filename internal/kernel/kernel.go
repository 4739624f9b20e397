// Package kernel implements component F: per-ProgPoW-period JIT
// compilation of the search kernel.
//
// The kernel source (both the period-specialized text and the fixed
// runtime source embedded from the .cu file) and the compile toolchain
// are external collaborators (§1); this package only depends on the
// SourceProvider and Compiler interfaces below.
package kernel

import (
	"fmt"

	"gpuminer/internal/logger"
	"gpuminer/internal/work"
)

// ProgPoWLanes and ProgPoWDagLoads are fixed by the ProgPoW algorithm
// definition; they feed the PROGPOW_DAG_ELEMENTS macro (§4.6).
const (
	ProgPoWLanes    = 16
	ProgPoWDagLoads = 4
)

// SourceProvider supplies the period-specialized kernel text, mirroring
// the external algorithm library's `getKern(height, CUDA)` (§4.6 step 1).
type SourceProvider interface {
	PeriodKernelSource(height uint64) (string, error)
}

// RuntimeSource returns the fixed runtime kernel source, embedded at
// build time from the .cu file (§4.6 step 2). It is a function value
// rather than a constant so tests can substitute a stub without needing
// the real embedded asset.
type RuntimeSource func() []byte

// Compiler abstracts the device JIT toolchain: NVRTC/PTX compile plus
// module load and symbol resolution (§4.6 steps 3-4).
type Compiler interface {
	// Compile produces PTX for source, targeting the given compute
	// capability, with PROGPOW_DAG_ELEMENTS defined as a macro.
	Compile(deviceIndex int, source string, ccMajor, ccMinor int, dagElements uint64) ([]byte, error)
	// Load JIT-loads ptx into the current device context (line info and
	// verbose logging enabled) and resolves "progpow_search", returning
	// a callable handle.
	Load(deviceIndex int, ptx []byte, symbol string) (Handle, error)
}

// Handle is an opaque compiled-and-loaded kernel symbol.
type Handle uintptr

// Builder drives the per-period compile sequence for one device.
type Builder struct {
	deviceIndex int
	source      SourceProvider
	runtime     RuntimeSource
	compiler    Compiler
	log         *logger.Logger
}

func NewBuilder(deviceIndex int, source SourceProvider, runtime RuntimeSource, compiler Compiler, log *logger.Logger) *Builder {
	return &Builder{deviceIndex: deviceIndex, source: source, runtime: runtime, compiler: compiler, log: log}
}

// DagElements computes PROGPOW_DAG_ELEMENTS = dag_bytes / (LANES *
// DAG_LOADS * 4) (§4.6 step 3).
func DagElements(dagBytes uint64) uint64 {
	return dagBytes / (ProgPoWLanes * ProgPoWDagLoads * 4)
}

// Build compiles and loads the kernel for w's ProgPoW period. A
// compile failure is returned to the caller (the search loop), which
// treats it as a recoverable per-iteration failure: warn and continue
// to the next work poll (§4.6, last line).
func (b *Builder) Build(w work.WorkPackage, ccMajor, ccMinor int, dagBytes uint64) (Handle, error) {
	periodSrc, err := b.source.PeriodKernelSource(w.Height)
	if err != nil {
		b.log.Warnf("kernel", "device %d: kernel source failed for period %d: %v", b.deviceIndex, w.Period(), err)
		return 0, fmt.Errorf("kernel source for height %d: %w", w.Height, err)
	}

	full := periodSrc + "\n" + string(b.runtime())

	ptx, err := b.compiler.Compile(b.deviceIndex, full, ccMajor, ccMinor, DagElements(dagBytes))
	if err != nil {
		b.log.Warnf("kernel", "device %d: compile failed for period %d: %v", b.deviceIndex, w.Period(), err)
		return 0, err
	}

	handle, err := b.compiler.Load(b.deviceIndex, ptx, "progpow_search")
	if err != nil {
		b.log.Warnf("kernel", "device %d: load failed for period %d: %v", b.deviceIndex, w.Period(), err)
		return 0, err
	}
	return handle, nil
}
