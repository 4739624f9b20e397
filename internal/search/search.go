// Package search implements component G: the pipelined multi-stream
// nonce enumeration loop described in §4.7, including epoch/period
// re-initialization, work-change preemption via the atomic new_work
// flag, and (when eval is enabled) host-side verification of GPU
// results before submission.
package search

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync/atomic"

	"gpuminer/internal/config"
	"gpuminer/internal/device"
	"gpuminer/internal/kernel"
	"gpuminer/internal/logger"
	"gpuminer/internal/work"
)

// Log2MaxMiners bounds how many high bits of the nonce space are
// reserved for the worker index when splitting a pool-assigned
// extranonce range (§4.7: "(worker_index as u64) << (64 -
// LOG2_MAX_MINERS - extra_size_bits)").
const Log2MaxMiners = 5

// Launcher abstracts the actual kernel-launch call, the one piece of
// the native accelerator API that's kernel-shape-specific rather than
// generic device memory management (§1, §4.6).
type Launcher interface {
	Launch(deviceIndex int, stream device.Handle, kernelHandle kernel.Handle, dag device.Handle, resultBuf []byte, nonce uint64, header work.Hash, upper64 uint64, gridSize, blockSize int) error
}

// FarmPort is the back-reference a worker uses to reach the Farm
// supervisor, per §9's capability-set replacement for the Miner/Farm
// inheritance hierarchy: the worker never extends the Farm's lifetime,
// it only calls back into it.
type FarmPort interface {
	Work() work.WorkPackage
	AddHashCount(n uint64)
	SubmitSolution(work.Solution)
	FailedSolution()
	ShouldStop() bool
}

// Worker runs the search loop for one device (§5: "one thread per GPU
// worker").
type Worker struct {
	index       int
	ctx         *device.Context
	coord       *device.LoadCoordinator
	kernelSrc   kernel.SourceProvider
	runtimeSrc  kernel.RuntimeSource
	compiler    kernel.Compiler
	launcher    Launcher
	algo        work.Algorithm
	farm        FarmPort
	log         *logger.Logger
	noEval      bool
	gridSize    int
	blockSize   int
	ccMajor     int
	ccMinor     int

	newWork atomic.Bool
	stop    atomic.Bool
}

// NewWorker builds a worker bound to one already-constructed device
// context. ccMajor/ccMinor are the device's compute capability, read
// once at startup (the composition root queries
// Accelerator.ComputeCapability during device enumeration and passes it
// in here).
//
// The worker's FarmPort is supplied separately via SetFarm: the Farm
// supervisor needs a Kicker (this Worker) to register the device
// before it can hand back the matching back-reference (§9: "workers
// hold a weak/back reference").
func NewWorker(index int, ctx *device.Context, coord *device.LoadCoordinator, kernelSrc kernel.SourceProvider, runtimeSrc kernel.RuntimeSource, compiler kernel.Compiler, launcher Launcher, algo work.Algorithm, log *logger.Logger, cfg config.FarmConfig, gridSize, blockSize, ccMajor, ccMinor int) *Worker {
	return &Worker{
		index:      index,
		ctx:        ctx,
		coord:      coord,
		kernelSrc:  kernelSrc,
		runtimeSrc: runtimeSrc,
		compiler:   compiler,
		launcher:   launcher,
		algo:       algo,
		log:        log,
		noEval:     cfg.NoEval,
		gridSize:   gridSize,
		blockSize:  blockSize,
		ccMajor:    ccMajor,
		ccMinor:    ccMinor,
	}
}

// SetFarm installs the worker's back-reference to the Farm supervisor.
// Must be called before Run.
func (w *Worker) SetFarm(farm FarmPort) { w.farm = farm }

// Kick sets the new_work flag; consumed (and cleared) inside search's
// per-iteration CAS, never mid-kernel (§4.7 "Kick semantics").
func (w *Worker) Kick() { w.newWork.Store(true) }

// Stop requests shutdown; deferred the same way as a work change (§5
// "Cancellation").
func (w *Worker) Stop() { w.stop.Store(true) }

// Status reports the underlying device's lifecycle state, satisfying
// farm.StatusReporter for the admin Snapshot.
func (w *Worker) Status() device.Status { return w.ctx.Status() }

// Run is the outer dispatch loop from §4.7's pseudocode. It blocks
// until Stop is called; on exit it tears down the device context.
func (w *Worker) Run() {
	defer w.ctx.Teardown()

	// Sentinel forcing re-init on the first real work package: a
	// non-empty header that (bar coincidence) never matches a real one.
	current := work.WorkPackage{Header: work.Hash{1}, Epoch: ^uint64(0)}
	period := ^uint64(0)

	for !w.stop.Load() {
		wp := w.farm.Work()
		if wp.IsEmpty() {
			continue
		}
		// The protocol engine never computes an epoch number (§1: epoch
		// derivation belongs to the Ethash/ProgPoW math library, an
		// external collaborator it doesn't depend on); derive it here
		// from the seed hash the notify already carries.
		wp.Epoch = w.algo.ToEpoch(wp.SeedHash)

		if wp.Changed(current) {
			if wp.Epoch != current.Epoch {
				if err := w.initDevice(wp); err != nil {
					var fatal *device.DeviceFatalError
					if errors.As(err, &fatal) {
						w.log.Fatalf("search", "device %d: %v", w.ctx.Index, err)
					}
					w.log.Errorf("search", "device %d: init failed: %v", w.ctx.Index, err)
					continue
				}
			}
			if wp.Height/work.ProgPoWPeriod != period {
				if err := w.compileKernel(wp); err != nil {
					continue // already warned inside the builder
				}
				period = wp.Height / work.ProgPoWPeriod
			}
			current = wp
		}

		upper64 := binary.BigEndian.Uint64(wp.Boundary[:8])
		startNonce := wp.StartNonce
		stratumStyle := wp.ExtraSizeBits >= 0
		if stratumStyle {
			startNonce |= uint64(w.index) << (64 - Log2MaxMiners - uint(wp.ExtraSizeBits))
		}

		w.ctx.SetStatus(device.StatusMining)
		w.search(wp, upper64, stratumStyle, startNonce)
		if !w.stop.Load() {
			w.ctx.SetStatus(device.StatusIdle)
		}
	}
}

func (w *Worker) initDevice(wp work.WorkPackage) error {
	cacheBytes := w.algo.LightCacheSize(wp.Epoch)
	dagBytes := w.algo.DagSize(wp.Epoch)
	cacheData := w.algo.LightCache(wp.Epoch)
	w.coord.Reset()
	return w.ctx.Init(wp.Epoch, cacheBytes, dagBytes, cacheData, w.coord, w.index)
}

func (w *Worker) compileKernel(wp work.WorkPackage) error {
	builder := kernel.NewBuilder(w.ctx.Index, w.kernelSrc, w.runtimeSrc, w.compiler, w.log)
	handle, err := builder.Build(wp, w.ccMajor, w.ccMinor, w.algo.DagSize(wp.Epoch))
	if err != nil {
		return err
	}
	w.ctx.SetKernel(device.Handle(handle), wp.Period())
	return nil
}

// search is the pipelined inner loop (§4.7 "search internal pipeline").
// It initializes nonce state once per entry per the stratum/solo
// branches, then iterates the S-stream pipeline until new_work is
// observed or stop is requested.
func (w *Worker) search(wp work.WorkPackage, upper64 uint64, stratumStyle bool, startNonce uint64) {
	batchSize := uint64(w.gridSize * w.blockSize)

	var currentNonce uint64
	if stratumStyle {
		currentNonce = startNonce
		for i := 0; i < device.Streams; i++ {
			device.ZeroCount(w.ctx.ResultBuffer(i))
		}
	} else {
		currentNonce = rand.Uint64()
	}

	currentIndex := 0
	kernelHandle, _ := w.ctx.Kernel()
	accel := w.ctx.Accelerator()

	for {
		i := currentIndex % device.Streams

		// currentNonce (post-increment) is the start nonce of the batch
		// launched below. nonceBase, computed the same way S iterations
		// from now, will equal this same value again (the counter always
		// advances by exactly batchSize per iteration), which is what
		// lets the draining iteration below reconstruct it without
		// storing anything per-stream (§4.7 step 1/4).
		currentNonce += batchSize
		nonceBase := currentNonce - uint64(device.Streams)*batchSize

		var drained []device.ResultEntry
		if currentIndex >= device.Streams {
			if err := accel.StreamSynchronize(w.ctx.Index, w.ctx.StreamHandle(i)); err != nil {
				w.log.Errorf("search", "device %d: stream %d sync: %v", w.ctx.Index, i, err)
			} else {
				buf := w.ctx.ResultBuffer(i)
				drained = device.DecodeResultBuffer(buf)
				device.ZeroCount(buf)
			}
		}

		if err := w.launcher.Launch(w.ctx.Index, w.ctx.StreamHandle(i), kernel.Handle(kernelHandle), w.ctx.DAG(), w.ctx.ResultBuffer(i), currentNonce, wp.Header, upper64, w.gridSize, w.blockSize); err != nil {
			w.log.Errorf("search", "device %d: launch failed: %v", w.ctx.Index, err)
		}

		for _, entry := range drained {
			nonce := nonceBase + uint64(entry.GID)
			w.reportCandidate(wp, nonce, entry)
		}

		w.farm.AddHashCount(batchSize)
		currentIndex++

		if w.newWork.CompareAndSwap(true, false) || w.farm.ShouldStop() || w.stop.Load() {
			return
		}
	}
}

func (w *Worker) reportCandidate(wp work.WorkPackage, nonce uint64, entry device.ResultEntry) {
	var mix work.Hash
	for i := 0; i < 8; i++ {
		binary.BigEndian.PutUint32(mix[i*4:i*4+4], entry.Mix[i])
	}

	if w.noEval {
		w.farm.SubmitSolution(work.Solution{Nonce: nonce, MixHash: mix, Work: wp, Stale: w.newWork.Load()})
		return
	}

	_, value := w.algo.Eval(wp.Epoch, wp.Header, nonce)
	if !wp.Meets(value) {
		w.farm.FailedSolution()
		return
	}
	w.farm.SubmitSolution(work.Solution{Nonce: nonce, MixHash: mix, Work: wp, Stale: w.newWork.Load()})
}
