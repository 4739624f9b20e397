// Package device owns component E: the per-GPU exclusive allocations
// (light cache, DAG, pinned result buffers, streams) and the three DAG
// load-sharing modes from §4.5.
//
// The native accelerator API itself is an external collaborator (§1:
// "the underlying Ethash/ProgPoW math library... assumed to provide");
// this package only depends on the Accelerator interface below, so a
// real CUDA/HIP binding plugs in without touching the lifecycle logic.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gpuminer/internal/config"
	"gpuminer/internal/logger"
)

// SearchResults is the maximum number of candidates a single kernel
// launch can report (§3).
const SearchResults = 4

// Streams is S, the number of pipelined result buffers/streams per
// device (§3, §4.7).
const Streams = 4

// ResultEntry mirrors the packed struct the kernel writes into a
// pinned result buffer.
type ResultEntry struct {
	GID uint32
	Mix [8]uint32
}

// resultEntryBytes is sizeof(ResultEntry) packed: a u32 gid followed by
// 8 u32 mix words.
const resultEntryBytes = 4 + 8*4

// ResultBufferBytes is the pinned host buffer layout: a leading u32
// count, followed by up to SearchResults packed entries.
const ResultBufferBytes = 4 + SearchResults*resultEntryBytes

// DecodeResultBuffer reads the count header and that many ResultEntry
// values (clamped to SearchResults) out of a pinned result buffer.
func DecodeResultBuffer(buf []byte) []ResultEntry {
	count := leUint32(buf[0:4])
	if count > SearchResults {
		count = SearchResults
	}
	out := make([]ResultEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		off := 4 + int(i)*resultEntryBytes
		e := ResultEntry{GID: leUint32(buf[off : off+4])}
		for m := 0; m < 8; m++ {
			e.Mix[m] = leUint32(buf[off+4+m*4 : off+8+m*4])
		}
		out = append(out, e)
	}
	return out
}

// ZeroCount clears a result buffer's count header in place, matching
// §4.7 step 2's "zero count in place".
func ZeroCount(buf []byte) {
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, 0
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Handle is an opaque device-memory or stream handle; its concrete
// representation belongs to the Accelerator implementation.
type Handle uintptr

// Status is a device's point-in-time lifecycle state, surfaced to the
// Farm's Snapshot for the out-of-scope admin surface (miner/registry.go's
// MinerInfo tracks the same shape for connected miners; here it tracks
// one GPU instead).
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusMining
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitializing:
		return "initializing"
	case StatusMining:
		return "mining"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Accelerator abstracts the native GPU driver API (§1: kernel source
// and math library are opaque collaborators). Context.Init wraps every
// error these methods return in a DeviceFatalError (§7 kind 5); its only
// non-fatal, per-device failure is a DAG larger than TotalMemory.
type Accelerator interface {
	DeviceCount() int
	TotalMemory(index int) (uint64, error)
	ComputeCapability(index int) (major, minor int, err error)
	Reset(index int) error

	AllocCache(index int, bytes uint64) (Handle, error)
	CopyToDevice(index int, dst Handle, src []byte) error

	AllocDAG(index int, bytes uint64) (Handle, error)
	GenerateDAG(index int, cache, dag Handle, cacheBytes, dagBytes uint64) error
	CopyDAGToHost(index int, dag Handle, dagBytes uint64) ([]byte, error)
	CopyHostToDAG(index int, dag Handle, host []byte) error

	AllocPinnedHost(bytes uint64) ([]byte, error)
	FreePinnedHost(buf []byte) error
	NewStream(index int) (Handle, error)
	DestroyStream(index int, stream Handle) error
	StreamSynchronize(index int, stream Handle) error
}

// DeviceFatalError marks an Accelerator failure severe enough to abort
// the process (§7 kind 5).
type DeviceFatalError struct {
	Index int
	Err   error
}

func (e *DeviceFatalError) Error() string {
	return fmt.Sprintf("device %d: fatal accelerator error: %v", e.Index, e.Err)
}

func (e *DeviceFatalError) Unwrap() error { return e.Err }

// Context is one worker's exclusive ownership of a GPU (§3 "Device
// context"). KernelHandle/Period are set by the search loop after each
// kernel build; the
// field lives here because the data model ties the compiled kernel's
// validity to the device context's (epoch, period) tag.
type Context struct {
	Index int
	accel Accelerator
	log   *logger.Logger

	mu         sync.Mutex
	epoch      uint64
	cacheBytes uint64
	dagBytes   uint64
	cache      Handle
	dag        Handle

	ResultBuffers [Streams][]byte
	Streams       [Streams]Handle

	KernelHandle Handle
	Period       uint64

	status atomic.Int32
}

// New allocates no device memory yet; call Init for the first epoch.
func New(index int, accel Accelerator, log *logger.Logger) *Context {
	return &Context{Index: index, accel: accel, log: log, epoch: ^uint64(0)}
}

func (c *Context) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Init performs the epoch-change sequence from §4.5 steps 1-6: capacity
// check, device reset, cache/DAG allocation, DAG population per mode,
// and (re)allocation of the pinned result buffers and streams.
func (c *Context) Init(epoch uint64, cacheBytes, dagBytes uint64, cacheData []byte, coord *LoadCoordinator, workerIndex int) (retErr error) {
	c.status.Store(int32(StatusInitializing))
	defer func() {
		if retErr != nil {
			c.status.Store(int32(StatusFailed))
		} else {
			c.status.Store(int32(StatusIdle))
		}
	}()

	total, err := c.accel.TotalMemory(c.Index)
	if err != nil {
		return &DeviceFatalError{Index: c.Index, Err: err}
	}
	if dagBytes > total {
		return fmt.Errorf("device %d: DAG requires %d bytes, device has %d: out of memory", c.Index, dagBytes, total)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.accel.Reset(c.Index); err != nil {
		return &DeviceFatalError{Index: c.Index, Err: err}
	}
	c.teardownLocked()

	cache, err := c.accel.AllocCache(c.Index, cacheBytes)
	if err != nil {
		return &DeviceFatalError{Index: c.Index, Err: err}
	}
	if err := c.accel.CopyToDevice(c.Index, cache, cacheData); err != nil {
		return &DeviceFatalError{Index: c.Index, Err: err}
	}

	dag, err := c.accel.AllocDAG(c.Index, dagBytes)
	if err != nil {
		return &DeviceFatalError{Index: c.Index, Err: err}
	}

	if err := coord.populate(c, workerIndex, cache, dag, cacheBytes, dagBytes); err != nil {
		return err
	}

	for i := 0; i < Streams; i++ {
		buf, err := c.accel.AllocPinnedHost(uint64(ResultBufferBytes))
		if err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		stream, err := c.accel.NewStream(c.Index)
		if err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		c.ResultBuffers[i] = buf
		c.Streams[i] = stream
	}

	c.epoch = epoch
	c.cacheBytes = cacheBytes
	c.dagBytes = dagBytes
	c.cache = cache
	c.dag = dag
	return nil
}

// DAG exposes the current DAG handle for the search loop's kernel
// launches.
func (c *Context) DAG() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dag
}

// StreamHandle returns stream i's accelerator handle.
func (c *Context) StreamHandle(i int) Handle { return c.Streams[i] }

// ResultBuffer returns stream i's pinned host result buffer.
func (c *Context) ResultBuffer(i int) []byte { return c.ResultBuffers[i] }

// Accelerator returns the accelerator this context was built with, for
// callers (the search loop) that need to synchronize streams.
func (c *Context) Accelerator() Accelerator { return c.accel }

// SetKernel records the compiled kernel handle and the period it was
// built for (§3 "tag (epoch, period) identifying it").
func (c *Context) SetKernel(h Handle, period uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.KernelHandle = h
	c.Period = period
}

// Kernel returns the currently loaded kernel handle and its period tag.
func (c *Context) Kernel() (Handle, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.KernelHandle, c.Period
}

// Status reports the device's current lifecycle state for the Farm's
// Snapshot.
func (c *Context) Status() Status { return Status(c.status.Load()) }

// SetStatus is called by the search loop around a launch batch to
// distinguish "mining" from "idle" in the admin snapshot.
func (c *Context) SetStatus(s Status) { c.status.Store(int32(s)) }

// Teardown resets the device, releasing every allocation this context
// owns (§4.5 "Teardown on worker exit").
func (c *Context) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return c.accel.Reset(c.Index)
}

func (c *Context) teardownLocked() {
	for i := 0; i < Streams; i++ {
		if c.Streams[i] != 0 {
			c.accel.DestroyStream(c.Index, c.Streams[i])
			c.Streams[i] = 0
		}
		if c.ResultBuffers[i] != nil {
			c.accel.FreePinnedHost(c.ResultBuffers[i])
			c.ResultBuffers[i] = nil
		}
	}
}

// LoadCoordinator implements the three DAG population strategies from
// §4.5. One coordinator is shared by every worker in a Farm.
type LoadCoordinator struct {
	mode       config.DAGLoadMode
	designated int

	// SEQUENTIAL
	seqMu    sync.Mutex
	seqCond  *sync.Cond
	loadedTo int

	// SINGLE: the designated device publishes a host copy of the DAG
	// here; other workers poll (§4.5: "busy-wait 100ms polls") until
	// it's non-nil, then memcpy host->device and decrement remaining.
	singleMu   sync.Mutex
	sharedDAG  []byte
	remaining  atomic.Int32
	numWorkers int
}

// NewLoadCoordinator builds a coordinator for numWorkers devices sharing
// one epoch transition.
func NewLoadCoordinator(cfg config.DeviceConfig, numWorkers int) *LoadCoordinator {
	designated := cfg.SingleLoadDeviceIndex
	if designated == 0 && len(cfg.Indices) > 0 {
		designated = cfg.Indices[0]
	}
	lc := &LoadCoordinator{mode: cfg.DAGLoadMode, designated: designated, numWorkers: numWorkers}
	lc.seqCond = sync.NewCond(&lc.seqMu)
	return lc
}

// Reset must be called once per epoch transition before any worker
// calls populate, so SINGLE mode's shared buffer and refcount start
// clean for the new epoch.
func (lc *LoadCoordinator) Reset() {
	lc.seqMu.Lock()
	lc.loadedTo = 0
	lc.seqMu.Unlock()

	lc.singleMu.Lock()
	lc.sharedDAG = nil
	lc.singleMu.Unlock()
	lc.remaining.Store(int32(lc.numWorkers))
}

func (lc *LoadCoordinator) populate(c *Context, workerIndex int, cache, dag Handle, cacheBytes, dagBytes uint64) error {
	switch lc.mode {
	case config.DAGLoadSequential:
		lc.awaitTurn(workerIndex)
		defer lc.advanceTurn()
		if err := c.accel.GenerateDAG(c.Index, cache, dag, cacheBytes, dagBytes); err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		return nil

	case config.DAGLoadSingle:
		return lc.populateSingle(c, workerIndex, cache, dag, cacheBytes, dagBytes)

	default: // PARALLEL
		if err := c.accel.GenerateDAG(c.Index, cache, dag, cacheBytes, dagBytes); err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		return nil
	}
}

func (lc *LoadCoordinator) awaitTurn(workerIndex int) {
	lc.seqMu.Lock()
	defer lc.seqMu.Unlock()
	for lc.loadedTo < workerIndex {
		lc.seqCond.Wait()
	}
}

func (lc *LoadCoordinator) advanceTurn() {
	lc.seqMu.Lock()
	lc.loadedTo++
	lc.seqMu.Unlock()
	lc.seqCond.Broadcast()
}

// populateSingle is the "generate-and-share" / "wait-and-copy" split
// called out in §9 as the replacement for the source's `goto cpyDag`.
func (lc *LoadCoordinator) populateSingle(c *Context, workerIndex int, cache, dag Handle, cacheBytes, dagBytes uint64) error {
	if c.Index == lc.designated {
		if err := c.accel.GenerateDAG(c.Index, cache, dag, cacheBytes, dagBytes); err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		hostDAG, err := c.accel.CopyDAGToHost(c.Index, dag, dagBytes)
		if err != nil {
			return &DeviceFatalError{Index: c.Index, Err: err}
		}
		lc.singleMu.Lock()
		lc.sharedDAG = hostDAG
		lc.singleMu.Unlock()
		lc.finishSingle()
		return nil
	}

	for {
		lc.singleMu.Lock()
		buf := lc.sharedDAG
		lc.singleMu.Unlock()
		if buf != nil {
			if err := c.accel.CopyHostToDAG(c.Index, dag, buf); err != nil {
				return &DeviceFatalError{Index: c.Index, Err: err}
			}
			lc.finishSingle()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// finishSingle decrements the outstanding-copy count and frees the
// shared host buffer once every worker (including the producer) has
// finished with it.
func (lc *LoadCoordinator) finishSingle() {
	if lc.remaining.Add(-1) == 0 {
		lc.singleMu.Lock()
		lc.sharedDAG = nil
		lc.singleMu.Unlock()
	}
}
