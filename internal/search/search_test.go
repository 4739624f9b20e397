package search

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/internal/config"
	"gpuminer/internal/device"
	"gpuminer/internal/kernel"
	"gpuminer/internal/logger"
	"gpuminer/internal/work"
)

type nopAccelerator struct{}

func (nopAccelerator) DeviceCount() int                        { return 1 }
func (nopAccelerator) TotalMemory(int) (uint64, error)         { return 1 << 40, nil }
func (nopAccelerator) ComputeCapability(int) (int, int, error) { return 8, 6, nil }
func (nopAccelerator) Reset(int) error                         { return nil }
func (nopAccelerator) AllocCache(int, uint64) (device.Handle, error) { return 1, nil }
func (nopAccelerator) CopyToDevice(int, device.Handle, []byte) error { return nil }
func (nopAccelerator) AllocDAG(int, uint64) (device.Handle, error)   { return 2, nil }
func (nopAccelerator) GenerateDAG(int, device.Handle, device.Handle, uint64, uint64) error {
	return nil
}
func (nopAccelerator) CopyDAGToHost(int, device.Handle, uint64) ([]byte, error) { return nil, nil }
func (nopAccelerator) CopyHostToDAG(int, device.Handle, []byte) error          { return nil }
func (nopAccelerator) AllocPinnedHost(bytes uint64) ([]byte, error) {
	return make([]byte, bytes), nil
}
func (nopAccelerator) FreePinnedHost([]byte) error         { return nil }
func (nopAccelerator) NewStream(int) (device.Handle, error) { return 1, nil }
func (nopAccelerator) DestroyStream(int, device.Handle) error { return nil }
func (nopAccelerator) StreamSynchronize(int, device.Handle) error { return nil }

type countingLauncher struct {
	mu    sync.Mutex
	calls int
	onCall func(call int)
}

func (l *countingLauncher) Launch(deviceIndex int, stream device.Handle, kh kernel.Handle, dag device.Handle, resultBuf []byte, nonce uint64, header work.Hash, upper64 uint64, gridSize, blockSize int) error {
	l.mu.Lock()
	l.calls++
	call := l.calls
	l.mu.Unlock()
	if l.onCall != nil {
		l.onCall(call)
	}
	return nil
}

func (l *countingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fakeAlgorithm struct {
	meetsBoundary bool
}

func (a fakeAlgorithm) ToEpoch(work.Hash) uint64           { return 1 }
func (a fakeAlgorithm) LightCacheSize(uint64) uint64       { return 64 }
func (a fakeAlgorithm) LightCache(uint64) []byte           { return make([]byte, 64) }
func (a fakeAlgorithm) DagSize(uint64) uint64              { return 256 }
func (a fakeAlgorithm) Eval(uint64, work.Hash, uint64) (work.Hash, work.Hash) {
	var value work.Hash
	if !a.meetsBoundary {
		// A value of all 0xFF bytes fails any non-trivial boundary.
		for i := range value {
			value[i] = 0xFF
		}
	}
	return work.Hash{}, value
}

type stubSourceProvider struct{}

func (stubSourceProvider) PeriodKernelSource(uint64) (string, error) { return "// kernel", nil }

type stubCompiler struct{}

func (stubCompiler) Compile(int, string, int, int, uint64) ([]byte, error) { return []byte{0x01}, nil }
func (stubCompiler) Load(int, []byte, string) (kernel.Handle, error)      { return 1, nil }

type fakeFarm struct {
	mu        sync.Mutex
	wp        work.WorkPackage
	hashCount uint64
	solutions []work.Solution
	failed    int
	stop      bool
}

func (f *fakeFarm) Work() work.WorkPackage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wp
}
func (f *fakeFarm) AddHashCount(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashCount += n
}
func (f *fakeFarm) SubmitSolution(s work.Solution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solutions = append(f.solutions, s)
}
func (f *fakeFarm) FailedSolution() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
}
func (f *fakeFarm) ShouldStop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stop
}

func newTestWorker(t *testing.T, launcher Launcher, algo work.Algorithm, noEval bool) (*Worker, *device.Context) {
	t.Helper()
	log, err := logger.New(t.TempDir(), "debug")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	ctx := device.New(0, nopAccelerator{}, log)
	coord := device.NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	cfg := config.FarmConfig{NoEval: noEval}

	w := NewWorker(0, ctx, coord, stubSourceProvider{}, func() []byte { return nil }, stubCompiler{}, launcher, algo, log, cfg, 1, 1, 8, 6)
	return w, ctx
}

// Boundary scenario 4 (§8): a work-change preemption observed mid-run
// causes the search loop to exit after exactly one further
// launch-and-drain cycle.
func TestSearchExitsOneCycleAfterKick(t *testing.T) {
	launcher := &countingLauncher{}
	worker, ctx := newTestWorker(t, launcher, fakeAlgorithm{meetsBoundary: true}, true)
	f := &fakeFarm{}
	worker.SetFarm(f)

	coord := device.NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	require.NoError(t, ctx.Init(1, 64, 256, make([]byte, 64), coord, 0))

	launcher.onCall = func(call int) {
		if call == 11 {
			worker.Kick()
		}
	}

	wp := work.WorkPackage{Header: work.Hash{1}, Epoch: 1, Height: 0, ExtraSizeBits: -1}
	worker.search(wp, 0, false, 0)

	assert.Equal(t, 11, launcher.count(), "the launch during which the kick landed is the last one")
}

// The nonce reconstructed for a drained result must match the nonce the
// launch that produced it actually used, not a stale or off-by-one value
// (§4.7 step 1/4).
func TestDrainedNonceMatchesLaunchNonce(t *testing.T) {
	launcher := &countingLauncher{}
	worker, ctx := newTestWorker(t, launcher, fakeAlgorithm{meetsBoundary: true}, true)
	f := &fakeFarm{}
	worker.SetFarm(f)

	coord := device.NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	require.NoError(t, ctx.Init(1, 64, 256, make([]byte, 64), coord, 0))

	launcher.onCall = func(call int) {
		if call == 1 {
			// Plant a result into stream 0's buffer right after the
			// launch whose nonce we want the drain to reconstruct.
			buf := ctx.ResultBuffer(0)
			binary.LittleEndian.PutUint32(buf[0:4], 1) // count = 1
			binary.LittleEndian.PutUint32(buf[4:8], 3) // gid = 3
		}
		if call == device.Streams+1 {
			worker.Kick()
		}
	}

	wp := work.WorkPackage{Header: work.Hash{1}, Epoch: 1, Height: 0, ExtraSizeBits: -1}
	worker.search(wp, 0, true, 0)

	require.Len(t, f.solutions, 1)
	// Stream 0's first launch (call 1, batch size 1, start nonce 0) used
	// nonce 1; the drain happens device.Streams iterations later and must
	// reconstruct that same base.
	assert.Equal(t, uint64(1+3), f.solutions[0].Nonce)
}

// Boundary scenario 6 (§8): a GPU result that fails host re-evaluation
// increments the failed-solution counter and is never submitted.
func TestBadGPUResultIsNotSubmitted(t *testing.T) {
	launcher := &countingLauncher{}
	algo := fakeAlgorithm{meetsBoundary: false}
	worker, ctx := newTestWorker(t, launcher, algo, false)
	f := &fakeFarm{}
	worker.SetFarm(f)

	coord := device.NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	require.NoError(t, ctx.Init(1, 64, 256, make([]byte, 64), coord, 0))

	// Plant one result entry in every stream buffer so the drain path
	// (current_index >= S) has something to report.
	for i := 0; i < device.Streams; i++ {
		buf := ctx.ResultBuffer(i)
		binary.LittleEndian.PutUint32(buf[0:4], 1) // count = 1
		binary.LittleEndian.PutUint32(buf[4:8], 7) // gid = 7
	}

	launcher.onCall = func(call int) {
		if call == device.Streams+2 {
			worker.Kick()
		}
	}

	wp := work.WorkPackage{Header: work.Hash{1}, Epoch: 1, Height: 0, Boundary: work.Hash{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}, ExtraSizeBits: -1}
	worker.search(wp, 0, false, 0)

	assert.Equal(t, 0, len(f.solutions), "bad GPU results must never be submitted")
	assert.True(t, f.failed > 0, "bad GPU results must increment the failed-solution counter")
}
