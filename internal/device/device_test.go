package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/internal/config"
	"gpuminer/internal/logger"
)

// fakeAccelerator is a minimal in-memory stand-in for the native GPU
// driver API, sufficient to exercise Context.Init's bookkeeping without
// real device memory.
type fakeAccelerator struct {
	mu          sync.Mutex
	totalMemory uint64
	dagOf       map[int][]byte // per-device "DAG" bytes, host-side mirror for assertions
	generated   map[int]bool
}

func newFakeAccelerator() *fakeAccelerator {
	return &fakeAccelerator{totalMemory: 1 << 40, dagOf: map[int][]byte{}, generated: map[int]bool{}}
}

func (f *fakeAccelerator) DeviceCount() int                         { return 2 }
func (f *fakeAccelerator) TotalMemory(int) (uint64, error)          { return f.totalMemory, nil }
func (f *fakeAccelerator) ComputeCapability(int) (int, int, error)  { return 8, 6, nil }
func (f *fakeAccelerator) Reset(int) error                          { return nil }
func (f *fakeAccelerator) AllocCache(int, uint64) (Handle, error)   { return 1, nil }
func (f *fakeAccelerator) CopyToDevice(int, Handle, []byte) error   { return nil }
func (f *fakeAccelerator) AllocDAG(index int, bytes uint64) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dagOf[index] = make([]byte, bytes)
	return Handle(index + 100), nil
}
func (f *fakeAccelerator) GenerateDAG(index int, cache, dag Handle, cacheBytes, dagBytes uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := f.dagOf[index]
	for i := range buf {
		buf[i] = 0xAB
	}
	f.generated[index] = true
	return nil
}
func (f *fakeAccelerator) CopyDAGToHost(index int, dag Handle, dagBytes uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.dagOf[index]))
	copy(out, f.dagOf[index])
	return out, nil
}
func (f *fakeAccelerator) CopyHostToDAG(index int, dag Handle, host []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.dagOf[index], host)
	return nil
}
func (f *fakeAccelerator) AllocPinnedHost(bytes uint64) ([]byte, error) { return make([]byte, bytes), nil }
func (f *fakeAccelerator) FreePinnedHost([]byte) error                 { return nil }
func (f *fakeAccelerator) NewStream(int) (Handle, error)               { return 1, nil }
func (f *fakeAccelerator) DestroyStream(int, Handle) error             { return nil }
func (f *fakeAccelerator) StreamSynchronize(int, Handle) error         { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir(), "debug")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// Boundary scenario 5 (§8): SINGLE DAG mode with 2 devices, device 0
// designated. Device 1 must observe the shared buffer only after device
// 0 publishes it, and the buffer is freed once both have copied.
func TestSingleDAGLoadMode(t *testing.T) {
	accel := newFakeAccelerator()
	log := testLogger(t)
	coord := NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadSingle, SingleLoadDeviceIndex: 0}, 2)
	coord.Reset()

	ctx0 := New(0, accel, log)
	ctx1 := New(1, accel, log)

	const dagBytes = 1024
	cacheData := make([]byte, 64)

	done := make(chan error, 2)
	go func() { done <- ctx1.Init(7, 64, dagBytes, cacheData, coord, 1) }()
	// Give the non-designated worker a chance to start polling before
	// the designated one publishes, so the wait path is exercised.
	time.Sleep(20 * time.Millisecond)
	go func() { done <- ctx0.Init(7, 64, dagBytes, cacheData, coord, 0) }()

	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.True(t, accel.generated[0], "designated device must generate the DAG")
	assert.False(t, accel.generated[1], "non-designated device must not generate its own DAG")
	assert.Equal(t, accel.dagOf[0], accel.dagOf[1], "shared DAG bytes must reach the non-designated device")

	coord.singleMu.Lock()
	shared := coord.sharedDAG
	coord.singleMu.Unlock()
	assert.Nil(t, shared, "shared host buffer must be freed once every device has copied")
}

func TestParallelDAGLoadModeGeneratesLocally(t *testing.T) {
	accel := newFakeAccelerator()
	log := testLogger(t)
	coord := NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	coord.Reset()

	ctx := New(0, accel, log)
	require.NoError(t, ctx.Init(1, 64, 256, make([]byte, 64), coord, 0))
	assert.True(t, accel.generated[0])
}

func TestInitFailsFastOnOversizedDAG(t *testing.T) {
	accel := newFakeAccelerator()
	accel.totalMemory = 100
	log := testLogger(t)
	coord := NewLoadCoordinator(config.DeviceConfig{DAGLoadMode: config.DAGLoadParallel}, 1)
	coord.Reset()

	ctx := New(0, accel, log)
	err := ctx.Init(1, 64, 1<<20, make([]byte, 64), coord, 0)
	assert.Error(t, err)
}
