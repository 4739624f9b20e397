package farm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/internal/logger"
	"gpuminer/internal/work"
)

type fakeKicker struct {
	kicked int
	stopped bool
}

func (f *fakeKicker) Kick() { f.kicked++ }
func (f *fakeKicker) Stop() { f.stopped = true }

type fakeSubmitter struct {
	solutions []work.Solution
	rates     []float64
}

func (f *fakeSubmitter) SubmitSolution(s work.Solution)      { f.solutions = append(f.solutions, s) }
func (f *fakeSubmitter) SubmitHashrate(rate float64)         { f.rates = append(f.rates, rate) }

func newTestFarm(t *testing.T) (*Farm, *fakeSubmitter) {
	t.Helper()
	log, err := logger.New(t.TempDir(), "debug")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	sub := &fakeSubmitter{}
	return New(log, sub, nil), sub
}

func TestPublishWorkKicksEveryWorker(t *testing.T) {
	f, _ := newTestFarm(t)
	k0 := &fakeKicker{}
	k1 := &fakeKicker{}
	f.RegisterWorker(0, k0)
	f.RegisterWorker(1, k1)

	f.PublishWork(work.WorkPackage{Header: work.Hash{1}})

	assert.Equal(t, 1, k0.kicked)
	assert.Equal(t, 1, k1.kicked)
	assert.Equal(t, work.Hash{1}, f.Work().Header)
}

func TestWorkerPortForwardsByIndex(t *testing.T) {
	f, sub := newTestFarm(t)
	port := f.RegisterWorker(3, &fakeKicker{})

	port.AddHashCount(1000)
	port.SubmitSolution(work.Solution{Nonce: 42})
	port.FailedSolution()

	snap := f.Snapshot()
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, 3, snap.Devices[0].Index)
	assert.Equal(t, uint64(1000), snap.Devices[0].HashCount)
	assert.Equal(t, uint64(1), snap.Devices[0].FailedSolution)
	require.Len(t, sub.solutions, 1)
	assert.Equal(t, uint64(42), sub.solutions[0].Nonce)
}

func TestTickComputesHashrateAndForwardsAggregate(t *testing.T) {
	f, sub := newTestFarm(t)
	port := f.RegisterWorker(0, &fakeKicker{})
	port.AddHashCount(2_000_000)

	f.Tick(time.Second)

	require.Len(t, sub.rates, 1)
	assert.InDelta(t, 2_000_000, sub.rates[0], 1)
}

func TestStopStopsEveryWorker(t *testing.T) {
	f, _ := newTestFarm(t)
	k := &fakeKicker{}
	f.RegisterWorker(0, k)

	f.Stop()
	assert.True(t, f.ShouldStop())
	assert.True(t, k.stopped)
}
