// Package farm implements component H: the supervisor that publishes
// work to every device worker, aggregates hash counts, forwards
// hashrate reports and submissions to the protocol engine, and keeps
// the counters an external admin surface would read (§6 "Admin surface
// (external)" stubs are exposed via Snapshot).
package farm

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gpuminer/internal/device"
	"gpuminer/internal/logger"
	"gpuminer/internal/work"
)

// Kicker is the subset of search.Worker the Farm needs to invalidate
// in-flight batches on a work change or shutdown (§9: capability set,
// not an inheritance hierarchy).
type Kicker interface {
	Kick()
	Stop()
}

// StatusReporter is implemented by workers that can report their
// device's lifecycle state; satisfied optionally (a fakeKicker in tests
// need not implement it) and checked with a type assertion in
// RegisterWorker.
type StatusReporter interface {
	Status() device.Status
}

// Submitter is the subset of protocol.Engine the Farm forwards
// submissions and hashrate reports to.
type Submitter interface {
	SubmitSolution(work.Solution)
	SubmitHashrate(hashesPerSecond float64)
}

// DeviceStats is one worker's point-in-time counters, exposed through
// Snapshot for the out-of-core admin surface (§6).
type DeviceStats struct {
	Index          int
	HashCount      uint64
	LastHashrate   float64
	FailedSolution uint64
	Status         device.Status
}

// Snapshot is the aggregate state an external `miner_getstat1`-style
// handler would read (§6: "required signatures exposed as collaborator
// stubs").
type Snapshot struct {
	Devices       []DeviceStats
	TotalHashrate float64
	Accepted      uint64
	Rejected      uint64
}

type deviceCounters struct {
	hashCount      atomic.Uint64
	lastSample     atomic.Uint64
	lastHashrate   atomic.Uint64 // math.Float64bits
	failedSolution atomic.Uint64
}

// Farm is the single-writer/many-reader work distributor (§5: "The
// current WorkPackage is an atomically swappable shared value").
type Farm struct {
	log *logger.Logger

	current atomic.Pointer[work.WorkPackage]
	stop    atomic.Bool

	mu       sync.RWMutex
	workers  map[int]Kicker
	counts   map[int]*deviceCounters
	statuses map[int]StatusReporter

	submitter Submitter

	acceptedTotal atomic.Uint64
	rejectedTotal atomic.Uint64

	metrics *metrics
}

type metrics struct {
	hashrate  *prometheus.GaugeVec
	accepted  prometheus.Counter
	rejected  prometheus.Counter
	failed    *prometheus.CounterVec
}

// New constructs an empty Farm; RegisterWorker each device before
// starting its search loop.
func New(log *logger.Logger, submitter Submitter, registry *prometheus.Registry) *Farm {
	m := &metrics{
		hashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gpuminer",
			Name:      "device_hashrate",
			Help:      "Most recent per-device hashrate in hashes/sec.",
		}, []string{"device"}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpuminer", Name: "shares_accepted_total", Help: "Accepted submissions.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpuminer", Name: "shares_rejected_total", Help: "Rejected submissions.",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpuminer", Name: "failed_solutions_total", Help: "GPU results that failed host re-evaluation.",
		}, []string{"device"}),
	}
	if registry != nil {
		registry.MustRegister(m.hashrate, m.accepted, m.rejected, m.failed)
	}

	f := &Farm{
		log:       log,
		workers:   make(map[int]Kicker),
		counts:    make(map[int]*deviceCounters),
		statuses:  make(map[int]StatusReporter),
		submitter: submitter,
		metrics:   m,
	}
	empty := work.WorkPackage{}
	f.current.Store(&empty)
	return f
}

// RegisterWorker adds a device to the distribution set and returns the
// per-worker port to install on it with search.Worker.SetFarm, so the
// worker never needs to know its own index when
// reporting back (§9: "workers hold a weak/back reference used only to
// call submitProof/failedSolution/addHashCount").
func (f *Farm) RegisterWorker(index int, w Kicker) *WorkerPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[index] = w
	f.counts[index] = &deviceCounters{}
	if reporter, ok := w.(StatusReporter); ok {
		f.statuses[index] = reporter
	}
	return &WorkerPort{farm: f, index: index}
}

// WorkerPort is the capability set one search.Worker sees of its Farm
// (§9), binding the device index so callbacks never need to pass it.
type WorkerPort struct {
	farm  *Farm
	index int
}

func (p *WorkerPort) Work() work.WorkPackage          { return p.farm.Work() }
func (p *WorkerPort) AddHashCount(n uint64)            { p.farm.AddHashCount(p.index, n) }
func (p *WorkerPort) SubmitSolution(sol work.Solution) { p.farm.SubmitSolution(p.index, sol) }
func (p *WorkerPort) FailedSolution()                  { p.farm.FailedSolution(p.index) }
func (p *WorkerPort) ShouldStop() bool                 { return p.farm.ShouldStop() }

// PublishWork installs a new work package, visible to every worker's
// next Work() call, and kicks every registered worker so an in-flight
// batch against stale work is preempted at its next iteration boundary
// (§4.7 "Kick semantics", §5 "Ordering guarantees").
func (f *Farm) PublishWork(w work.WorkPackage) {
	f.current.Store(&w)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, worker := range f.workers {
		worker.Kick()
	}
}

// Work returns the current published work package (component G's
// "non-blocking read of the latest published work").
func (f *Farm) Work() work.WorkPackage {
	return *f.current.Load()
}

// ShouldStop reports the supervisor-wide shutdown flag.
func (f *Farm) ShouldStop() bool { return f.stop.Load() }

// Stop signals every worker to shut down (§5 "Shutdown").
func (f *Farm) Stop() {
	f.stop.Store(true)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, worker := range f.workers {
		worker.Stop()
	}
}

// AddHashCount accumulates device index's hash counter (called from the
// worker's own goroutine, so no cross-device synchronization needed
// beyond the atomic add).
func (f *Farm) AddHashCount(deviceIndex int, n uint64) {
	f.mu.RLock()
	c, ok := f.counts[deviceIndex]
	f.mu.RUnlock()
	if !ok {
		return
	}
	c.hashCount.Add(n)
}

// SubmitSolution forwards a candidate to the protocol engine (§4.8
// "forwards submissions").
func (f *Farm) SubmitSolution(deviceIndex int, sol work.Solution) {
	f.submitter.SubmitSolution(sol)
}

// FailedSolution records a bad GPU result (§7 kind 7, boundary scenario
// 6): the kernel returned a nonce whose host re-evaluation didn't meet
// the boundary.
func (f *Farm) FailedSolution(deviceIndex int) {
	f.mu.RLock()
	c, ok := f.counts[deviceIndex]
	f.mu.RUnlock()
	if !ok {
		return
	}
	c.failedSolution.Add(1)
	f.metrics.failed.WithLabelValues(deviceLabel(deviceIndex)).Inc()
}

// OnSolutionAccepted/OnSolutionRejected update the submission counters;
// wire these to protocol.Engine.OnSolutionAccepted/OnSolutionRejected.
func (f *Farm) OnSolutionAccepted(stale bool) {
	f.acceptedTotal.Add(1)
	f.metrics.accepted.Inc()
}

func (f *Farm) OnSolutionRejected(stale bool) {
	f.rejectedTotal.Add(1)
	f.metrics.rejected.Inc()
}

// Tick samples every device's hash counter since the last call, derives
// a hashrate, forwards the aggregate to the protocol engine (debounced
// there), and updates the Prometheus gauges. Call this periodically
// from the supervisor thread (§5 "One supervisor thread... ticks
// metrics").
func (f *Farm) Tick(interval time.Duration) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var total float64
	for idx, c := range f.counts {
		cur := c.hashCount.Load()
		prev := c.lastSample.Swap(cur)
		rate := float64(cur-prev) / interval.Seconds()
		c.lastHashrate.Store(math.Float64bits(rate))
		f.metrics.hashrate.WithLabelValues(deviceLabel(idx)).Set(rate)
		total += rate
	}
	f.submitter.SubmitHashrate(total)
}

// Snapshot returns the current counters and per-device lifecycle state
// for the external admin surface (§6; SPEC_FULL.md's "structured device
// status" supplement).
func (f *Farm) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := Snapshot{
		Accepted: f.acceptedTotal.Load(),
		Rejected: f.rejectedTotal.Load(),
	}
	for idx, c := range f.counts {
		rate := math.Float64frombits(c.lastHashrate.Load())
		status := device.StatusIdle
		if reporter, ok := f.statuses[idx]; ok {
			status = reporter.Status()
		}
		snap.Devices = append(snap.Devices, DeviceStats{
			Index:          idx,
			HashCount:      c.hashCount.Load(),
			LastHashrate:   rate,
			FailedSolution: c.failedSolution.Load(),
			Status:         status,
		})
		snap.TotalHashrate += rate
	}
	return snap
}

func deviceLabel(index int) string {
	return "gpu" + strconv.Itoa(index)
}
