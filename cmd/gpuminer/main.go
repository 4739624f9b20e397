// Command gpuminer wires the pool protocol engine, the Farm supervisor
// and one search.Worker per configured device into a running miner.
//
// Process bootstrap and flag parsing are out of scope (§1): this main
// reads its configuration from the fixed executable-relative path
// config.Load already implements, the same way the teacher's own
// composition root has no flag package dependency.
package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"gpuminer/internal/config"
	"gpuminer/internal/device"
	"gpuminer/internal/farm"
	"gpuminer/internal/kernel"
	"gpuminer/internal/logger"
	"gpuminer/internal/protocol"
	"gpuminer/internal/search"
	"gpuminer/internal/session"
	"gpuminer/internal/work"
)

// newAccelerator, newAlgorithm, newCompiler, newLauncher,
// newSourceProvider and runtimeKernelSource are populated by a platform
// build (a cgo binding to the vendor's GPU driver and the Ethash/ProgPoW
// math library, §1's external collaborators). The factories are left nil
// here on purpose, and runtimeKernelSource returns no source: this
// module implements the protocol and lifecycle logic those bindings plug
// into, not the bindings themselves.
var (
	newAccelerator      func() (device.Accelerator, error)
	newAlgorithm        func() work.Algorithm
	newCompiler         func() kernel.Compiler
	newLauncher         func() search.Launcher
	newSourceProvider   func() kernel.SourceProvider
	runtimeKernelSource kernel.RuntimeSource = func() []byte { return nil }
)

// lazyEngine is the farm.Submitter the Farm is constructed with before
// the first pool connection exists. The connect loop swaps in the live
// *protocol.Engine after every successful dial, so device workers never
// need to know a reconnect happened.
type lazyEngine struct {
	mu     sync.Mutex
	engine *protocol.Engine
}

func (l *lazyEngine) set(e *protocol.Engine) {
	l.mu.Lock()
	l.engine = e
	l.mu.Unlock()
}

func (l *lazyEngine) SubmitSolution(sol work.Solution) {
	l.mu.Lock()
	e := l.engine
	l.mu.Unlock()
	if e != nil {
		e.SubmitSolution(sol)
	}
}

func (l *lazyEngine) SubmitHashrate(hashesPerSecond float64) {
	l.mu.Lock()
	e := l.engine
	l.mu.Unlock()
	if e != nil {
		e.SubmitHashrate(hashesPerSecond)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err) // no logger yet to report through
	}

	log, err := logger.New(cfg.LogDir(), cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("main", "invalid configuration: %v", err)
	}

	if newAccelerator == nil || newAlgorithm == nil || newCompiler == nil || newLauncher == nil || newSourceProvider == nil {
		log.Fatalf("main", "no GPU accelerator backend compiled into this binary")
	}

	accel, err := newAccelerator()
	if err != nil {
		log.Fatalf("main", "accelerator init: %v", err)
	}
	algo := newAlgorithm()
	compiler := newCompiler()
	launcher := newLauncher()
	sourceProvider := newSourceProvider()

	runUUID := uuid.New()

	registry := prometheus.NewRegistry()
	le := &lazyEngine{}
	fm := farm.New(log, le, registry)

	coord := device.NewLoadCoordinator(cfg.Devices, len(cfg.Devices.Indices))

	for _, idx := range cfg.Devices.Indices {
		ctx := device.New(idx, accel, log)
		ccMajor, ccMinor, err := accel.ComputeCapability(idx)
		if err != nil {
			log.Errorf("main", "device %d: compute capability: %v", idx, err)
			continue
		}

		worker := search.NewWorker(idx, ctx, coord, sourceProvider, runtimeKernelSource, compiler, launcher, algo, log, cfg.Farm, 8192, 256, ccMajor, ccMinor)
		port := fm.RegisterWorker(idx, worker)
		worker.SetFarm(port)
		go worker.Run()
	}

	go tickLoop(fm, 2*time.Second)

	reconnectLoop(log, cfg, fm, le, runUUID)
}

func tickLoop(fm *farm.Farm, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if fm.ShouldStop() {
			return
		}
		fm.Tick(interval)
	}
}

// reconnectLoop owns the pool connection's whole lifetime: dial,
// publish the live engine to the Farm's submitter, run until
// disconnected, then back off and redial. Device workers never restart
// across a reconnect, only the protocol engine and its Session do
// (grounded on upstream/client.go's reconnectLoop, §9's supplemented
// "reconnect/backoff supervision").
func reconnectLoop(log *logger.Logger, cfg *config.Config, fm *farm.Farm, le *lazyEngine, runUUID uuid.UUID) {
	backoff := session.NewBackoff(time.Second, 30*time.Second)

	for !fm.ShouldStop() {
		done := make(chan error, 1)

		engine, err := protocol.NewEngine(log, cfg.Pool, time.Duration(cfg.Farm.WorkTimeoutSec)*time.Second, time.Duration(cfg.Farm.HashrateDebounceMs)*time.Millisecond, runUUID)
		if err != nil {
			log.Errorf("main", "connect to %s: %v", cfg.Pool.Host, err)
			time.Sleep(backoff.Next())
			continue
		}

		engine.OnWorkPackage = fm.PublishWork
		engine.OnSolutionAccepted = fm.OnSolutionAccepted
		engine.OnSolutionRejected = fm.OnSolutionRejected
		engine.OnDisconnected = func(err error) {
			log.Warnf("main", "disconnected from %s: %v", cfg.Pool.Host, err)
			done <- err
		}

		le.set(engine)
		backoff.Reset()
		log.Infof("main", "connected to %s", cfg.Pool.Host)

		go engine.Run()
		<-done
		le.set(nil)

		if fm.ShouldStop() {
			return
		}
		time.Sleep(backoff.Next())
	}
}
