package optimizer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/molecule"
)

// MoleculeSource supplies the molecules to examine each sweep. The reactor
// core implements it.
type MoleculeSource interface {
	Molecules() []*molecule.Molecule
}

// EngineMetrics snapshots the periodic engine's counters.
type EngineMetrics struct {
	Sweeps             int64
	MoleculesExamined  int64
	MoleculesOptimized int64
	TotalRounds        int64
	LastSweep          time.Time
}

// Engine sweeps a molecule source on a fixed interval and optimizes every
// molecule that ShouldOptimize flags.
type Engine struct {
	opt    *Optimizer
	source MoleculeSource

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	lastSweep time.Time

	sweeps    int64
	examined  int64
	optimized int64
	rounds    int64
}

// NewEngine creates a periodic engine over the given source.
func NewEngine(cfg Config, source MoleculeSource) *Engine {
	return &Engine{
		opt:    New(cfg),
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Optimizer exposes the engine's rule set for direct calls.
func (e *Engine) Optimizer() *Optimizer {
	return e.opt
}

// Start launches the sweep loop. Idempotent.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.loop()
	logging.Optimizer("engine: started (interval=%v, threshold=%.2f, max_size=%d)",
		e.opt.cfg.Interval, e.opt.cfg.StabilityThreshold, e.opt.cfg.MaxCompositionSize)
	return nil
}

// Stop halts the sweep loop. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	logging.Optimizer("engine: stopped")
	return nil
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opt.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.SweepOnce()
		}
	}
}

// SweepOnce examines every molecule in the source and optimizes the
// candidates. Exported so callers can force a sweep.
func (e *Engine) SweepOnce() {
	timer := logging.StartTimer(logging.CategoryOptimizer, "optimization sweep")
	defer timer.Stop()

	atomic.AddInt64(&e.sweeps, 1)
	for _, m := range e.source.Molecules() {
		atomic.AddInt64(&e.examined, 1)
		if !e.opt.ShouldOptimize(m) {
			continue
		}
		out := e.opt.Optimize(m)
		atomic.AddInt64(&e.rounds, int64(out.Rounds))
		if out.Changed() {
			atomic.AddInt64(&e.optimized, 1)
		}
	}

	e.mu.Lock()
	e.lastSweep = time.Now()
	e.mu.Unlock()
}

// Metrics snapshots the engine counters.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.Lock()
	last := e.lastSweep
	e.mu.Unlock()
	return EngineMetrics{
		Sweeps:             atomic.LoadInt64(&e.sweeps),
		MoleculesExamined:  atomic.LoadInt64(&e.examined),
		MoleculesOptimized: atomic.LoadInt64(&e.optimized),
		TotalRounds:        atomic.LoadInt64(&e.rounds),
		LastSweep:          last,
	}
}
