// Package fault tracks node failures over a sliding window, quarantines
// nodes that fail too often, and heals molecules that reference failed
// packets. Quarantine is the only automatic recovery in the system: nodes
// are never restarted, they just stop receiving traffic until their failure
// window ages out.
package fault

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/routing"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes the failure window and recovery behavior.
type Config struct {
	WindowSize        time.Duration // how long a failure counts against a node
	FailureThreshold  int           // in-window failures that trigger quarantine
	SweepInterval     time.Duration // cadence of the pruning sweep
	RecoveryThreshold float64       // minimum stability for a healed molecule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:        60 * time.Second,
		FailureThreshold:  3,
		SweepInterval:     10 * time.Second,
		RecoveryThreshold: 0.3,
	}
}

// Metrics is a point-in-time snapshot of detector counters.
type Metrics struct {
	TotalFailures     int64
	TotalSuccesses    int64
	TotalQuarantines  int64
	TotalRecoveries   int64
	HealAttempts      int64
	HealSuccesses     int64
	ActiveQuarantines int
	LastSweep         time.Time
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector maintains per-node failure timestamps and the quarantine set.
// It implements routing.HealthChecker so the router can skip quarantined
// nodes.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	failures    map[string][]time.Time
	quarantined map[string]bool
	lastSweep   time.Time

	onUnhealthy func(nodeID string, failures int)
	onRecovered func(nodeID string)

	running bool
	stopCh  chan struct{}
	sweepWg sync.WaitGroup

	// Metrics (atomic for lock-free reads).
	totalFailures    int64
	totalSuccesses   int64
	totalQuarantines int64
	totalRecoveries  int64
	healAttempts     int64
	healSuccesses    int64
}

var _ routing.HealthChecker = (*Detector)(nil)

// New creates a detector, applying defaults for zero config values.
func New(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 0.3
	}
	return &Detector{
		cfg:         cfg,
		failures:    make(map[string][]time.Time),
		quarantined: make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// SetUnhealthyCallback installs the quarantine notification. The callback
// runs on the goroutine that recorded the triggering failure and must not
// block.
func (d *Detector) SetUnhealthyCallback(fn func(nodeID string, failures int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUnhealthy = fn
}

// SetRecoveredCallback installs the quarantine-release notification.
func (d *Detector) SetRecoveredCallback(fn func(nodeID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRecovered = fn
}

// Start launches the periodic sweep. Idempotent.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.sweepWg.Add(1)
	go d.sweepLoop()
	logging.Fault("detector: started (window=%v, threshold=%d, sweep=%v)",
		d.cfg.WindowSize, d.cfg.FailureThreshold, d.cfg.SweepInterval)
	return nil
}

// Stop halts the periodic sweep. Idempotent.
func (d *Detector) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.sweepWg.Wait()
	logging.Fault("detector: stopped")
	return nil
}

func (d *Detector) sweepLoop() {
	defer d.sweepWg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

// =============================================================================
// FAILURE TRACKING
// =============================================================================

// RecordFailure appends a failure timestamp for the node. When the in-window
// count reaches the threshold the node enters quarantine and the unhealthy
// callback fires once per quarantine episode.
func (d *Detector) RecordFailure(nodeID string) {
	atomic.AddInt64(&d.totalFailures, 1)
	now := time.Now()

	d.mu.Lock()
	d.failures[nodeID] = append(d.pruneLocked(nodeID, now), now)
	count := len(d.failures[nodeID])

	var fire func(string, int)
	if count >= d.cfg.FailureThreshold && !d.quarantined[nodeID] {
		d.quarantined[nodeID] = true
		atomic.AddInt64(&d.totalQuarantines, 1)
		fire = d.onUnhealthy
	}
	d.mu.Unlock()

	if fire != nil {
		logging.FaultWarn("detector: node %s quarantined after %d failures in %v",
			nodeID, count, d.cfg.WindowSize)
		fire(nodeID, count)
	} else {
		logging.FaultDebug("detector: node %s failure %d/%d", nodeID, count, d.cfg.FailureThreshold)
	}
}

// RecordSuccess counts a successful completion. Successes do not shrink the
// failure window; they exist for the metrics surface.
func (d *Detector) RecordSuccess(nodeID string) {
	atomic.AddInt64(&d.totalSuccesses, 1)
}

// IsHealthy reports whether the node is outside quarantine.
func (d *Detector) IsHealthy(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.quarantined[nodeID]
}

// FailureCount returns the node's current in-window failure count.
func (d *Detector) FailureCount(nodeID string) int {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	pruned := d.pruneLocked(nodeID, now)
	if len(pruned) == 0 {
		delete(d.failures, nodeID)
	} else {
		d.failures[nodeID] = pruned
	}
	return len(pruned)
}

// Quarantined returns the quarantined node IDs, sorted.
func (d *Detector) Quarantined() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.quarantined))
	for id := range d.quarantined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Sweep prunes aged failures and releases nodes whose in-window count fell
// below the threshold. Runs periodically; exported so callers can force a
// sweep.
func (d *Detector) Sweep() {
	now := time.Now()
	var recovered []string

	d.mu.Lock()
	for nodeID := range d.failures {
		pruned := d.pruneLocked(nodeID, now)
		if len(pruned) == 0 {
			delete(d.failures, nodeID)
		} else {
			d.failures[nodeID] = pruned
		}
		if d.quarantined[nodeID] && len(pruned) < d.cfg.FailureThreshold {
			delete(d.quarantined, nodeID)
			atomic.AddInt64(&d.totalRecoveries, 1)
			recovered = append(recovered, nodeID)
		}
	}
	d.lastSweep = now
	fire := d.onRecovered
	d.mu.Unlock()

	for _, nodeID := range recovered {
		logging.Fault("detector: node %s recovered, failure window aged out", nodeID)
		if fire != nil {
			fire(nodeID)
		}
	}
}

// pruneLocked drops timestamps older than the window. Caller holds d.mu.
func (d *Detector) pruneLocked(nodeID string, now time.Time) []time.Time {
	cutoff := now.Add(-d.cfg.WindowSize)
	ts := d.failures[nodeID]
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}

// Metrics snapshots the detector counters.
func (d *Detector) Metrics() Metrics {
	d.mu.Lock()
	active := len(d.quarantined)
	last := d.lastSweep
	d.mu.Unlock()

	return Metrics{
		TotalFailures:     atomic.LoadInt64(&d.totalFailures),
		TotalSuccesses:    atomic.LoadInt64(&d.totalSuccesses),
		TotalQuarantines:  atomic.LoadInt64(&d.totalQuarantines),
		TotalRecoveries:   atomic.LoadInt64(&d.totalRecoveries),
		HealAttempts:      atomic.LoadInt64(&d.healAttempts),
		HealSuccesses:     atomic.LoadInt64(&d.healSuccesses),
		ActiveQuarantines: active,
		LastSweep:         last,
	}
}
