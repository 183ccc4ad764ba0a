// Package node implements the processing node: a bounded, ionization-weighted
// FIFO queue drained by a dedicated worker goroutine, a handler registry
// keyed by (group, element), and health derived from load and error history.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

// =============================================================================
// SPECIALIZATIONS
// =============================================================================

// Specialization declares the workload a node is tuned for. Routing affinity
// is a function of (packet group, node specialization).
type Specialization string

const (
	SpecCPUBound     Specialization = "cpu-bound"
	SpecMemoryBound  Specialization = "memory-bound"
	SpecIOBound      Specialization = "io-bound"
	SpecNetworkBound Specialization = "network-bound"
	SpecGeneral      Specialization = "general"
)

// Specializations returns the five specializations in canonical order.
func Specializations() []Specialization {
	return []Specialization{
		SpecCPUBound,
		SpecMemoryBound,
		SpecIOBound,
		SpecNetworkBound,
		SpecGeneral,
	}
}

// Valid reports whether s is a known specialization.
func (s Specialization) Valid() bool {
	switch s {
	case SpecCPUBound, SpecMemoryBound, SpecIOBound, SpecNetworkBound, SpecGeneral:
		return true
	}
	return false
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrOverloaded is returned when admission control rejects a packet.
	ErrOverloaded = errors.New("node is overloaded")

	// ErrStopped is returned when enqueueing on a stopped node.
	ErrStopped = errors.New("node is stopped")

	// ErrInvalidSpecialization rejects unknown specializations.
	ErrInvalidSpecialization = errors.New("invalid node specialization")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Health thresholds. A node is healthy only while its error rate and load
// factor stay below these bounds and it has shown recent activity.
const (
	MaxHealthyErrorRate  = 0.1
	MaxHealthyLoadFactor = 0.9
)

// Config configures a processing node.
type Config struct {
	ID             string
	Specialization Specialization
	MaxCapacity    float64       // total ionization energy the node may hold
	ActivityWindow time.Duration // recency horizon for the health check
	DrainTimeout   time.Duration // how long Stop waits for the worker
}

// DefaultConfig returns a node config with production defaults.
func DefaultConfig(id string, spec Specialization) Config {
	return Config{
		ID:             id,
		Specialization: spec,
		MaxCapacity:    10.0,
		ActivityWindow: 60 * time.Second,
		DrainTimeout:   5 * time.Second,
	}
}

// =============================================================================
// NODE
// =============================================================================

// queuedPacket pairs a packet with the channel its result is delivered on.
type queuedPacket struct {
	p          packet.Packet
	result     chan packet.Result
	enqueuedAt time.Time
}

// ResultCallback observes every completed packet on a node. The reactor uses
// it to feed execution failures to the fault detector.
type ResultCallback func(nodeID string, p packet.Packet, res packet.Result)

// Node is a processing node. Admission is charged in ionization energy:
// currentLoad never exceeds MaxCapacity, incremented on enqueue and released
// on completion. A single worker goroutine drains the queue in FIFO order.
type Node struct {
	id             string
	specialization Specialization
	maxCapacity    float64

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []queuedPacket
	currentLoad  float64
	running      bool
	lastActivity time.Time

	handlers *Registry
	onResult atomic.Value // ResultCallback

	workerWg     sync.WaitGroup
	drainTimeout time.Duration
	window       time.Duration

	// Metrics (atomic for lock-free reads).
	processed int64
	errCount  int64
}

// New creates a node, applying defaults for zero config values.
func New(cfg Config) (*Node, error) {
	if cfg.Specialization == "" {
		cfg.Specialization = SpecGeneral
	}
	if !cfg.Specialization.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSpecialization, cfg.Specialization)
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("node-%s", uuid.NewString()[:8])
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 10.0
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = 60 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	n := &Node{
		id:             cfg.ID,
		specialization: cfg.Specialization,
		maxCapacity:    cfg.MaxCapacity,
		handlers:       NewRegistry(),
		drainTimeout:   cfg.DrainTimeout,
		window:         cfg.ActivityWindow,
	}
	n.cond = sync.NewCond(&n.mu)
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Specialization returns the node's workload specialization.
func (n *Node) Specialization() Specialization { return n.specialization }

// MaxCapacity returns the node's admission budget.
func (n *Node) MaxCapacity() float64 { return n.maxCapacity }

// Register adds a handler for (group, element) on this node.
func (n *Node) Register(group packet.Group, element string, h Handler) error {
	return n.handlers.Register(group, element, h)
}

// Handlers exposes the node's handler registry.
func (n *Node) Handlers() *Registry { return n.handlers }

// SetResultCallback installs the completion observer. Must be set before
// Start; the callback runs on the worker goroutine and must not block.
func (n *Node) SetResultCallback(cb ResultCallback) {
	n.onResult.Store(cb)
}

// Start launches the worker. Idempotent.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	n.running = true
	n.lastActivity = time.Now()
	n.workerWg.Add(1)
	go n.worker()
	logging.Node("node %s: started (spec=%s, capacity=%.2f)", n.id, n.specialization, n.maxCapacity)
	return nil
}

// Stop shuts the worker down. The in-flight packet finishes; packets still
// queued are failed with a handler-failure result so waiting callers do not
// hang. Idempotent.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.cond.Broadcast()
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Node("node %s: stopped", n.id)
	case <-time.After(n.drainTimeout):
		logging.NodeWarn("node %s: drain timeout exceeded, worker still busy", n.id)
	}
	return nil
}

// =============================================================================
// ADMISSION AND QUEUE
// =============================================================================

// CanAccept reports whether the packet's ionization energy fits in the
// node's remaining capacity.
func (n *Node) CanAccept(p packet.Packet) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running && n.currentLoad+p.IonizationEnergy() <= n.maxCapacity
}

// Enqueue admits a packet and returns the channel its result will arrive on.
// The channel is buffered; abandoning it never blocks the worker.
func (n *Node) Enqueue(p packet.Packet) (<-chan packet.Result, error) {
	cost := p.IonizationEnergy()

	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStopped, n.id)
	}
	if n.currentLoad+cost > n.maxCapacity {
		load := n.currentLoad
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s load %.2f/%.2f cannot take %.2f",
			ErrOverloaded, n.id, load, n.maxCapacity, cost)
	}
	n.currentLoad += cost
	qp := queuedPacket{
		p:          p,
		result:     make(chan packet.Result, 1),
		enqueuedAt: time.Now(),
	}
	n.queue = append(n.queue, qp)
	n.cond.Signal()
	depth := len(n.queue)
	n.mu.Unlock()

	logging.NodeDebug("node %s: queued packet %s (%s:%s, cost=%.2f, depth=%d)",
		n.id, p.ID, p.Group, p.Element, cost, depth)
	return qp.result, nil
}

// QueueDepth returns the number of packets waiting to be processed.
func (n *Node) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// =============================================================================
// WORKER
// =============================================================================

func (n *Node) worker() {
	defer n.workerWg.Done()
	logging.NodeDebug("node %s: worker started", n.id)

	for {
		n.mu.Lock()
		for n.running && len(n.queue) == 0 {
			n.cond.Wait()
		}
		if !n.running {
			rest := n.queue
			n.queue = nil
			n.currentLoad = 0
			n.mu.Unlock()
			for _, qp := range rest {
				qp.result <- packet.Failure(qp.p.ID, packet.CodeHandlerFailure,
					"node stopped before packet was processed", time.Since(qp.enqueuedAt))
			}
			logging.NodeDebug("node %s: worker stopping, failed %d queued packets", n.id, len(rest))
			return
		}
		qp := n.queue[0]
		n.queue = n.queue[1:]
		n.lastActivity = time.Now()
		n.mu.Unlock()

		n.process(qp)
	}
}

// process runs one packet end to end and releases its load.
func (n *Node) process(qp queuedPacket) {
	res := n.invoke(qp.p)

	atomic.AddInt64(&n.processed, 1)
	if res.ErrorCode == packet.CodeHandlerFailure {
		atomic.AddInt64(&n.errCount, 1)
	}

	n.mu.Lock()
	n.currentLoad -= qp.p.IonizationEnergy()
	if n.currentLoad < 0 {
		n.currentLoad = 0
	}
	n.lastActivity = time.Now()
	n.mu.Unlock()

	if cb, ok := n.onResult.Load().(ResultCallback); ok && cb != nil {
		cb(n.id, qp.p, res)
	}
	qp.result <- res

	if res.OK() {
		logging.NodeDebug("node %s: packet %s done in %v", n.id, qp.p.ID, res.Duration)
	} else {
		logging.NodeDebug("node %s: packet %s failed (%s: %s)", n.id, qp.p.ID, res.ErrorCode, res.ErrorMessage)
	}
}

// invoke resolves and runs the handler for a packet. Handler errors and
// panics become failed Results; they never reach the worker loop.
func (n *Node) invoke(p packet.Packet) packet.Result {
	start := time.Now()

	h, ok := n.handlers.Lookup(p.Group, p.Element)
	if !ok {
		return packet.Failure(p.ID, packet.CodeNoHandler,
			fmt.Sprintf("no handler for (%s, %s)", p.Group, p.Element), time.Since(start))
	}

	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	data, err := runHandler(ctx, h, p.Data)
	if err != nil {
		return packet.Failure(p.ID, packet.CodeHandlerFailure, err.Error(), time.Since(start))
	}
	return packet.Success(p.ID, data, time.Since(start))
}

// runHandler converts handler panics into errors.
func runHandler(ctx context.Context, h Handler, data any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, data)
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

// LoadFactor is currentLoad/maxCapacity in [0,1].
func (n *Node) LoadFactor() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentLoad / n.maxCapacity
}

// ErrorRate is the fraction of processed packets that failed in their
// handler. A node that has processed nothing has error rate 0.
func (n *Node) ErrorRate() float64 {
	processed := atomic.LoadInt64(&n.processed)
	if processed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&n.errCount)) / float64(processed)
}

// Healthy derives the node's health: recent activity, error rate below
// MaxHealthyErrorRate, load factor below MaxHealthyLoadFactor.
func (n *Node) Healthy() bool {
	n.mu.Lock()
	recent := n.running && time.Since(n.lastActivity) <= n.window
	load := n.currentLoad / n.maxCapacity
	n.mu.Unlock()

	return recent && n.ErrorRate() < MaxHealthyErrorRate && load < MaxHealthyLoadFactor
}

// Stats is a point-in-time snapshot of a node's counters and health.
type Stats struct {
	ID             string
	Specialization Specialization
	Processed      int64
	Errors         int64
	CurrentLoad    float64
	MaxCapacity    float64
	QueueDepth     int
	LoadFactor     float64
	ErrorRate      float64
	Healthy        bool
	LastActivity   time.Time
}

// Stats snapshots the node.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	load := n.currentLoad
	depth := len(n.queue)
	last := n.lastActivity
	n.mu.Unlock()

	return Stats{
		ID:             n.id,
		Specialization: n.specialization,
		Processed:      atomic.LoadInt64(&n.processed),
		Errors:         atomic.LoadInt64(&n.errCount),
		CurrentLoad:    load,
		MaxCapacity:    n.maxCapacity,
		QueueDepth:     depth,
		LoadFactor:     load / n.maxCapacity,
		ErrorRate:      n.ErrorRate(),
		Healthy:        n.Healthy(),
		LastActivity:   last,
	}
}
