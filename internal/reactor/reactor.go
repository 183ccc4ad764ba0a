// Package reactor wires the engine together: it owns the node registry and
// routing table, the molecule table, the optimization engine, and the fault
// detector, and it is the submission front door for packets.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c-u-l8er/packetflow/internal/fault"
	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/molecule"
	"github.com/c-u-l8er/packetflow/internal/node"
	"github.com/c-u-l8er/packetflow/internal/optimizer"
	"github.com/c-u-l8er/packetflow/internal/packet"
	"github.com/c-u-l8er/packetflow/internal/routing"
)

// =============================================================================
// ERRORS AND CONFIGURATION
// =============================================================================

var (
	// ErrDuplicateMolecule rejects molecule IDs already in the table.
	ErrDuplicateMolecule = errors.New("molecule already exists")

	// ErrUnknownMolecule is returned for operations on absent molecules.
	ErrUnknownMolecule = errors.New("molecule not found")

	// ErrSubmitTimeout means SubmitAndWait gave up waiting for a result.
	// The packet stays queued; cancellation is best-effort only.
	ErrSubmitTimeout = errors.New("timed out waiting for packet result")
)

// Config assembles the tunables of the whole engine.
type Config struct {
	DefaultSubmitTimeout time.Duration // used when a packet carries no timeout
	NodeActivityWindow   time.Duration // forwarded to created nodes
	NodeDrainTimeout     time.Duration // forwarded to created nodes
	Optimizer            optimizer.Config
	Fault                fault.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSubmitTimeout: 30 * time.Second,
		Optimizer:            optimizer.DefaultConfig(),
		Fault:                fault.DefaultConfig(),
	}
}

// Metrics snapshots the core's submission counters.
type Metrics struct {
	Submitted         int64
	RoutingFailures   int64
	EnqueueRejections int64
}

// SystemHealth aggregates per-node health and the molecule table.
type SystemHealth struct {
	TotalNodes      int
	HealthyNodes    int
	HealthRatio     float64
	AverageLoad     float64
	TotalProcessed  int64
	TotalErrors     int64
	Molecules       int
	StableMolecules int
}

// =============================================================================
// CORE
// =============================================================================

// Core is the reactor core. All methods are safe for concurrent use; Submit
// takes only read locks so submissions never serialize behind registry
// mutation.
type Core struct {
	cfg      Config
	table    *routing.Table
	detector *fault.Detector
	engine   *optimizer.Engine

	mu        sync.RWMutex
	molecules map[string]*molecule.Molecule

	nodeSeq int64

	submitted       int64
	routingFailures int64
	enqueueRejects  int64
}

var _ optimizer.MoleculeSource = (*Core)(nil)

// New assembles a core from config, applying defaults for zero values.
func New(cfg Config) *Core {
	if cfg.DefaultSubmitTimeout <= 0 {
		cfg.DefaultSubmitTimeout = 30 * time.Second
	}

	c := &Core{
		cfg:       cfg,
		table:     routing.NewTable(),
		detector:  fault.New(cfg.Fault),
		molecules: make(map[string]*molecule.Molecule),
	}
	c.engine = optimizer.NewEngine(cfg.Optimizer, c)
	c.table.SetHealthChecker(c.detector)
	c.detector.SetUnhealthyCallback(func(nodeID string, failures int) {
		logging.Reactor("core: node %s quarantined (%d recent failures)", nodeID, failures)
	})
	c.detector.SetRecoveredCallback(func(nodeID string) {
		logging.Reactor("core: node %s back in rotation", nodeID)
	})
	return c
}

// Detector exposes the fault detector.
func (c *Core) Detector() *fault.Detector { return c.detector }

// Engine exposes the optimization engine.
func (c *Core) Engine() *optimizer.Engine { return c.engine }

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start launches the optimization engine and fault sweeps. Nodes start
// individually as they are added. Idempotent.
func (c *Core) Start() error {
	if err := c.detector.Start(); err != nil {
		return fmt.Errorf("starting fault detector: %w", err)
	}
	if err := c.engine.Start(); err != nil {
		return fmt.Errorf("starting optimizer engine: %w", err)
	}
	logging.Reactor("core: started")
	return nil
}

// Stop halts the background loops and stops every node. Idempotent.
func (c *Core) Stop() error {
	var firstErr error
	if err := c.engine.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.detector.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, n := range c.table.Nodes() {
		if err := n.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Reactor("core: stopped")
	return firstErr
}

// Run starts the core, supervises the background loops until ctx is
// cancelled, then shuts everything down.
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.detector.Start(); err != nil {
			return fmt.Errorf("starting fault detector: %w", err)
		}
		<-gctx.Done()
		return c.detector.Stop()
	})
	g.Go(func() error {
		if err := c.engine.Start(); err != nil {
			return fmt.Errorf("starting optimizer engine: %w", err)
		}
		<-gctx.Done()
		return c.engine.Stop()
	})

	logging.Reactor("core: running")
	err := g.Wait()

	for _, n := range c.table.Nodes() {
		if stopErr := n.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	logging.Reactor("core: run finished")
	return err
}

// =============================================================================
// NODE MANAGEMENT
// =============================================================================

// AddNode creates, registers, and starts a node. Node IDs are assigned as
// "<specialization>-<n>" in creation order.
func (c *Core) AddNode(spec node.Specialization, capacity float64) (*node.Node, error) {
	cfg := node.DefaultConfig("", spec)
	cfg.ID = fmt.Sprintf("%s-%d", spec, atomic.AddInt64(&c.nodeSeq, 1))
	cfg.MaxCapacity = capacity
	if c.cfg.NodeActivityWindow > 0 {
		cfg.ActivityWindow = c.cfg.NodeActivityWindow
	}
	if c.cfg.NodeDrainTimeout > 0 {
		cfg.DrainTimeout = c.cfg.NodeDrainTimeout
	}

	n, err := node.New(cfg)
	if err != nil {
		return nil, err
	}
	n.SetResultCallback(c.observeResult)

	if err := c.table.Add(n); err != nil {
		return nil, err
	}
	if err := n.Start(); err != nil {
		_, _ = c.table.Remove(n.ID())
		return nil, err
	}
	logging.Reactor("core: added node %s (spec=%s, capacity=%.2f)", n.ID(), spec, capacity)
	return n, nil
}

// RemoveNode stops and deregisters a node. Its queued packets fail.
func (c *Core) RemoveNode(id string) error {
	n, err := c.table.Remove(id)
	if err != nil {
		return err
	}
	logging.Reactor("core: removing node %s", id)
	return n.Stop()
}

// Node looks up a registered node.
func (c *Core) Node(id string) (*node.Node, bool) {
	return c.table.Get(id)
}

// Nodes returns the registered nodes in registration order.
func (c *Core) Nodes() []*node.Node {
	return c.table.Nodes()
}

// RegisterHandler installs a handler for (group, element) on one node.
func (c *Core) RegisterHandler(nodeID string, group packet.Group, element string, h node.Handler) error {
	n, ok := c.table.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", routing.ErrUnknownNode, nodeID)
	}
	return n.Register(group, element, h)
}

// observeResult feeds execution outcomes to the fault detector. Dispatch
// misses (PF001) are not node failures and touch neither counter.
func (c *Core) observeResult(nodeID string, p packet.Packet, res packet.Result) {
	switch {
	case res.OK():
		c.detector.RecordSuccess(nodeID)
	case res.ErrorCode == packet.CodeHandlerFailure:
		c.detector.RecordFailure(nodeID)
	}
}

// =============================================================================
// MOLECULE TABLE
// =============================================================================

// CreateMolecule adds an empty molecule to the table. An empty id gets a
// generated UUID.
func (c *Core) CreateMolecule(id string) (*molecule.Molecule, error) {
	if id == "" {
		id = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.molecules[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMolecule, id)
	}
	m := molecule.New(id)
	c.molecules[id] = m
	logging.Molecule("core: created molecule %s", id)
	return m, nil
}

// Molecule looks up a molecule by ID.
func (c *Core) Molecule(id string) (*molecule.Molecule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.molecules[id]
	return m, ok
}

// RemoveMolecule drops a molecule from the table.
func (c *Core) RemoveMolecule(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.molecules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMolecule, id)
	}
	delete(c.molecules, id)
	logging.Molecule("core: removed molecule %s", id)
	return nil
}

// Molecules returns a snapshot of the molecule table. Implements
// optimizer.MoleculeSource.
func (c *Core) Molecules() []*molecule.Molecule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*molecule.Molecule, 0, len(c.molecules))
	for _, m := range c.molecules {
		out = append(out, m)
	}
	return out
}

// SynthesizeMolecules unions two molecules into a new registered molecule.
// The sources stay in the table; remove them explicitly if the synthesis
// replaces them.
func (c *Core) SynthesizeMolecules(aID, bID, newID string) (*molecule.Molecule, error) {
	a, ok := c.Molecule(aID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMolecule, aID)
	}
	b, ok := c.Molecule(bID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMolecule, bID)
	}
	if newID == "" {
		newID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.molecules[newID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMolecule, newID)
	}
	merged := molecule.Synthesize(a, b, newID)
	c.molecules[newID] = merged
	logging.Molecule("core: synthesized %s from %s + %s (stability %.3f)",
		newID, aID, bID, merged.Stability())
	return merged, nil
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit routes and enqueues one packet. The returned channel delivers
// exactly one Result. Admission problems are delivered as error Results on
// the channel: PF003 when no node is available, PF004 when the chosen node
// rejected the enqueue. Only malformed packets error directly.
func (c *Core) Submit(ctx context.Context, p packet.Packet) (<-chan packet.Result, error) {
	if !p.Group.Valid() {
		return nil, fmt.Errorf("%w: %q", packet.ErrInvalidGroup, p.Group)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.submitted, 1)
	start := time.Now()

	n, err := c.table.Route(p)
	if err != nil {
		atomic.AddInt64(&c.routingFailures, 1)
		logging.ReactorDebug("core: no route for packet %s: %v", p.ID, err)
		return deliver(packet.Failure(p.ID, packet.CodeNoAvailableNode, err.Error(), time.Since(start))), nil
	}

	ch, err := n.Enqueue(p)
	if err != nil {
		// The routing check and the enqueue race with other submitters;
		// losing the race is an admission error, not a node failure.
		atomic.AddInt64(&c.enqueueRejects, 1)
		logging.ReactorDebug("core: node %s rejected packet %s: %v", n.ID(), p.ID, err)
		return deliver(packet.Failure(p.ID, packet.CodeOverloaded, err.Error(), time.Since(start))), nil
	}
	return ch, nil
}

// SubmitAndWait submits and blocks for the Result. The wait is bounded by
// the packet's timeout, or the configured default when the packet has none.
// Giving up does not dequeue the packet.
func (c *Core) SubmitAndWait(ctx context.Context, p packet.Packet) (packet.Result, error) {
	ch, err := c.Submit(ctx, p)
	if err != nil {
		return packet.Result{}, err
	}

	wait := p.Timeout
	if wait <= 0 {
		wait = c.cfg.DefaultSubmitTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return packet.Result{}, ctx.Err()
	case <-timer.C:
		return packet.Result{}, fmt.Errorf("%w: packet %s after %v", ErrSubmitTimeout, p.ID, wait)
	}
}

// deliver wraps a ready Result in a buffered channel.
func deliver(res packet.Result) <-chan packet.Result {
	ch := make(chan packet.Result, 1)
	ch <- res
	return ch
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

// SystemHealth aggregates node stats and the molecule table.
func (c *Core) SystemHealth() SystemHealth {
	nodes := c.table.Nodes()
	h := SystemHealth{TotalNodes: len(nodes)}

	var loadSum float64
	for _, n := range nodes {
		stats := n.Stats()
		if stats.Healthy {
			h.HealthyNodes++
		}
		loadSum += stats.LoadFactor
		h.TotalProcessed += stats.Processed
		h.TotalErrors += stats.Errors
	}
	if h.TotalNodes > 0 {
		h.HealthRatio = float64(h.HealthyNodes) / float64(h.TotalNodes)
		h.AverageLoad = loadSum / float64(h.TotalNodes)
	}

	threshold := c.cfg.Optimizer.StabilityThreshold
	if threshold == 0 {
		threshold = optimizer.DefaultConfig().StabilityThreshold
	}
	for _, m := range c.Molecules() {
		h.Molecules++
		if m.Stable(threshold) {
			h.StableMolecules++
		}
	}
	return h
}

// Metrics snapshots the submission counters.
func (c *Core) Metrics() Metrics {
	return Metrics{
		Submitted:         atomic.LoadInt64(&c.submitted),
		RoutingFailures:   atomic.LoadInt64(&c.routingFailures),
		EnqueueRejections: atomic.LoadInt64(&c.enqueueRejects),
	}
}
