package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/c-u-l8er/packetflow/internal/molecule"
	"github.com/c-u-l8er/packetflow/internal/node"
	"github.com/c-u-l8er/packetflow/internal/packet"
	"github.com/c-u-l8er/packetflow/internal/routing"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultSubmitTimeout = 5 * time.Second
	cfg.Fault.WindowSize = time.Minute
	cfg.Fault.FailureThreshold = 2
	cfg.Optimizer.Interval = time.Hour // keep the engine quiet unless driven
	return cfg
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c := New(testConfig())
	t.Cleanup(func() {
		if err := c.Stop(); err != nil {
			t.Errorf("Stop() = %v", err)
		}
	})
	return c
}

func echoHandler(ctx context.Context, data any) (any, error) {
	return data, nil
}

func failingHandler(ctx context.Context, data any) (any, error) {
	return nil, errors.New("synthetic failure")
}

func mustResult(t *testing.T, ch <-chan packet.Result) packet.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return packet.Result{}
	}
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

func TestSubmitProcessesPacket(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecCPUBound, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupControlFlow, "transform", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	p := packet.New(packet.GroupControlFlow, "transform", "payload", 7)
	ch, err := c.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	res := mustResult(t, ch)
	if !res.OK() {
		t.Fatalf("result not OK: %+v", res)
	}
	if res.Data != "payload" {
		t.Errorf("Data = %v, want payload", res.Data)
	}
	if got := c.Metrics().Submitted; got != 1 {
		t.Errorf("Submitted = %d, want 1", got)
	}
}

func TestSubmitInvalidGroup(t *testing.T) {
	c := newTestCore(t)

	p := packet.New(packet.GroupControlFlow, "transform", nil, 5)
	p.Group = packet.Group("plasma")

	if _, err := c.Submit(context.Background(), p); !errors.Is(err, packet.ErrInvalidGroup) {
		t.Fatalf("Submit() error = %v, want ErrInvalidGroup", err)
	}
}

func TestSubmitNoNodesYieldsRoutingFailure(t *testing.T) {
	c := newTestCore(t)

	p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
	ch, err := c.Submit(context.Background(), p)
	if err != nil {
		t.Fatalf("Submit() error = %v, want admission failure on the channel", err)
	}
	res := mustResult(t, ch)
	if res.OK() {
		t.Fatal("expected an error result")
	}
	if res.ErrorCode != packet.CodeNoAvailableNode {
		t.Errorf("ErrorCode = %s, want %s", res.ErrorCode, packet.CodeNoAvailableNode)
	}
	if res.PacketID != p.ID {
		t.Errorf("PacketID = %s, want %s", res.PacketID, p.ID)
	}
	if got := c.Metrics().RoutingFailures; got != 1 {
		t.Errorf("RoutingFailures = %d, want 1", got)
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	c := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
	if _, err := c.Submit(ctx, p); !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit() error = %v, want context.Canceled", err)
	}
}

func TestSubmitAndWait(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupDataFlow, "compress", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	p := packet.New(packet.GroupDataFlow, "compress", 42, 5)
	res, err := c.SubmitAndWait(context.Background(), p)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if !res.OK() || res.Data != 42 {
		t.Fatalf("result = %+v, want OK with data 42", res)
	}
}

func TestSubmitAndWaitTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultSubmitTimeout = 50 * time.Millisecond
	c := New(cfg)
	t.Cleanup(func() { _ = c.Stop() })

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	err = c.RegisterHandler(n.ID(), packet.GroupDataFlow, "stall", func(ctx context.Context, data any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return data, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	p := packet.New(packet.GroupDataFlow, "stall", nil, 5)
	if _, err := c.SubmitAndWait(context.Background(), p); !errors.Is(err, ErrSubmitTimeout) {
		t.Fatalf("SubmitAndWait() error = %v, want ErrSubmitTimeout", err)
	}
}

func TestSubmitAndWaitCancelled(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	err = c.RegisterHandler(n.ID(), packet.GroupDataFlow, "stall", func(ctx context.Context, data any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return data, nil
	})
	if err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	p := packet.New(packet.GroupDataFlow, "stall", nil, 5)
	if _, err := c.SubmitAndWait(ctx, p); !errors.Is(err, context.Canceled) {
		t.Fatalf("SubmitAndWait() error = %v, want context.Canceled", err)
	}
}

// Every concurrent submission must get exactly one result, success or an
// admission failure, even when the pool is far too small for the burst.
func TestSubmitBurstAlwaysResolves(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecCPUBound, 2.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupControlFlow, "spin", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	const submitters = 8
	const perSubmitter = 10

	var wg sync.WaitGroup
	failures := make(chan string, submitters*perSubmitter)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < perSubmitter; j++ {
				p := packet.New(packet.GroupControlFlow, "spin", worker, 9)
				ch, err := c.Submit(context.Background(), p)
				if err != nil {
					failures <- fmt.Sprintf("Submit() error = %v", err)
					return
				}
				select {
				case res := <-ch:
					switch {
					case res.OK():
					case res.ErrorCode == packet.CodeNoAvailableNode:
					case res.ErrorCode == packet.CodeOverloaded:
					default:
						failures <- fmt.Sprintf("unexpected error code %s", res.ErrorCode)
					}
				case <-time.After(5 * time.Second):
					failures <- "result never arrived"
				}
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for msg := range failures {
		t.Error(msg)
	}

	m := c.Metrics()
	if m.Submitted != submitters*perSubmitter {
		t.Errorf("Submitted = %d, want %d", m.Submitted, submitters*perSubmitter)
	}
}

// -----------------------------------------------------------------------------
// Fault feed
// -----------------------------------------------------------------------------

func TestHandlerFailuresQuarantineNode(t *testing.T) {
	c := newTestCore(t) // failure threshold 2

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupDataFlow, "transform", failingHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
		res, err := c.SubmitAndWait(context.Background(), p)
		if err != nil {
			t.Fatalf("SubmitAndWait() error = %v", err)
		}
		if res.ErrorCode != packet.CodeHandlerFailure {
			t.Fatalf("ErrorCode = %s, want %s", res.ErrorCode, packet.CodeHandlerFailure)
		}
	}

	if c.Detector().IsHealthy(n.ID()) {
		t.Fatal("node should be quarantined after reaching the failure threshold")
	}

	// Quarantined nodes are skipped by routing, so the next submission has
	// nowhere to go.
	p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
	res, err := c.SubmitAndWait(context.Background(), p)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if res.ErrorCode != packet.CodeNoAvailableNode {
		t.Errorf("ErrorCode = %s, want %s", res.ErrorCode, packet.CodeNoAvailableNode)
	}
}

func TestDispatchMissesAreNotNodeFailures(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}

	// No handler registered: every submission is a PF001 dispatch miss.
	for i := 0; i < 5; i++ {
		p := packet.New(packet.GroupDataFlow, "unbound", nil, 5)
		res, err := c.SubmitAndWait(context.Background(), p)
		if err != nil {
			t.Fatalf("SubmitAndWait() error = %v", err)
		}
		if res.ErrorCode != packet.CodeNoHandler {
			t.Fatalf("ErrorCode = %s, want %s", res.ErrorCode, packet.CodeNoHandler)
		}
	}

	if got := c.Detector().FailureCount(n.ID()); got != 0 {
		t.Errorf("FailureCount = %d, want 0: dispatch misses must not feed the detector", got)
	}
	if !c.Detector().IsHealthy(n.ID()) {
		t.Error("node should stay out of quarantine")
	}
}

func TestSuccessesAreRecorded(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupDataFlow, "transform", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
	if _, err := c.SubmitAndWait(context.Background(), p); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	if got := c.Detector().Metrics().TotalSuccesses; got != 1 {
		t.Errorf("TotalSuccesses = %d, want 1", got)
	}
}

// -----------------------------------------------------------------------------
// Node management
// -----------------------------------------------------------------------------

func TestAddNodeAssignsSequentialIDs(t *testing.T) {
	c := newTestCore(t)

	a, err := c.AddNode(node.SpecCPUBound, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	b, err := c.AddNode(node.SpecIOBound, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}

	if a.ID() != "cpu-bound-1" {
		t.Errorf("first ID = %s, want cpu-bound-1", a.ID())
	}
	if b.ID() != "io-bound-2" {
		t.Errorf("second ID = %s, want io-bound-2", b.ID())
	}
	if got := len(c.Nodes()); got != 2 {
		t.Errorf("Nodes() count = %d, want 2", got)
	}
}

func TestRemoveNode(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RemoveNode(n.ID()); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}
	if _, ok := c.Node(n.ID()); ok {
		t.Fatal("node still registered after RemoveNode")
	}
	if err := c.RemoveNode(n.ID()); !errors.Is(err, routing.ErrUnknownNode) {
		t.Fatalf("second RemoveNode() error = %v, want ErrUnknownNode", err)
	}

	// Enqueueing on the removed node fails: it was stopped.
	p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
	if _, err := n.Enqueue(p); !errors.Is(err, node.ErrStopped) {
		t.Errorf("Enqueue() error = %v, want ErrStopped", err)
	}
}

func TestRegisterHandlerUnknownNode(t *testing.T) {
	c := newTestCore(t)

	err := c.RegisterHandler("missing", packet.GroupDataFlow, "transform", echoHandler)
	if !errors.Is(err, routing.ErrUnknownNode) {
		t.Fatalf("RegisterHandler() error = %v, want ErrUnknownNode", err)
	}
}

// -----------------------------------------------------------------------------
// Molecule table
// -----------------------------------------------------------------------------

func TestMoleculeTable(t *testing.T) {
	c := newTestCore(t)

	m, err := c.CreateMolecule("pipeline")
	if err != nil {
		t.Fatalf("CreateMolecule() error = %v", err)
	}
	if m.ID() != "pipeline" {
		t.Errorf("ID = %s, want pipeline", m.ID())
	}
	if _, err := c.CreateMolecule("pipeline"); !errors.Is(err, ErrDuplicateMolecule) {
		t.Fatalf("duplicate CreateMolecule() error = %v, want ErrDuplicateMolecule", err)
	}

	got, ok := c.Molecule("pipeline")
	if !ok || got != m {
		t.Fatal("Molecule() did not return the created molecule")
	}
	if len(c.Molecules()) != 1 {
		t.Fatalf("Molecules() count = %d, want 1", len(c.Molecules()))
	}

	if err := c.RemoveMolecule("pipeline"); err != nil {
		t.Fatalf("RemoveMolecule() error = %v", err)
	}
	if err := c.RemoveMolecule("pipeline"); !errors.Is(err, ErrUnknownMolecule) {
		t.Fatalf("second RemoveMolecule() error = %v, want ErrUnknownMolecule", err)
	}
}

func TestCreateMoleculeGeneratesID(t *testing.T) {
	c := newTestCore(t)

	m, err := c.CreateMolecule("")
	if err != nil {
		t.Fatalf("CreateMolecule() error = %v", err)
	}
	if m.ID() == "" {
		t.Fatal("generated molecule ID is empty")
	}
}

func TestSynthesizeMolecules(t *testing.T) {
	c := newTestCore(t)

	a, _ := c.CreateMolecule("a")
	b, _ := c.CreateMolecule("b")

	p1 := packet.New(packet.GroupDataFlow, "extract", nil, 6)
	p2 := packet.New(packet.GroupDataFlow, "load", nil, 4)
	a.AddPacket(p1)
	b.AddPacket(p2)

	merged, err := c.SynthesizeMolecules("a", "b", "ab")
	if err != nil {
		t.Fatalf("SynthesizeMolecules() error = %v", err)
	}
	if merged.Size() != 2 {
		t.Errorf("merged Size = %d, want 2", merged.Size())
	}
	if !merged.Has(p1.ID) || !merged.Has(p2.ID) {
		t.Error("merged molecule is missing a source packet")
	}

	// Sources stay registered; the synthesis is non-destructive.
	if len(c.Molecules()) != 3 {
		t.Errorf("Molecules() count = %d, want 3", len(c.Molecules()))
	}

	if _, err := c.SynthesizeMolecules("a", "missing", "x"); !errors.Is(err, ErrUnknownMolecule) {
		t.Errorf("SynthesizeMolecules() error = %v, want ErrUnknownMolecule", err)
	}
	if _, err := c.SynthesizeMolecules("a", "b", "ab"); !errors.Is(err, ErrDuplicateMolecule) {
		t.Errorf("SynthesizeMolecules() error = %v, want ErrDuplicateMolecule", err)
	}
}

// -----------------------------------------------------------------------------
// Health and lifecycle
// -----------------------------------------------------------------------------

func TestSystemHealth(t *testing.T) {
	c := newTestCore(t)

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if _, err := c.AddNode(node.SpecCPUBound, 10.0); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupDataFlow, "transform", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		p := packet.New(packet.GroupDataFlow, "transform", nil, 5)
		if _, err := c.SubmitAndWait(context.Background(), p); err != nil {
			t.Fatalf("SubmitAndWait() error = %v", err)
		}
	}

	// One stable molecule (covalent bond, positive stability) and one empty
	// molecule at stability 0, below the default 0.5 threshold.
	m, _ := c.CreateMolecule("stable")
	p1 := packet.New(packet.GroupDataFlow, "extract", nil, 5)
	p2 := packet.New(packet.GroupDataFlow, "load", nil, 5)
	m.AddPacket(p1)
	m.AddPacket(p2)
	if err := m.AddBond(molecule.NewBond(p1.ID, p2.ID, molecule.BondCovalent)); err != nil {
		t.Fatalf("AddBond() error = %v", err)
	}
	_, _ = c.CreateMolecule("empty")

	h := c.SystemHealth()
	if h.TotalNodes != 2 {
		t.Errorf("TotalNodes = %d, want 2", h.TotalNodes)
	}
	if h.HealthyNodes != 2 {
		t.Errorf("HealthyNodes = %d, want 2", h.HealthyNodes)
	}
	if h.HealthRatio != 1.0 {
		t.Errorf("HealthRatio = %v, want 1.0", h.HealthRatio)
	}
	if h.TotalProcessed != 3 {
		t.Errorf("TotalProcessed = %d, want 3", h.TotalProcessed)
	}
	if h.TotalErrors != 0 {
		t.Errorf("TotalErrors = %d, want 0", h.TotalErrors)
	}
	if h.Molecules != 2 {
		t.Errorf("Molecules = %d, want 2", h.Molecules)
	}
	if h.StableMolecules != 1 {
		t.Errorf("StableMolecules = %d, want 1", h.StableMolecules)
	}
}

func TestSystemHealthEmpty(t *testing.T) {
	c := newTestCore(t)

	h := c.SystemHealth()
	if h.TotalNodes != 0 || h.HealthRatio != 0 || h.AverageLoad != 0 {
		t.Errorf("empty health = %+v, want zeros", h)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	c := New(testConfig())

	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := New(testConfig())

	n, err := c.AddNode(node.SpecGeneral, 10.0)
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	if err := c.RegisterHandler(n.ID(), packet.GroupDataFlow, "transform", echoHandler); err != nil {
		t.Fatalf("RegisterHandler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The core accepts work while running.
	p := packet.New(packet.GroupDataFlow, "transform", "x", 5)
	if _, err := c.SubmitAndWait(context.Background(), p); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Nodes were stopped on the way out.
	if _, err := n.Enqueue(p); !errors.Is(err, node.ErrStopped) {
		t.Errorf("Enqueue() after Run error = %v, want ErrStopped", err)
	}
}
