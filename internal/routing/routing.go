// Package routing selects the processing node for each packet. Selection is
// deterministic: candidates are filtered on admission and health, scored by
// affinity, headroom, priority, and error history, and ties break to the
// earliest-registered node.
package routing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/node"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

var (
	// ErrNoAvailableNodes means no registered node can take the packet.
	ErrNoAvailableNodes = errors.New("no available nodes")

	// ErrDuplicateNode rejects re-registration of a node ID.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrUnknownNode is returned for lookups of unregistered node IDs.
	ErrUnknownNode = errors.New("node not registered")
)

// HealthChecker is the quarantine gate consulted per candidate. The fault
// detector implements it; a nil checker quarantines nothing.
type HealthChecker interface {
	IsHealthy(nodeID string) bool
}

// Table is the routing table: registered nodes in registration order plus
// the optional quarantine checker.
type Table struct {
	mu      sync.RWMutex
	order   []*node.Node
	byID    map[string]*node.Node
	checker HealthChecker
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*node.Node)}
}

// SetHealthChecker installs the quarantine gate.
func (t *Table) SetHealthChecker(hc HealthChecker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checker = hc
}

// Add registers a node. Registration order is the routing tie-break order.
func (t *Table) Add(n *node.Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[n.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID())
	}
	t.byID[n.ID()] = n
	t.order = append(t.order, n)
	logging.Routing("table: registered node %s (%s)", n.ID(), n.Specialization())
	return nil
}

// Remove deregisters a node and returns it.
func (t *Table) Remove(id string) (*node.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	delete(t.byID, id)
	for i, o := range t.order {
		if o.ID() == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	logging.Routing("table: removed node %s", id)
	return n, nil
}

// Get looks up a node by ID.
func (t *Table) Get(id string) (*node.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byID[id]
	return n, ok
}

// Nodes returns the registered nodes in registration order.
func (t *Table) Nodes() []*node.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*node.Node, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of registered nodes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Route picks the node for a packet. Candidates must pass admission
// (CanAccept), derived health, and the quarantine gate; the highest score
// wins and equal scores keep the earliest-registered candidate. Node state
// is read without the table lock, so scores are eventually consistent with
// in-flight completions.
func (t *Table) Route(p packet.Packet) (*node.Node, error) {
	t.mu.RLock()
	nodes := make([]*node.Node, len(t.order))
	copy(nodes, t.order)
	checker := t.checker
	t.mu.RUnlock()

	var best *node.Node
	var bestScore float64

	for _, n := range nodes {
		if !n.CanAccept(p) {
			continue
		}
		if !n.Healthy() {
			continue
		}
		if checker != nil && !checker.IsHealthy(n.ID()) {
			continue
		}
		s := Score(p.Group, n.Specialization(), n.LoadFactor(), n.ErrorRate(), p.Priority)
		logging.RoutingDebug("route: packet %s candidate %s score=%.4f", p.ID, n.ID(), s)
		if best == nil || s > bestScore {
			best = n
			bestScore = s
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: packet %s (%s:%s)", ErrNoAvailableNodes, p.ID, p.Group, p.Element)
	}
	logging.RoutingDebug("route: packet %s -> node %s (score=%.4f)", p.ID, best.ID(), bestScore)
	return best, nil
}
