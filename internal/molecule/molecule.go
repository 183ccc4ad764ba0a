// Package molecule implements composed packet structures. A molecule owns a
// set of packets and the typed bonds between them; every structural mutation
// synchronously re-derives the molecule's stability, so readers never observe
// a stale value.
package molecule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c-u-l8er/packetflow/internal/packet"
)

// =============================================================================
// ERRORS AND EVENTS
// =============================================================================

var (
	// ErrIncompleteMolecule rejects a bond whose endpoints are not both
	// composition members.
	ErrIncompleteMolecule = errors.New("bond endpoints must be molecule members")

	// ErrUnknownPacket rejects operations on packets outside the composition.
	ErrUnknownPacket = errors.New("packet not in molecule")

	// ErrUnknownBond rejects operations on bonds that do not exist.
	ErrUnknownBond = errors.New("bond not in molecule")
)

// Op names a structural mutation for change notifications.
type Op string

const (
	OpAddPacket    Op = "add_packet"
	OpRemovePacket Op = "remove_packet"
	OpAddBond      Op = "add_bond"
	OpRemoveBond   Op = "remove_bond"
	OpReplaceBond  Op = "replace_bond"
	OpDecompose    Op = "decompose"
)

// Event describes one completed mutation. Stability is the value derived
// after the mutation.
type Event struct {
	MoleculeID string
	Op         Op
	Stability  float64
}

// =============================================================================
// MOLECULE
// =============================================================================

// bondKey indexes bonds by their (from, to) pair as given. Direction is
// preserved; HasBondBetween checks both orientations.
type bondKey struct {
	from, to string
}

// Molecule is a bonded set of packets. All methods are safe for concurrent
// use; mutations are serialized on a per-molecule lock and change listeners
// fire after the lock is released.
type Molecule struct {
	id string

	mu          sync.Mutex
	composition map[string]packet.Packet
	bonds       map[bondKey]Bond
	stability   float64
	listeners   []func(Event)
}

// New creates an empty molecule. An empty molecule has stability 0.
func New(id string) *Molecule {
	return &Molecule{
		id:          id,
		composition: make(map[string]packet.Packet),
		bonds:       make(map[bondKey]Bond),
	}
}

// ID returns the molecule's identifier.
func (m *Molecule) ID() string {
	return m.id
}

// OnChange registers a listener invoked after every structural mutation.
func (m *Molecule) OnChange(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AddPacket adds p to the composition. Adding a packet whose ID is already
// present replaces it (composition is a set keyed by packet ID).
func (m *Molecule) AddPacket(p packet.Packet) {
	m.mu.Lock()
	m.composition[p.ID] = p
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpAddPacket)
	m.mu.Unlock()
	notify(ev, fns)
}

// RemovePacket removes the packet and every bond referencing it.
func (m *Molecule) RemovePacket(id string) error {
	m.mu.Lock()
	if _, ok := m.composition[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPacket, id)
	}
	delete(m.composition, id)
	for k := range m.bonds {
		if k.from == id || k.to == id {
			delete(m.bonds, k)
		}
	}
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpRemovePacket)
	m.mu.Unlock()
	notify(ev, fns)
	return nil
}

// AddBond couples two composition members. The bond is rejected with
// ErrIncompleteMolecule when either endpoint is absent; on success stability
// is re-derived before AddBond returns.
func (m *Molecule) AddBond(b Bond) error {
	m.mu.Lock()
	if _, ok := m.composition[b.From]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: from %s", ErrIncompleteMolecule, b.From)
	}
	if _, ok := m.composition[b.To]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: to %s", ErrIncompleteMolecule, b.To)
	}
	m.bonds[bondKey{b.From, b.To}] = b
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpAddBond)
	m.mu.Unlock()
	notify(ev, fns)
	return nil
}

// RemoveBond removes the bond keyed by (from, to).
func (m *Molecule) RemoveBond(from, to string) error {
	m.mu.Lock()
	k := bondKey{from, to}
	if _, ok := m.bonds[k]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s->%s", ErrUnknownBond, from, to)
	}
	delete(m.bonds, k)
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpRemoveBond)
	m.mu.Unlock()
	notify(ev, fns)
	return nil
}

// ReplaceBond swaps an existing bond for b, keyed by b's endpoints. Used by
// the optimizer to downgrade bond types in place.
func (m *Molecule) ReplaceBond(b Bond) error {
	m.mu.Lock()
	k := bondKey{b.From, b.To}
	if _, ok := m.bonds[k]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s->%s", ErrUnknownBond, b.From, b.To)
	}
	m.bonds[k] = b
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpReplaceBond)
	m.mu.Unlock()
	notify(ev, fns)
	return nil
}

// Has reports whether the packet is a composition member.
func (m *Molecule) Has(packetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.composition[packetID]
	return ok
}

// HasBondBetween reports whether any bond couples a and b, in either
// orientation.
func (m *Molecule) HasBondBetween(a, b string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bonds[bondKey{a, b}]; ok {
		return true
	}
	_, ok := m.bonds[bondKey{b, a}]
	return ok
}

// Size returns the composition member count.
func (m *Molecule) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.composition)
}

// Stability returns the current derived stability.
func (m *Molecule) Stability() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stability
}

// Stable reports whether stability exceeds the given threshold.
func (m *Molecule) Stable(threshold float64) bool {
	return m.Stability() > threshold
}

// Decompose clears the molecule and returns its former packets. The molecule
// remains usable (empty) afterward.
func (m *Molecule) Decompose() []packet.Packet {
	m.mu.Lock()
	packets := make([]packet.Packet, 0, len(m.composition))
	for _, p := range m.composition {
		packets = append(packets, p)
	}
	m.composition = make(map[string]packet.Packet)
	m.bonds = make(map[bondKey]Bond)
	m.recomputeLocked()
	ev, fns := m.eventLocked(OpDecompose)
	m.mu.Unlock()
	notify(ev, fns)
	return packets
}

// =============================================================================
// SNAPSHOTS AND SYNTHESIS
// =============================================================================

// Snapshot is a consistent point-in-time copy of a molecule's structure.
type Snapshot struct {
	ID        string
	Packets   map[string]packet.Packet
	Bonds     []Bond
	Stability float64
}

// Snapshot copies the molecule's structure under one lock acquisition.
func (m *Molecule) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		ID:        m.id,
		Packets:   make(map[string]packet.Packet, len(m.composition)),
		Bonds:     make([]Bond, 0, len(m.bonds)),
		Stability: m.stability,
	}
	for id, p := range m.composition {
		s.Packets[id] = p
	}
	for _, b := range m.bonds {
		s.Bonds = append(s.Bonds, b)
	}
	return s
}

// Synthesize unions two molecules into a new molecule with the given ID.
// The sources are read via snapshots and left unchanged. When both sources
// bond the same (from, to) pair, b's bond wins.
func Synthesize(a, b *Molecule, newID string) *Molecule {
	out := New(newID)
	for _, src := range []Snapshot{a.Snapshot(), b.Snapshot()} {
		for _, p := range src.Packets {
			out.AddPacket(p)
		}
	}
	for _, src := range []Snapshot{a.Snapshot(), b.Snapshot()} {
		for _, bd := range src.Bonds {
			// Endpoints are members by construction.
			_ = out.AddBond(bd)
		}
	}
	return out
}

// =============================================================================
// STABILITY DERIVATION
// =============================================================================

// recomputeLocked re-derives stability from the current structure:
// total bond energy minus the composition's mean ionization stress.
// Empty molecules hold no energy and derive to 0.
func (m *Molecule) recomputeLocked() {
	n := len(m.composition)
	if n == 0 {
		m.stability = 0
		return
	}
	var bondEnergy float64
	for _, b := range m.bonds {
		bondEnergy += b.Energy(m.composition[b.From], m.composition[b.To])
	}
	var stress float64
	for _, p := range m.composition {
		stress += p.IonizationEnergy() * p.AtomicRadius()
	}
	m.stability = bondEnergy - stress/float64(n)
}

// eventLocked builds the post-mutation event and snapshots the listener set.
func (m *Molecule) eventLocked(op Op) (Event, []func(Event)) {
	ev := Event{MoleculeID: m.id, Op: op, Stability: m.stability}
	if len(m.listeners) == 0 {
		return ev, nil
	}
	fns := make([]func(Event), len(m.listeners))
	copy(fns, m.listeners)
	return ev, fns
}

func notify(ev Event, fns []func(Event)) {
	for _, fn := range fns {
		fn(ev)
	}
}
