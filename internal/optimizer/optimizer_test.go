package optimizer

import (
	"fmt"
	"testing"

	"github.com/c-u-l8er/packetflow/internal/molecule"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

func fixedPacket(id string, group packet.Group, priority int) packet.Packet {
	p := packet.New(group, "op", nil, priority)
	p.ID = id
	return p
}

func findBond(snap molecule.Snapshot, from, to string) (molecule.Bond, bool) {
	for _, b := range snap.Bonds {
		if b.From == from && b.To == to {
			return b, true
		}
	}
	return molecule.Bond{}, false
}

func TestShouldOptimize(t *testing.T) {
	o := New(DefaultConfig())

	stable := molecule.New("stable")
	stable.AddPacket(fixedPacket("a", packet.GroupDataFlow, 5))
	stable.AddPacket(fixedPacket("b", packet.GroupDataFlow, 5))
	if err := stable.AddBond(molecule.NewBond("a", "b", molecule.BondIonic)); err != nil {
		t.Fatalf("AddBond: %v", err)
	}
	// 1.0*5 - (0.5+0.5)/2 = 4.5: stable and small.
	if o.ShouldOptimize(stable) {
		t.Error("stable, small molecule flagged for optimization")
	}

	unstable := molecule.New("unstable")
	unstable.AddPacket(fixedPacket("a", packet.GroupDataFlow, 5))
	if !o.ShouldOptimize(unstable) {
		t.Error("unstable molecule not flagged")
	}

	oversized := molecule.New("oversized")
	prev := ""
	for i := 0; i < 11; i++ {
		id := fmt.Sprintf("p%02d", i)
		oversized.AddPacket(fixedPacket(id, packet.GroupEventDriven, 5))
		if prev != "" {
			if err := oversized.AddBond(molecule.NewBond(prev, id, molecule.BondCovalent)); err != nil {
				t.Fatalf("AddBond: %v", err)
			}
		}
		prev = id
	}
	if !oversized.Stable(o.cfg.StabilityThreshold) {
		t.Fatalf("fixture drifted: oversized molecule should be stable, got %.3f", oversized.Stability())
	}
	if !o.ShouldOptimize(oversized) {
		t.Error("oversized molecule not flagged")
	}
}

func TestRelaxWeakIonicBonds(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	m.AddPacket(fixedPacket("df1", packet.GroupDataFlow, 5))
	m.AddPacket(fixedPacket("cf1", packet.GroupControlFlow, 5))

	weakened := molecule.NewBond("df1", "cf1", molecule.BondIonic)
	weakened.Strength = 0.5
	if err := m.AddBond(weakened); err != nil {
		t.Fatalf("AddBond: %v", err)
	}

	o.Optimize(m)

	b, ok := findBond(m.Snapshot(), "df1", "cf1")
	if !ok {
		t.Fatal("bond disappeared")
	}
	if b.Type != molecule.BondMetallic {
		t.Errorf("bond type = %s, want metallic", b.Type)
	}
	if b.Strength != molecule.BondMetallic.Strength() {
		t.Errorf("bond strength = %v, want %v", b.Strength, molecule.BondMetallic.Strength())
	}
}

func TestRelaxationSparesControlFlowPairs(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	m.AddPacket(fixedPacket("cf1", packet.GroupControlFlow, 5))
	m.AddPacket(fixedPacket("cf2", packet.GroupControlFlow, 5))

	weakened := molecule.NewBond("cf1", "cf2", molecule.BondIonic)
	weakened.Strength = 0.5
	if err := m.AddBond(weakened); err != nil {
		t.Fatalf("AddBond: %v", err)
	}

	o.Optimize(m)

	b, _ := findBond(m.Snapshot(), "cf1", "cf2")
	if b.Type != molecule.BondIonic {
		t.Errorf("control-flow pair bond = %s, want ionic preserved", b.Type)
	}
	if b.Strength != 0.5 {
		t.Errorf("control-flow pair strength = %v, want 0.5 untouched", b.Strength)
	}
}

func TestLinkDataFlowPairs(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	m.AddPacket(fixedPacket("a", packet.GroupDataFlow, 5))
	m.AddPacket(fixedPacket("b", packet.GroupDataFlow, 5))
	m.AddPacket(fixedPacket("c", packet.GroupDataFlow, 5))
	m.AddPacket(fixedPacket("e", packet.GroupEventDriven, 5))
	if err := m.AddBond(molecule.NewBond("a", "b", molecule.BondCovalent)); err != nil {
		t.Fatalf("AddBond: %v", err)
	}

	out := o.Optimize(m)

	if out.Linked != 2 {
		t.Errorf("Linked = %d, want 2 (a-c, b-c)", out.Linked)
	}
	for _, pair := range [][2]string{{"a", "c"}, {"b", "c"}} {
		if !m.HasBondBetween(pair[0], pair[1]) {
			t.Errorf("missing locality bond %s-%s", pair[0], pair[1])
		}
	}
	ab, _ := findBond(m.Snapshot(), "a", "b")
	if ab.Type != molecule.BondCovalent {
		t.Errorf("pre-existing a-b bond = %s, want covalent untouched", ab.Type)
	}
	// Event-driven packets get no locality hints.
	for _, id := range []string{"a", "b", "c"} {
		if m.HasBondBetween(id, "e") {
			t.Errorf("locality bond reached non-data-flow packet via %s", id)
		}
	}
}

func TestParallelizeSameGroupBonds(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	m.AddPacket(fixedPacket("ed1", packet.GroupEventDriven, 5))
	m.AddPacket(fixedPacket("ed2", packet.GroupEventDriven, 5))
	m.AddPacket(fixedPacket("df1", packet.GroupDataFlow, 5))
	m.AddPacket(fixedPacket("cf1", packet.GroupControlFlow, 5))
	m.AddPacket(fixedPacket("cf2", packet.GroupControlFlow, 5))

	sameGroup := molecule.NewBond("ed1", "ed2", molecule.BondIonic)
	crossGroup := molecule.NewBond("ed1", "df1", molecule.BondIonic)
	controlPair := molecule.NewBond("cf1", "cf2", molecule.BondIonic)
	for _, b := range []molecule.Bond{sameGroup, crossGroup, controlPair} {
		if err := m.AddBond(b); err != nil {
			t.Fatalf("AddBond: %v", err)
		}
	}

	out := o.Optimize(m)

	if out.Parallelized != 1 {
		t.Errorf("Parallelized = %d, want 1", out.Parallelized)
	}
	got, _ := findBond(m.Snapshot(), "ed1", "ed2")
	if got.Type != molecule.BondMetallic {
		t.Errorf("same-group bond = %s, want metallic", got.Type)
	}
	got, _ = findBond(m.Snapshot(), "ed1", "df1")
	if got.Type != molecule.BondIonic {
		t.Errorf("cross-group bond = %s, want ionic preserved", got.Type)
	}
	got, _ = findBond(m.Snapshot(), "cf1", "cf2")
	if got.Type != molecule.BondIonic {
		t.Errorf("control-flow bond = %s, want ionic preserved", got.Type)
	}
}

func TestOptimizeStopsWhenImprovementStalls(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	m.AddPacket(fixedPacket("a", packet.GroupEventDriven, 5))
	m.AddPacket(fixedPacket("b", packet.GroupCollective, 5))
	if err := m.AddBond(molecule.NewBond("a", "b", molecule.BondCovalent)); err != nil {
		t.Fatalf("AddBond: %v", err)
	}

	out := o.Optimize(m)

	if out.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1 (nothing to rewrite)", out.Rounds)
	}
	if out.Changed() {
		t.Errorf("outcome reports changes: %+v", out)
	}
	if out.Before != out.After {
		t.Errorf("stability moved %v -> %v with no changes", out.Before, out.After)
	}
}

func TestOptimizeImprovesUnstableMolecule(t *testing.T) {
	o := New(DefaultConfig())
	m := molecule.New("m1")
	// Two unbonded df p10 packets: stability = -(1.0 + 1.0)/2 = -1.0.
	m.AddPacket(fixedPacket("a", packet.GroupDataFlow, 10))
	m.AddPacket(fixedPacket("b", packet.GroupDataFlow, 10))

	if !o.ShouldOptimize(m) {
		t.Fatal("unstable molecule not flagged")
	}
	out := o.Optimize(m)

	// Round 1 adds the weak bond (0.3*10 = 3.0 energy): -1.0 -> 2.0.
	// Round 2 finds nothing and stops the loop.
	if out.Linked != 1 {
		t.Errorf("Linked = %d, want 1", out.Linked)
	}
	if out.Rounds != 2 {
		t.Errorf("Rounds = %d, want 2", out.Rounds)
	}
	if !near(out.Before, -1.0) || !near(out.After, 2.0) {
		t.Errorf("stability %v -> %v, want -1.0 -> 2.0", out.Before, out.After)
	}
	if out.Rounds > o.cfg.MaxRounds {
		t.Errorf("Rounds = %d exceeds MaxRounds %d", out.Rounds, o.cfg.MaxRounds)
	}
}

func near(got, want float64) bool {
	const eps = 1e-9
	d := got - want
	return d < eps && d > -eps
}
