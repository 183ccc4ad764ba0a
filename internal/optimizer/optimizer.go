// Package optimizer rewrites molecule bonds to improve structure: it relaxes
// weakened ionic couplings, adds locality hints between data-flow packets,
// and downgrades same-group ionic bonds that do not need strict sequencing.
// The optimizer only mutates structure; stability is always re-derived by
// the molecule itself.
package optimizer

import (
	"sort"
	"time"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/molecule"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes optimization triggers and bounds.
type Config struct {
	StabilityThreshold float64       // molecules at or below are optimization candidates
	MaxCompositionSize int           // molecules larger than this are candidates regardless
	MaxRounds          int           // hard bound on rounds per Optimize call
	MinImprovement     float64       // a round improving less than this ends the loop
	Interval           time.Duration // periodic engine sweep cadence
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StabilityThreshold: 0.5,
		MaxCompositionSize: 10,
		MaxRounds:          5,
		MinImprovement:     0.1,
		Interval:           30 * time.Second,
	}
}

// Outcome reports what one Optimize call did.
type Outcome struct {
	Rounds       int
	Relaxed      int // ionic bonds downgraded for low strength
	Linked       int // weak-coupling bonds added between data-flow packets
	Parallelized int // same-group ionic bonds downgraded
	Before       float64
	After        float64
}

// Changed reports whether any bond was touched.
func (o Outcome) Changed() bool {
	return o.Relaxed+o.Linked+o.Parallelized > 0
}

// =============================================================================
// OPTIMIZER
// =============================================================================

// RelaxationCutoff is the ionic strength below which rule (a) fires.
const RelaxationCutoff = 0.7

// Optimizer applies the bond-rewriting rules.
type Optimizer struct {
	cfg Config
}

// New creates an optimizer, applying defaults for zero config values.
func New(cfg Config) *Optimizer {
	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 0.5
	}
	if cfg.MaxCompositionSize <= 0 {
		cfg.MaxCompositionSize = 10
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = 0.1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Optimizer{cfg: cfg}
}

// Config returns the optimizer's effective configuration.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// ShouldOptimize reports whether a molecule needs attention: it is not
// stable, or its composition outgrew the size bound.
func (o *Optimizer) ShouldOptimize(m *molecule.Molecule) bool {
	return !m.Stable(o.cfg.StabilityThreshold) || m.Size() > o.cfg.MaxCompositionSize
}

// Optimize runs rule rounds until improvement stalls or MaxRounds is hit.
// Each round applies, in order: bond-strength relaxation, locality hints,
// parallelism hints.
func (o *Optimizer) Optimize(m *molecule.Molecule) Outcome {
	out := Outcome{Before: m.Stability()}

	for round := 0; round < o.cfg.MaxRounds; round++ {
		before := m.Stability()

		relaxed := o.relaxWeakIonicBonds(m)
		linked := o.linkDataFlowPairs(m)
		parallelized := o.parallelizeSameGroupBonds(m)

		out.Rounds++
		out.Relaxed += relaxed
		out.Linked += linked
		out.Parallelized += parallelized

		improvement := m.Stability() - before
		logging.OptimizerDebug("molecule %s round %d: relaxed=%d linked=%d parallelized=%d improvement=%.3f",
			m.ID(), out.Rounds, relaxed, linked, parallelized, improvement)
		if improvement < o.cfg.MinImprovement {
			break
		}
	}

	out.After = m.Stability()
	if out.Changed() {
		logging.Optimizer("molecule %s optimized: rounds=%d relaxed=%d linked=%d parallelized=%d stability %.3f -> %.3f",
			m.ID(), out.Rounds, out.Relaxed, out.Linked, out.Parallelized, out.Before, out.After)
	}
	return out
}

// =============================================================================
// RULES
// =============================================================================

// relaxWeakIonicBonds downgrades ionic bonds whose strength fell below the
// cutoff, unless both endpoints are control-flow packets (those keep their
// strict sequencing).
func (o *Optimizer) relaxWeakIonicBonds(m *molecule.Molecule) int {
	snap := m.Snapshot()
	changed := 0
	for _, b := range sortedBonds(snap.Bonds) {
		if b.Type != molecule.BondIonic || b.Strength >= RelaxationCutoff {
			continue
		}
		from, to := snap.Packets[b.From], snap.Packets[b.To]
		if from.Group == packet.GroupControlFlow && to.Group == packet.GroupControlFlow {
			continue
		}
		if err := m.ReplaceBond(molecule.NewBond(b.From, b.To, molecule.BondMetallic)); err == nil {
			changed++
		}
	}
	return changed
}

// linkDataFlowPairs gives every unbonded pair of data-flow packets a
// weak-coupling bond as a locality hint.
func (o *Optimizer) linkDataFlowPairs(m *molecule.Molecule) int {
	snap := m.Snapshot()
	var dataFlow []string
	for id, p := range snap.Packets {
		if p.Group == packet.GroupDataFlow {
			dataFlow = append(dataFlow, id)
		}
	}
	sort.Strings(dataFlow)

	changed := 0
	for i := 0; i < len(dataFlow); i++ {
		for j := i + 1; j < len(dataFlow); j++ {
			if m.HasBondBetween(dataFlow[i], dataFlow[j]) {
				continue
			}
			if err := m.AddBond(molecule.NewBond(dataFlow[i], dataFlow[j], molecule.BondWeakCoupling)); err == nil {
				changed++
			}
		}
	}
	return changed
}

// parallelizeSameGroupBonds downgrades remaining ionic bonds between packets
// of the same non-control-flow group; peers of one group rarely need strict
// ordering against each other.
func (o *Optimizer) parallelizeSameGroupBonds(m *molecule.Molecule) int {
	snap := m.Snapshot()
	changed := 0
	for _, b := range sortedBonds(snap.Bonds) {
		if b.Type != molecule.BondIonic {
			continue
		}
		from, to := snap.Packets[b.From], snap.Packets[b.To]
		if from.Group != to.Group || from.Group == packet.GroupControlFlow {
			continue
		}
		if err := m.ReplaceBond(molecule.NewBond(b.From, b.To, molecule.BondMetallic)); err == nil {
			changed++
		}
	}
	return changed
}

func sortedBonds(bonds []molecule.Bond) []molecule.Bond {
	out := make([]molecule.Bond, len(bonds))
	copy(out, bonds)
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
