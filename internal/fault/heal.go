package fault

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/c-u-l8er/packetflow/internal/logging"
	"github.com/c-u-l8er/packetflow/internal/molecule"
)

// ErrHealingFailed means the molecule could not be restored to a viable
// state. The failed packets are already removed; disposal of the remainder
// is the caller's decision.
var ErrHealingFailed = errors.New("molecular healing failed")

// HealMolecule removes failed packets from the molecule; bonds referencing
// them cascade away. Healing succeeds when packets remain and the re-derived
// stability clears the recovery threshold.
func (d *Detector) HealMolecule(m *molecule.Molecule, failedPacketIDs []string) error {
	atomic.AddInt64(&d.healAttempts, 1)

	removed := 0
	for _, id := range failedPacketIDs {
		if !m.Has(id) {
			continue
		}
		if err := m.RemovePacket(id); err != nil {
			return fmt.Errorf("healing molecule %s: %w", m.ID(), err)
		}
		removed++
	}

	if m.Size() == 0 {
		logging.FaultWarn("healing: molecule %s has no packets left after removing %d", m.ID(), removed)
		return fmt.Errorf("%w: molecule %s is empty", ErrHealingFailed, m.ID())
	}
	if stability := m.Stability(); stability <= d.cfg.RecoveryThreshold {
		logging.FaultWarn("healing: molecule %s stability %.3f below recovery threshold %.3f",
			m.ID(), stability, d.cfg.RecoveryThreshold)
		return fmt.Errorf("%w: molecule %s stability %.3f <= %.3f",
			ErrHealingFailed, m.ID(), stability, d.cfg.RecoveryThreshold)
	}

	atomic.AddInt64(&d.healSuccesses, 1)
	logging.Fault("healing: molecule %s healed, removed %d packets, stability %.3f",
		m.ID(), removed, m.Stability())
	return nil
}
