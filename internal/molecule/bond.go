package molecule

import "github.com/c-u-l8er/packetflow/internal/packet"

// BondType classifies the coupling between two packets in a molecule.
type BondType string

const (
	BondIonic        BondType = "ionic"         // strict sequential dependency
	BondCovalent     BondType = "covalent"      // shared-state cooperation
	BondMetallic     BondType = "metallic"      // loose parallel coupling
	BondWeakCoupling BondType = "weak-coupling" // locality hint only
)

// bondStrengths are the fixed per-type strength constants.
var bondStrengths = map[BondType]float64{
	BondIonic:        1.0,
	BondCovalent:     0.8,
	BondMetallic:     0.6,
	BondWeakCoupling: 0.3,
}

// Strength returns the fixed strength constant for the bond type.
func (t BondType) Strength() float64 {
	return bondStrengths[t]
}

// Valid reports whether t is a known bond type.
func (t BondType) Valid() bool {
	_, ok := bondStrengths[t]
	return ok
}

// Bond couples two packets of a molecule. Strength is seeded from the type
// constant by NewBond; callers may weaken a bond in place, which is how the
// optimizer detects candidates for relaxation.
type Bond struct {
	From     string
	To       string
	Type     BondType
	Strength float64
}

// NewBond builds a bond with the type's canonical strength.
func NewBond(from, to string, t BondType) Bond {
	return Bond{From: from, To: to, Type: t, Strength: t.Strength()}
}

// Energy is the bond's contribution to molecular stability:
// strength times the average priority of its endpoints.
func (b Bond) Energy(from, to packet.Packet) float64 {
	return b.Strength * (float64(from.Priority) + float64(to.Priority)) / 2.0
}
