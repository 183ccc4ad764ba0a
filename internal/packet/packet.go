// Package packet defines the packet taxonomy of the reactor: the six
// periodic groups, the packet value type, and the chemical properties
// derived from (group, priority). Derived properties are pure functions;
// two packets with the same group and priority always report identical
// reactivity, ionization energy, and atomic radius.
package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// GROUPS
// =============================================================================

// Group classifies a packet into one of the six periodic groups. The group
// determines the packet's chemical constants and its routing affinities.
type Group string

const (
	GroupControlFlow        Group = "control-flow"
	GroupDataFlow           Group = "data-flow"
	GroupEventDriven        Group = "event-driven"
	GroupCollective         Group = "collective"
	GroupMetaComputational  Group = "meta-computational"
	GroupResourceManagement Group = "resource-management"
)

// ErrInvalidGroup is returned when a group name or wire code is not one of
// the six periodic groups.
var ErrInvalidGroup = errors.New("invalid packet group")

// groupProperties holds the fixed chemical constants of a group.
type groupProperties struct {
	code         string  // two-letter wire code
	reactivity   float64 // willingness to trigger downstream work
	costFactor   float64 // multiplier for ionization energy
	atomicRadius float64 // blast radius of side effects
}

// Event-driven packets are the most reactive and the cheapest to ionize;
// meta-computational packets are the least reactive and the most expensive.
var properties = map[Group]groupProperties{
	GroupControlFlow:        {code: "cf", reactivity: 0.7, costFactor: 1.5, atomicRadius: 1.2},
	GroupDataFlow:           {code: "df", reactivity: 0.8, costFactor: 1.0, atomicRadius: 1.0},
	GroupEventDriven:        {code: "ed", reactivity: 0.9, costFactor: 0.8, atomicRadius: 0.7},
	GroupCollective:         {code: "co", reactivity: 0.6, costFactor: 2.0, atomicRadius: 1.5},
	GroupMetaComputational:  {code: "mc", reactivity: 0.4, costFactor: 2.5, atomicRadius: 2.0},
	GroupResourceManagement: {code: "rm", reactivity: 0.5, costFactor: 1.2, atomicRadius: 1.1},
}

// Groups returns the six periodic groups in their canonical order.
func Groups() []Group {
	return []Group{
		GroupControlFlow,
		GroupDataFlow,
		GroupEventDriven,
		GroupCollective,
		GroupMetaComputational,
		GroupResourceManagement,
	}
}

// Valid reports whether g is one of the six periodic groups.
func (g Group) Valid() bool {
	_, ok := properties[g]
	return ok
}

// Code returns the two-letter wire code for the group ("cf", "df", ...).
// Unknown groups return an empty string.
func (g Group) Code() string {
	return properties[g].code
}

// GroupFromCode resolves a two-letter wire code to its group.
func GroupFromCode(code string) (Group, error) {
	for _, g := range Groups() {
		if properties[g].code == code {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: code %q", ErrInvalidGroup, code)
}

// ParseGroup resolves a full group name ("data-flow", ...) to its group.
func ParseGroup(name string) (Group, error) {
	g := Group(name)
	if !g.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroup, name)
	}
	return g, nil
}

// =============================================================================
// PACKET
// =============================================================================

// DefaultVersion is stamped on packets created without an explicit version.
const DefaultVersion = "v1"

const (
	// MinPriority and MaxPriority bound the priority scale. Priorities
	// outside the bounds are clamped, never rejected.
	MinPriority = 1
	MaxPriority = 10
)

// Packet is the unit of work flowing through the reactor. Packets are
// immutable after creation; identity is ID.
type Packet struct {
	Version      string
	ID           string
	Group        Group
	Element      string // operation tag within the group, e.g. "transform"
	Data         any
	Priority     int // MinPriority..MaxPriority
	Timeout      time.Duration
	Dependencies []string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// New creates a packet with a generated UUID, the default version, and the
// priority clamped into range.
func New(group Group, element string, data any, priority int) Packet {
	return Packet{
		Version:   DefaultVersion,
		ID:        uuid.NewString(),
		Group:     group,
		Element:   element,
		Data:      data,
		Priority:  ClampPriority(priority),
		CreatedAt: time.Now(),
	}
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Reactivity returns the group's fixed reactivity constant.
func (p Packet) Reactivity() float64 {
	return properties[p.Group].reactivity
}

// IonizationEnergy estimates the processing cost of the packet. It is the
// quantity admission control charges against a node's capacity.
func (p Packet) IonizationEnergy() float64 {
	return float64(p.Priority) / 10.0 * properties[p.Group].costFactor
}

// AtomicRadius returns the group's fixed side-effect radius constant.
func (p Packet) AtomicRadius() float64 {
	return properties[p.Group].atomicRadius
}
