package routing

import (
	"github.com/c-u-l8er/packetflow/internal/node"
	"github.com/c-u-l8er/packetflow/internal/packet"
)

// DefaultAffinity is used for pairs missing from the table, the floor of the
// affinity range.
const DefaultAffinity = 0.1

// affinities is the fixed 6x5 lookup of how well a packet group fits a node
// specialization. Values stay in [0.1, 1.0]. Each group has one favored
// specialization at 0.9: control-flow favors cpu-bound, data-flow favors
// memory-bound, event-driven favors io-bound (with network-bound close
// behind), collective favors network-bound, meta-computational and
// resource-management favor memory-bound with general as runner-up.
var affinities = map[packet.Group]map[node.Specialization]float64{
	packet.GroupControlFlow: {
		node.SpecCPUBound:     0.9,
		node.SpecMemoryBound:  0.4,
		node.SpecIOBound:      0.3,
		node.SpecNetworkBound: 0.3,
		node.SpecGeneral:      0.6,
	},
	packet.GroupDataFlow: {
		node.SpecCPUBound:     0.6,
		node.SpecMemoryBound:  0.9,
		node.SpecIOBound:      0.7,
		node.SpecNetworkBound: 0.5,
		node.SpecGeneral:      0.6,
	},
	packet.GroupEventDriven: {
		node.SpecCPUBound:     0.4,
		node.SpecMemoryBound:  0.5,
		node.SpecIOBound:      0.9,
		node.SpecNetworkBound: 0.8,
		node.SpecGeneral:      0.6,
	},
	packet.GroupCollective: {
		node.SpecCPUBound:     0.5,
		node.SpecMemoryBound:  0.6,
		node.SpecIOBound:      0.5,
		node.SpecNetworkBound: 0.9,
		node.SpecGeneral:      0.6,
	},
	packet.GroupMetaComputational: {
		node.SpecCPUBound:     0.6,
		node.SpecMemoryBound:  0.8,
		node.SpecIOBound:      0.3,
		node.SpecNetworkBound: 0.4,
		node.SpecGeneral:      0.7,
	},
	packet.GroupResourceManagement: {
		node.SpecCPUBound:     0.5,
		node.SpecMemoryBound:  0.8,
		node.SpecIOBound:      0.6,
		node.SpecNetworkBound: 0.5,
		node.SpecGeneral:      0.7,
	},
}

// Affinity returns the fixed affinity between a group and a specialization.
func Affinity(g packet.Group, s node.Specialization) float64 {
	row, ok := affinities[g]
	if !ok {
		return DefaultAffinity
	}
	a, ok := row[s]
	if !ok {
		return DefaultAffinity
	}
	return a
}

// Score combines affinity with node state into the routing score:
// affinity x available headroom x normalized priority x health bonus.
// The health bonus discounts nodes linearly by their error rate.
func Score(g packet.Group, s node.Specialization, loadFactor, errorRate float64, priority int) float64 {
	return Affinity(g, s) * (1 - loadFactor) * (float64(priority) / 10.0) * (1 - errorRate)
}
