// Package topology models the device fabric a hybrid embedding is planned
// for: how many nodes there are, how many worker instances (devices) each
// node carries, and the mapping between global instance ids and (node, local
// instance) pairs.
//
// Instances are numbered globally in node order: node 0 holds instances
// [0, instancesPerNode[0]), node 1 the next block, and so on. The package
// only describes the shape of the fabric; the collectives that run over it
// belong to the caller.
package topology

import (
	"fmt"
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Topology is an immutable description of nodes and the instances they carry.
//
// Build one with New or Uniform.
type Topology struct {
	instancesPerNode []int
	nodeOffsets      []int // prefix sums over instancesPerNode, len == numNodes+1.
	numInstances     int
}

// New creates a Topology with numInstances devices distributed over the nodes
// according to instancesPerNode.
//
// The per-node counts are authoritative and must sum to numInstances; the
// redundancy catches configurations edited by hand. Every node must carry at
// least one instance.
func New(numInstances int, instancesPerNode []int) (*Topology, error) {
	if len(instancesPerNode) == 0 {
		return nil, errors.New("topology: at least one node is required")
	}
	t := &Topology{
		instancesPerNode: slices.Clone(instancesPerNode),
		nodeOffsets:      make([]int, len(instancesPerNode)+1),
	}
	for nodeID, n := range instancesPerNode {
		if n < 1 {
			return nil, errors.Errorf("topology: node %d declares %d instances, every node needs at least 1", nodeID, n)
		}
		t.nodeOffsets[nodeID+1] = t.nodeOffsets[nodeID] + n
	}
	t.numInstances = t.nodeOffsets[len(instancesPerNode)]
	if t.numInstances != numInstances {
		return nil, errors.Errorf("topology: instances per node sum %d != num instances %d", t.numInstances, numInstances)
	}
	return t, nil
}

// Uniform creates a Topology of numNodes nodes with instancesEach devices on
// every node.
func Uniform(numNodes, instancesEach int) (*Topology, error) {
	if numNodes < 1 {
		return nil, errors.Errorf("topology: num nodes must be >= 1, got %d", numNodes)
	}
	perNode := make([]int, numNodes)
	for i := range perNode {
		perNode[i] = instancesEach
	}
	return New(numNodes*instancesEach, perNode)
}

// NumNodes returns the number of nodes.
func (t *Topology) NumNodes() int { return len(t.instancesPerNode) }

// NumInstances returns the total number of worker instances (devices) across
// all nodes.
func (t *Topology) NumInstances() int { return t.numInstances }

// InstancesPerNode returns a copy of the per-node instance counts.
func (t *Topology) InstancesPerNode() []int { return slices.Clone(t.instancesPerNode) }

// GlobalInstanceID maps a (node, local instance) pair to its global instance
// id. It panics if either coordinate is out of range.
func (t *Topology) GlobalInstanceID(nodeID, localID int) int {
	if nodeID < 0 || nodeID >= t.NumNodes() {
		exceptions.Panicf("topology: node id %d out of range [0, %d)", nodeID, t.NumNodes())
	}
	if localID < 0 || localID >= t.instancesPerNode[nodeID] {
		exceptions.Panicf("topology: local instance %d out of range [0, %d) on node %d",
			localID, t.instancesPerNode[nodeID], nodeID)
	}
	return t.nodeOffsets[nodeID] + localID
}

// Locate maps a global instance id back to its (node, local instance) pair.
// It panics if globalID is out of range.
func (t *Topology) Locate(globalID int) (nodeID, localID int) {
	if globalID < 0 || globalID >= t.numInstances {
		exceptions.Panicf("topology: instance id %d out of range [0, %d)", globalID, t.numInstances)
	}
	nodeID = sort.SearchInts(t.nodeOffsets[1:], globalID+1)
	localID = globalID - t.nodeOffsets[nodeID]
	return
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("Topology(%d nodes, %d instances: %v)", t.NumNodes(), t.numInstances, t.instancesPerNode)
}
