// Package planner decides how many categories an embedding should replicate.
//
// A hybrid embedding splits categories in two: the top k most frequent ones
// are replicated on every instance and synchronized with a broadcast-combine
// (all-reduce), everything else is sharded to a single owner and reached
// through an exchange-shuffle (all-to-all). Replicating one more category
// grows the all-reduce message and shrinks the expected all-to-all traffic,
// so there is a k where the summed collective time is smallest. This package
// finds it, using measured collective calibration and the frequency ranking
// of the training data.
//
// The decision runs once per training job, on the control plane. Nothing
// here touches the per-iteration critical path.
package planner

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/hybridembed/calibration"
	"github.com/gomlx/hybridembed/statistics"
	"github.com/gomlx/hybridembed/topology"
)

// CommunicationType says which fabric dominates the exchange-shuffle, which
// decides what fraction of the shuffled bytes the calibration curve has to
// account for.
type CommunicationType int

const (
	// SingleNode plans for instances that all share one node: the shuffle
	// runs on the intra-node fabric and (numInstances-1)/numInstances of the
	// exchanged data crosses it.
	SingleNode CommunicationType = iota

	// MultiNode plans for instances spanning nodes: the shuffle is dominated
	// by the inter-node fabric and (numNodes-1)/numNodes of the exchanged
	// data crosses it.
	MultiNode
)

// String implements fmt.Stringer.
func (ct CommunicationType) String() string {
	switch ct {
	case SingleNode:
		return "single-node"
	case MultiNode:
		return "multi-node"
	}
	return fmt.Sprintf("CommunicationType(%d)", int(ct))
}

// ParseCommunicationType converts the textual form used in configuration
// files back to a CommunicationType.
func ParseCommunicationType(s string) (CommunicationType, error) {
	switch s {
	case "single-node":
		return SingleNode, nil
	case "multi-node":
		return MultiNode, nil
	}
	return 0, errors.Errorf("planner: unknown communication type %q, want %q or %q",
		s, SingleNode, MultiNode)
}

// Workload describes the training job being planned for.
type Workload struct {
	// BatchSize is the number of samples per iteration, across all instances.
	BatchSize int

	// NumIterations the plan will serve. Collective times in CostBreakdown
	// cover all of them.
	NumIterations int

	// NumTables is the number of embedding feature tables sharing the
	// unified category id space.
	NumTables int

	// EmbeddingDim is the number of elements per embedding vector.
	EmbeddingDim int

	// BytesPerElement of embedding vectors on the wire: 4 for float32,
	// 2 for float16 and bfloat16.
	BytesPerElement int
}

// VectorBytes returns the wire size of one embedding vector.
func (w Workload) VectorBytes() float64 {
	return float64(w.EmbeddingDim * w.BytesPerElement)
}

func (w Workload) validate() error {
	if w.BatchSize < 1 || w.NumIterations < 1 || w.NumTables < 1 ||
		w.EmbeddingDim < 1 || w.BytesPerElement < 1 {
		return errors.Errorf("planner: workload fields must all be positive, got %+v", w)
	}
	return nil
}

// CostBreakdown is the modeled collective cost of one candidate threshold.
// Byte figures are per instance and per iteration; times cover the whole
// workload (Workload.NumIterations iterations).
type CostBreakdown struct {
	NumFrequent    int
	AllReduceBytes float64
	AllToAllBytes  float64
	AllReduceSec   float64
	AllToAllSec    float64
	TotalSec       float64
}

// Plan is the solver's decision.
type Plan struct {
	NumFrequent       int
	CommunicationType CommunicationType
	Cost              CostBreakdown
}

// ChooseNumFrequent picks the number of frequent (replicated) categories
// minimizing the modeled collective time of the workload.
//
// Candidates range over 0 (everything sharded) to the full category count
// (everything replicated), both included. With measured curves the sweep is
// exact; with peak bandwidths the optimum has a closed form. An empty
// ranking (no samples observed) yields 0 frequent categories.
func ChooseNumFrequent(ct CommunicationType, data *calibration.Data, r *statistics.Ranking,
	w Workload, topo *topology.Topology) (Plan, error) {
	m, err := newCostModel(ct, data, r, w, topo)
	if err != nil {
		return Plan{}, err
	}

	var numFrequent int
	var cost CostBreakdown
	if r.NumSamples() == 0 {
		klog.Warning("planner: empty frequency statistics, sharding every category")
		numFrequent, cost = 0, m.cost(0)
	} else {
		switch data.Mode() {
		case calibration.ModeBandwidths:
			numFrequent, cost = m.closedForm()
		default:
			if r.NumCategories() > sweepCutoff {
				numFrequent, cost = m.search()
			} else {
				numFrequent, cost = m.scan()
			}
		}
	}

	klog.V(1).Infof("Hybrid embedding plan (%s): %s of %s categories frequent; "+
		"per iteration and instance: all-reduce %s, all-to-all %s; %.3gs collective time over %s iterations",
		ct, humanize.Comma(int64(numFrequent)), humanize.Comma(int64(r.NumCategories())),
		humanize.Bytes(uint64(cost.AllReduceBytes)), humanize.Bytes(uint64(cost.AllToAllBytes)),
		cost.TotalSec, humanize.Comma(int64(w.NumIterations)))
	return Plan{NumFrequent: numFrequent, CommunicationType: ct, Cost: cost}, nil
}

// EstimateCost models the collective cost of an explicit threshold choice,
// without optimizing anything. numFrequent may be any value in
// [0, numCategories].
func EstimateCost(ct CommunicationType, data *calibration.Data, r *statistics.Ranking,
	w Workload, topo *topology.Topology, numFrequent int) (CostBreakdown, error) {
	m, err := newCostModel(ct, data, r, w, topo)
	if err != nil {
		return CostBreakdown{}, err
	}
	if numFrequent < 0 || numFrequent > r.NumCategories() {
		return CostBreakdown{}, errors.Errorf("planner: num frequent %d out of range [0, %d]",
			numFrequent, r.NumCategories())
	}
	return m.cost(numFrequent), nil
}
