// Package netcombine implements the combine stage that follows the
// inter-instance exchange of embedding vectors.
//
// After the lookup, each instance has sent every peer the vectors that peer's
// samples need, and holds one received buffer per peer in return. A buffer is
// a sequence of fixed-position blocks, one embedding vector per local sample
// each. The combine stage walks a Layout, which maps blocks onto destination
// feature slots, accumulates each destination's fragments and applies the
// slot's Combiner. The backward pass is the exact transpose: it scatters
// output gradients back into the per-peer buffers for the reverse exchange.
//
// Fragments are accumulated in layout order, so results are bit-identical no
// matter how the work is split across workers. Element types float32,
// float64, float16 and bfloat16 are supported; the half precision variants
// accumulate in float32 and convert on load and store.
package netcombine

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/hybridembed/internal/workerspool"
	"github.com/gomlx/hybridembed/topology"
)

// Combiner selects how the fragments of one destination slot are reduced.
type Combiner uint8

const (
	// CombinerSum adds the fragments.
	CombinerSum Combiner = iota

	// CombinerMean adds the fragments and divides by the sample's row length
	// (or by its weight sum, on the weighted path). A zero denominator
	// yields a zero vector.
	CombinerMean
)

// String implements fmt.Stringer.
func (c Combiner) String() string {
	switch c {
	case CombinerSum:
		return "sum"
	case CombinerMean:
		return "mean"
	}
	return "invalid"
}

// Network runs the combine stage for one instance of a topology.
//
// It is stateless apart from the topology and the workers pool, so one
// Network can serve any number of concurrent Forward/Backward calls.
type Network struct {
	topo *topology.Topology
	pool *workerspool.Pool
}

// NewNetwork creates a Network for the given topology, with a default
// workers pool sized to the available CPUs.
func NewNetwork(topo *topology.Topology) *Network {
	if topo == nil {
		exceptions.Panicf("netcombine: topology is required")
	}
	return &Network{topo: topo, pool: workerspool.New()}
}

// WithPool replaces the workers pool used to parallelize the combine. A pool
// with parallelism 0 makes calls single-threaded. It returns n, so it can be
// chained with NewNetwork.
func (n *Network) WithPool(pool *workerspool.Pool) *Network {
	n.pool = pool
	return n
}

// checkArgs validates one combine call and returns the per-instance batch
// size. All violations panic: they mean the caller and the layout disagree
// about shapes, which nothing downstream could repair.
func (n *Network) checkArgs(layout *Layout, batchSize int, rowLengths []int32, combiners []Combiner,
	bufferLens []int, outputLen int, weightSums []float32, weighted bool) int {
	if layout == nil {
		exceptions.Panicf("netcombine: layout is required")
	}
	numInstances := n.topo.NumInstances()
	if err := layout.Validate(numInstances); err != nil {
		exceptions.Panicf("netcombine: %v", err)
	}
	if batchSize <= 0 || batchSize%numInstances != 0 {
		exceptions.Panicf("netcombine: batch size %d is not a positive multiple of %d instances",
			batchSize, numInstances)
	}
	batchPerInstance := batchSize / numInstances
	numSlots := layout.NumSlots()
	if len(combiners) != numSlots {
		exceptions.Panicf("netcombine: %d combiners for %d slots", len(combiners), numSlots)
	}
	for slot, c := range combiners {
		if c > CombinerMean {
			exceptions.Panicf("netcombine: slot %d has unknown combiner %d", slot, c)
		}
	}
	if len(rowLengths) != numSlots*batchPerInstance {
		exceptions.Panicf("netcombine: row lengths has %d entries, want slots*batchPerInstance = %d",
			len(rowLengths), numSlots*batchPerInstance)
	}
	if len(bufferLens) != numInstances {
		exceptions.Panicf("netcombine: communication buffer covers %d instances, want %d",
			len(bufferLens), numInstances)
	}
	for g, have := range bufferLens {
		if need := layout.bufferExtent(g) * batchPerInstance; have < need {
			exceptions.Panicf("netcombine: buffer of instance %d has %d elements, need at least %d",
				g, have, need)
		}
	}
	if outputLen != layout.OutputLen(batchPerInstance) {
		exceptions.Panicf("netcombine: output has %d elements, want %d",
			outputLen, layout.OutputLen(batchPerInstance))
	}
	if weighted && len(weightSums) != numSlots*batchPerInstance {
		exceptions.Panicf("netcombine: weight sums has %d entries, want slots*batchPerInstance = %d",
			len(weightSums), numSlots*batchPerInstance)
	}
	return batchPerInstance
}

// bufferLens returns the element count of each per-instance buffer.
func bufferLens[T any](buffers [][]T) []int {
	lens := make([]int, len(buffers))
	for g, buf := range buffers {
		lens[g] = len(buf)
	}
	return lens
}
