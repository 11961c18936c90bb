package netcombine

import (
	"golang.org/x/exp/constraints"

	"github.com/gomlx/hybridembed/internal/workerspool"
)

// combineGrain is the number of (slot, sample) destinations processed per
// worker task. Typical embedding widths are 16 to 256 elements, so tasks
// stay in the microseconds range.
const combineGrain = 8

// Forward combines the exchanged embedding fragments into this instance's
// output.
//
// commBuffer holds one received buffer per instance of the topology;
// rowLengths is indexed [slot*batchPerInstance + sample] and feeds the mean
// denominator; output must have exactly layout.OutputLen(batchPerInstance)
// elements and is fully overwritten. batchSize is the global batch, an
// exact multiple of the instance count.
func (n *Network) Forward(rowLengths []int32, combiners []Combiner, commBuffer [][]float32,
	layout *Layout, output []float32, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(commBuffer), len(output), nil, false)
	forwardCombine(n.pool, layout, combiners, rowLengths, nil, commBuffer, output, batchPerInstance)
}

// ForwardWeighted is Forward for fragments that arrive pre-scaled by their
// occurrence weights: mean slots divide by the given per-(slot, sample)
// weight sums instead of the row length.
func (n *Network) ForwardWeighted(rowLengths []int32, weightSums []float32, combiners []Combiner,
	commBuffer [][]float32, layout *Layout, output []float32, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(commBuffer), len(output), weightSums, true)
	forwardCombine(n.pool, layout, combiners, rowLengths, weightSums, commBuffer, output, batchPerInstance)
}

// ForwardF64 is Forward for float64 buffers.
func (n *Network) ForwardF64(rowLengths []int32, combiners []Combiner, commBuffer [][]float64,
	layout *Layout, output []float64, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(commBuffer), len(output), nil, false)
	forwardCombine(n.pool, layout, combiners, rowLengths, nil, commBuffer, output, batchPerInstance)
}

// forwardCombine accumulates every destination (slot, sample) from its
// fragments. Destinations are disjoint output ranges and each one reads its
// fragments in layout order, so the result does not depend on the pool's
// parallelism.
func forwardCombine[F constraints.Float](pool *workerspool.Pool, layout *Layout, combiners []Combiner,
	rowLengths []int32, weightSums []float32, commBuffer [][]F, output []F, batchPerInstance int) {
	numDst := len(layout.DstSlots)
	pool.ParallelizeRange(numDst*batchPerInstance, combineGrain, func(start, end int) {
		for i := start; i < end; i++ {
			b := i / numDst
			j := i % numDst
			slot := int(layout.DstSlots[j])
			width := layout.SlotWidth(slot)
			out := output[int(layout.SlotVecOffsets[slot])*batchPerInstance+b*width:][:width:width]
			for e := range out {
				out[e] = 0
			}
			for r := layout.FragmentOffsets[j]; r < layout.FragmentOffsets[j+1]; r++ {
				g := int(layout.FragmentGPUs[r])
				id := int(layout.FragmentIDs[r])
				base := int(layout.SourceVecOffsets[g][id])*batchPerInstance + b*width
				src := commBuffer[g][base:][:width:width]
				for e := range out {
					out[e] += src[e]
				}
			}
			if combiners[slot] == CombinerMean {
				var denom F
				if weightSums != nil {
					denom = F(weightSums[slot*batchPerInstance+b])
				} else {
					denom = F(rowLengths[slot*batchPerInstance+b])
				}
				if denom > 0 {
					scale := 1 / denom
					for e := range out {
						out[e] *= scale
					}
				} else {
					for e := range out {
						out[e] = 0
					}
				}
			}
		}
	})
}
