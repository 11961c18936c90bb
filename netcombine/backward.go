package netcombine

import (
	"golang.org/x/exp/constraints"

	"github.com/gomlx/hybridembed/internal/workerspool"
)

// Backward scatters the output gradients back into the per-instance buffers
// for the reverse exchange. It is the exact transpose of Forward: every
// fragment a destination read receives the destination's gradient, scaled by
// the slot's combiner (1/rowLength for mean slots, 1 for sum).
//
// Each referenced buffer block is written exactly once; blocks the layout
// does not reference are left untouched.
func (n *Network) Backward(rowLengths []int32, combiners []Combiner, gradOutput []float32,
	layout *Layout, gradBuffer [][]float32, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(gradBuffer), len(gradOutput), nil, false)
	backwardScatter(n.pool, layout, combiners, rowLengths, nil, gradOutput, gradBuffer, batchPerInstance)
}

// BackwardWeighted is Backward for the weighted path: mean slots scale by
// the inverse of the given weight sums instead of the row length.
func (n *Network) BackwardWeighted(rowLengths []int32, weightSums []float32, combiners []Combiner,
	gradOutput []float32, layout *Layout, gradBuffer [][]float32, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(gradBuffer), len(gradOutput), weightSums, true)
	backwardScatter(n.pool, layout, combiners, rowLengths, weightSums, gradOutput, gradBuffer, batchPerInstance)
}

// BackwardF64 is Backward for float64 buffers.
func (n *Network) BackwardF64(rowLengths []int32, combiners []Combiner, gradOutput []float64,
	layout *Layout, gradBuffer [][]float64, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(gradBuffer), len(gradOutput), nil, false)
	backwardScatter(n.pool, layout, combiners, rowLengths, nil, gradOutput, gradBuffer, batchPerInstance)
}

// backwardScatter writes each destination's scaled gradient to all the
// buffer blocks that fed it. Layout validation guarantees a block feeds at
// most one destination, so writes never race.
func backwardScatter[F constraints.Float](pool *workerspool.Pool, layout *Layout, combiners []Combiner,
	rowLengths []int32, weightSums []float32, gradOutput []F, gradBuffer [][]F, batchPerInstance int) {
	numDst := len(layout.DstSlots)
	pool.ParallelizeRange(numDst*batchPerInstance, combineGrain, func(start, end int) {
		for i := start; i < end; i++ {
			b := i / numDst
			j := i % numDst
			slot := int(layout.DstSlots[j])
			width := layout.SlotWidth(slot)
			grad := gradOutput[int(layout.SlotVecOffsets[slot])*batchPerInstance+b*width:][:width:width]
			scale := F(1)
			if combiners[slot] == CombinerMean {
				var denom F
				if weightSums != nil {
					denom = F(weightSums[slot*batchPerInstance+b])
				} else {
					denom = F(rowLengths[slot*batchPerInstance+b])
				}
				if denom > 0 {
					scale = 1 / denom
				} else {
					scale = 0
				}
			}
			for r := layout.FragmentOffsets[j]; r < layout.FragmentOffsets[j+1]; r++ {
				g := int(layout.FragmentGPUs[r])
				id := int(layout.FragmentIDs[r])
				base := int(layout.SourceVecOffsets[g][id])*batchPerInstance + b*width
				dst := gradBuffer[g][base:][:width:width]
				for e := range dst {
					dst[e] = grad[e] * scale
				}
			}
		}
	})
}
