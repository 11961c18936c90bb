package netcombine

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/gomlx/hybridembed/internal/workerspool"
)

// Half precision variants of Forward and Backward. Fragments are converted
// to float32 on load and the combine accumulates in float32, so results do
// not lose more precision than the final store.

// ForwardF16 is Forward for float16 buffers.
func (n *Network) ForwardF16(rowLengths []int32, combiners []Combiner, commBuffer [][]float16.Float16,
	layout *Layout, output []float16.Float16, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(commBuffer), len(output), nil, false)
	forwardCombineHalf(n.pool, layout, combiners, rowLengths, commBuffer, output, batchPerInstance,
		float16.Float16.Float32, float16.Fromfloat32)
}

// BackwardF16 is Backward for float16 buffers.
func (n *Network) BackwardF16(rowLengths []int32, combiners []Combiner, gradOutput []float16.Float16,
	layout *Layout, gradBuffer [][]float16.Float16, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(gradBuffer), len(gradOutput), nil, false)
	backwardScatterHalf(n.pool, layout, combiners, rowLengths, gradOutput, gradBuffer, batchPerInstance,
		float16.Float16.Float32, float16.Fromfloat32)
}

// ForwardBF16 is Forward for bfloat16 buffers.
func (n *Network) ForwardBF16(rowLengths []int32, combiners []Combiner, commBuffer [][]bfloat16.BFloat16,
	layout *Layout, output []bfloat16.BFloat16, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(commBuffer), len(output), nil, false)
	forwardCombineHalf(n.pool, layout, combiners, rowLengths, commBuffer, output, batchPerInstance,
		bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
}

// BackwardBF16 is Backward for bfloat16 buffers.
func (n *Network) BackwardBF16(rowLengths []int32, combiners []Combiner, gradOutput []bfloat16.BFloat16,
	layout *Layout, gradBuffer [][]bfloat16.BFloat16, batchSize int) {
	batchPerInstance := n.checkArgs(layout, batchSize, rowLengths, combiners,
		bufferLens(gradBuffer), len(gradOutput), nil, false)
	backwardScatterHalf(n.pool, layout, combiners, rowLengths, gradOutput, gradBuffer, batchPerInstance,
		bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
}

// forwardCombineHalf mirrors forwardCombine with float32 accumulation. Each
// worker keeps one scratch row of the widest slot.
func forwardCombineHalf[H any](pool *workerspool.Pool, layout *Layout, combiners []Combiner,
	rowLengths []int32, commBuffer [][]H, output []H, batchPerInstance int,
	toF32 func(H) float32, fromF32 func(float32) H) {
	numDst := len(layout.DstSlots)
	maxWidth := layout.MaxSlotWidth()
	pool.ParallelizeRange(numDst*batchPerInstance, combineGrain, func(start, end int) {
		scratch := make([]float32, maxWidth)
		for i := start; i < end; i++ {
			b := i / numDst
			j := i % numDst
			slot := int(layout.DstSlots[j])
			width := layout.SlotWidth(slot)
			acc := scratch[:width]
			for e := range acc {
				acc[e] = 0
			}
			for r := layout.FragmentOffsets[j]; r < layout.FragmentOffsets[j+1]; r++ {
				g := int(layout.FragmentGPUs[r])
				id := int(layout.FragmentIDs[r])
				base := int(layout.SourceVecOffsets[g][id])*batchPerInstance + b*width
				src := commBuffer[g][base:][:width:width]
				for e := range acc {
					acc[e] += toF32(src[e])
				}
			}
			if combiners[slot] == CombinerMean {
				denom := float32(rowLengths[slot*batchPerInstance+b])
				if denom > 0 {
					scale := 1 / denom
					for e := range acc {
						acc[e] *= scale
					}
				} else {
					for e := range acc {
						acc[e] = 0
					}
				}
			}
			out := output[int(layout.SlotVecOffsets[slot])*batchPerInstance+b*width:][:width:width]
			for e := range out {
				out[e] = fromF32(acc[e])
			}
		}
	})
}

// backwardScatterHalf mirrors backwardScatter with float32 scaling.
func backwardScatterHalf[H any](pool *workerspool.Pool, layout *Layout, combiners []Combiner,
	rowLengths []int32, gradOutput []H, gradBuffer [][]H, batchPerInstance int,
	toF32 func(H) float32, fromF32 func(float32) H) {
	numDst := len(layout.DstSlots)
	maxWidth := layout.MaxSlotWidth()
	pool.ParallelizeRange(numDst*batchPerInstance, combineGrain, func(start, end int) {
		scratch := make([]H, maxWidth)
		for i := start; i < end; i++ {
			b := i / numDst
			j := i % numDst
			slot := int(layout.DstSlots[j])
			width := layout.SlotWidth(slot)
			grad := gradOutput[int(layout.SlotVecOffsets[slot])*batchPerInstance+b*width:][:width:width]
			scale := float32(1)
			if combiners[slot] == CombinerMean {
				denom := float32(rowLengths[slot*batchPerInstance+b])
				if denom > 0 {
					scale = 1 / denom
				} else {
					scale = 0
				}
			}
			scaled := scratch[:width]
			for e := range scaled {
				scaled[e] = fromF32(toF32(grad[e]) * scale)
			}
			for r := layout.FragmentOffsets[j]; r < layout.FragmentOffsets[j+1]; r++ {
				g := int(layout.FragmentGPUs[r])
				id := int(layout.FragmentIDs[r])
				base := int(layout.SourceVecOffsets[g][id])*batchPerInstance + b*width
				copy(gradBuffer[g][base:base+width], scaled)
			}
		}
	})
}
