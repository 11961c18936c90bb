package netcombine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/hybridembed/internal/workerspool"
	"github.com/gomlx/hybridembed/topology"
)

// singleInstanceFixture: one instance, one slot of width 2, three fragments
// per sample. For samples b=0,1 the fragments are [1,1], [2,2], [3,3].
func singleInstanceFixture() (*Layout, [][]float32) {
	layout := &Layout{
		DstSlots:         []int32{0},
		FragmentOffsets:  []int32{0, 3},
		FragmentIDs:      []int32{0, 1, 2},
		FragmentGPUs:     []int32{0, 0, 0},
		SourceVecSizes:   [][]int32{{2, 2, 2}},
		SourceVecOffsets: [][]int32{{0, 2, 4}},
		SlotVecOffsets:   []int32{0, 2},
	}
	buffers := [][]float32{{
		1, 1, 1, 1, // block 0, samples 0 and 1
		2, 2, 2, 2, // block 1
		3, 3, 3, 3, // block 2
	}}
	return layout, buffers
}

// twoInstanceFixture: two instances, batch 4 (2 per instance), two slots.
// Slot 0 (width 2, mean) is fed by block 0 of instance 0 and block 1 of
// instance 1; slot 1 (width 3, sum) by block 0 of instance 1. Block 1 of
// instance 0 is unreferenced filler. DstSlots lists slot 1 first to exercise
// out-of-order destinations.
func twoInstanceFixture() (*Layout, [][]float32, []int32, []Combiner) {
	layout := &Layout{
		DstSlots:         []int32{1, 0},
		FragmentOffsets:  []int32{0, 1, 3},
		FragmentIDs:      []int32{0, 0, 1},
		FragmentGPUs:     []int32{1, 0, 1},
		SourceVecSizes:   [][]int32{{2, 2}, {3, 2}},
		SourceVecOffsets: [][]int32{{0, 2}, {0, 3}},
		SlotVecOffsets:   []int32{0, 2, 5},
	}
	buffers := [][]float32{
		{1, 2, 3, 4, 9, 9, 9, 9},
		{5, 6, 7, 8, 9, 10, 10, 20, 30, 40},
	}
	rowLengths := []int32{2, 2, 5, 7}
	combiners := []Combiner{CombinerMean, CombinerSum}
	return layout, buffers, rowLengths, combiners
}

func newTestNetwork(t *testing.T, numInstances int) *Network {
	topo, err := topology.Uniform(1, numInstances)
	require.NoError(t, err)
	return NewNetwork(topo)
}

func TestForwardSingleInstance(t *testing.T) {
	layout, buffers := singleInstanceFixture()
	net := newTestNetwork(t, 1)
	rowLengths := []int32{3, 3}
	output := make([]float32, layout.OutputLen(2))

	net.Forward(rowLengths, []Combiner{CombinerSum}, buffers, layout, output, 2)
	fmt.Printf("\tsum output: %v\n", output)
	assert.Equal(t, []float32{6, 6, 6, 6}, output)

	net.Forward(rowLengths, []Combiner{CombinerMean}, buffers, layout, output, 2)
	fmt.Printf("\tmean output: %v\n", output)
	assert.Equal(t, []float32{2, 2, 2, 2}, output)

	// Same combine in float64.
	buffers64 := [][]float64{make([]float64, len(buffers[0]))}
	for i, v := range buffers[0] {
		buffers64[0][i] = float64(v)
	}
	output64 := make([]float64, len(output))
	net.ForwardF64(rowLengths, []Combiner{CombinerMean}, buffers64, layout, output64, 2)
	assert.Equal(t, []float64{2, 2, 2, 2}, output64)
}

func TestForwardTwoInstances(t *testing.T) {
	layout, buffers, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	output := make([]float32, layout.OutputLen(2))
	net.Forward(rowLengths, combiners, buffers, layout, output, 4)
	fmt.Printf("\toutput: %v\n", output)

	want := []float32{
		5.5, 11, // slot 0, sample 0: ([1,2]+[10,20])/2
		16.5, 22, // slot 0, sample 1: ([3,4]+[30,40])/2
		5, 6, 7, // slot 1, sample 0
		8, 9, 10, // slot 1, sample 1
	}
	assert.Equal(t, want, output)
}

func TestForwardWeighted(t *testing.T) {
	layout, buffers, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	weightSums := []float32{4, 8, 1, 1} // only slot 0 is mean, slot 1 entries unused
	output := make([]float32, layout.OutputLen(2))
	net.ForwardWeighted(rowLengths, weightSums, combiners, buffers, layout, output, 4)
	fmt.Printf("\tweighted output: %v\n", output)

	want := []float32{
		2.75, 5.5, // [11,22]/4
		4.125, 5.5, // [33,44]/8
		5, 6, 7,
		8, 9, 10,
	}
	assert.Equal(t, want, output)
}

func TestForwardZeroRowLength(t *testing.T) {
	layout, buffers := singleInstanceFixture()
	net := newTestNetwork(t, 1)
	rowLengths := []int32{0, 3}
	output := make([]float32, layout.OutputLen(2))
	for i := range output {
		output[i] = float32(math.NaN()) // must be fully overwritten
	}
	net.Forward(rowLengths, []Combiner{CombinerMean}, buffers, layout, output, 2)
	fmt.Printf("\toutput with empty row: %v\n", output)
	assert.Equal(t, []float32{0, 0, 2, 2}, output)
	for _, v := range output {
		assert.False(t, math.IsNaN(float64(v)))
	}
}

func TestBackward(t *testing.T) {
	layout, _, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	gradOutput := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	gradBuffer := [][]float32{
		{-1, -1, -1, -1, -1, -1, -1, -1},
		{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1},
	}
	net.Backward(rowLengths, combiners, gradOutput, layout, gradBuffer, 4)
	fmt.Printf("\tgrad buffers: %v\n", gradBuffer)

	// Mean slot 0 scales by 1/2; sum slot 1 passes through. Block 1 of
	// instance 0 is unreferenced and keeps its sentinel.
	assert.Equal(t, []float32{0.5, 1, 1.5, 2, -1, -1, -1, -1}, gradBuffer[0])
	assert.Equal(t, []float32{5, 6, 7, 8, 9, 10, 0.5, 1, 1.5, 2}, gradBuffer[1])
}

func TestBackwardWeighted(t *testing.T) {
	layout, _, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	gradOutput := []float32{4, 8, 8, 16, 1, 1, 1, 1, 1, 1}
	weightSums := []float32{4, 8, 1, 1}
	gradBuffer := [][]float32{
		make([]float32, 8),
		make([]float32, 10),
	}
	net.BackwardWeighted(rowLengths, weightSums, combiners, gradOutput, layout, gradBuffer, 4)
	assert.Equal(t, []float32{1, 2, 1, 2, 0, 0, 0, 0}, gradBuffer[0])
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 2, 1, 2}, gradBuffer[1])
}

// TestForwardBackwardTranspose checks <Forward(x), gy> == <x, Backward(gy)>,
// which holds exactly when Backward is the transpose of Forward.
func TestForwardBackwardTranspose(t *testing.T) {
	layout, buffers, rowLengths, combiners := twoInstanceFixture()
	rng := rand.New(rand.NewPCG(42, 42))
	for _, buf := range buffers {
		for i := range buf {
			buf[i] = float32(rng.Float64()*2 - 1)
		}
	}
	net := newTestNetwork(t, 2)
	output := make([]float32, layout.OutputLen(2))
	net.Forward(rowLengths, combiners, buffers, layout, output, 4)

	gradOutput := make([]float32, len(output))
	for i := range gradOutput {
		gradOutput[i] = float32(rng.Float64()*2 - 1)
	}
	gradBuffer := [][]float32{
		make([]float32, len(buffers[0])),
		make([]float32, len(buffers[1])),
	}
	net.Backward(rowLengths, combiners, gradOutput, layout, gradBuffer, 4)

	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}
	lhs := dot(output, gradOutput)
	rhs := dot(buffers[0], gradBuffer[0]) + dot(buffers[1], gradBuffer[1])
	fmt.Printf("\t<y,gy>=%g, <x,gx>=%g\n", lhs, rhs)
	assert.InDelta(t, lhs, rhs, 1e-5)
}

// fanLayout builds a layout with numSlots slots of the given width, each fed
// by one block of every instance, blocks packed in slot order.
func fanLayout(numInstances, numSlots, width int) *Layout {
	l := &Layout{
		SlotVecOffsets:   make([]int32, numSlots+1),
		SourceVecSizes:   make([][]int32, numInstances),
		SourceVecOffsets: make([][]int32, numInstances),
	}
	for g := 0; g < numInstances; g++ {
		l.SourceVecSizes[g] = make([]int32, numSlots)
		l.SourceVecOffsets[g] = make([]int32, numSlots)
	}
	for s := 0; s < numSlots; s++ {
		l.SlotVecOffsets[s+1] = l.SlotVecOffsets[s] + int32(width)
		l.DstSlots = append(l.DstSlots, int32(s))
		l.FragmentOffsets = append(l.FragmentOffsets, int32(s*numInstances))
		for g := 0; g < numInstances; g++ {
			l.FragmentIDs = append(l.FragmentIDs, int32(s))
			l.FragmentGPUs = append(l.FragmentGPUs, int32(g))
			l.SourceVecSizes[g][s] = int32(width)
			l.SourceVecOffsets[g][s] = int32(s * width)
		}
	}
	l.FragmentOffsets = append(l.FragmentOffsets, int32(numSlots*numInstances))
	return l
}

// TestDeterminismAcrossPools runs the same combine sequentially and with
// different pool sizes and requires bit-identical outputs.
func TestDeterminismAcrossPools(t *testing.T) {
	const (
		numInstances = 4
		numSlots     = 13
		width        = 7
		batchSize    = 32
	)
	batchPerInstance := batchSize / numInstances
	layout := fanLayout(numInstances, numSlots, width)
	require.NoError(t, layout.Validate(numInstances))

	rng := rand.New(rand.NewPCG(7, 13))
	buffers := make([][]float32, numInstances)
	for g := range buffers {
		buffers[g] = make([]float32, numSlots*width*batchPerInstance)
		for i := range buffers[g] {
			buffers[g][i] = float32(rng.Float64()*2 - 1)
		}
	}
	rowLengths := make([]int32, numSlots*batchPerInstance)
	combiners := make([]Combiner, numSlots)
	for s := range combiners {
		if s%2 == 1 {
			combiners[s] = CombinerMean
		}
		for b := 0; b < batchPerInstance; b++ {
			rowLengths[s*batchPerInstance+b] = int32(s + b + 1)
		}
	}

	topo, err := topology.Uniform(2, 2)
	require.NoError(t, err)
	var reference []float32
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := workerspool.New()
		pool.SetMaxParallelism(parallelism)
		net := NewNetwork(topo).WithPool(pool)
		output := make([]float32, layout.OutputLen(batchPerInstance))
		net.Forward(rowLengths, combiners, buffers, layout, output, batchSize)
		if reference == nil {
			reference = output
			continue
		}
		require.Equal(t, reference, output, "parallelism=%d diverged", parallelism)
	}

	// Spot check one destination against a direct accumulation.
	slot, b := 5, 3
	want := make([]float64, width)
	for g := 0; g < numInstances; g++ {
		base := slot*width*batchPerInstance + b*width
		for e := 0; e < width; e++ {
			want[e] += float64(buffers[g][base+e])
		}
	}
	if combiners[slot] == CombinerMean {
		for e := range want {
			want[e] /= float64(rowLengths[slot*batchPerInstance+b])
		}
	}
	got := reference[slot*width*batchPerInstance+b*width:][:width]
	for e := 0; e < width; e++ {
		assert.InDelta(t, want[e], float64(got[e]), 1e-5)
	}
}

func TestHalfPrecisionForward(t *testing.T) {
	layout, buffers, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	wantF32 := []float32{5.5, 11, 16.5, 22, 5, 6, 7, 8, 9, 10}

	t.Run("float16", func(t *testing.T) {
		commBuffer := make([][]float16.Float16, len(buffers))
		for g, buf := range buffers {
			commBuffer[g] = make([]float16.Float16, len(buf))
			for i, v := range buf {
				commBuffer[g][i] = float16.Fromfloat32(v)
			}
		}
		output := make([]float16.Float16, layout.OutputLen(2))
		net.ForwardF16(rowLengths, combiners, commBuffer, layout, output, 4)
		for i, want := range wantF32 {
			assert.Equal(t, want, output[i].Float32(), "element %d", i)
		}
	})

	t.Run("bfloat16", func(t *testing.T) {
		commBuffer := make([][]bfloat16.BFloat16, len(buffers))
		for g, buf := range buffers {
			commBuffer[g] = make([]bfloat16.BFloat16, len(buf))
			for i, v := range buf {
				commBuffer[g][i] = bfloat16.FromFloat32(v)
			}
		}
		output := make([]bfloat16.BFloat16, layout.OutputLen(2))
		net.ForwardBF16(rowLengths, combiners, commBuffer, layout, output, 4)
		for i, want := range wantF32 {
			assert.Equal(t, want, output[i].Float32(), "element %d", i)
		}
	})
}

func TestHalfPrecisionBackward(t *testing.T) {
	layout, _, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	gradF32 := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	wantBuf0 := []float32{0.5, 1, 1.5, 2, 0, 0, 0, 0}
	wantBuf1 := []float32{5, 6, 7, 8, 9, 10, 0.5, 1, 1.5, 2}

	gradOutput := make([]float16.Float16, len(gradF32))
	for i, v := range gradF32 {
		gradOutput[i] = float16.Fromfloat32(v)
	}
	gradBuffer := [][]float16.Float16{
		make([]float16.Float16, 8),
		make([]float16.Float16, 10),
	}
	net.BackwardF16(rowLengths, combiners, gradOutput, layout, gradBuffer, 4)
	for i, want := range wantBuf0 {
		assert.Equal(t, want, gradBuffer[0][i].Float32(), "buffer 0 element %d", i)
	}
	for i, want := range wantBuf1 {
		assert.Equal(t, want, gradBuffer[1][i].Float32(), "buffer 1 element %d", i)
	}
}

func TestLayoutAccessors(t *testing.T) {
	layout, _, _, _ := twoInstanceFixture()
	assert.Equal(t, 2, layout.NumSlots())
	assert.Equal(t, 2, layout.SlotWidth(0))
	assert.Equal(t, 3, layout.SlotWidth(1))
	assert.Equal(t, 3, layout.MaxSlotWidth())
	assert.Equal(t, 10, layout.OutputLen(2))
	assert.Equal(t, 4, layout.bufferExtent(0))
	assert.Equal(t, 5, layout.bufferExtent(1))
}

func TestLayoutValidate(t *testing.T) {
	valid := func() *Layout {
		l, _, _, _ := twoInstanceFixture()
		return l
	}
	require.NoError(t, valid().Validate(2))

	testCases := []struct {
		name    string
		mutate  func(l *Layout)
		errPart string
	}{
		{"slot offsets not from zero", func(l *Layout) { l.SlotVecOffsets[0] = 1 }, "must start at 0"},
		{"zero width slot", func(l *Layout) { l.SlotVecOffsets[1] = 0 }, "non-positive width"},
		{"fragment offsets length", func(l *Layout) { l.FragmentOffsets = l.FragmentOffsets[:2] }, "fragment offsets"},
		{"fragment ids vs instances", func(l *Layout) { l.FragmentGPUs = l.FragmentGPUs[:2] }, "fragment ids"},
		{"dangling fragments", func(l *Layout) { l.FragmentOffsets[2] = 2 }, "fragment offsets end"},
		{"slot out of range", func(l *Layout) { l.DstSlots[0] = 7 }, "out of range"},
		{"slot listed twice", func(l *Layout) { l.DstSlots[1] = 1 }, "listed twice"},
		{"instance out of range", func(l *Layout) { l.FragmentGPUs[0] = 2 }, "out of range"},
		{"block out of range", func(l *Layout) { l.FragmentIDs[0] = 5 }, "out of range"},
		{"block feeds two destinations", func(l *Layout) {
			l.FragmentIDs = append(l.FragmentIDs, 0)
			l.FragmentGPUs = append(l.FragmentGPUs, 0)
			l.FragmentOffsets[2] = 4
		}, "feeds two destinations"},
		{"width mismatch", func(l *Layout) { l.SourceVecSizes[0][0] = 3 }, "destination slot width"},
		{"negative block offset", func(l *Layout) { l.SourceVecOffsets[1][0] = -1 }, "negative offset"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := valid()
			tc.mutate(l)
			err := l.Validate(2)
			require.Error(t, err)
			fmt.Printf("\t%s: %v\n", tc.name, err)
			assert.Contains(t, err.Error(), tc.errPart)
		})
	}

	// Width mismatch only matters for referenced blocks.
	l := valid()
	l.SourceVecSizes[0][1] = 17 // unreferenced filler block
	require.NoError(t, l.Validate(2))
}

func TestForwardArgumentPanics(t *testing.T) {
	layout, buffers, rowLengths, combiners := twoInstanceFixture()
	net := newTestNetwork(t, 2)
	output := make([]float32, layout.OutputLen(2))

	assert.Panics(t, func() {
		net.Forward(rowLengths, combiners, buffers, nil, output, 4)
	}, "nil layout")
	assert.Panics(t, func() {
		net.Forward(rowLengths, combiners, buffers, layout, output, 5)
	}, "batch not a multiple of instances")
	assert.Panics(t, func() {
		net.Forward(rowLengths, combiners[:1], buffers, layout, output, 4)
	}, "combiner count")
	assert.Panics(t, func() {
		net.Forward(rowLengths, []Combiner{CombinerMean, Combiner(7)}, buffers, layout, output, 4)
	}, "unknown combiner")
	assert.Panics(t, func() {
		net.Forward(rowLengths[:3], combiners, buffers, layout, output, 4)
	}, "row lengths count")
	assert.Panics(t, func() {
		net.Forward(rowLengths, combiners, buffers[:1], layout, output, 4)
	}, "missing instance buffer")
	assert.Panics(t, func() {
		short := [][]float32{buffers[0], buffers[1][:9]}
		net.Forward(rowLengths, combiners, short, layout, output, 4)
	}, "short instance buffer")
	assert.Panics(t, func() {
		net.Forward(rowLengths, combiners, buffers, layout, output[:9], 4)
	}, "output length")
	assert.Panics(t, func() {
		net.ForwardWeighted(rowLengths, []float32{1, 2}, combiners, buffers, layout, output, 4)
	}, "weight sums count")
}

func TestCombinerString(t *testing.T) {
	assert.Equal(t, "sum", CombinerSum.String())
	assert.Equal(t, "mean", CombinerMean.String())
	assert.Equal(t, "invalid", Combiner(9).String())
}
