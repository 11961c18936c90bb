package netcombine

import (
	"github.com/pkg/errors"
)

// Layout describes, for one instance, how the blocks of the exchanged
// communication buffers map onto the instance's output rows. It is plain
// data: all instances must agree on it, and it only changes when the
// placement snapshot changes.
//
// The combine model: after the exchange, instance g holds one received
// buffer per peer. Each buffer is a sequence of blocks; block id of peer g
// carries one embedding vector per local sample, laid out so that the
// fragment of sample b starts at element
//
//	SourceVecOffsets[g][id]*batchPerInstance + b*SourceVecSizes[g][id].
//
// Every destination (slot, sample) accumulates the fragments listed for that
// slot, in listing order.
type Layout struct {
	// DstSlots lists the destination feature slots this instance combines,
	// each exactly once.
	DstSlots []int32

	// FragmentOffsets delimits, per DstSlots entry, the fragment range in
	// FragmentIDs and FragmentGPUs: entries FragmentOffsets[i] up to
	// FragmentOffsets[i+1] feed DstSlots[i].
	FragmentOffsets []int32

	// FragmentIDs names the source block on the sending instance, per
	// fragment.
	FragmentIDs []int32

	// FragmentGPUs names the sending instance, per fragment.
	FragmentGPUs []int32

	// SourceVecSizes[g][id] is the vector width of block id in instance g's
	// buffer. It must equal the width of the destination slot the block
	// feeds.
	SourceVecSizes [][]int32

	// SourceVecOffsets[g][id] is the position of block id in instance g's
	// buffer, counted in vectors.
	SourceVecOffsets [][]int32

	// SlotVecOffsets holds prefix sums of the output slot widths: slot s is
	// SlotVecOffsets[s+1]-SlotVecOffsets[s] elements wide and the output row
	// of (slot s, sample b) starts at element
	// SlotVecOffsets[s]*batchPerInstance + b*width(s). Widths may differ per
	// slot.
	SlotVecOffsets []int32
}

// NumSlots returns the number of destination feature slots.
func (l *Layout) NumSlots() int { return len(l.SlotVecOffsets) - 1 }

// SlotWidth returns the vector width of the given slot.
func (l *Layout) SlotWidth(slot int) int {
	return int(l.SlotVecOffsets[slot+1] - l.SlotVecOffsets[slot])
}

// MaxSlotWidth returns the widest slot width, 0 for an empty layout.
func (l *Layout) MaxSlotWidth() int {
	max := 0
	for s := 0; s < l.NumSlots(); s++ {
		if w := l.SlotWidth(s); w > max {
			max = w
		}
	}
	return max
}

// OutputLen returns the required output buffer length for the given
// per-instance batch size.
func (l *Layout) OutputLen(batchPerInstance int) int {
	return int(l.SlotVecOffsets[l.NumSlots()]) * batchPerInstance
}

// bufferExtent returns the required buffer length of instance g, counted in
// vectors (multiply by batchPerInstance for elements).
func (l *Layout) bufferExtent(g int) int {
	extent := 0
	for id := range l.SourceVecSizes[g] {
		if end := int(l.SourceVecOffsets[g][id] + l.SourceVecSizes[g][id]); end > extent {
			extent = end
		}
	}
	return extent
}

// Validate checks the structural consistency of the layout against the
// instance count: index ranges, matching array lengths, one listing per
// destination slot, one destination per source block, and fragment widths
// equal to their destination slot widths.
func (l *Layout) Validate(numInstances int) error {
	if numInstances < 1 {
		return errors.Errorf("layout: num instances must be >= 1, got %d", numInstances)
	}
	if len(l.SlotVecOffsets) < 2 {
		return errors.New("layout: at least one destination slot is required")
	}
	if l.SlotVecOffsets[0] != 0 {
		return errors.Errorf("layout: slot offsets must start at 0, got %d", l.SlotVecOffsets[0])
	}
	numSlots := l.NumSlots()
	for s := 0; s < numSlots; s++ {
		if l.SlotVecOffsets[s+1] <= l.SlotVecOffsets[s] {
			return errors.Errorf("layout: slot %d has non-positive width", s)
		}
	}

	if len(l.FragmentOffsets) != len(l.DstSlots)+1 {
		return errors.Errorf("layout: fragment offsets has %d entries, want len(dst slots)+1 = %d",
			len(l.FragmentOffsets), len(l.DstSlots)+1)
	}
	if l.FragmentOffsets[0] != 0 {
		return errors.Errorf("layout: fragment offsets must start at 0, got %d", l.FragmentOffsets[0])
	}
	numFragments := len(l.FragmentIDs)
	if len(l.FragmentGPUs) != numFragments {
		return errors.Errorf("layout: %d fragment ids but %d fragment instances", numFragments, len(l.FragmentGPUs))
	}
	for i := 1; i < len(l.FragmentOffsets); i++ {
		if l.FragmentOffsets[i] < l.FragmentOffsets[i-1] {
			return errors.Errorf("layout: fragment offsets decrease at %d", i)
		}
	}
	if int(l.FragmentOffsets[len(l.DstSlots)]) != numFragments {
		return errors.Errorf("layout: fragment offsets end at %d, but there are %d fragments",
			l.FragmentOffsets[len(l.DstSlots)], numFragments)
	}

	if len(l.SourceVecSizes) != numInstances || len(l.SourceVecOffsets) != numInstances {
		return errors.Errorf("layout: source tables cover %d/%d instances, want %d",
			len(l.SourceVecSizes), len(l.SourceVecOffsets), numInstances)
	}
	for g := range l.SourceVecSizes {
		if len(l.SourceVecSizes[g]) != len(l.SourceVecOffsets[g]) {
			return errors.Errorf("layout: instance %d has %d block sizes but %d block offsets",
				g, len(l.SourceVecSizes[g]), len(l.SourceVecOffsets[g]))
		}
		for id := range l.SourceVecSizes[g] {
			if l.SourceVecSizes[g][id] <= 0 {
				return errors.Errorf("layout: block %d of instance %d has non-positive width", id, g)
			}
			if l.SourceVecOffsets[g][id] < 0 {
				return errors.Errorf("layout: block %d of instance %d has negative offset", id, g)
			}
		}
	}

	seenSlot := make([]bool, numSlots)
	seenBlock := make([][]bool, numInstances)
	for g := range seenBlock {
		seenBlock[g] = make([]bool, len(l.SourceVecSizes[g]))
	}
	for i, slot := range l.DstSlots {
		if slot < 0 || int(slot) >= numSlots {
			return errors.Errorf("layout: destination slot %d out of range [0, %d)", slot, numSlots)
		}
		if seenSlot[slot] {
			return errors.Errorf("layout: destination slot %d listed twice", slot)
		}
		seenSlot[slot] = true
		width := int32(l.SlotWidth(int(slot)))
		for r := l.FragmentOffsets[i]; r < l.FragmentOffsets[i+1]; r++ {
			g := l.FragmentGPUs[r]
			if g < 0 || int(g) >= numInstances {
				return errors.Errorf("layout: fragment %d names instance %d, out of range [0, %d)", r, g, numInstances)
			}
			id := l.FragmentIDs[r]
			if id < 0 || int(id) >= len(l.SourceVecSizes[g]) {
				return errors.Errorf("layout: fragment %d names block %d of instance %d, out of range [0, %d)",
					r, id, g, len(l.SourceVecSizes[g]))
			}
			if seenBlock[g][id] {
				return errors.Errorf("layout: block %d of instance %d feeds two destinations", id, g)
			}
			seenBlock[g][id] = true
			if l.SourceVecSizes[g][id] != width {
				return errors.Errorf("layout: fragment width %d != destination slot width %d (block %d of instance %d, slot %d)",
					l.SourceVecSizes[g][id], width, id, g, slot)
			}
		}
	}
	return nil
}
