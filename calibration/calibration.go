// Package calibration models the measured cost of the two collectives a
// hybrid embedding plan depends on: the broadcast-combine (all-reduce) over
// replicated frequent rows and the exchange-shuffle (all-to-all) over sharded
// infrequent rows.
//
// Two calibration modes exist and exactly one must be configured:
//
//   - Measured response curves, piecewise linear in message size, exact at
//     the measured samples (ModeCurves).
//   - A single peak bandwidth per collective, standing in for a synthetic
//     zero-intercept linear curve time = size/bandwidth (ModeBandwidths).
//
// The package never runs a collective. It only answers "how long would a
// message of this size take", which is all the threshold solver needs.
package calibration

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Kind selects which collective an estimate is for.
type Kind int

const (
	// AllReduce is the broadcast-combine collective run over the replicated
	// (frequent) embedding rows.
	AllReduce Kind = iota

	// AllToAll is the exchange-shuffle collective run over the sharded
	// (infrequent) embedding rows.
	AllToAll
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case AllReduce:
		return "all-reduce"
	case AllToAll:
		return "all-to-all"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Mode says how a Data object produces estimates.
type Mode int

const (
	// ModeCurves interpolates measured response curves.
	ModeCurves Mode = iota

	// ModeBandwidths divides message size by a configured peak bandwidth.
	ModeBandwidths
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeCurves:
		return "measured-curves"
	case ModeBandwidths:
		return "peak-bandwidths"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Data holds the calibration for both collective kinds, in one of the two
// modes. It is immutable after construction.
type Data struct {
	mode Mode

	allReduce, allToAll *Curve // ModeCurves

	allReduceBW, allToAllBW float64 // ModeBandwidths, bytes per second
}

// FromCurves builds calibration data from measured response curves, one per
// collective kind. Both curves are required.
func FromCurves(allReduce, allToAll *Curve) (*Data, error) {
	if allReduce == nil || allToAll == nil {
		return nil, errors.New("calibration: curves are required for both all-reduce and all-to-all")
	}
	return &Data{mode: ModeCurves, allReduce: allReduce, allToAll: allToAll}, nil
}

// FromBandwidths builds calibration data from peak bandwidths in bytes per
// second, one per collective kind. Both must be positive.
func FromBandwidths(allReduceBW, allToAllBW float64) (*Data, error) {
	if allReduceBW <= 0 || allToAllBW <= 0 {
		return nil, errors.Errorf("calibration: bandwidths must be positive, got all-reduce=%g and all-to-all=%g",
			allReduceBW, allToAllBW)
	}
	return &Data{mode: ModeBandwidths, allReduceBW: allReduceBW, allToAllBW: allToAllBW}, nil
}

// Mode returns the configured calibration mode.
func (d *Data) Mode() Mode { return d.mode }

// Curve returns the measured curve for kind. It panics unless the data was
// built with FromCurves.
func (d *Data) Curve(kind Kind) *Curve {
	if d.mode != ModeCurves {
		exceptions.Panicf("calibration: Curve(%s) on %s data", kind, d.mode)
	}
	switch kind {
	case AllReduce:
		return d.allReduce
	case AllToAll:
		return d.allToAll
	}
	exceptions.Panicf("calibration: unknown collective kind %d", int(kind))
	return nil
}

// Bandwidth returns the configured peak bandwidth for kind, in bytes per
// second. It panics unless the data was built with FromBandwidths.
func (d *Data) Bandwidth(kind Kind) float64 {
	if d.mode != ModeBandwidths {
		exceptions.Panicf("calibration: Bandwidth(%s) on %s data", kind, d.mode)
	}
	switch kind {
	case AllReduce:
		return d.allReduceBW
	case AllToAll:
		return d.allToAllBW
	}
	exceptions.Panicf("calibration: unknown collective kind %d", int(kind))
	return 0
}

// Estimate returns the estimated time in seconds for one collective of the
// given kind moving sizeBytes per participant. A zero size is a legal input
// and in bandwidth mode costs exactly zero.
func (d *Data) Estimate(kind Kind, sizeBytes float64) float64 {
	switch d.mode {
	case ModeCurves:
		return d.Curve(kind).At(sizeBytes)
	case ModeBandwidths:
		return sizeBytes / d.Bandwidth(kind)
	}
	exceptions.Panicf("calibration: unknown mode %d", int(d.mode))
	return 0
}

// EstimateBulk fills times[i] with the estimate for sizes[i]. Both slices
// must have the same length.
func (d *Data) EstimateBulk(kind Kind, sizes, times []float64) {
	if len(sizes) != len(times) {
		exceptions.Panicf("calibration: EstimateBulk got %d sizes but %d times", len(sizes), len(times))
	}
	for i, s := range sizes {
		times[i] = d.Estimate(kind, s)
	}
}

// EstimateBulkF32 is EstimateBulk over float32 slices, for estimates that
// live in bulk device-shaped buffers rather than on the control plane.
func (d *Data) EstimateBulkF32(kind Kind, sizes, times []float32) {
	if len(sizes) != len(times) {
		exceptions.Panicf("calibration: EstimateBulkF32 got %d sizes but %d times", len(sizes), len(times))
	}
	for i, s := range sizes {
		times[i] = float32(d.Estimate(kind, float64(s)))
	}
}
