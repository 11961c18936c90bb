package calibration

import (
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Curve is a measured collective response: time as a function of message
// size, sampled at strictly increasing sizes.
//
// Between samples the curve is piecewise linear and exact at the samples.
// Outside the measured range it extrapolates with the slope of the boundary
// segment, so estimates stay continuous as message sizes drift past the
// measured window.
type Curve struct {
	sizes []float64 // bytes, strictly increasing
	times []float64 // seconds
}

// NewCurve builds a Curve from measured (size, time) samples. Sizes are in
// bytes and must be strictly increasing; times are in seconds and must not
// be negative. At least two samples are required to define a slope.
func NewCurve(sizes, times []float64) (*Curve, error) {
	if len(sizes) != len(times) {
		return nil, errors.Errorf("calibration: %d sizes but %d times", len(sizes), len(times))
	}
	if len(sizes) < 2 {
		return nil, errors.Errorf("calibration: a curve needs at least 2 samples, got %d", len(sizes))
	}
	for i, s := range sizes {
		if i > 0 && s <= sizes[i-1] {
			return nil, errors.Errorf("calibration: curve sizes not monotonic: sizes[%d]=%g <= sizes[%d]=%g",
				i, s, i-1, sizes[i-1])
		}
		if times[i] < 0 {
			return nil, errors.Errorf("calibration: negative time %g at sample %d", times[i], i)
		}
	}
	return &Curve{sizes: slices.Clone(sizes), times: slices.Clone(times)}, nil
}

// NumSamples returns the number of measured samples.
func (c *Curve) NumSamples() int { return len(c.sizes) }

// At returns the estimated time in seconds for a message of size bytes.
//
// A size equal to a measured sample returns exactly the measured time, so
// round-tripping the calibration inputs is lossless.
func (c *Curve) At(size float64) float64 {
	i := sort.SearchFloat64s(c.sizes, size)
	if i < len(c.sizes) && c.sizes[i] == size {
		return c.times[i]
	}
	// Sizes below the first sample reuse the first segment, sizes above the
	// last sample the last segment.
	if i == 0 {
		i = 1
	} else if i == len(c.sizes) {
		i = len(c.sizes) - 1
	}
	slope := (c.times[i] - c.times[i-1]) / (c.sizes[i] - c.sizes[i-1])
	return c.times[i-1] + (size-c.sizes[i-1])*slope
}

// MaxBandwidth returns the best throughput observed on the curve, in bytes
// per second. Samples with a zero time are skipped.
func (c *Curve) MaxBandwidth() float64 {
	var best float64
	for i, s := range c.sizes {
		if c.times[i] <= 0 {
			continue
		}
		if bw := s / c.times[i]; bw > best {
			best = bw
		}
	}
	return best
}

// Interpolate fills times[i] with the estimate for sizes[i]. Both slices
// must have the same length. This is the control-plane variant;
// InterpolateF32 runs the same interpolation over bulk float32 data.
func (c *Curve) Interpolate(sizes, times []float64) { interpolateBulk(c, sizes, times) }

// InterpolateF32 is Interpolate for estimates kept in bulk device-shaped
// float32 buffers.
func (c *Curve) InterpolateF32(sizes, times []float32) { interpolateBulk(c, sizes, times) }

func interpolateBulk[F constraints.Float](c *Curve, sizes, times []F) {
	if len(sizes) != len(times) {
		exceptions.Panicf("calibration: bulk interpolate got %d sizes but %d times", len(sizes), len(times))
	}
	for i, s := range sizes {
		times[i] = F(c.At(float64(s)))
	}
}
